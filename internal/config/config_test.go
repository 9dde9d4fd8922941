package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-claw/internal/config"
)

func TestLoad_MissingConfigSetsNeedsGenesis(t *testing.T) {
	t.Setenv("TELECLAUDE_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Error("NeedsGenesis = false, want true when config.yaml is absent")
	}
	if cfg.Transport.SocketPath != "/tmp/teleclaude-api.sock" {
		t.Errorf("default socket path = %q", cfg.Transport.SocketPath)
	}
	if cfg.CheckpointPattern != "CHECKPOINT_OK" {
		t.Errorf("default checkpoint pattern = %q", cfg.CheckpointPattern)
	}
}

func TestLoad_ParsesYAMLAndFillsDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TELECLAUDE_HOME", home)

	yamlBody := `
computer_name: laptop-1
adapters:
  telegram:
    token: xyz
    enabled: true
retention:
  idle_session_hours: 24
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ComputerName != "laptop-1" {
		t.Errorf("computer_name = %q, want laptop-1", cfg.ComputerName)
	}
	if !cfg.Adapters.Telegram.Enabled || cfg.Adapters.Telegram.Token != "xyz" {
		t.Errorf("telegram adapter = %+v", cfg.Adapters.Telegram)
	}
	if cfg.Retention.IdleSessionHours != 24 {
		t.Errorf("idle_session_hours = %d, want 24", cfg.Retention.IdleSessionHours)
	}
	// Untouched defaults still apply.
	if cfg.InboundWorkers != 4 {
		t.Errorf("inbound_workers default = %d, want 4", cfg.InboundWorkers)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TELECLAUDE_HOME", home)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("DAEMON_SOCKET_PATH", "/tmp/custom.sock")

	yamlBody := "adapters:\n  telegram:\n    token: yaml-token\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Adapters.Telegram.Token != "env-token" {
		t.Errorf("telegram token = %q, want env override", cfg.Adapters.Telegram.Token)
	}
	if cfg.Transport.SocketPath != "/tmp/custom.sock" {
		t.Errorf("socket path = %q, want env override", cfg.Transport.SocketPath)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a := config.Config{ComputerName: "a"}
	b := config.Config{ComputerName: "b"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprints should differ for different computer names")
	}
}

func TestLoadDotEnv_NeverOverridesSetVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TELECLAUDE_COMPUTER_NAME=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("TELECLAUDE_COMPUTER_NAME", "already-set")
	config.LoadDotEnv(path)
	if got := os.Getenv("TELECLAUDE_COMPUTER_NAME"); got != "already-set" {
		t.Errorf("LoadDotEnv overrode an already-set var: got %q", got)
	}
}
