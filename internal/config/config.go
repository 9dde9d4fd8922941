// Package config loads TeleClaude's YAML configuration (§6 Environment
// variables, SPEC_FULL.md Configuration): one struct tree with per-adapter
// sections, defaults filled in after unmarshal, environment overrides
// layered on top (env wins), and an fsnotify watcher for the subset of
// fields that are safe to change live.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the Telegram origin/observer adapter.
type TelegramConfig struct {
	Token        string  `yaml:"token"`
	SupergroupID int64   `yaml:"supergroup_id"`
	AllowedIDs   []int64 `yaml:"allowed_ids"`
	Enabled      bool    `yaml:"enabled"`
}

// DiscordConfig configures the Discord origin/observer adapter.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	GuildID  string `yaml:"guild_id"`
	Enabled  bool   `yaml:"enabled"`
}

// WhatsAppConfig configures the WhatsApp Cloud API adapter (§6 Inbound
// webhook verification).
type WhatsAppConfig struct {
	PhoneNumberID string `yaml:"phone_number_id"`
	AccessToken   string `yaml:"access_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	VerifyToken   string `yaml:"verify_token"`
	Enabled       bool   `yaml:"enabled"`
}

// WebConfig configures the local Web/TUI-facing adapter (broadcasts over
// the WebSocket push surface, §4.10).
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MCPAdapterConfig configures TeleClaude's own MCP server surface — the
// daemon exposing session tools to an external MCP client, the mirror of
// the teacher's outbound MCP-client concern (DESIGN.md).
type MCPAdapterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"` // subprocess invocation form, stdio transport
}

// AdaptersConfig groups every Channel variant's configuration.
type AdaptersConfig struct {
	Telegram TelegramConfig   `yaml:"telegram"`
	Discord  DiscordConfig    `yaml:"discord"`
	WhatsApp WhatsAppConfig   `yaml:"whatsapp"`
	Web      WebConfig        `yaml:"web"`
	MCP      MCPAdapterConfig `yaml:"mcp"`
}

// TransportConfig configures the local Unix-socket API, the WebSocket push
// surface, and the cross-host Redis transport (§4.10).
type TransportConfig struct {
	SocketPath   string   `yaml:"socket_path"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisEnabled  bool   `yaml:"redis_enabled"`
}

// RateLimitConfig configures the local API's per-key token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
	Enabled           bool `yaml:"enabled"`
}

// RetentionConfig configures the idle-sweep and outbox-retention sweeper
// (SPEC_FULL.md "Idle-sweep scheduler", §3 Session lifecycle).
type RetentionConfig struct {
	IdleSessionHours int    `yaml:"idle_session_hours"`
	AuditLogDays     int    `yaml:"audit_log_days"`
	MessageDays      int    `yaml:"message_days"`
	OutboxDays       int    `yaml:"outbox_days"`
	SweepCron        string `yaml:"sweep_cron"`
}

// SummarizationConfig configures the stop-event LLM summarizer (§4.4 step
// b). Provider selects which SDK client backs it; empty disables
// summarization (raw output is still recorded).
type SummarizationConfig struct {
	Provider string `yaml:"provider"` // "anthropic" | "openai" | "google" | ""
	Model    string `yaml:"model"`
}

// OtelConfig mirrors internal/otel.Config's YAML shape.
type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Config is TeleClaude's complete daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	ComputerName string `yaml:"computer_name"`
	LogLevel     string `yaml:"log_level"`
	LogQuiet     bool   `yaml:"log_quiet"`

	InboundWorkers    int    `yaml:"inbound_workers"`
	HookWorkers       int    `yaml:"hook_workers"`
	PollIntervalMS    int    `yaml:"poll_interval_ms"`
	ClaimBatchSize    int    `yaml:"claim_batch_size"`
	ClaimLockTimeoutS int    `yaml:"claim_lock_timeout_seconds"`
	DispatchTimeoutS  int    `yaml:"dispatch_timeout_seconds"`
	CheckpointPattern string `yaml:"checkpoint_pattern"`

	// ThreadedOutputExperimentAgents opts non-Discord origins into threaded
	// output when the session's active_agent is in this list (§4.6 feature
	// flag, "not agent-name-hardcoded").
	ThreadedOutputExperimentAgents []string `yaml:"threaded_output_experiment_agents"`

	MaxMessageLength int `yaml:"max_message_length"`

	Adapters      AdaptersConfig  `yaml:"adapters"`
	Transport     TransportConfig `yaml:"transport"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Retention     RetentionConfig `yaml:"retention"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Otel          OtelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, useful for
// detecting whether a hot-reload actually changed anything that matters.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "computer=%s|log=%s|socket=%s|origins=%v|checkpoint=%s",
		c.ComputerName, c.LogLevel, c.Transport.SocketPath, c.Transport.AllowOrigins, c.CheckpointPattern)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c Config) ClaimLockTimeout() time.Duration {
	return time.Duration(c.ClaimLockTimeoutS) * time.Second
}

func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutS) * time.Second
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		InboundWorkers:    4,
		HookWorkers:       2,
		PollIntervalMS:    250,
		ClaimBatchSize:    10,
		ClaimLockTimeoutS: 60,
		DispatchTimeoutS:  30,
		CheckpointPattern: "CHECKPOINT_OK",
		MaxMessageLength:  4096,
		Adapters: AdaptersConfig{
			Web: WebConfig{Enabled: true},
		},
		Transport: TransportConfig{
			SocketPath: "/tmp/teleclaude-api.sock",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         30,
		},
		Retention: RetentionConfig{
			IdleSessionHours: 72,
			AuditLogDays:     365,
			MessageDays:      90,
			OutboxDays:       7,
			SweepCron:        "@every 1h",
		},
		Otel: OtelConfig{
			Exporter:   "none",
			SampleRate: 0.1,
		},
	}
}

// HomeDir resolves $TELECLAUDE_HOME, falling back to ~/.teleclaude — the
// same variable persistence.DefaultDBPath reads, so the daemon's config,
// database, and logs all live under one root.
func HomeDir() string {
	if override := os.Getenv("TELECLAUDE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".teleclaude")
}

// Load reads config.yaml from HomeDir, applies environment overrides
// (§6 Environment variables — env wins over file), and fills in defaults
// for anything left unset.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create teleclaude home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.ComputerName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.ComputerName = host
		} else {
			cfg.ComputerName = "local"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.InboundWorkers <= 0 {
		cfg.InboundWorkers = 4
	}
	if cfg.HookWorkers <= 0 {
		cfg.HookWorkers = 2
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 250
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 10
	}
	if cfg.ClaimLockTimeoutS <= 0 {
		cfg.ClaimLockTimeoutS = 60
	}
	if cfg.DispatchTimeoutS <= 0 {
		cfg.DispatchTimeoutS = 30
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4096
	}
	if strings.TrimSpace(cfg.Transport.SocketPath) == "" {
		cfg.Transport.SocketPath = "/tmp/teleclaude-api.sock"
	}
	if cfg.Retention.IdleSessionHours <= 0 {
		cfg.Retention.IdleSessionHours = 72
	}
	if cfg.Retention.AuditLogDays <= 0 {
		cfg.Retention.AuditLogDays = 365
	}
	if cfg.Retention.MessageDays <= 0 {
		cfg.Retention.MessageDays = 90
	}
	if cfg.Retention.OutboxDays <= 0 {
		cfg.Retention.OutboxDays = 7
	}
	if strings.TrimSpace(cfg.Retention.SweepCron) == "" {
		cfg.Retention.SweepCron = "@every 1h"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 30
	}
}

// applyEnvOverrides layers §6's documented environment variables over the
// YAML-loaded config; env always wins.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DAEMON_SOCKET_PATH"); v != "" {
		cfg.Transport.SocketPath = v
	}
	if v := os.Getenv("TELECLAUDE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TELECLAUDE_COMPUTER_NAME"); v != "" {
		cfg.ComputerName = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Adapters.Telegram.Token = v
		cfg.Adapters.Telegram.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_SUPERGROUP_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Adapters.Telegram.SupergroupID = id
		}
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Adapters.Discord.BotToken = v
		cfg.Adapters.Discord.Enabled = true
	}
	if v := os.Getenv("DISCORD_GUILD_ID"); v != "" {
		cfg.Adapters.Discord.GuildID = v
	}
	if v := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); v != "" {
		cfg.Adapters.WhatsApp.PhoneNumberID = v
		cfg.Adapters.WhatsApp.Enabled = true
	}
	if v := os.Getenv("WHATSAPP_ACCESS_TOKEN"); v != "" {
		cfg.Adapters.WhatsApp.AccessToken = v
	}
	if v := os.Getenv("WHATSAPP_WEBHOOK_SECRET"); v != "" {
		cfg.Adapters.WhatsApp.WebhookSecret = v
	}
	if v := os.Getenv("WHATSAPP_VERIFY_TOKEN"); v != "" {
		cfg.Adapters.WhatsApp.VerifyToken = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Transport.RedisAddr = v
		cfg.Transport.RedisEnabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Transport.RedisPassword = v
	}
	if v := os.Getenv("TELECLAUDE_AUTH_TOKEN"); v != "" {
		cfg.Transport.AuthToken = v
	}
}

// loadDotEnv is a minimal .env loader: KEY=VALUE lines, '#' comments,
// never overriding a variable already set in the process environment.
// Grounded on the teacher's main.go .env bootstrap.
func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
}

// LoadDotEnv is the exported entry point main.go calls before config.Load,
// so that a repo-local .env can seed adapter credentials.
func LoadDotEnv(path string) {
	loadDotEnv(path)
}
