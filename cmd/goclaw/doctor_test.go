package main

import (
	"context"
	"os"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TELECLAUDE_HOME", home)
	// Write minimal config so doctor doesn't fail on load.
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), nil)
	// Doctor may return 0 or 1 depending on environment (e.g., no tmux),
	// but it should not panic or return 2.
	if code == 2 {
		t.Fatalf("unexpected exit code 2 (parse error)")
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TELECLAUDE_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// -json flag should produce parseable JSON output (exit 0 or 1, never 2).
	code := runDoctorCommand(context.Background(), []string{"-json"})
	if code == 2 {
		t.Fatalf("got exit code 2 for JSON output")
	}
}

func TestRunDoctorCommand_DoubleJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TELECLAUDE_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// --json should also work.
	code := runDoctorCommand(context.Background(), []string{"--json"})
	if code == 2 {
		t.Fatalf("got exit code 2 for --json")
	}
}

func TestRunDoctorCommand_NeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TELECLAUDE_HOME", home)
	// No config.yaml at all — triggers NeedsGenesis path.

	code := runDoctorCommand(context.Background(), nil)
	// Should still complete (diagnoses the problem), not crash.
	if code < 0 {
		t.Fatalf("unexpected negative exit code: %d", code)
	}
}
