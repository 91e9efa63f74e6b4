package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "sk-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	content := `
model:
  provider: anthropic
  name: claude-sonnet-4-20250514
anthropic:
  api_key: ${LOOM_TEST_KEY}
workspace:
  path: /tmp/project
  sensitive_files:
    - .env
agent:
  max_iterations: 10
  retry:
    max_retries: 5
    base_delay: 250ms
    multiplier: 1.5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want env-expanded value", cfg.Anthropic.APIKey)
	}
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("Provider = %q", cfg.Model.Provider)
	}
	if cfg.Workspace.Path != "/tmp/project" {
		t.Errorf("Workspace.Path = %q", cfg.Workspace.Path)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 250ms", cfg.Agent.Retry.BaseDelay)
	}
	if cfg.Agent.Retry.Multiplier != 1.5 {
		t.Errorf("Multiplier = %v, want 1.5", cfg.Agent.Retry.Multiplier)
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.LoopRepeatThreshold != 2 {
		t.Errorf("LoopRepeatThreshold = %d, want default 2", cfg.Agent.LoopRepeatThreshold)
	}
	if cfg.Tools.TimeoutSec != 60 {
		t.Errorf("TimeoutSec = %d, want default 60", cfg.Tools.TimeoutSec)
	}
	if cfg.Listen.Port != 8315 {
		t.Errorf("Port = %d, want default 8315", cfg.Listen.Port)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/loom.yaml")
	if err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
