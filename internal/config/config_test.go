package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.CLI.Binary != "claude" {
		t.Errorf("expected default binary claude, got %s", cfg.CLI.Binary)
	}
	if cfg.CLI.Timeout != 120*time.Second {
		t.Errorf("expected timeout 120s, got %v", cfg.CLI.Timeout)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 7777 {
		t.Errorf("expected web port 7777, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Sessions.Backend != "file" {
		t.Errorf("expected file sessions backend, got %s", cfg.Sessions.Backend)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("JARVIS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("JARVIS_HOME", home)
	t.Setenv("JARVIS_TIMEOUT_MS", "5000")
	t.Setenv("JARVIS_LOG_PORT", "9090")
	t.Setenv("JARVIS_LOG_ENABLED", "false")
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token-123")
	t.Setenv("TELEGRAM_ALLOWED_USERS", "1, 2,bogus,3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Home != home {
		t.Errorf("expected home %s, got %s", home, cfg.Home)
	}
	if cfg.CLI.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", cfg.CLI.Timeout)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	if cfg.Telegram.Token != "test-token-123" {
		t.Errorf("expected telegram token test-token-123, got %s", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AllowFrom) != 3 || cfg.Telegram.AllowFrom[2] != 3 {
		t.Errorf("unexpected allow list %v", cfg.Telegram.AllowFrom)
	}
	if cfg.Store.Path != filepath.Join(home, "data/jarvis.db") {
		t.Errorf("expected store path below home, got %s", cfg.Store.Path)
	}
	if cfg.MainSystemPromptPath() != filepath.Join(home, "agents", "main", "system-prompt.md") {
		t.Errorf("unexpected system prompt path %s", cfg.MainSystemPromptPath())
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
home: "${TEST_JARVIS_HOME}"
cli:
  binary: "/usr/local/bin/claude"
  timeout: 45s
telegram:
  token: "yaml-token"
  allow_from: [123, 456]
sessions:
  backend: sqlite
web:
  port: 3000
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("JARVIS_CONFIG", cfgPath)
	t.Setenv("TEST_JARVIS_HOME", dir)
	t.Setenv("JARVIS_HOME", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Home != dir {
		t.Errorf("expected expanded home %s, got %s", dir, cfg.Home)
	}
	if cfg.CLI.Binary != "/usr/local/bin/claude" {
		t.Errorf("unexpected binary %s", cfg.CLI.Binary)
	}
	if cfg.CLI.Timeout != 45*time.Second {
		t.Errorf("expected 45s timeout, got %v", cfg.CLI.Timeout)
	}
	if cfg.Telegram.Token != "yaml-token" {
		t.Errorf("expected yaml-token, got %s", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AllowFrom) != 2 {
		t.Errorf("expected 2 allow_from entries, got %d", len(cfg.Telegram.AllowFrom))
	}
	if cfg.Sessions.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %s", cfg.Sessions.Backend)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("JARVIS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("JARVIS_SESSIONS_BACKEND", "redis")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown sessions backend")
	}
}
