package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Home     string         `yaml:"home"`
	CLI      CLIConfig      `yaml:"cli"`
	Telegram TelegramConfig `yaml:"telegram"`
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Sessions SessionsConfig `yaml:"sessions"`
	Web      WebConfig      `yaml:"web"`
}

type CLIConfig struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type NATSConfig struct {
	Port int `yaml:"port"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type SessionsConfig struct {
	// Backend is "file" (flat JSON maps under data/) or "sqlite".
	Backend string `yaml:"backend"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

func defaults() Config {
	home, _ := os.Getwd()
	return Config{
		Home: home,
		CLI: CLIConfig{
			Binary:  "claude",
			Timeout: 120 * time.Second,
		},
		NATS: NATSConfig{
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/jarvis.db",
		},
		Sessions: SessionsConfig{
			Backend: "file",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    7777,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("JARVIS_CONFIG")
	if path == "" {
		path = "config/jarvis.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Sessions.Backend != "file" && cfg.Sessions.Backend != "sqlite" {
		return nil, fmt.Errorf("invalid sessions backend %q", cfg.Sessions.Backend)
	}
	if !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(cfg.Home, cfg.Store.Path)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("JARVIS_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("JARVIS_CLI"); v != "" {
		cfg.CLI.Binary = v
	}
	if v := os.Getenv("JARVIS_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.CLI.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("JARVIS_LOG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("JARVIS_LOG_ENABLED"); v != "" {
		cfg.Web.Enabled = v != "false"
	}
	if v := os.Getenv("JARVIS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("JARVIS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("JARVIS_SESSIONS_BACKEND"); v != "" {
		cfg.Sessions.Backend = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_ALLOWED_USERS"); v != "" {
		cfg.Telegram.AllowFrom = parseIDs(v)
	}
}

func parseIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Paths derived from Home. Everything Jarvis reads or writes lives below it.

func (c *Config) AgentsDir() string {
	return filepath.Join(c.Home, "agents")
}

func (c *Config) SkillsDir() string {
	return filepath.Join(c.Home, "skills")
}

func (c *Config) DataDir() string {
	return filepath.Join(c.Home, "data")
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir(), "logs")
}

func (c *Config) TmpDir() string {
	return filepath.Join(c.DataDir(), "tmp")
}

func (c *Config) MainSystemPromptPath() string {
	return filepath.Join(c.AgentsDir(), "main", "system-prompt.md")
}

func (c *Config) MainMemoryPath() string {
	return filepath.Join(c.AgentsDir(), "main", "memory.md")
}

func (c *Config) SessionsPath() string {
	return filepath.Join(c.DataDir(), "sessions.json")
}

func (c *Config) SubagentSessionsPath() string {
	return filepath.Join(c.DataDir(), "subagent-sessions.json")
}

// IngestURL is where out-of-process producers post their events.
func (c *Config) IngestURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/api/events", c.Web.Port)
}

// GUIPath is the single-page log viewer served at "/".
func (c *Config) GUIPath() string {
	return filepath.Join(c.Home, "gui", "index.html")
}
