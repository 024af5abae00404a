package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultFileName is the TOML config file name under the agentrelay directory.
const DefaultFileName = "config.toml"

// Config is the top-level user-facing configuration in TOML format.
type Config struct {
	Server   ServerConfig        `toml:"server"`
	Telegram TelegramConfig      `toml:"telegram"`
	Logging  LoggingConfig       `toml:"logging"`
	History  HistoryConfig       `toml:"history"`
	Agents   map[string]AgentDef `toml:"agents"`
}

// ServerConfig configures the streaming gateway.
type ServerConfig struct {
	// Host to bind. Default: 127.0.0.1
	Host string `toml:"host"`

	// Port to listen on. Default: 8420
	Port int `toml:"port"`

	// ExecutesPerMinute is the per-user rate limit for execute calls.
	// Default: 20
	ExecutesPerMinute int `toml:"executes_per_minute"`
}

// TelegramConfig configures the chat bridge. The bot token is taken from the
// TELEGRAM_BOT_TOKEN environment variable, never from the config file.
type TelegramConfig struct {
	// Enabled starts the Telegram bridge alongside the gateway.
	Enabled bool `toml:"enabled"`

	// AllowedUsers is the whitelist of Telegram user IDs. Empty allows
	// everyone (development mode).
	AllowedUsers []string `toml:"allowed_users"`

	// DefaultAgent is the agent used by /start. Default: first registered.
	DefaultAgent string `toml:"default_agent"`

	// PollTimeoutSecs is the long-poll timeout for getUpdates. Default: 30
	PollTimeoutSecs int `toml:"poll_timeout_secs"`
}

// LoggingConfig mirrors logging.Config in TOML form.
type LoggingConfig struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// HistoryConfig configures the execution audit log.
type HistoryConfig struct {
	// Enabled records execution metadata to sqlite. Default: true
	Enabled *bool `toml:"enabled"`

	// Path is the sqlite database path. Default: <dir>/history.db
	Path string `toml:"path"`
}

// On reports whether the execution log should be kept.
func (h HistoryConfig) On() bool {
	return h.Enabled == nil || *h.Enabled
}

// AgentDef declares a CLI agent the relay can drive.
type AgentDef struct {
	// Command is the executable path (e.g. "claude").
	Command string `toml:"command"`

	// Args are default arguments prepended to every invocation.
	Args []string `toml:"args"`

	// WorkingDir is the default working directory for new sessions.
	WorkingDir string `toml:"working_dir"`

	// Mode selects the runner behavior: "oneshot", "persistent" or "pty".
	// Default: oneshot
	Mode string `toml:"mode"`

	// StreamFormat tags the output parser: "stream-json", "json" or "text".
	// Default: text
	StreamFormat string `toml:"stream_format"`

	// TimeoutSecs is the wall-clock budget for one execution. Default: 300
	TimeoutSecs int `toml:"timeout_secs"`

	// InitTimeoutSecs bounds the startup handshake for persistent/pty
	// agents. Default: 10
	InitTimeoutSecs int `toml:"init_timeout_secs"`

	// MaxSessions caps concurrent sessions per user. Default: 5
	MaxSessions int `toml:"max_sessions"`
}

// Dir returns the agentrelay state directory (~/.agentrelay), honoring
// AGENTRELAY_DIR for tests and non-standard setups.
func Dir() (string, error) {
	if dir := os.Getenv("AGENTRELAY_DIR"); dir != "" {
		return ExpandTilde(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agentrelay"), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultFileName), nil
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8420
	}
	if c.Server.ExecutesPerMinute <= 0 {
		c.Server.ExecutesPerMinute = 20
	}
	if c.Telegram.PollTimeoutSecs <= 0 {
		c.Telegram.PollTimeoutSecs = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.History.Path != "" {
		c.History.Path = ExpandTilde(c.History.Path)
	}
	if c.Logging.Dir != "" {
		c.Logging.Dir = ExpandTilde(c.Logging.Dir)
	}
	if c.Agents == nil {
		c.Agents = make(map[string]AgentDef)
	}
	for name, def := range c.Agents {
		c.Agents[name] = def.withDefaults()
	}
}

func (d AgentDef) withDefaults() AgentDef {
	if d.Mode == "" {
		d.Mode = "oneshot"
	}
	if d.StreamFormat == "" {
		d.StreamFormat = "text"
	}
	if d.TimeoutSecs <= 0 {
		d.TimeoutSecs = 300
	}
	if d.InitTimeoutSecs <= 0 {
		d.InitTimeoutSecs = 10
	}
	if d.MaxSessions <= 0 {
		d.MaxSessions = 5
	}
	d.WorkingDir = ExpandTilde(d.WorkingDir)
	return d
}

// ExpandTilde expands a leading ~ to the user's home directory, refusing
// results that escape the home directory.
func ExpandTilde(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		cleaned := filepath.Clean(filepath.Join(home, path[2:]))
		if strings.HasPrefix(cleaned, home) {
			return cleaned
		}
	}
	return path
}
