// Package config loads the server's runtime configuration from
// defaults, an optional YAML file, and CREWDOCK_ environment overrides,
// in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the server's runtime configuration.
type Config struct {
	Addr     string `koanf:"addr"`
	DataDir  string `koanf:"data_dir"`
	LogLevel string `koanf:"log_level"`

	Agent struct {
		Binary    string        `koanf:"binary"`
		Model     string        `koanf:"model"`
		StopGrace time.Duration `koanf:"stop_grace"`
	} `koanf:"agent"`

	Usage struct {
		Interval    time.Duration `koanf:"interval"`
		DailyLimit  int64         `koanf:"daily_limit"`
		WeeklyLimit int64         `koanf:"weekly_limit"`
	} `koanf:"usage"`

	WS struct {
		PingMaxIdle time.Duration `koanf:"ping_max_idle"`
	} `koanf:"ws"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":               ":4381",
		"data_dir":           defaultDataDir(),
		"log_level":          "info",
		"agent.binary":       "claude",
		"agent.model":        "",
		"agent.stop_grace":   "3s",
		"usage.interval":     "1m",
		"usage.daily_limit":  int64(0), // 0 means no limit
		"usage.weekly_limit": int64(0),
		"ws.ping_max_idle":   "90s",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped
// when path is empty or the file does not exist), and CREWDOCK_
// environment variables. CREWDOCK_AGENT_STOP_GRACE maps to
// agent.stop_grace.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("CREWDOCK_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "CREWDOCK_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Env keys are flat (agent_stop_grace); remap the known prefixes to
	// their nested form.
	for _, section := range []string{"agent", "usage", "ws"} {
		for key, val := range k.All() {
			if rest, ok := strings.CutPrefix(key, section+"_"); ok {
				_ = k.Set(section+"."+rest, val)
			}
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary is required")
	}
	if c.Agent.StopGrace <= 0 {
		return fmt.Errorf("agent.stop_grace must be positive")
	}
	if c.Usage.Interval <= 0 {
		return fmt.Errorf("usage.interval must be positive")
	}
	if c.Usage.DailyLimit < 0 || c.Usage.WeeklyLimit < 0 {
		return fmt.Errorf("usage limits must not be negative")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "crewdock")
	}
	return filepath.Join(home, ".config", "crewdock")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "crewdock.db")
}
