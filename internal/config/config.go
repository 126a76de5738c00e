// Package config handles loading, validating, and writing the sialockd
// daemon configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - server bind address (loopback only)
//   - reaper cadence and default TTLs
//   - event log and live feed toggles
//   - paths to the classifier rules file and the agent ban list
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level sialockd daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	TTL        TTLConfig        `yaml:"ttl"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	EventLog   EventLogConfig   `yaml:"event_log"`
	LiveFeed   LiveFeedConfig   `yaml:"live_feed"`
	Classifier ClassifierConfig `yaml:"classifier"`
}

// ServerConfig defines where the daemon listens. Never bind to anything
// but loopback — the request surface trusts every caller that can reach it.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TTLConfig holds the fallback lease lengths used when a caller doesn't
// supply its own.
type TTLConfig struct {
	DefaultWorkUnitSeconds int `yaml:"default_work_unit_seconds"`
	DefaultAgentSeconds    int `yaml:"default_agent_seconds"`
}

// ReaperConfig controls the periodic expiry sweep.
type ReaperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// EventLogConfig controls the optional append-only observability log.
type EventLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LiveFeedConfig controls the optional WebSocket change-notification feed.
type LiveFeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ClassifierConfig points at the hot-reloadable classifier rules file and
// the agent ban list.
type ClassifierConfig struct {
	RulesPath string `yaml:"rules_path"`
	BanPath   string `yaml:"ban_path"`
}

// Load reads and parses config.yaml from the given path. If the file
// doesn't exist, returns defaults (not an error). Invalid YAML or a
// validation failure returns an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated and
// a comment header. Used by first-time daemon setup.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# sialockd configuration
#
# server:
#   host/port: bind address (loopback only — never 0.0.0.0)
#
# ttl:
#   default_work_unit_seconds / default_agent_seconds: fallback leases
#
# reaper:
#   interval_seconds: how often expired claims/agents are swept

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 7432},
		TTL: TTLConfig{
			DefaultWorkUnitSeconds: 300,
			DefaultAgentSeconds:    600,
		},
		Reaper: ReaperConfig{IntervalSeconds: 30},
		EventLog: EventLogConfig{
			Enabled: false,
			Dir:     "events",
		},
		LiveFeed:   LiveFeedConfig{Enabled: true},
		Classifier: ClassifierConfig{RulesPath: "classify.yaml", BanPath: "banned.yaml"},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" && cfg.Server.Host != "::1" {
		return fmt.Errorf("server.host %q must be a loopback address", cfg.Server.Host)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.TTL.DefaultWorkUnitSeconds < 1 {
		return fmt.Errorf("ttl.default_work_unit_seconds must be positive")
	}
	if cfg.TTL.DefaultAgentSeconds < 1 {
		return fmt.Errorf("ttl.default_agent_seconds must be positive")
	}
	if cfg.Reaper.IntervalSeconds < 1 {
		return fmt.Errorf("reaper.interval_seconds must be positive")
	}
	return nil
}

// WorkUnitTTL returns the configured default work unit TTL as a Duration.
func (c *Config) WorkUnitTTL() time.Duration {
	return time.Duration(c.TTL.DefaultWorkUnitSeconds) * time.Second
}

// AgentTTL returns the configured default agent TTL as a Duration.
func (c *Config) AgentTTL() time.Duration {
	return time.Duration(c.TTL.DefaultAgentSeconds) * time.Second
}

// ReaperInterval returns the configured reaper cadence as a Duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

// BindAddr returns the host:port the request surface should listen on.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
