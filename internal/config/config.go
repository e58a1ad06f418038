// ABOUTME: Configuration loading and parsing for the orchestration engine
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Channel   ChannelConfig   `yaml:"channel"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Transport TransportConfig `yaml:"transport"`
	Responder ResponderConfig `yaml:"responder"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// BaseURL is the external URL embedded in outreach return links.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token signing configuration
type AuthConfig struct {
	SessionSecret string `yaml:"session_secret"`
}

// ChannelConfig holds connection manager timing configuration
type ChannelConfig struct {
	HandshakeTimeout  time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`
	ReconnectBase     time.Duration `yaml:"-"`
	ReconnectMax      int           `yaml:"reconnect_max"`
	TypingIdle        time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ReconnectBaseRaw     string `yaml:"reconnect_base"`
	TypingIdleRaw        string `yaml:"typing_idle"`
}

// SchedulerConfig holds outreach scheduler configuration
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"-"`
	RetryBase    time.Duration `yaml:"-"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BatchLimit   int           `yaml:"batch_limit"`

	TickIntervalRaw string `yaml:"tick_interval"`
	RetryBaseRaw    string `yaml:"retry_base"`
}

// TransportConfig holds outbound email/SMS provider endpoints
type TransportConfig struct {
	EmailURL string `yaml:"email_url"`
	SMSURL   string `yaml:"sms_url"`
	APIKey   string `yaml:"api_key"`
}

// ResponderConfig holds the text-completion provider configuration
type ResponderConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Fallback string `yaml:"fallback"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file leaves a field unset
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 5
	DefaultTypingIdle        = 2 * time.Second
	DefaultTickInterval      = 30 * time.Second
	DefaultRetryBase         = time.Minute
	DefaultMaxAttempts       = 3
	DefaultBatchLimit        = 100
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset timing and limit fields
func (c *Config) applyDefaults() {
	if c.Channel.HandshakeTimeout == 0 {
		c.Channel.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Channel.HeartbeatInterval == 0 {
		c.Channel.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Channel.ReconnectBase == 0 {
		c.Channel.ReconnectBase = DefaultReconnectBase
	}
	if c.Channel.ReconnectMax == 0 {
		c.Channel.ReconnectMax = DefaultReconnectMax
	}
	if c.Channel.TypingIdle == 0 {
		c.Channel.TypingIdle = DefaultTypingIdle
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = DefaultTickInterval
	}
	if c.Scheduler.RetryBase == 0 {
		c.Scheduler.RetryBase = DefaultRetryBase
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = DefaultMaxAttempts
	}
	if c.Scheduler.BatchLimit == 0 {
		c.Scheduler.BatchLimit = DefaultBatchLimit
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1")
	}
	if c.Channel.ReconnectMax < 1 {
		return fmt.Errorf("channel.reconnect_max must be at least 1")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Channel.HandshakeTimeoutRaw, &cfg.Channel.HandshakeTimeout, "handshake_timeout"},
		{cfg.Channel.HeartbeatIntervalRaw, &cfg.Channel.HeartbeatInterval, "heartbeat_interval"},
		{cfg.Channel.ReconnectBaseRaw, &cfg.Channel.ReconnectBase, "reconnect_base"},
		{cfg.Channel.TypingIdleRaw, &cfg.Channel.TypingIdle, "typing_idle"},
		{cfg.Scheduler.TickIntervalRaw, &cfg.Scheduler.TickInterval, "tick_interval"},
		{cfg.Scheduler.RetryBaseRaw, &cfg.Scheduler.RetryBase, "retry_base"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
