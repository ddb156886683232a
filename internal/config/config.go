// ABOUTME: Configuration loading and parsing for the courier client.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Session    SessionConfig    `yaml:"session"`
	Auth       AuthConfig       `yaml:"auth"`
	Connection ConnectionConfig `yaml:"connection"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Queue      QueueConfig      `yaml:"queue"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServiceConfig identifies the Courier endpoint and this client.
type ServiceConfig struct {
	URL        string `yaml:"url"`
	ClientName string `yaml:"client_name"`
}

// SessionConfig holds session persistence configuration. Key is the
// hex-encoded 32-byte sealing key for blobs at rest.
type SessionConfig struct {
	Path        string `yaml:"path"`
	Key         string `yaml:"key"`
	TokenSecret string `yaml:"token_secret"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// AuthConfig holds authentication flow configuration.
type AuthConfig struct {
	// Method selects the fallback flow when no session can be restored:
	// "qr" or "pairing".
	Method      string `yaml:"method"`
	PhoneNumber string `yaml:"phone_number"`

	Timeout           time.Duration `yaml:"-"`
	QRRefreshInterval time.Duration `yaml:"-"`

	TimeoutRaw           string `yaml:"timeout"`
	QRRefreshIntervalRaw string `yaml:"qr_refresh_interval"`
}

// ConnectionConfig holds connectivity and reconnect timing.
type ConnectionConfig struct {
	AutoReconnect        bool `yaml:"auto_reconnect"`
	MaxReconnectAttempts int  `yaml:"max_reconnect_attempts"`

	OpenTimeout        time.Duration `yaml:"-"`
	HeartbeatInterval  time.Duration `yaml:"-"`
	ReconnectBaseDelay time.Duration `yaml:"-"`
	ReconnectMaxDelay  time.Duration `yaml:"-"`

	OpenTimeoutRaw        string `yaml:"open_timeout"`
	HeartbeatIntervalRaw  string `yaml:"heartbeat_interval"`
	ReconnectBaseDelayRaw string `yaml:"reconnect_base_delay"`
	ReconnectMaxDelayRaw  string `yaml:"reconnect_max_delay"`
}

// RateLimitConfig holds the per-window admission caps. Zero disables a
// window.
type RateLimitConfig struct {
	Burst     int `yaml:"burst"`
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// QueueConfig holds the outbound retry queue bounds and timing.
type QueueConfig struct {
	MaxSize    int `yaml:"max_size"`
	MaxRetries int `yaml:"max_retries"`
	BatchSize  int `yaml:"batch_size"`

	RetryDelay       time.Duration `yaml:"-"`
	DispatchInterval time.Duration `yaml:"-"`

	RetryDelayRaw       string `yaml:"retry_delay"`
	DispatchIntervalRaw string `yaml:"dispatch_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with the documented defaults. Load
// starts from this and overlays the file's values.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			ClientName: "courier-client",
		},
		Session: SessionConfig{
			TokenTTL: 30 * 24 * time.Hour,
		},
		Auth: AuthConfig{
			Method:            "qr",
			Timeout:           120 * time.Second,
			QRRefreshInterval: 30 * time.Second,
		},
		Connection: ConnectionConfig{
			AutoReconnect:        true,
			MaxReconnectAttempts: 10,
			OpenTimeout:          30 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			ReconnectBaseDelay:   2 * time.Second,
			ReconnectMaxDelay:    60 * time.Second,
		},
		RateLimits: RateLimitConfig{
			Burst:     10,
			PerMinute: 60,
			PerHour:   1000,
			PerDay:    10000,
		},
		Queue: QueueConfig{
			MaxSize:          1000,
			MaxRetries:       3,
			BatchSize:        5,
			RetryDelay:       time.Second,
			DispatchInterval: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a
// parsed Config overlaid on the defaults. Environment variables in the
// format ${VAR_NAME} are expanded. Duration strings are parsed into
// time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Service.URL == "" {
		return fmt.Errorf("service.url is required")
	}

	switch c.Auth.Method {
	case "qr", "pairing":
	default:
		return fmt.Errorf("auth.method must be \"qr\" or \"pairing\", got %q", c.Auth.Method)
	}
	if c.Auth.Method == "pairing" && c.Auth.PhoneNumber == "" {
		return fmt.Errorf("auth.phone_number is required when auth.method is \"pairing\"")
	}

	if c.Connection.MaxReconnectAttempts < 0 {
		return fmt.Errorf("connection.max_reconnect_attempts must not be negative")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values. Empty raw strings keep the default already in place.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Session.TokenTTLRaw, &cfg.Session.TokenTTL, "session.token_ttl"},
		{cfg.Auth.TimeoutRaw, &cfg.Auth.Timeout, "auth.timeout"},
		{cfg.Auth.QRRefreshIntervalRaw, &cfg.Auth.QRRefreshInterval, "auth.qr_refresh_interval"},
		{cfg.Connection.OpenTimeoutRaw, &cfg.Connection.OpenTimeout, "connection.open_timeout"},
		{cfg.Connection.HeartbeatIntervalRaw, &cfg.Connection.HeartbeatInterval, "connection.heartbeat_interval"},
		{cfg.Connection.ReconnectBaseDelayRaw, &cfg.Connection.ReconnectBaseDelay, "connection.reconnect_base_delay"},
		{cfg.Connection.ReconnectMaxDelayRaw, &cfg.Connection.ReconnectMaxDelay, "connection.reconnect_max_delay"},
		{cfg.Queue.RetryDelayRaw, &cfg.Queue.RetryDelay, "queue.retry_delay"},
		{cfg.Queue.DispatchIntervalRaw, &cfg.Queue.DispatchInterval, "queue.dispatch_interval"},
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
