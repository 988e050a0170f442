// Package config loads process configuration from the environment. It is read
// once at startup and immutable afterwards; changing credentials or endpoints
// requires a restart.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full configuration surface of the relay.
type Config struct {
	Host     string `env:"HOST,default=0.0.0.0"`
	Port     int    `env:"PORT,default=8000"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	JiraURL           string `env:"JIRA_URL"`
	JiraUsername      string `env:"JIRA_USERNAME"`
	JiraAPIToken      string `env:"JIRA_API_TOKEN"`
	JiraPersonalToken string `env:"JIRA_PERSONAL_TOKEN"`

	ConfluenceURL           string `env:"CONFLUENCE_URL"`
	ConfluenceUsername      string `env:"CONFLUENCE_USERNAME"`
	ConfluenceAPIToken      string `env:"CONFLUENCE_API_TOKEN"`
	ConfluencePersonalToken string `env:"CONFLUENCE_PERSONAL_TOKEN"`

	UpstreamTimeout    time.Duration `env:"UPSTREAM_TIMEOUT,default=30s"`
	PoolIdleTTL        time.Duration `env:"POOL_IDLE_TTL,default=5m"`
	SessionQueueSize   int           `env:"SESSION_QUEUE_SIZE,default=32"`
	SessionSendTimeout time.Duration `env:"SESSION_SEND_TIMEOUT,default=10s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	ShutdownGrace      time.Duration `env:"SHUTDOWN_GRACE,default=10s"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values for internal consistency.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.SessionQueueSize < 1 {
		return fmt.Errorf("SESSION_QUEUE_SIZE must be positive: %d", c.SessionQueueSize)
	}
	for _, v := range []struct{ name, value string }{
		{"JIRA_URL", c.JiraURL},
		{"CONFLUENCE_URL", c.ConfluenceURL},
	} {
		if v.value == "" {
			continue
		}
		u, err := url.Parse(v.value)
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s: unsupported scheme %q", v.name, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%s: missing host", v.name)
		}
	}
	return nil
}

// Addr returns the bind address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SlogLevel maps the configured LOG_LEVEL to a slog level. Unknown values fall
// back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
