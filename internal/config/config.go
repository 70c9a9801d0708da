// Package config loads the server configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/hakiKhuva/pumpduler/internal/codec"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Bind target. HOST+PORT take precedence over UNIX_SOCKET_PATH; PORT 0
	// counts as unset.
	Host           string `env:"HOST" envDefault:"127.0.0.1"`
	Port           int    `env:"PORT" envDefault:"9090"`
	UnixSocketPath string `env:"UNIX_SOCKET_PATH"`

	// Protocol
	ReadSize           int    `env:"READ_SIZE" envDefault:"10240"`
	MaxClients         int    `env:"MAX_CLIENTS" envDefault:"512"`
	MessageParserClass string `env:"MESSAGE_PARSER_CLASS" envDefault:"json"`

	// Per-session request rate limit; 0 disables it.
	MaxActionRate float64 `env:"MAX_ACTION_RATE" envDefault:"0"`
	ActionBurst   int     `env:"ACTION_BURST" envDefault:"100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	Timezone  string `env:"TIMEZONE" envDefault:"UTC"`

	// Optional surfaces, each disabled when its address/URL is empty.
	MetricsAddr       string        `env:"METRICS_ADDR"`
	WSAddr            string        `env:"WS_ADDR"`
	NATSUrl           string        `env:"NATS_URL"`
	NATSSubjectPrefix string        `env:"NATS_SUBJECT_PREFIX" envDefault:"pumpduler"`
	MonitorInterval   time.Duration `env:"MONITOR_INTERVAL" envDefault:"15s"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// TCPBind reports whether the IP bind target is configured.
func (c *Config) TCPBind() bool {
	return c.Host != "" && c.Port > 0
}

// Location resolves TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Validate checks ranges, enums and that a bind target exists.
func (c *Config) Validate() error {
	if !c.TCPBind() && c.UnixSocketPath == "" {
		return fmt.Errorf("no bind target: set HOST+PORT or UNIX_SOCKET_PATH")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 0-65535, got %d", c.Port)
	}
	if c.ReadSize < 1 {
		return fmt.Errorf("READ_SIZE must be > 0, got %d", c.ReadSize)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.MaxActionRate < 0 {
		return fmt.Errorf("MAX_ACTION_RATE must be >= 0, got %g", c.MaxActionRate)
	}
	if c.MaxActionRate > 0 && c.ActionBurst < 1 {
		return fmt.Errorf("ACTION_BURST must be > 0 when MAX_ACTION_RATE is set, got %d", c.ActionBurst)
	}
	if _, err := codec.Get(c.MessageParserClass); err != nil {
		return fmt.Errorf("MESSAGE_PARSER_CLASS: %w (known: %s)", err, strings.Join(codec.Names(), ", "))
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	if c.MonitorInterval < time.Second {
		return fmt.Errorf("MONITOR_INTERVAL must be >= 1s, got %s", c.MonitorInterval)
	}
	return nil
}

// LogConfig dumps the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	ev := logger.Info().
		Str("host", c.Host).
		Int("port", c.Port).
		Int("read_size", c.ReadSize).
		Int("max_clients", c.MaxClients).
		Str("codec", c.MessageParserClass).
		Str("timezone", c.Timezone)
	if c.UnixSocketPath != "" {
		ev = ev.Str("unix_socket_path", c.UnixSocketPath)
	}
	if c.MaxActionRate > 0 {
		ev = ev.Float64("max_action_rate", c.MaxActionRate).Int("action_burst", c.ActionBurst)
	}
	if c.MetricsAddr != "" {
		ev = ev.Str("metrics_addr", c.MetricsAddr)
	}
	if c.WSAddr != "" {
		ev = ev.Str("ws_addr", c.WSAddr)
	}
	if c.NATSUrl != "" {
		ev = ev.Str("nats_url", c.NATSUrl).Str("nats_subject_prefix", c.NATSSubjectPrefix)
	}
	ev.Msg("Configuration loaded")
}
