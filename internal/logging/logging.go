// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the logger output.
type Config struct {
	Level    string         // debug, info, warn, error, fatal
	Format   string         // json or pretty
	Location *time.Location // timezone for timestamps; nil means local
}

// New returns a logger with timestamps, caller info and the service field.
// Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Location != nil {
		loc := cfg.Location
		zerolog.TimestampFunc = func() time.Time { return time.Now().In(loc) }
	}

	var output io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "pumpduler").
		Logger()
}
