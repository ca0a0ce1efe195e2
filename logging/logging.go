// Package logging builds the service's zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level      string
	TimeFormat string
	Pretty     bool
	Version    string
}

func New() zerolog.Logger {
	return NewWithConfig(Config{Level: "info", TimeFormat: time.RFC3339})
}

// NewWithConfig writes JSON to stdout, or colourised console output when
// Pretty is set. Unknown levels fall back to info.
func NewWithConfig(cfg Config) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				s, _ := i.(string)
				return colorizeLevel(s)
			},
		}
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", "kos-engine").
		Str("version", version).
		Logger()
}

// Nop discards everything; used by tests.
func Nop() zerolog.Logger { return zerolog.Nop() }

func colorizeLevel(level string) string {
	switch level {
	case "trace":
		return "\033[35m" + level + "\033[0m"
	case "debug":
		return "\033[36m" + level + "\033[0m"
	case "info":
		return "\033[32m" + level + "\033[0m"
	case "warn":
		return "\033[33m" + level + "\033[0m"
	case "error", "fatal", "panic":
		return "\033[31m" + level + "\033[0m"
	default:
		return level
	}
}
