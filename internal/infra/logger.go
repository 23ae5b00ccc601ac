package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "dreambot"

// Logger is the logging contract shared by every package.
type Logger = zerolog.Logger

// NewLogger builds the process logger on stderr, leaving stdout to the
// process itself. Development gets a console writer at debug level; every
// other environment gets JSON at info level. LOG_LEVEL overrides either.
// Each line carries the service name and, when set, the process role.
func NewLogger(cfg *Config, role string) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg != nil && cfg.AppEnv == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return newLogger(out, cfg, role)
}

func newLogger(out io.Writer, cfg *Config, role string) zerolog.Logger {
	ctx := zerolog.New(out).
		Level(logLevel(cfg)).
		With().
		Timestamp().
		Str("service", serviceName)
	if role != "" {
		ctx = ctx.Str("role", role)
	}
	return ctx.Logger()
}

func logLevel(cfg *Config) zerolog.Level {
	if cfg == nil {
		return zerolog.InfoLevel
	}
	if cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			return lvl
		}
	}
	if cfg.AppEnv == "development" {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
