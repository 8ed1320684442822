// Package logging builds the process-wide zerolog logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"odin-fanout-proxy/internal/config"
)

// New builds a zerolog.Logger based on the given configuration. Format
// "pretty" writes a human-readable console line (development); anything
// else writes structured JSON (production).
func New(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writer = os.Stdout
	if cfg.LogFormat == "pretty" {
		return zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}).
			With().Timestamp().Caller().Logger()
	}

	return zerolog.New(writer).With().Timestamp().Logger()
}
