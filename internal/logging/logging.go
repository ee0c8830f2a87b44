// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup sets the global level and output format ("console" or "json").
func Setup(level, format string) error {
	return SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case "json":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	case "console", "":
		zerolog.TimeFieldFormat = time.RFC3339
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
