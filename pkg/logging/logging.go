// Package logging provides the structured, leveled logger every component
// in this repository logs through.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// Init configures the global logger level from a string such as "debug",
// "info", "warn", or "error", falling back to info on an empty or
// unrecognized value. When pretty is true, logs render as human-readable
// console output instead of JSON — useful for local development, matching
// the coordination server CLI's --pretty flag.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		zerolog.DefaultContextLogger = &log
		base = log
		return
	}
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// For returns a sub-logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// LevelFromEnv reads LOG_LEVEL from the environment, defaulting to "info".
// Mirrors the coordination server's original environment-filter-driven
// trace verbosity.
func LevelFromEnv() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}
