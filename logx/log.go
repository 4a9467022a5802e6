// Package logx holds the structured logger shared by every package of the runtime.
package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger used throughout the project.
var Log = log.Logger

// Configure sets the global log level and switches to human-readable console output.
// The level string is tolerant of case and common synonyms.
func Configure(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// SetOutput redirects the shared logger, keeping JSON output. Used by tests to capture logs.
func SetOutput(w io.Writer) {
	Log = zerolog.New(w).With().Timestamp().Logger()
}

// With returns a child logger tagged with the component name.
func With(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// parseLevel converts a string to a zerolog level.
// Unknown values default to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("HIGHWAY_LOG_LEVEL")))
}
