// Package logger configures the global zerolog logger and keeps a ring
// buffer of recent entries for the logs endpoint.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger. format is "json" or "console".
// Every entry is also captured in the buffer returned by GetBuffer.
func Setup(level, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	var out io.Writer = os.Stdout
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(out, GetBuffer())).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel converts a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zerolog.WarnLevel
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Get returns a child of the global logger tagged with component.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
