// Package logging builds the zerolog loggers used across the DC4 client.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel  = "DC4_LOG_LEVEL"
	EnvLogFormat = "DC4_LOG_FORMAT"
)

// Options selects the logger output.
type Options struct {
	Level zerolog.Level
	// JSON writes one JSON object per line instead of console output.
	JSON   bool
	Output io.Writer
}

// DefaultOptions logs at info level to stderr in console format, honoring
// DC4_LOG_LEVEL and DC4_LOG_FORMAT.
func DefaultOptions() Options {
	opts := Options{
		Level:  zerolog.InfoLevel,
		Output: os.Stderr,
	}
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(EnvLogFormat)), "json") {
		opts.JSON = true
	}
	return opts
}

// New builds a logger from opts.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).Level(opts.Level).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level using zerolog.ParseLevel,
// plus the aliases "warning", "off" and "none". It reports false for empty or
// unknown names.
func ParseLevel(raw string) (zerolog.Level, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return zerolog.InfoLevel, false
	case "warning":
		name = zerolog.WarnLevel.String()
	case "off", "none":
		name = zerolog.Disabled.String()
	}

	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel, false
	}
	return lvl, true
}
