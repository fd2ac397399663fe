package slogobs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler used by [New].
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat maps "json" (case-insensitive) to FormatJSON and anything else
// to FormatText.
func ParseFormat(value string) Format {
	if strings.EqualFold(strings.TrimSpace(value), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// ParseLevel parses DEBUG, INFO, WARN/WARNING or ERROR (case-insensitive).
// Unknown values yield INFO and an error describing the input.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("slogobs: unknown log level %q", value)
	}
}

// Option is a functional option for configuring the Observer.
type Option func(*config)

type config struct {
	format Format
	level  slog.Level
	output io.Writer
	logger *slog.Logger
}

// WithFormat sets the log output format.
func WithFormat(format Format) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithLevel sets the minimum log level.
func WithLevel(level slog.Level) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithOutput sets the output writer for logs.
func WithOutput(output io.Writer) Option {
	return func(c *config) {
		if output != nil {
			c.output = output
		}
	}
}

// WithLogger uses an existing slog.Logger instead of building a handler.
// It takes precedence over format, level and output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func applyOptions(opts ...Option) *config {
	level, _ := ParseLevel(os.Getenv("LOG_LEVEL"))
	cfg := &config{
		format: ParseFormat(os.Getenv("LOG_FORMAT")),
		level:  level,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
