// Package logging builds the process logger and observability provider from
// configuration. Records go to the given writer and, when LOG_FILE is set, to
// a size-rotated file as well.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/leofalp/chatcheckpoint/internal/config"
	"github.com/leofalp/chatcheckpoint/providers/observability"
	"github.com/leofalp/chatcheckpoint/providers/observability/otelobs"
	"github.com/leofalp/chatcheckpoint/providers/observability/slogobs"
)

// Rotation limits for LOG_FILE.
const (
	maxSizeMB  = 10
	maxBackups = 3
	maxAgeDays = 28
)

// Setup is the outcome of [New].
type Setup struct {
	Logger *slog.Logger
	// Observer is nil when OBSERVER=none.
	Observer observability.Provider

	closers []func(context.Context) error
}

// Shutdown flushes exporters and closes the rotated file.
func (s *Setup) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// New builds the logger described by cfg, installs it as the slog default and
// wraps it in the configured observer. out is usually os.Stderr.
func New(cfg config.Config, out io.Writer) (*Setup, error) {
	level, err := slogobs.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	setup := &Setup{}
	writer := out
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log directory: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		setup.closers = append(setup.closers, func(context.Context) error { return rotated.Close() })
		writer = io.MultiWriter(out, rotated)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if slogobs.ParseFormat(cfg.LogFormat) == slogobs.FormatJSON {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}
	setup.Logger = slog.New(handler)
	slog.SetDefault(setup.Logger)

	switch cfg.Observer {
	case config.ObserverNone:
	case config.ObserverOTel:
		observer, err := otelobs.New(
			otelobs.WithServiceName("chatcheckpoint"),
			otelobs.WithOutput(writer),
			otelobs.WithLogger(setup.Logger),
		)
		if err != nil {
			_ = setup.Shutdown(context.Background())
			return nil, fmt.Errorf("logging: %w", err)
		}
		setup.Observer = observer
		setup.closers = append(setup.closers, observer.Shutdown)
	default:
		setup.Observer = slogobs.New(slogobs.WithLogger(setup.Logger))
	}
	return setup, nil
}
