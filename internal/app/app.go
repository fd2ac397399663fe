// Package app wires configuration into a ready Session Runner: it selects the
// storage backend once, builds the model adapter and assembles the checkpoint
// store, history log and usage ledger on top of the chosen backend.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/checkpoint"
	"github.com/leofalp/chatcheckpoint/core/history"
	"github.com/leofalp/chatcheckpoint/core/ledger"
	"github.com/leofalp/chatcheckpoint/core/runner"
	"github.com/leofalp/chatcheckpoint/internal/config"
	"github.com/leofalp/chatcheckpoint/providers/backend/inmemory"
	"github.com/leofalp/chatcheckpoint/providers/backend/pgbackend"
	"github.com/leofalp/chatcheckpoint/providers/backend/sqlitebackend"
	"github.com/leofalp/chatcheckpoint/providers/model/openaicompat"
	"github.com/leofalp/chatcheckpoint/providers/model/scripted"
	"github.com/leofalp/chatcheckpoint/providers/observability"
)

// connectTimeout bounds the single durable connection attempt.
const connectTimeout = 5 * time.Second

// App is a wired runner plus the backend it runs on.
type App struct {
	Runner    *runner.Runner
	Selection backend.Selection
}

// Close releases the backend.
func (a *App) Close() error {
	return a.Selection.Backend.Close()
}

// New selects the backend and builds the runner. A durable backend that
// cannot be reached degrades to the in-memory fallback; configuration
// errors are returned.
func New(ctx context.Context, cfg config.Config, observer observability.Provider) (*App, error) {
	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}

	selection := backend.Select(ctx, Connector(cfg), func() backend.Backend { return inmemory.New() }, observer)
	b := selection.Backend

	led, err := ledger.New(b, cfg.Rates, ledger.WithObserver(observer))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	opts := []runner.Option{
		runner.WithObserver(observer),
		runner.WithTurnTimeout(cfg.TurnTimeout),
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, runner.WithSystemPrompt(cfg.SystemPrompt))
	}
	r, err := runner.New(
		checkpoint.New(b, checkpoint.WithObserver(observer)),
		history.New(b),
		led,
		model,
		opts...,
	)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	return &App{Runner: r, Selection: selection}, nil
}

// Connector returns the durable connection attempt for cfg.Backend. The
// memory backend is returned as is and never falls back.
func Connector(cfg config.Config) backend.ConnectFunc {
	return func(ctx context.Context) (backend.Backend, error) {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		switch cfg.Backend {
		case config.BackendMemory:
			return inmemory.New(), nil
		case config.BackendSQLite:
			store, err := sqlitebackend.Open(ctx, cfg.SQLitePath)
			if err != nil {
				return nil, err
			}
			return store, nil
		default:
			pg, err := pgbackend.Open(ctx, cfg.Postgres.DSN())
			if err != nil {
				return nil, err
			}
			return pg, nil
		}
	}
}

// NewModel builds the model adapter named by cfg.ModelProvider.
func NewModel(cfg config.Config) (runner.Model, error) {
	switch cfg.ModelProvider {
	case config.ProviderScripted:
		return scripted.New(), nil
	case config.ProviderOpenAI:
		return openaicompat.New(cfg.ModelName).
			WithAPIKey(cfg.OpenAIAPIKey).
			WithBaseURL(cfg.OpenAIBaseURL), nil
	default:
		return nil, fmt.Errorf("app: unknown model provider %q", cfg.ModelProvider)
	}
}
