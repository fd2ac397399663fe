package backend_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/providers/backend/inmemory"
	"github.com/leofalp/chatcheckpoint/providers/observability/slogobs"
)

// schemaFailing is a durable stand-in whose schema step fails.
type schemaFailing struct {
	*inmemory.Store
	closed bool
}

func (s *schemaFailing) Name() string { return "schema-failing" }

func (s *schemaFailing) CreateSchemaIfAbsent(context.Context) error {
	return errors.New("permission denied for schema public")
}

func (s *schemaFailing) Close() error {
	s.closed = true
	return nil
}

func quietObserver() *slogobs.Observer {
	return slogobs.New(slogobs.WithOutput(io.Discard))
}

func TestSelect_Durable(t *testing.T) {
	durable := inmemory.New()
	attempts := 0

	sel := backend.Select(context.Background(),
		func(context.Context) (backend.Backend, error) {
			attempts++
			return durable, nil
		},
		func() backend.Backend { t.Fatalf("fallback must not be built"); return nil },
		quietObserver(),
	)

	if !sel.Durable() || sel.Backend != durable || sel.Cause != nil {
		t.Fatalf("expected durable selection, got %+v", sel)
	}
	if attempts != 1 {
		t.Fatalf("expected one connection attempt, got %d", attempts)
	}
}

func TestSelect_ConnectFailureFallsBackOnce(t *testing.T) {
	cause := errors.Join(session.ErrBackendUnavailable, errors.New("connection refused"))
	attempts := 0

	sel := backend.Select(context.Background(),
		func(context.Context) (backend.Backend, error) {
			attempts++
			return nil, cause
		},
		func() backend.Backend { return inmemory.New() },
		nil,
	)

	if sel.Kind != backend.KindFallback || sel.Backend.Name() != "memory" {
		t.Fatalf("expected in-memory fallback, got %+v", sel)
	}
	if !errors.Is(sel.Cause, session.ErrBackendUnavailable) {
		t.Fatalf("expected cause to be recorded, got %v", sel.Cause)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt without retry, got %d", attempts)
	}
}

func TestSelect_SchemaFailureClosesDurable(t *testing.T) {
	durable := &schemaFailing{Store: inmemory.New()}

	sel := backend.Select(context.Background(),
		func(context.Context) (backend.Backend, error) { return durable, nil },
		func() backend.Backend { return inmemory.New() },
		quietObserver(),
	)

	if sel.Durable() {
		t.Fatalf("expected fallback after schema failure")
	}
	if !durable.closed {
		t.Fatalf("expected the half-built durable backend to be closed")
	}
	if sel.Cause == nil {
		t.Fatalf("expected schema failure as cause")
	}
}
