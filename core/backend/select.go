package backend

import (
	"context"
	"fmt"

	"github.com/leofalp/chatcheckpoint/providers/observability"
)

// Kind tells whether a [Selection] holds the durable adapter or the fallback.
type Kind string

const (
	KindDurable  Kind = "durable"
	KindFallback Kind = "fallback"
)

// Selection is the outcome of [Select]. It is decided once per process and
// injected into every component.
type Selection struct {
	Kind    Kind
	Backend Backend
	// Cause is the durable failure that forced the fallback, nil otherwise.
	Cause error
}

// Durable reports whether the selection kept the durable adapter.
func (s Selection) Durable() bool { return s.Kind == KindDurable }

// ConnectFunc builds the durable adapter. A non-nil Backend returned together
// with an error is closed by [Select].
type ConnectFunc func(ctx context.Context) (Backend, error)

// Select attempts connect exactly once and prepares its schema. When either
// step fails the half-built adapter is closed, the cause is logged at WARN and
// the backend returned by fallback is used instead. There is no retry.
func Select(ctx context.Context, connect ConnectFunc, fallback func() Backend, observer observability.Provider) Selection {
	durable, err := connect(ctx)
	if err != nil && durable != nil {
		_ = durable.Close()
	}
	if err == nil {
		if schemaErr := durable.CreateSchemaIfAbsent(ctx); schemaErr != nil {
			err = fmt.Errorf("backend: create schema on %s: %w", durable.Name(), schemaErr)
			_ = durable.Close()
		} else {
			if observer != nil {
				observer.Info(ctx, "durable backend selected",
					observability.String(observability.AttrBackend, durable.Name()),
					observability.String(observability.AttrBackendKind, string(KindDurable)),
				)
			}
			return Selection{Kind: KindDurable, Backend: durable}
		}
	}

	fb := fallback()
	// The in-memory fallback cannot fail to prepare.
	_ = fb.CreateSchemaIfAbsent(ctx)
	if observer != nil {
		observer.Warn(ctx, "durable backend unavailable, using fallback without persistence",
			observability.String(observability.AttrBackend, fb.Name()),
			observability.String(observability.AttrBackendKind, string(KindFallback)),
			observability.Error(err),
		)
		if span := observability.SpanFromContext(ctx); span != nil {
			span.AddEvent(observability.EventBackendFallback, observability.Error(err))
		}
	}
	return Selection{Kind: KindFallback, Backend: fb, Cause: err}
}
