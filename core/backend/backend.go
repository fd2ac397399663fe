// Package backend defines the storage capability shared by the checkpoint
// store, the history log and the usage ledger, plus the one-shot selection
// between a durable adapter and the in-memory fallback.
package backend

import (
	"context"
	"time"

	"github.com/leofalp/chatcheckpoint/core/session"
)

// Backend is the storage capability every adapter implements. Adapters wrap
// connectivity failures in [session.ErrBackendUnavailable] and sequence
// violations in [session.ErrWriteConflict].
type Backend interface {
	// Name identifies the adapter in logs and health reports.
	Name() string

	// CreateSchemaIfAbsent prepares tables and indexes. It is idempotent.
	CreateSchemaIfAbsent(ctx context.Context) error

	// AppendSnapshot atomically stores snap when snap.Sequence is exactly the
	// current highest sequence of the session plus one. Any other sequence,
	// including one raced in by a concurrent writer, yields ErrWriteConflict.
	AppendSnapshot(ctx context.Context, snap session.Snapshot) error

	// ReadLatest returns the highest-sequence snapshot or ErrNotFound.
	ReadLatest(ctx context.Context, sessionID string) (session.Snapshot, error)

	// ReadHistory returns up to limit snapshots with a sequence greater than
	// afterSequence, ascending.
	ReadHistory(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]session.Snapshot, error)

	// AppendMessage adds one entry to the conversation history log.
	AppendMessage(ctx context.Context, sessionID, userID string, msg session.Message) error

	// ReadMessages returns the history log ascending by creation time,
	// insertion order on ties.
	ReadMessages(ctx context.Context, sessionID string) ([]session.Message, error)

	// AppendUsageEvent stores one metered invocation.
	AppendUsageEvent(ctx context.Context, event session.UsageEvent) error

	// ReadUsageSummary aggregates events created at or after since by UTC
	// day and model, ordered by day descending then total cost descending.
	ReadUsageSummary(ctx context.Context, since time.Time) ([]session.CostAggregate, error)

	// Close releases pooled resources.
	Close() error
}
