package inmemory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/providers/observability"
)

// Store is a concurrency-safe, non-durable backend.
// It uses RWMutex to guard access and is efficient for read-heavy workloads.
// Everything is lost when the process exits.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string][]session.Snapshot
	messages  map[string][]session.Message
	usage     []session.UsageEvent
}

// New returns a new, empty [Store] ready for immediate use.
func New() *Store {
	return &Store{
		snapshots: make(map[string][]session.Snapshot),
		messages:  make(map[string][]session.Message),
	}
}

// Ensure Store implements backend.Backend at compile time.
var _ backend.Backend = (*Store)(nil)

// Name returns "memory".
func (s *Store) Name() string { return "memory" }

// CreateSchemaIfAbsent is a no-op; the maps are allocated by [New].
func (s *Store) CreateSchemaIfAbsent(_ context.Context) error { return nil }

// AppendSnapshot stores a deep copy of snap when its sequence directly
// follows the current one. The check and the append happen under one lock.
// When an observability span is present in ctx, an event records the stored
// sequence.
func (s *Store) AppendSnapshot(ctx context.Context, snap session.Snapshot) error {
	s.mu.Lock()
	history := s.snapshots[snap.SessionID]
	current := int64(len(history))
	if snap.Sequence != current+1 {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s is at sequence %d, got %d",
			session.ErrWriteConflict, snap.SessionID, current, snap.Sequence)
	}
	s.snapshots[snap.SessionID] = append(history, snap.Clone())
	s.mu.Unlock()

	if span := observability.SpanFromContext(ctx); span != nil {
		span.AddEvent(observability.EventSnapshotWritten,
			observability.String(observability.AttrBackend, s.Name()),
			observability.Int64(observability.AttrSnapshotSeq, snap.Sequence),
		)
	}
	return nil
}

// ReadLatest returns a copy of the highest-sequence snapshot.
// The context parameter is accepted for interface compliance but is not used
// by the in-memory implementation.
func (s *Store) ReadLatest(_ context.Context, sessionID string) (session.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.snapshots[sessionID]
	if len(history) == 0 {
		return session.Snapshot{}, fmt.Errorf("%w: no snapshot for session %s", session.ErrNotFound, sessionID)
	}
	return history[len(history)-1].Clone(), nil
}

// ReadHistory returns copies of up to limit snapshots after afterSequence.
// Sequences are dense from 1, so the slice index is sequence-1.
func (s *Store) ReadHistory(_ context.Context, sessionID string, afterSequence int64, limit int) ([]session.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.snapshots[sessionID]
	start := int(max(afterSequence, 0))
	if start >= len(history) || limit <= 0 {
		return []session.Snapshot{}, nil
	}
	end := min(start+limit, len(history))

	out := make([]session.Snapshot, 0, end-start)
	for _, snap := range history[start:end] {
		out = append(out, snap.Clone())
	}
	return out, nil
}

// AppendMessage stores a copy of msg at the end of the session history.
// When an observability span is present in ctx, an event is recorded with the
// message role and content length.
func (s *Store) AppendMessage(ctx context.Context, sessionID, _ string, msg session.Message) error {
	if span := observability.SpanFromContext(ctx); span != nil {
		span.AddEvent(observability.EventHistoryAppend,
			observability.String(observability.AttrMessageRole, string(msg.Role)),
			observability.Int(observability.AttrMessageLength, len(msg.Content)),
		)
	}

	s.mu.Lock()
	s.messages[sessionID] = append(s.messages[sessionID], msg.Clone())
	s.mu.Unlock()
	return nil
}

// ReadMessages returns a copy of the session history sorted by creation time.
// The sort is stable, so equal timestamps keep insertion order.
func (s *Store) ReadMessages(_ context.Context, sessionID string) ([]session.Message, error) {
	s.mu.RLock()
	out := session.CloneMessages(s.messages[sessionID])
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b session.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// AppendUsageEvent stores event.
func (s *Store) AppendUsageEvent(_ context.Context, event session.UsageEvent) error {
	s.mu.Lock()
	s.usage = append(s.usage, event)
	s.mu.Unlock()
	return nil
}

// ReadUsageSummary aggregates events created at or after since.
func (s *Store) ReadUsageSummary(_ context.Context, since time.Time) ([]session.CostAggregate, error) {
	type key struct {
		day   time.Time
		model string
	}

	s.mu.RLock()
	groups := make(map[key]*session.CostAggregate)
	for _, event := range s.usage {
		if event.CreatedAt.Before(since) {
			continue
		}
		k := key{day: session.DayOf(event.CreatedAt), model: event.ModelName}
		agg, ok := groups[k]
		if !ok {
			agg = &session.CostAggregate{Date: k.day, ModelName: k.model}
			groups[k] = agg
		}
		agg.RequestCount++
		if !event.Success {
			agg.FailedCount++
		}
		agg.TokensInput += int64(event.TokensInput)
		agg.TokensOutput += int64(event.TokensOutput)
		agg.TotalCost += event.CostUSD
	}
	s.mu.RUnlock()

	out := make([]session.CostAggregate, 0, len(groups))
	for _, agg := range groups {
		out = append(out, *agg)
	}
	slices.SortFunc(out, func(a, b session.CostAggregate) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		if c := cmp.Compare(b.TotalCost, a.TotalCost); c != 0 {
			return c
		}
		return cmp.Compare(a.ModelName, b.ModelName)
	})
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
