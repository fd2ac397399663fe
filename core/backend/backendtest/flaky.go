package backendtest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/session"
)

// Flaky wraps a backend and fails selected operation groups with
// [session.ErrBackendUnavailable] while the matching switch is on.
type Flaky struct {
	backend.Backend

	FailSnapshots atomic.Bool
	FailMessages  atomic.Bool
	FailUsage     atomic.Bool

	// BeforeAppendSnapshot, when set, runs before every snapshot write.
	BeforeAppendSnapshot func(snap session.Snapshot)
}

// NewFlaky wraps inner with every switch off.
func NewFlaky(inner backend.Backend) *Flaky {
	return &Flaky{Backend: inner}
}

func unavailable(op string) error {
	return fmt.Errorf("%w: injected failure on %s", session.ErrBackendUnavailable, op)
}

func (f *Flaky) AppendSnapshot(ctx context.Context, snap session.Snapshot) error {
	if f.BeforeAppendSnapshot != nil {
		f.BeforeAppendSnapshot(snap)
	}
	if f.FailSnapshots.Load() {
		return unavailable("append snapshot")
	}
	return f.Backend.AppendSnapshot(ctx, snap)
}

func (f *Flaky) ReadLatest(ctx context.Context, sessionID string) (session.Snapshot, error) {
	if f.FailSnapshots.Load() {
		return session.Snapshot{}, unavailable("read latest")
	}
	return f.Backend.ReadLatest(ctx, sessionID)
}

func (f *Flaky) ReadHistory(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]session.Snapshot, error) {
	if f.FailSnapshots.Load() {
		return nil, unavailable("read history")
	}
	return f.Backend.ReadHistory(ctx, sessionID, afterSequence, limit)
}

func (f *Flaky) AppendMessage(ctx context.Context, sessionID, userID string, msg session.Message) error {
	if f.FailMessages.Load() {
		return unavailable("append message")
	}
	return f.Backend.AppendMessage(ctx, sessionID, userID, msg)
}

func (f *Flaky) ReadMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	if f.FailMessages.Load() {
		return nil, unavailable("read messages")
	}
	return f.Backend.ReadMessages(ctx, sessionID)
}

func (f *Flaky) AppendUsageEvent(ctx context.Context, event session.UsageEvent) error {
	if f.FailUsage.Load() {
		return unavailable("append usage event")
	}
	return f.Backend.AppendUsageEvent(ctx, event)
}

func (f *Flaky) ReadUsageSummary(ctx context.Context, since time.Time) ([]session.CostAggregate, error) {
	if f.FailUsage.Load() {
		return nil, unavailable("read usage summary")
	}
	return f.Backend.ReadUsageSummary(ctx, since)
}
