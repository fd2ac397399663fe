// Package backendtest holds the behavioural contract every backend.Backend
// adapter must satisfy, plus a fault-injecting wrapper for component tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/session"
)

// Factory returns a ready backend with its schema created. Usage tables must
// start empty for each call.
type Factory func(t *testing.T) backend.Backend

// Run executes the contract suite against backends produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("LatestOnEmptySession", func(t *testing.T) { testLatestOnEmptySession(t, factory(t)) })
	t.Run("SequenceMustAdvanceByOne", func(t *testing.T) { testSequenceMustAdvanceByOne(t, factory(t)) })
	t.Run("HistoryPaging", func(t *testing.T) { testHistoryPaging(t, factory(t)) })
	t.Run("ConcurrentAppendsConflict", func(t *testing.T) { testConcurrentAppendsConflict(t, factory(t)) })
	t.Run("ReturnedSnapshotsAreCopies", func(t *testing.T) { testReturnedSnapshotsAreCopies(t, factory(t)) })
	t.Run("MessagesInInsertionOrder", func(t *testing.T) { testMessagesInInsertionOrder(t, factory(t)) })
	t.Run("UsageSummary", func(t *testing.T) { testUsageSummary(t, factory(t)) })
	t.Run("SchemaIsIdempotent", func(t *testing.T) { testSchemaIsIdempotent(t, factory(t)) })
}

// Timestamp truncates to microseconds, the coarsest precision among adapters.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func stableID(sessionID, role string, turn int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/%s/%d", sessionID, role, turn)).String()
}

func newSessionID() string {
	return "session-" + uuid.NewString()
}

var baseTime = time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)

// Message builds a deterministic message for contract checks.
func Message(role session.Role, content string, offset time.Duration) session.Message {
	return session.NewMessage(role, content, nil, Timestamp(baseTime.Add(offset)))
}

// Snapshot builds snapshot seq of sessionID holding seq user/assistant pairs.
// Calls with the same arguments return equal snapshots.
func Snapshot(sessionID, userID string, seq int64) session.Snapshot {
	var messages []session.Message
	for i := int64(1); i <= seq; i++ {
		offset := time.Duration(i) * time.Minute
		user := Message(session.RoleUser, fmt.Sprintf("question %d", i), offset)
		user.ID = stableID(sessionID, "user", i)
		assistant := Message(session.RoleAssistant, fmt.Sprintf("answer %d", i), offset+time.Second)
		assistant.ID = stableID(sessionID, "assistant", i)
		messages = append(messages, user, assistant)
	}
	return session.Snapshot{
		SessionID: sessionID,
		UserID:    userID,
		Sequence:  seq,
		Messages:  messages,
		Metadata:  map[string]any{"turn": fmt.Sprint(seq)},
		CreatedAt: Timestamp(baseTime.Add(time.Duration(seq) * time.Minute)),
	}
}

func testLatestOnEmptySession(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	if _, err := b.ReadLatest(ctx, newSessionID()); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	history, err := b.ReadHistory(ctx, newSessionID(), 0, 10)
	if err != nil || len(history) != 0 {
		t.Fatalf("expected empty history, got %v, %v", history, err)
	}
	messages, err := b.ReadMessages(ctx, newSessionID())
	if err != nil || len(messages) != 0 {
		t.Fatalf("expected no messages, got %v, %v", messages, err)
	}
}

func testSequenceMustAdvanceByOne(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	sessionID := newSessionID()

	if err := b.AppendSnapshot(ctx, Snapshot(sessionID, "u1", 2)); !errors.Is(err, session.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict for a first snapshot at sequence 2, got %v", err)
	}
	for seq := int64(1); seq <= 3; seq++ {
		if err := b.AppendSnapshot(ctx, Snapshot(sessionID, "u1", seq)); err != nil {
			t.Fatalf("append sequence %d: %v", seq, err)
		}
	}
	if err := b.AppendSnapshot(ctx, Snapshot(sessionID, "u1", 3)); !errors.Is(err, session.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict for a duplicate sequence, got %v", err)
	}
	if err := b.AppendSnapshot(ctx, Snapshot(sessionID, "u1", 5)); !errors.Is(err, session.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict for a gap, got %v", err)
	}

	latest, err := b.ReadLatest(ctx, sessionID)
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	AssertSnapshotEqual(t, Snapshot(sessionID, "u1", 3), latest)

	// Sequences are scoped per session.
	if err := b.AppendSnapshot(ctx, Snapshot(newSessionID(), "u2", 1)); err != nil {
		t.Fatalf("first snapshot of another session: %v", err)
	}
}

func testHistoryPaging(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	sessionID := newSessionID()
	for seq := int64(1); seq <= 5; seq++ {
		if err := b.AppendSnapshot(ctx, Snapshot(sessionID, "u1", seq)); err != nil {
			t.Fatalf("append sequence %d: %v", seq, err)
		}
	}

	page, err := b.ReadHistory(ctx, sessionID, 0, 2)
	if err != nil {
		t.Fatalf("read first page: %v", err)
	}
	if len(page) != 2 || page[0].Sequence != 1 || page[1].Sequence != 2 {
		t.Fatalf("unexpected first page: %v", sequences(page))
	}

	page, err = b.ReadHistory(ctx, sessionID, 2, 10)
	if err != nil {
		t.Fatalf("read second page: %v", err)
	}
	if !reflect.DeepEqual(sequences(page), []int64{3, 4, 5}) {
		t.Fatalf("unexpected second page: %v", sequences(page))
	}
	AssertSnapshotEqual(t, Snapshot(sessionID, "u1", 4), page[1])

	page, err = b.ReadHistory(ctx, sessionID, 5, 10)
	if err != nil || len(page) != 0 {
		t.Fatalf("expected empty page past the end, got %v, %v", sequences(page), err)
	}
}

func testConcurrentAppendsConflict(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	sessionID := newSessionID()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.AppendSnapshot(ctx, Snapshot(sessionID, "u1", 1))
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, session.ErrWriteConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error from concurrent append: %v", err)
		}
	}
	if ok != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got %d ok and %d conflicts", ok, conflicts)
	}
}

func testReturnedSnapshotsAreCopies(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	sessionID := newSessionID()
	original := Snapshot(sessionID, "u1", 1)
	if err := b.AppendSnapshot(ctx, original); err != nil {
		t.Fatalf("append: %v", err)
	}

	first, err := b.ReadLatest(ctx, sessionID)
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	first.Messages[0].Content = "tampered"
	first.Metadata["turn"] = "tampered"

	second, err := b.ReadLatest(ctx, sessionID)
	if err != nil {
		t.Fatalf("read latest again: %v", err)
	}
	AssertSnapshotEqual(t, original, second)
}

func testMessagesInInsertionOrder(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	sessionID := newSessionID()

	// Identical timestamps must keep insertion order.
	want := []session.Message{
		Message(session.RoleUser, "Hi", 0),
		Message(session.RoleAssistant, "Hello!", 0),
		Message(session.RoleUser, "Price?", 0),
		Message(session.RoleAssistant, "It depends.", time.Second),
	}
	want[2].Metadata = map[string]any{"channel": "web"}
	for _, msg := range want {
		if err := b.AppendMessage(ctx, sessionID, "u1", msg); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}
	if err := b.AppendMessage(ctx, newSessionID(), "u2", Message(session.RoleUser, "other", 0)); err != nil {
		t.Fatalf("append message to another session: %v", err)
	}

	got, err := b.ReadMessages(ctx, sessionID)
	if err != nil {
		t.Fatalf("read messages: %v", err)
	}
	AssertMessagesEqual(t, want, got)
}

func testUsageSummary(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	day1 := time.Date(2001, 5, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2001, 5, 2, 0, 1, 0, 0, time.UTC)
	tooOld := time.Date(2001, 4, 30, 12, 0, 0, 0, time.UTC)

	events := []session.UsageEvent{
		usageEvent("model-a", 100, 10, 0.5, true, day1),
		usageEvent("model-a", 40, 4, 0.25, true, day2),
		usageEvent("model-b", 200, 20, 0.5, true, day2),
		usageEvent("model-b", 0, 0, 0.5, false, day2.Add(time.Hour)),
		usageEvent("model-b", 999, 999, 9, true, tooOld),
	}
	for _, event := range events {
		if err := b.AppendUsageEvent(ctx, event); err != nil {
			t.Fatalf("append usage event: %v", err)
		}
	}

	got, err := b.ReadUsageSummary(ctx, time.Date(2001, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("read usage summary: %v", err)
	}

	want := []session.CostAggregate{
		{Date: session.DayOf(day2), ModelName: "model-b", RequestCount: 2, FailedCount: 1, TokensInput: 200, TokensOutput: 20, TotalCost: 1.0},
		{Date: session.DayOf(day2), ModelName: "model-a", RequestCount: 1, TokensInput: 40, TokensOutput: 4, TotalCost: 0.25},
		{Date: session.DayOf(day1), ModelName: "model-a", RequestCount: 1, TokensInput: 100, TokensOutput: 10, TotalCost: 0.5},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d aggregates, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		w, g := want[i], got[i]
		if !w.Date.Equal(g.Date) || w.ModelName != g.ModelName || w.RequestCount != g.RequestCount ||
			w.FailedCount != g.FailedCount || w.TokensInput != g.TokensInput || w.TokensOutput != g.TokensOutput ||
			math.Abs(w.TotalCost-g.TotalCost) > 1e-9 {
			t.Fatalf("aggregate %d: expected %+v, got %+v", i, w, g)
		}
	}
}

func testSchemaIsIdempotent(t *testing.T, b backend.Backend) {
	if err := b.CreateSchemaIfAbsent(context.Background()); err != nil {
		t.Fatalf("second schema creation: %v", err)
	}
}

func usageEvent(model string, in, out int, costUSD float64, success bool, at time.Time) session.UsageEvent {
	event := session.UsageEvent{
		ID:           uuid.NewString(),
		SessionID:    "usage-session",
		ModelName:    model,
		TokensInput:  in,
		TokensOutput: out,
		CostUSD:      costUSD,
		Success:      success,
		CreatedAt:    at,
	}
	if !success {
		event.ErrorMessage = "model timeout"
	}
	return event
}

func sequences(snaps []session.Snapshot) []int64 {
	out := make([]int64, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.Sequence)
	}
	return out
}

// AssertSnapshotEqual compares snapshots field by field, using time.Equal for
// timestamps and treating nil and empty metadata alike.
func AssertSnapshotEqual(t *testing.T, want, got session.Snapshot) {
	t.Helper()
	if want.SessionID != got.SessionID || want.UserID != got.UserID || want.Sequence != got.Sequence {
		t.Fatalf("snapshot identity: expected %s/%s#%d, got %s/%s#%d",
			want.SessionID, want.UserID, want.Sequence, got.SessionID, got.UserID, got.Sequence)
	}
	if !want.CreatedAt.Equal(got.CreatedAt) {
		t.Fatalf("snapshot created_at: expected %v, got %v", want.CreatedAt, got.CreatedAt)
	}
	if !metadataEqual(want.Metadata, got.Metadata) {
		t.Fatalf("snapshot metadata: expected %v, got %v", want.Metadata, got.Metadata)
	}
	AssertMessagesEqual(t, want.Messages, got.Messages)
}

// AssertMessagesEqual compares message slices element by element.
func AssertMessagesEqual(t *testing.T, want, got []session.Message) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.ID != g.ID || w.Role != g.Role || w.Content != g.Content ||
			!w.CreatedAt.Equal(g.CreatedAt) || !metadataEqual(w.Metadata, g.Metadata) {
			t.Fatalf("message %d: expected %+v, got %+v", i, w, g)
		}
	}
}

func metadataEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
