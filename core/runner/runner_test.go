package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/backend/backendtest"
	"github.com/leofalp/chatcheckpoint/core/checkpoint"
	"github.com/leofalp/chatcheckpoint/core/cost"
	"github.com/leofalp/chatcheckpoint/core/history"
	"github.com/leofalp/chatcheckpoint/core/ledger"
	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/core/tokens"
	"github.com/leofalp/chatcheckpoint/providers/backend/inmemory"
	"github.com/leofalp/chatcheckpoint/providers/observability"
	"github.com/leofalp/chatcheckpoint/providers/observability/slogobs"
)

// funcModel adapts a function to the Model interface.
type funcModel struct {
	name string
	fn   func(ctx context.Context, req Request) (Reply, error)
}

func (m funcModel) Name() string { return m.name }

func (m funcModel) Generate(ctx context.Context, req Request) (Reply, error) {
	return m.fn(ctx, req)
}

// echoModel answers with the last user message and reports usage.
func echoModel() funcModel {
	return funcModel{name: "gpt-4o-mini", fn: func(_ context.Context, req Request) (Reply, error) {
		last := req.Messages[len(req.Messages)-1]
		return Reply{
			Content: "echo: " + last.Content,
			Usage:   &tokens.Usage{InputTokens: 100, OutputTokens: 20},
		}, nil
	}}
}

// tickingClock advances one millisecond per call so history ordering is stable.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fixture struct {
	runner *Runner
	flaky  *backendtest.Flaky
}

func newFixture(t *testing.T, model Model, opts ...Option) fixture {
	t.Helper()
	return newFixtureOn(t, backendtest.NewFlaky(inmemory.New()), model, opts...)
}

func newFixtureOn(t *testing.T, flaky *backendtest.Flaky, model Model, opts ...Option) fixture {
	t.Helper()
	c := newTickingClock()
	led, err := ledger.New(flaky, cost.DefaultRates())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	r, err := New(
		checkpoint.New(flaky, checkpoint.WithClock(c.Now)),
		history.New(flaky, history.WithClock(c.Now)),
		led,
		model,
		append([]Option{WithClock(c.Now)}, opts...)...,
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return fixture{runner: r, flaky: flaky}
}

func roles(messages []session.Message) []session.Role {
	out := make([]session.Role, len(messages))
	for i, msg := range messages {
		out[i] = msg.Role
	}
	return out
}

func totals(t *testing.T, r *Runner) (requests, failed int) {
	t.Helper()
	summary, err := r.GetCostSummary(context.Background(), 3650)
	if err != nil {
		t.Fatalf("cost summary: %v", err)
	}
	for _, row := range summary {
		requests += row.RequestCount
		failed += row.FailedCount
	}
	return requests, failed
}

func TestSubmitTurn_TwoTurnConversation(t *testing.T) {
	f := newFixture(t, echoModel())
	ctx := context.Background()

	for _, text := range []string{"Hi", "Price?"} {
		if _, err := f.runner.SubmitTurn(ctx, "s1", "u1", text); err != nil {
			t.Fatalf("turn %q: %v", text, err)
		}
	}

	latest, err := f.runner.Latest(ctx, "s1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Sequence != 2 || len(latest.Messages) != 4 {
		t.Fatalf("expected sequence 2 with 4 messages, got %d with %d", latest.Sequence, len(latest.Messages))
	}
	if latest.Messages[0].Content != "Hi" || latest.Messages[2].Content != "Price?" {
		t.Fatalf("unexpected user messages: %+v", latest.Messages)
	}
	if latest.Metadata["model"] != "gpt-4o-mini" || latest.Metadata["timestamp"] == nil {
		t.Fatalf("unexpected snapshot metadata: %v", latest.Metadata)
	}

	msgs, err := f.runner.GetHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []session.Role{session.RoleUser, session.RoleAssistant, session.RoleUser, session.RoleAssistant}
	if got := roles(msgs); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected history roles %v, got %v", want, got)
	}

	if requests, failed := totals(t, f.runner); requests != 2 || failed != 0 {
		t.Fatalf("expected 2 successful usage events, got %d requests / %d failed", requests, failed)
	}
}

func TestSubmitTurn_PromptCarriesWholeConversation(t *testing.T) {
	var seen []int
	model := funcModel{name: "scripted", fn: func(_ context.Context, req Request) (Reply, error) {
		seen = append(seen, len(req.Messages))
		if req.SystemPrompt != "be brief" {
			return Reply{}, fmt.Errorf("unexpected system prompt %q", req.SystemPrompt)
		}
		return Reply{Content: "ok"}, nil
	}}
	f := newFixture(t, model, WithSystemPrompt("be brief"))

	for i := range 3 {
		if _, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	if fmt.Sprint(seen) != "[1 3 5]" {
		t.Fatalf("expected prompts of 1, 3 and 5 messages, got %v", seen)
	}
}

func TestSubmitTurn_AssistantMetadata(t *testing.T) {
	model := funcModel{name: "scripted", fn: func(context.Context, Request) (Reply, error) {
		return Reply{Content: "hello", Metadata: map[string]any{"finish_reason": "stop"}}, nil
	}}
	f := newFixture(t, model)

	result, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", "Hi")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if result.Assistant.Role != session.RoleAssistant || result.Assistant.Content != "hello" {
		t.Fatalf("unexpected assistant message: %+v", result.Assistant)
	}
	if result.Assistant.Metadata["model"] != "scripted" || result.Assistant.Metadata["finish_reason"] != "stop" {
		t.Fatalf("unexpected assistant metadata: %v", result.Assistant.Metadata)
	}
	if result.Snapshot.Sequence != 1 || len(result.Snapshot.Messages) != 2 {
		t.Fatalf("unexpected snapshot: %+v", result.Snapshot)
	}
}

func TestSubmitTurn_ModelFailureKeepsPriorSnapshot(t *testing.T) {
	calls := 0
	model := funcModel{name: "gpt-4o", fn: func(context.Context, Request) (Reply, error) {
		calls++
		if calls == 2 {
			return Reply{}, errors.New("upstream 500")
		}
		return Reply{Content: "welcome"}, nil
	}}
	f := newFixture(t, model)
	ctx := context.Background()

	if _, err := f.runner.SubmitTurn(ctx, "s1", "u1", "Hi"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	_, err := f.runner.SubmitTurn(ctx, "s1", "u1", "Price?")
	if !errors.Is(err, session.ErrModelInvocation) {
		t.Fatalf("expected ErrModelInvocation, got %v", err)
	}

	latest, err := f.runner.Latest(ctx, "s1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Sequence != 1 || len(latest.Messages) != 2 {
		t.Fatalf("expected snapshot 1 with 2 messages, got %d with %d", latest.Sequence, len(latest.Messages))
	}
	if requests, failed := totals(t, f.runner); requests != 2 || failed != 1 {
		t.Fatalf("expected 2 usage events with 1 failure, got %d / %d", requests, failed)
	}
}

func TestSubmitTurn_ConcurrentTurnsOnOneSession(t *testing.T) {
	f := newFixture(t, echoModel())
	const turns = 12

	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", fmt.Sprintf("m%d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent turn: %v", err)
		}
	}

	snaps, err := checkpointsOf(f.runner, "s1")
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(snaps) != turns {
		t.Fatalf("expected %d snapshots, got %d", turns, len(snaps))
	}
	for i, snap := range snaps {
		if snap.Sequence != int64(i+1) || len(snap.Messages) != 2*(i+1) {
			t.Fatalf("snapshot %d: sequence %d with %d messages", i, snap.Sequence, len(snap.Messages))
		}
	}
	if size := f.runner.locks.size(); size != 0 {
		t.Fatalf("expected lock table to be empty, got %d entries", size)
	}
}

func TestSubmitTurn_SessionsRunInParallel(t *testing.T) {
	entered := make(chan string, 2)
	proceed := make(chan struct{})
	model := funcModel{name: "scripted", fn: func(_ context.Context, req Request) (Reply, error) {
		entered <- req.Messages[0].Content
		<-proceed
		return Reply{Content: "ok"}, nil
	}}
	f := newFixture(t, model)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.runner.SubmitTurn(context.Background(), id, "u1", id); err != nil {
				t.Errorf("turn on %s: %v", id, err)
			}
		}()
	}

	// Both model calls must be in flight at once.
	for range 2 {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("turns on different sessions were serialized")
		}
	}
	close(proceed)
	wg.Wait()
}

func checkpointsOf(r *Runner, sessionID string) ([]session.Snapshot, error) {
	var out []session.Snapshot
	for snap, err := range r.Checkpoints(context.Background(), sessionID) {
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func TestSubmitTurn_CancelledWhileWaitingForLock(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	model := funcModel{name: "scripted", fn: func(context.Context, Request) (Reply, error) {
		close(entered)
		<-proceed
		return Reply{Content: "first"}, nil
	}}
	f := newFixture(t, model)

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", "first")
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.runner.SubmitTurn(ctx, "s1", "u1", "second")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting, got %v", err)
	}
	if errors.Is(err, session.ErrModelInvocation) {
		t.Fatalf("lock wait must not be reported as a model failure: %v", err)
	}

	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("first turn: %v", err)
	}
	latest, err := f.runner.Latest(context.Background(), "s1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Sequence != 1 {
		t.Fatalf("expected only the first turn to commit, got sequence %d", latest.Sequence)
	}
}

func TestSubmitTurn_CancelledDuringModelCall(t *testing.T) {
	model := funcModel{name: "scripted", fn: func(ctx context.Context, _ Request) (Reply, error) {
		<-ctx.Done()
		return Reply{}, ctx.Err()
	}}
	f := newFixture(t, model, WithTurnTimeout(20*time.Millisecond))

	_, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", "Hi")
	if !errors.Is(err, session.ErrModelInvocation) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected model invocation deadline error, got %v", err)
	}
	if _, err := f.runner.Latest(context.Background(), "s1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected no snapshot after cancellation, got %v", err)
	}
	if size := f.runner.locks.size(); size != 0 {
		t.Fatalf("expected lock to be released, got %d entries", size)
	}
}

func TestSubmitTurn_ReplyAfterCancellationIsDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := funcModel{name: "scripted", fn: func(context.Context, Request) (Reply, error) {
		cancel()
		return Reply{Content: "too late"}, nil
	}}
	f := newFixture(t, model)

	_, err := f.runner.SubmitTurn(ctx, "s1", "u1", "Hi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, err := f.runner.Latest(context.Background(), "s1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected no snapshot, got %v", err)
	}
}

func TestSubmitTurn_UserMismatch(t *testing.T) {
	f := newFixture(t, echoModel())
	ctx := context.Background()

	if _, err := f.runner.SubmitTurn(ctx, "s1", "u1", "Hi"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := f.runner.SubmitTurn(ctx, "s1", "intruder", "Hi"); !errors.Is(err, session.ErrUserMismatch) {
		t.Fatalf("expected ErrUserMismatch, got %v", err)
	}
}

func TestSubmitTurn_InvalidInput(t *testing.T) {
	f := newFixture(t, echoModel())
	ctx := context.Background()

	cases := []struct{ sessionID, userID, text string }{
		{"", "u1", "Hi"},
		{"s1", "", "Hi"},
		{"s1", "u1", "   "},
	}
	for _, tc := range cases {
		if _, err := f.runner.SubmitTurn(ctx, tc.sessionID, tc.userID, tc.text); !errors.Is(err, session.ErrInvalidMessage) {
			t.Errorf("SubmitTurn(%q, %q, %q): expected ErrInvalidMessage, got %v", tc.sessionID, tc.userID, tc.text, err)
		}
	}
}

func TestSubmitTurn_AdvisoryFailuresAreSwallowed(t *testing.T) {
	observer := slogobs.New(slogobs.WithOutput(io.Discard))
	f := newFixture(t, echoModel(), WithObserver(observer))
	f.flaky.FailMessages.Store(true)
	f.flaky.FailUsage.Store(true)

	result, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", "Hi")
	if err != nil {
		t.Fatalf("expected turn to succeed despite advisory failures, got %v", err)
	}
	if result.Snapshot.Sequence != 1 {
		t.Fatalf("expected committed snapshot, got %+v", result.Snapshot)
	}
	// User and assistant history appends fail; the usage write failure is
	// swallowed inside the ledger.
	if got := observer.CounterValue(observability.MetricAdvisoryFailures); got != 2 {
		t.Fatalf("expected 2 advisory failures, got %d", got)
	}
	if got := observer.CounterValue(observability.MetricTurnCount); got != 1 {
		t.Fatalf("expected one turn counted, got %d", got)
	}
}

func TestSubmitTurn_SnapshotFailureIsLoadBearing(t *testing.T) {
	f := newFixture(t, echoModel())
	f.flaky.FailSnapshots.Store(true)

	_, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", "Hi")
	if !errors.Is(err, session.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestSubmitTurn_ConflictingWriterIsReported(t *testing.T) {
	flaky := backendtest.NewFlaky(inmemory.New())
	var once sync.Once
	// Another process commits sequence 1 between our read and our write.
	flaky.BeforeAppendSnapshot = func(snap session.Snapshot) {
		once.Do(func() {
			rival := backendtest.Snapshot("s1", "u1", 1)
			if err := flaky.Backend.AppendSnapshot(context.Background(), rival); err != nil {
				t.Errorf("rival write: %v", err)
			}
		})
	}
	f := newFixtureOn(t, flaky, echoModel())

	_, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", "Hi")
	if !errors.Is(err, session.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}
	// The tokens were spent, so the invocation is still metered.
	if requests, _ := totals(t, f.runner); requests != 1 {
		t.Fatalf("expected 1 usage event, got %d", requests)
	}
}

func TestSubmitTurn_FallbackBackend(t *testing.T) {
	connect := func(context.Context) (backend.Backend, error) {
		return nil, fmt.Errorf("%w: connection refused", session.ErrBackendUnavailable)
	}
	selection := backend.Select(context.Background(), connect, func() backend.Backend { return inmemory.New() }, nil)
	if selection.Kind != backend.KindFallback {
		t.Fatalf("expected fallback selection")
	}

	f := newFixtureOn(t, backendtest.NewFlaky(selection.Backend), echoModel())
	if _, err := f.runner.SubmitTurn(context.Background(), "s1", "u1", "Hi"); err != nil {
		t.Fatalf("turn on fallback backend: %v", err)
	}
	msgs, err := f.runner.GetHistory(context.Background(), "s1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected 2 history messages, got %d (%v)", len(msgs), err)
	}
}

func TestNew_UnknownModel(t *testing.T) {
	b := inmemory.New()
	led, err := ledger.New(b, cost.DefaultRates())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	model := funcModel{name: "gpt-9", fn: func(context.Context, Request) (Reply, error) { return Reply{}, nil }}

	if _, err := New(checkpoint.New(b), history.New(b), led, model); !errors.Is(err, session.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := New(nil, history.New(b), led, model); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

func TestSessionLocks_ReleaseIsIdempotent(t *testing.T) {
	locks := newSessionLocks()

	release, err := locks.acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()

	if size := locks.size(); size != 0 {
		t.Fatalf("expected empty lock table, got %d", size)
	}
	release2, err := locks.acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	release2()
}
