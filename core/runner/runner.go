package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/leofalp/chatcheckpoint/core/checkpoint"
	"github.com/leofalp/chatcheckpoint/core/history"
	"github.com/leofalp/chatcheckpoint/core/ledger"
	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/core/tokens"
	"github.com/leofalp/chatcheckpoint/internal/utils"
	"github.com/leofalp/chatcheckpoint/providers/observability"
)

// DefaultSystemPrompt is the preamble used when none is configured.
const DefaultSystemPrompt = `You are an assistant for CONCESA, a construction equipment rental company.
You are professional, friendly and you know the product catalog well.`

// TurnResult is the outcome of a committed turn.
type TurnResult struct {
	Assistant session.Message  `json:"assistant_message"`
	Snapshot  session.Snapshot `json:"snapshot"`
}

// Runner executes conversation turns against a checkpoint store.
type Runner struct {
	store   *checkpoint.Store
	history *history.Log
	ledger  *ledger.Ledger
	model   Model

	systemPrompt string
	counter      tokens.Counter
	observer     observability.Provider
	now          func() time.Time
	turnTimeout  time.Duration

	locks *sessionLocks
}

// Option configures a Runner.
type Option func(*Runner)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(prompt string) Option {
	return func(r *Runner) { r.systemPrompt = prompt }
}

// WithTokenCounter sets the estimator used when the model reports no usage.
func WithTokenCounter(counter tokens.Counter) Option {
	return func(r *Runner) { r.counter = counter }
}

// WithObserver enables tracing, metrics and advisory-failure logs.
func WithObserver(observer observability.Provider) Option {
	return func(r *Runner) { r.observer = observer }
}

// WithClock overrides the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithTurnTimeout bounds every turn, lock wait included. Zero disables it.
func WithTurnTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.turnTimeout = timeout }
}

// New wires a Runner. The model must be priced by the ledger, otherwise New
// fails with [session.ErrUnknownModel].
func New(store *checkpoint.Store, hist *history.Log, led *ledger.Ledger, model Model, opts ...Option) (*Runner, error) {
	if store == nil || hist == nil || led == nil || model == nil {
		return nil, errors.New("runner: store, history, ledger and model are required")
	}
	if err := led.Validate(model.Name()); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	r := &Runner{
		store:        store,
		history:      hist,
		ledger:       led,
		model:        model,
		systemPrompt: DefaultSystemPrompt,
		counter:      tokens.Heuristic{CharsPerToken: tokens.DefaultCharsPerToken},
		now:          time.Now,
		locks:        newSessionLocks(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ModelName returns the name of the configured model.
func (r *Runner) ModelName() string { return r.model.Name() }

// SubmitTurn runs one turn: it appends text as a user message, asks the model
// for a reply and commits both messages as the next snapshot of the session.
//
// Errors: session.ErrInvalidMessage for empty identifiers or text,
// session.ErrUserMismatch when the session belongs to another user,
// session.ErrModelInvocation (wrapping the cause) when the model fails or the
// turn is cancelled while waiting for it, session.ErrBackendUnavailable and
// session.ErrWriteConflict from the checkpoint store, and the context error
// when ctx ends while waiting for the session lock. No snapshot is written on
// any error path.
func (r *Runner) SubmitTurn(ctx context.Context, sessionID, userID, text string) (TurnResult, error) {
	sess := session.Session{ID: sessionID, UserID: userID}
	if err := sess.Validate(); err != nil {
		return TurnResult{}, err
	}
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, fmt.Errorf("%w: empty user text", session.ErrInvalidMessage)
	}

	if r.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.turnTimeout)
		defer cancel()
	}

	// 1. Trace the whole turn and hand the observer to adapters downstream.
	ctx, span := r.startTurn(ctx, sess)
	result, status, err := r.runTurn(ctx, sess, text, span)
	r.finishTurn(ctx, span, sess, status, err)
	return result, err
}

func (r *Runner) runTurn(ctx context.Context, sess session.Session, text string, span observability.Span) (TurnResult, string, error) {
	// 2. Idle: wait for exclusive access to the session.
	lockTimer := utils.NewTimer()
	release, err := r.locks.acquire(ctx, sess.ID)
	lockWait := lockTimer.Stop()
	if err != nil {
		return TurnResult{}, "cancelled", fmt.Errorf("runner: wait for session %s: %w", sess.ID, err)
	}
	defer release()
	if span != nil {
		span.AddEvent(observability.EventSessionLockWait, observability.Duration(observability.AttrDuration, lockWait))
	}

	// 3. Load the current state; a missing snapshot means a new session.
	prior, err := r.store.Latest(ctx, sess.ID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		prior = session.Snapshot{SessionID: sess.ID, UserID: sess.UserID}
	case err != nil:
		return TurnResult{}, "backend_error", fmt.Errorf("runner: read latest snapshot: %w", err)
	case prior.UserID != sess.UserID:
		return TurnResult{}, "rejected", fmt.Errorf("%w: session %s", session.ErrUserMismatch, sess.ID)
	}

	userMsg := session.NewMessage(session.RoleUser, text, nil, r.now())
	r.advisory(ctx, "append_user_message", r.history.AppendMessage(context.WithoutCancel(ctx), sess.ID, sess.UserID, userMsg))
	if span != nil {
		span.AddEvent(observability.EventUserMessage,
			observability.Int64(observability.AttrSnapshotSeq, prior.Sequence),
			observability.Int(observability.AttrMessageLength, len(text)),
		)
	}

	// 4. AwaitingModelResponse: the prompt is the accumulated conversation
	// plus the new user message.
	prompt := append(session.CloneMessages(prior.Messages), userMsg)
	reply, err := r.generate(ctx, prompt)
	if err == nil {
		// A reply that arrives after cancellation is discarded.
		err = ctx.Err()
	}
	if err != nil {
		r.recordUsage(ctx, sess.ID, tokens.Usage{InputTokens: r.counter.CountMessages(r.systemPrompt, prompt)}, err)
		return TurnResult{}, "model_error", fmt.Errorf("%w: %w", session.ErrModelInvocation, err)
	}
	usage := tokens.Resolve(reply.Usage, r.counter, r.systemPrompt, prompt, reply.Content)
	if span != nil {
		source := "reported"
		if reply.Usage == nil {
			source = "estimated"
		}
		span.SetAttributes(
			observability.Int(observability.AttrTokensInput, usage.InputTokens),
			observability.Int(observability.AttrTokensOutput, usage.OutputTokens),
			observability.String(observability.AttrTokenSource, source),
		)
	}

	assistantMetadata := map[string]any{"model": r.model.Name()}
	maps.Copy(assistantMetadata, reply.Metadata)
	assistantMsg := session.NewMessage(session.RoleAssistant, reply.Content, assistantMetadata, r.now())

	// 5. Committed: the only load-bearing write of the turn. The usage is
	// recorded whatever the outcome because the tokens were spent.
	snapshotMetadata := map[string]any{
		"timestamp": userMsg.CreatedAt.Format(time.RFC3339Nano),
		"model":     r.model.Name(),
	}
	snap, err := r.store.PutExpected(ctx, sess, prior.Sequence, []session.Message{userMsg, assistantMsg}, snapshotMetadata)
	r.recordUsage(ctx, sess.ID, usage, nil)
	if err != nil {
		status := "backend_error"
		if errors.Is(err, session.ErrWriteConflict) {
			status = "conflict"
		}
		return TurnResult{}, status, fmt.Errorf("runner: commit turn: %w", err)
	}
	if span != nil {
		span.AddEvent(observability.EventSnapshotWritten,
			observability.Int64(observability.AttrSnapshotSeq, snap.Sequence),
			observability.Int(observability.AttrMessagesCount, len(snap.Messages)),
		)
	}

	// 6. Advisory bookkeeping after the commit.
	r.advisory(ctx, "append_assistant_message", r.history.AppendMessage(context.WithoutCancel(ctx), sess.ID, sess.UserID, assistantMsg))

	return TurnResult{Assistant: assistantMsg, Snapshot: snap}, "ok", nil
}

// generate calls the model inside its own span and records its latency.
func (r *Runner) generate(ctx context.Context, prompt []session.Message) (Reply, error) {
	var span observability.Span
	if r.observer != nil {
		ctx, span = r.observer.StartSpan(ctx, observability.SpanModelGenerate,
			observability.ModelName(r.model.Name()),
			observability.Int(observability.AttrMessagesCount, len(prompt)),
		)
		defer span.End()
	}

	timer := utils.NewTimer()
	reply, err := r.model.Generate(ctx, Request{SystemPrompt: r.systemPrompt, Messages: prompt})
	elapsed := timer.Stop()

	if r.observer != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.observer.Histogram(observability.MetricModelDuration).Record(ctx, elapsed.Seconds(),
			observability.ModelName(r.model.Name()),
			observability.Outcome(status),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(observability.StatusError, "model invocation failed")
		} else {
			span.AddEvent(observability.EventModelResponded, observability.Int(observability.AttrMessageLength, len(reply.Content)))
			span.SetStatus(observability.StatusOK, "")
		}
	}
	return reply, err
}

// recordUsage meters one invocation. The ledger already swallows backend
// failures; configuration faults are reported here as advisory too.
func (r *Runner) recordUsage(ctx context.Context, sessionID string, usage tokens.Usage, invokeErr error) {
	_, err := r.ledger.Record(context.WithoutCancel(ctx), ledger.RecordRequest{
		SessionID:    sessionID,
		ModelName:    r.model.Name(),
		TokensInput:  usage.InputTokens,
		TokensOutput: usage.OutputTokens,
		Err:          invokeErr,
	})
	r.advisory(ctx, "record_usage", err)
}

// advisory logs and swallows err.
func (r *Runner) advisory(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	if r.observer == nil {
		slog.WarnContext(ctx, "runner: advisory write dropped", "operation", op, "error", err)
		return
	}
	r.observer.Warn(ctx, "advisory write dropped",
		observability.String(observability.AttrOperation, op),
		observability.Error(err),
	)
	r.observer.Counter(observability.MetricAdvisoryFailures).Add(ctx, 1,
		observability.String(observability.AttrOperation, op))
	if span := observability.SpanFromContext(ctx); span != nil {
		span.AddEvent(observability.EventAdvisoryDropped,
			observability.String(observability.AttrOperation, op),
			observability.Error(err),
		)
	}
}

func (r *Runner) startTurn(ctx context.Context, sess session.Session) (context.Context, observability.Span) {
	if r.observer == nil {
		return ctx, nil
	}
	ctx, span := r.observer.StartSpan(ctx, observability.SpanTurn,
		observability.SessionID(sess.ID),
		observability.String(observability.AttrUserID, sess.UserID),
		observability.ModelName(r.model.Name()),
	)
	ctx = observability.ContextWithObserver(ctx, r.observer)
	return ctx, span
}

func (r *Runner) finishTurn(ctx context.Context, span observability.Span, sess session.Session, status string, err error) {
	if r.observer == nil {
		return
	}
	r.observer.Counter(observability.MetricTurnCount).Add(ctx, 1,
		observability.Outcome(status),
		observability.ModelName(r.model.Name()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(observability.StatusError, status)
		r.observer.Error(ctx, "turn failed",
			observability.SessionID(sess.ID),
			observability.Outcome(status),
			observability.Error(err),
		)
	} else {
		span.SetStatus(observability.StatusOK, "")
		r.observer.Info(ctx, "turn committed", observability.SessionID(sess.ID))
	}
	span.End()
}

// GetHistory returns the conversation history log of sessionID.
func (r *Runner) GetHistory(ctx context.Context, sessionID string) ([]session.Message, error) {
	return r.history.Read(ctx, sessionID)
}

// GetCostSummary returns per-day, per-model spend over the last lookbackDays.
func (r *Runner) GetCostSummary(ctx context.Context, lookbackDays int) ([]session.CostAggregate, error) {
	return r.ledger.SummaryDays(ctx, lookbackDays)
}

// Latest returns the current snapshot of sessionID.
func (r *Runner) Latest(ctx context.Context, sessionID string) (session.Snapshot, error) {
	return r.store.Latest(ctx, sessionID)
}

// Checkpoints iterates over every snapshot of sessionID, oldest first.
func (r *Runner) Checkpoints(ctx context.Context, sessionID string) iter.Seq2[session.Snapshot, error] {
	return r.store.History(ctx, sessionID)
}
