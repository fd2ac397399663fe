// Package ledger implements the Usage Ledger: every model invocation, failed
// or not, becomes a [session.UsageEvent] whose cost is derived from the token
// counts and a per-model rate table.
//
// Writes are advisory. A backend failure while recording is logged and
// swallowed so metering can never break a conversation turn; only
// configuration and validation faults are returned to the caller.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/cost"
	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/providers/observability"
)

// Ledger records usage events and summarizes spend.
type Ledger struct {
	backend         backend.Backend
	rates           cost.RateTable
	zeroRateUnknown bool
	observer        observability.Provider
	now             func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithZeroRateForUnknownModels prices models missing from the rate table at
// zero instead of rejecting them. Every time the policy applies it is logged
// at WARN.
func WithZeroRateForUnknownModels() Option {
	return func(l *Ledger) { l.zeroRateUnknown = true }
}

// WithObserver routes advisory failures and cost metrics to observer.
func WithObserver(observer observability.Provider) Option {
	return func(l *Ledger) { l.observer = observer }
}

// WithClock overrides the source of event timestamps and summary cut-offs.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns a Ledger pricing events with rates. The table is copied and
// checked for negative entries.
func New(b backend.Backend, rates cost.RateTable, opts ...Option) (*Ledger, error) {
	if err := rates.Validate(); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	l := &Ledger{
		backend: b,
		rates:   cost.RateTable{}.Merge(rates),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Validate reports [session.ErrUnknownModel] when model has no rate entry and
// the zero-rate policy is off. It is meant to run at startup.
func (l *Ledger) Validate(model string) error {
	if _, err := l.rates.Lookup(model); err != nil && !l.zeroRateUnknown {
		return err
	}
	return nil
}

// RecordRequest describes one finished model invocation. Err is the
// invocation failure, nil on success.
type RecordRequest struct {
	SessionID    string
	ModelName    string
	TokensInput  int
	TokensOutput int
	Err          error
}

// Record prices req and appends the resulting event. The event is returned
// even when the backend write failed; that failure is only logged.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (session.UsageEvent, error) {
	switch {
	case req.SessionID == "":
		return session.UsageEvent{}, fmt.Errorf("%w: empty session id", session.ErrInvalidMessage)
	case req.ModelName == "":
		return session.UsageEvent{}, fmt.Errorf("%w: empty model name", session.ErrInvalidMessage)
	case req.TokensInput < 0 || req.TokensOutput < 0:
		return session.UsageEvent{}, fmt.Errorf("%w: negative token count (%d in, %d out)",
			session.ErrInvalidMessage, req.TokensInput, req.TokensOutput)
	}

	rate, err := l.rates.Lookup(req.ModelName)
	if err != nil {
		if !l.zeroRateUnknown {
			return session.UsageEvent{}, err
		}
		l.warn(ctx, "pricing unknown model at zero rate",
			observability.ModelName(req.ModelName),
			observability.SessionID(req.SessionID),
		)
	}

	event := session.UsageEvent{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		ModelName:    req.ModelName,
		TokensInput:  req.TokensInput,
		TokensOutput: req.TokensOutput,
		CostUSD:      rate.CalculateTotalCost(req.TokensInput, req.TokensOutput),
		Success:      req.Err == nil,
		CreatedAt:    l.now().UTC(),
	}
	if req.Err != nil {
		event.ErrorMessage = req.Err.Error()
		if event.ErrorMessage == "" {
			event.ErrorMessage = "unknown error"
		}
	}

	if err := l.backend.AppendUsageEvent(ctx, event); err != nil {
		l.warn(ctx, "usage event dropped",
			observability.SessionID(req.SessionID),
			observability.ModelName(req.ModelName),
			observability.String(observability.AttrOperation, "record_usage"),
			observability.Error(err),
		)
		if l.observer != nil {
			l.observer.Counter(observability.MetricAdvisoryFailures).Add(ctx, 1,
				observability.String(observability.AttrOperation, "record_usage"))
		}
		return event, nil
	}

	if l.observer != nil {
		status := "ok"
		if !event.Success {
			status = "failed"
		}
		l.observer.Histogram(observability.MetricUsageCost).Record(ctx, event.CostUSD,
			observability.ModelName(event.ModelName),
			observability.Outcome(status),
		)
		l.observer.Debug(ctx, "usage recorded",
			observability.SessionID(event.SessionID),
			observability.ModelName(event.ModelName),
			observability.Float64(observability.AttrCostUSD, event.CostUSD),
		)
	}
	return event, nil
}

// Summary aggregates events created at or after now-since by UTC day and
// model, newest day first and the most expensive model first within a day.
func (l *Ledger) Summary(ctx context.Context, since time.Duration) ([]session.CostAggregate, error) {
	if since < 0 {
		return nil, fmt.Errorf("%w: negative lookback %s", session.ErrInvalidMessage, since)
	}
	aggregates, err := l.backend.ReadUsageSummary(ctx, l.now().UTC().Add(-since))
	if err != nil {
		return nil, fmt.Errorf("ledger: summary: %w", err)
	}
	return aggregates, nil
}

// SummaryDays is Summary over the last days*24 hours. days must be positive.
func (l *Ledger) SummaryDays(ctx context.Context, days int) ([]session.CostAggregate, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: lookback must be at least one day, got %d", session.ErrInvalidMessage, days)
	}
	return l.Summary(ctx, time.Duration(days)*24*time.Hour)
}

func (l *Ledger) warn(ctx context.Context, msg string, attrs ...observability.Attribute) {
	if l.observer != nil {
		l.observer.Warn(ctx, msg, attrs...)
		return
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, slog.Any(attr.Key, attr.Value))
	}
	slog.WarnContext(ctx, "ledger: "+msg, args...)
}
