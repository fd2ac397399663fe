// Package scripted provides a deterministic runner.Model that needs no
// network access. It replays canned replies in order and, once they run out,
// echoes the last user message. It is priced as "scripted" in the default
// rate table, at zero cost.
package scripted

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leofalp/chatcheckpoint/core/runner"
	"github.com/leofalp/chatcheckpoint/core/session"
)

// Name is the model name reported to the ledger.
const Name = "scripted"

// Model replays canned replies.
type Model struct {
	mu      sync.Mutex
	replies []string
	next    int
	loop    bool
	latency time.Duration
	failOn  map[int]error
	calls   int
}

// Ensure Model implements runner.Model
var _ runner.Model = (*Model)(nil)

// Option configures a Model.
type Option func(*Model)

// WithReplies sets the canned replies, returned in order.
func WithReplies(replies ...string) Option {
	return func(m *Model) { m.replies = append([]string(nil), replies...) }
}

// WithLoop cycles through the replies instead of falling back to echo.
func WithLoop() Option {
	return func(m *Model) { m.loop = true }
}

// WithLatency delays every reply, honouring cancellation.
func WithLatency(d time.Duration) Option {
	return func(m *Model) { m.latency = d }
}

// WithFailure makes the call-th invocation (1-based) fail with err.
func WithFailure(call int, err error) Option {
	return func(m *Model) {
		if m.failOn == nil {
			m.failOn = make(map[int]error)
		}
		m.failOn[call] = err
	}
}

// New creates a scripted model.
func New(opts ...Option) *Model {
	m := &Model{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements runner.Model.
func (m *Model) Name() string { return Name }

// Generate implements runner.Model.
func (m *Model) Generate(ctx context.Context, req runner.Request) (runner.Reply, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return runner.Reply{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if err, ok := m.failOn[m.calls]; ok {
		return runner.Reply{}, err
	}

	content := m.pick(req.Messages)
	return runner.Reply{Content: content, Metadata: map[string]any{"call": m.calls}}, nil
}

func (m *Model) pick(messages []session.Message) string {
	if m.next < len(m.replies) {
		reply := m.replies[m.next]
		m.next++
		if m.loop && m.next == len(m.replies) {
			m.next = 0
		}
		return reply
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == session.RoleUser {
			return fmt.Sprintf("You said: %s", messages[i].Content)
		}
	}
	return "Hello! How can I help you today?"
}
