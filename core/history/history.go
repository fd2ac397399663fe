// Package history implements the Conversation History Log: a flat,
// chronological, per-session log of every message, kept separately from the
// checkpoint snapshots for cheap audit and display queries.
//
// The log is purely additive and is treated as advisory by the session
// runner; the checkpoint store remains the authoritative record.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/session"
)

// Log appends to and reads from the history tables of a backend.
type Log struct {
	backend backend.Backend
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the source of message timestamps for [Log.Append].
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New returns a Log over b.
func New(b backend.Backend, opts ...Option) *Log {
	l := &Log{backend: b, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append mints a message with a fresh ID and the current time and stores it.
func (l *Log) Append(ctx context.Context, sessionID, userID string, role session.Role, content string, metadata map[string]any) (session.Message, error) {
	msg := session.NewMessage(role, content, metadata, l.now())
	if err := l.AppendMessage(ctx, sessionID, userID, msg); err != nil {
		return session.Message{}, err
	}
	return msg, nil
}

// AppendMessage stores a message that was already minted, keeping its ID and
// timestamp so the log and the snapshots refer to the same message.
func (l *Log) AppendMessage(ctx context.Context, sessionID, userID string, msg session.Message) error {
	if err := (session.Session{ID: sessionID, UserID: userID}).Validate(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := l.backend.AppendMessage(ctx, sessionID, userID, msg); err != nil {
		return fmt.Errorf("history: append %s message: %w", msg.Role, err)
	}
	return nil
}

// Read returns every message of sessionID, oldest first. Messages with equal
// timestamps keep insertion order.
func (l *Log) Read(ctx context.Context, sessionID string) ([]session.Message, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", session.ErrInvalidMessage)
	}
	messages, err := l.backend.ReadMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	return messages, nil
}
