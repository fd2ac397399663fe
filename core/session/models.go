package session

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message; compatible with string.
type Role string

const (
	RoleUser      Role = "user"      // End-user message
	RoleAssistant Role = "assistant" // Model response
)

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Session identifies one ongoing conversation. Both fields are immutable for
// the lifetime of the session.
type Session struct {
	ID     string `json:"session_id"`
	UserID string `json:"user_id"`
}

// Validate checks that the session identifiers are present.
func (s Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidMessage)
	}
	if s.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidMessage)
	}
	return nil
}

// Message is one turn-atomic utterance.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewMessage mints a message with a fresh UUID and the given creation time.
func NewMessage(role Role, content string, metadata map[string]any, createdAt time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Metadata:  maps.Clone(metadata),
		CreatedAt: createdAt.UTC(),
	}
}

// Validate rejects messages with an unsupported role.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unsupported role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

// CloneMessages deep-copies a message slice. It returns a non-nil slice.
func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, msg := range messages {
		out[i] = msg.Clone()
	}
	return out
}

// Snapshot is one immutable checkpoint of a session's state. Sequence numbers
// start at 1 and grow by exactly one per snapshot; the highest one is the
// current state.
type Snapshot struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Sequence  int64          `json:"sequence"`
	Messages  []Message      `json:"messages"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.Messages = CloneMessages(s.Messages)
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// UsageEvent is one metered model invocation. CostUSD is always derived from
// the token counts and the rate table, never supplied by callers.
type UsageEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	ModelName    string    `json:"model_name"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	CostUSD      float64   `json:"cost_usd"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CostAggregate summarizes usage events for one UTC calendar day and model.
type CostAggregate struct {
	Date         time.Time `json:"date"`
	ModelName    string    `json:"model_name"`
	RequestCount int       `json:"request_count"`
	FailedCount  int       `json:"failed_count"`
	TokensInput  int64     `json:"tokens_input"`
	TokensOutput int64     `json:"tokens_output"`
	TotalCost    float64   `json:"total_cost"`
}

// DayOf truncates t to the start of its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
