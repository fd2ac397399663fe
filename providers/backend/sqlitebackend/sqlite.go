// Package sqlitebackend is a durable backend adapter on SQLite for single-host
// deployments. It keeps one open connection, so every write is serialized and
// the conditional snapshot insert cannot interleave with another writer.
// Timestamps are stored as Unix nanoseconds.
package sqlitebackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/session"
)

// Store implements backend.Backend using SQLite.
type Store struct {
	db *sql.DB
}

// Ensure Store implements backend.Backend at compile time.
var _ backend.Backend = (*Store)(nil)

// Open opens (or creates) the database at dsn, which may be a file path or
// ":memory:". Failures are reported as [session.ErrBackendUnavailable].
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlitebackend: open: %w", session.ErrBackendUnavailable, err)
	}
	// In-memory databases are per connection, and a single connection keeps
	// snapshot writes serialized for file databases too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: sqlitebackend: ping: %w", session.ErrBackendUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Name returns "sqlite".
func (s *Store) Name() string { return "sqlite" }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateSchemaIfAbsent runs the idempotent migrations.
func (s *Store) CreateSchemaIfAbsent(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			sequence INTEGER NOT NULL CHECK (sequence > 0),
			messages TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE (session_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_history_session ON conversation_history(session_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS usage_metrics (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error_message TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_metrics_created ON usage_metrics(created_at)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return classify("migrate", err)
		}
	}
	return nil
}

// AppendSnapshot inserts snap only when it directly follows the current
// highest sequence of its session.
func (s *Store) AppendSnapshot(ctx context.Context, snap session.Snapshot) error {
	messagesJSON, err := json.Marshal(session.CloneMessages(snap.Messages))
	if err != nil {
		return fmt.Errorf("sqlitebackend: append snapshot: encode messages: %w", err)
	}
	metadata, err := nullableJSON(snap.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitebackend: append snapshot: encode metadata: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `INSERT INTO checkpoint_snapshots
		(session_id, user_id, sequence, messages, metadata, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE (SELECT COALESCE(MAX(sequence), 0) FROM checkpoint_snapshots WHERE session_id = ?) = ? - 1`,
		snap.SessionID, snap.UserID, snap.Sequence, string(messagesJSON), metadata, snap.CreatedAt.UnixNano(),
		snap.SessionID, snap.Sequence,
	)
	if err != nil {
		return classify("append snapshot", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify("append snapshot", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: sqlitebackend: sequence %d does not follow the latest snapshot of session %s",
			session.ErrWriteConflict, snap.Sequence, snap.SessionID)
	}
	return nil
}

// ReadLatest returns the highest-sequence snapshot of sessionID.
func (s *Store) ReadLatest(ctx context.Context, sessionID string) (session.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_id, sequence, messages, metadata, created_at
		FROM checkpoint_snapshots WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`, sessionID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, fmt.Errorf("%w: no snapshot for session %s", session.ErrNotFound, sessionID)
	}
	if err != nil {
		return session.Snapshot{}, classify("read latest", err)
	}
	return snap, nil
}

// ReadHistory returns up to limit snapshots after afterSequence, ascending.
func (s *Store) ReadHistory(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]session.Snapshot, error) {
	if limit <= 0 {
		return []session.Snapshot{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, user_id, sequence, messages, metadata, created_at
		FROM checkpoint_snapshots WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		sessionID, afterSequence, limit)
	if err != nil {
		return nil, classify("read history", err)
	}
	defer rows.Close()

	snaps := []session.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, classify("read history: scan row", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read history", err)
	}
	return snaps, nil
}

// AppendMessage stores one history entry.
func (s *Store) AppendMessage(ctx context.Context, sessionID, userID string, msg session.Message) error {
	metadata, err := nullableJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitebackend: append message: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversation_history
		(message_id, session_id, user_id, message_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, userID, string(msg.Role), msg.Content, metadata, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return classify("append message", err)
	}
	return nil
}

// ReadMessages returns the session history by created_at, then insertion.
func (s *Store) ReadMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, message_type, content, metadata, created_at
		FROM conversation_history WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, classify("read messages", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var (
			msg       session.Message
			role      string
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &metadata, &createdAt); err != nil {
			return nil, classify("read messages: scan row", err)
		}
		msg.Role = session.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("sqlitebackend: read messages: decode metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read messages", err)
	}
	return messages, nil
}

// AppendUsageEvent stores one metered invocation.
func (s *Store) AppendUsageEvent(ctx context.Context, event session.UsageEvent) error {
	var errorMessage any
	if event.ErrorMessage != "" {
		errorMessage = event.ErrorMessage
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_metrics
		(id, session_id, model_name, tokens_input, tokens_output, cost_usd, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, event.ModelName, event.TokensInput, event.TokensOutput,
		event.CostUSD, event.Success, errorMessage, event.CreatedAt.UnixNano(),
	)
	if err != nil {
		return classify("append usage event", err)
	}
	return nil
}

// ReadUsageSummary groups events since the cut-off by UTC day and model.
func (s *Store) ReadUsageSummary(ctx context.Context, since time.Time) ([]session.CostAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date(created_at / 1000000000, 'unixepoch') AS day,
			model_name,
			COUNT(*),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			COALESCE(SUM(tokens_input), 0),
			COALESCE(SUM(tokens_output), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM usage_metrics
		WHERE created_at >= ?
		GROUP BY day, model_name
		ORDER BY day DESC, 7 DESC, model_name ASC`, since.UnixNano())
	if err != nil {
		return nil, classify("read usage summary", err)
	}
	defer rows.Close()

	aggregates := []session.CostAggregate{}
	for rows.Next() {
		var (
			agg session.CostAggregate
			day string
		)
		if err := rows.Scan(&day, &agg.ModelName, &agg.RequestCount, &agg.FailedCount,
			&agg.TokensInput, &agg.TokensOutput, &agg.TotalCost); err != nil {
			return nil, classify("read usage summary: scan row", err)
		}
		agg.Date, err = time.Parse(time.DateOnly, day)
		if err != nil {
			return nil, fmt.Errorf("sqlitebackend: read usage summary: parse day %q: %w", day, err)
		}
		aggregates = append(aggregates, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read usage summary", err)
	}
	return aggregates, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (session.Snapshot, error) {
	var (
		snap         session.Snapshot
		messagesJSON string
		metadata     sql.NullString
		createdAt    int64
	)
	if err := row.Scan(&snap.SessionID, &snap.UserID, &snap.Sequence, &messagesJSON, &metadata, &createdAt); err != nil {
		return session.Snapshot{}, err
	}
	snap.CreatedAt = time.Unix(0, createdAt).UTC()

	if err := json.Unmarshal([]byte(messagesJSON), &snap.Messages); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode messages: %w", err)
	}
	if snap.Messages == nil {
		snap.Messages = []session.Message{}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &snap.Metadata); err != nil {
			return session.Snapshot{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return snap, nil
}

// classify maps driver errors onto the error taxonomy. Constraint violations
// mean a concurrent writer won; SQL logic errors keep their identity; the
// rest (busy, locked, I/O, closed database) are unavailability.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sqlitebackend: %s: %w", op, err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: sqlitebackend: %s: %w", session.ErrWriteConflict, op, err)
		case sqlite3.ErrError:
			return fmt.Errorf("sqlitebackend: %s: %w", op, err)
		}
	}
	return fmt.Errorf("%w: sqlitebackend: %s: %w", session.ErrBackendUnavailable, op, err)
}

// nullableJSON encodes an optional map, mapping empty to SQL NULL.
func nullableJSON(value map[string]any) (any, error) {
	if len(value) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
