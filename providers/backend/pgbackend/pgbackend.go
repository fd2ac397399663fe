package pgbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/session"
)

// Default table names, shared with the schema the demo deployments created.
const (
	defaultSnapshotsTable = "checkpoint_snapshots"
	defaultHistoryTable   = "conversation_history"
	defaultUsageTable     = "usage_metrics"
)

// uniqueViolation is the SQLSTATE raised when the (session_id, sequence) key
// rejects a concurrent writer.
const uniqueViolation = "23505"

// Querier abstracts the pgx query methods needed by Backend.
// Both *pgxpool.Pool and pgx.Tx satisfy this interface, allowing
// callers to inject either a connection pool or a single transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// tableSet holds the raw and sanitized name of every table.
type tableSet struct {
	rawSnapshots, rawHistory, rawUsage string
	snapshots, history, usage          string
}

func newTableSet(prefix string) tableSet {
	ts := tableSet{
		rawSnapshots: prefix + defaultSnapshotsTable,
		rawHistory:   prefix + defaultHistoryTable,
		rawUsage:     prefix + defaultUsageTable,
	}
	if prefix == "" {
		ts.snapshots, ts.history, ts.usage = ts.rawSnapshots, ts.rawHistory, ts.rawUsage
		return ts
	}
	ts.snapshots = pgx.Identifier{ts.rawSnapshots}.Sanitize()
	ts.history = pgx.Identifier{ts.rawHistory}.Sanitize()
	ts.usage = pgx.Identifier{ts.rawUsage}.Sanitize()
	return ts
}

// Backend implements [backend.Backend] with PostgreSQL persistence.
// Thread safety is handled by the underlying pgx connection pool; no
// application-level mutex is needed.
type Backend struct {
	db     Querier
	tables tableSet
	close  func()
}

// Compile-time check: Backend must implement backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// Option configures optional Backend behavior.
type Option func(*Backend)

// WithTablePrefix prepends prefix to every table name. The resulting names are
// sanitized via pgx.Identifier to prevent SQL injection, since they are
// interpolated into queries via fmt.Sprintf.
func WithTablePrefix(prefix string) Option {
	return func(b *Backend) {
		b.tables = newTableSet(prefix)
	}
}

// New wraps an existing query executor (typically *pgxpool.Pool). The caller
// keeps ownership of db; [Backend.Close] does not close it.
func New(db Querier, opts ...Option) *Backend {
	b := &Backend{
		db:     db,
		tables: newTableSet(""),
		close:  func() {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open creates a connection pool for dsn and pings the server once. The
// returned Backend owns the pool. Any failure is reported as
// [session.ErrBackendUnavailable].
func Open(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: pgbackend: open pool: %w", session.ErrBackendUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: pgbackend: ping: %w", session.ErrBackendUnavailable, err)
	}

	b := New(pool, opts...)
	b.close = pool.Close
	return b, nil
}

// Name returns "postgres".
func (b *Backend) Name() string { return "postgres" }

// Close releases the pool when the backend was built by [Open].
func (b *Backend) Close() error {
	b.close()
	return nil
}

// AppendSnapshot inserts snap only when it directly follows the current
// highest sequence. A zero-row insert or a unique violation means another
// writer won the race.
func (b *Backend) AppendSnapshot(ctx context.Context, snap session.Snapshot) error {
	messagesJSON, err := json.Marshal(session.CloneMessages(snap.Messages))
	if err != nil {
		return fmt.Errorf("pgbackend: append snapshot: encode messages: %w", err)
	}
	metadataJSON, err := marshalNullableJSON(snap.Metadata)
	if err != nil {
		return fmt.Errorf("pgbackend: append snapshot: encode metadata: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(session_id, user_id, sequence, messages, metadata, created_at)
		SELECT $1::text, $2::text, $3::bigint, $4::jsonb, $5::jsonb, $6::timestamptz
		WHERE (SELECT COALESCE(MAX(sequence), 0) FROM %s WHERE session_id = $1::text) = $3::bigint - 1`,
		b.tables.snapshots, b.tables.snapshots)

	tag, err := b.db.Exec(ctx, query,
		snap.SessionID,
		snap.UserID,
		snap.Sequence,
		messagesJSON,
		metadataJSON,
		snap.CreatedAt.UTC(),
	)
	if err != nil {
		return classify("append snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pgbackend: sequence %d does not follow the latest snapshot of session %s",
			session.ErrWriteConflict, snap.Sequence, snap.SessionID)
	}
	return nil
}

// ReadLatest returns the highest-sequence snapshot of sessionID.
func (b *Backend) ReadLatest(ctx context.Context, sessionID string) (session.Snapshot, error) {
	query := fmt.Sprintf(`SELECT session_id, user_id, sequence, messages, metadata, created_at
		FROM %s WHERE session_id = $1 ORDER BY sequence DESC LIMIT 1`, b.tables.snapshots)

	snap, err := scanSnapshot(b.db.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Snapshot{}, fmt.Errorf("%w: no snapshot for session %s", session.ErrNotFound, sessionID)
	}
	if err != nil {
		return session.Snapshot{}, classify("read latest", err)
	}
	return snap, nil
}

// ReadHistory returns up to limit snapshots after afterSequence in ascending
// order.
func (b *Backend) ReadHistory(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]session.Snapshot, error) {
	if limit <= 0 {
		return []session.Snapshot{}, nil
	}
	query := fmt.Sprintf(`SELECT session_id, user_id, sequence, messages, metadata, created_at
		FROM %s WHERE session_id = $1 AND sequence > $2 ORDER BY sequence ASC LIMIT $3`, b.tables.snapshots)

	rows, err := b.db.Query(ctx, query, sessionID, afterSequence, limit)
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
		return nil, classify("read history: iterate rows", err)
	}
	return snaps, nil
}

// AppendMessage persists one history entry.
func (b *Backend) AppendMessage(ctx context.Context, sessionID, userID string, msg session.Message) error {
	metadataJSON, err := marshalNullableJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("pgbackend: append message: encode metadata: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(message_id, session_id, user_id, message_type, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, b.tables.history)

	_, err = b.db.Exec(ctx, query,
		msg.ID,
		sessionID,
		userID,
		string(msg.Role),
		msg.Content,
		metadataJSON,
		msg.CreatedAt.UTC(),
	)
	if err != nil {
		return classify("append message", err)
	}
	return nil
}

// ReadMessages returns the session history ordered by created_at, with the
// BIGSERIAL id breaking ties in insertion order.
func (b *Backend) ReadMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	query := fmt.Sprintf(`SELECT message_id, message_type, content, metadata, created_at
		FROM %s WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, b.tables.history)

	rows, err := b.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, classify("read messages", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var (
			msg          session.Message
			role         string
			metadataJSON []byte
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, classify("read messages: scan row", err)
		}
		msg.Role = session.Role(role)
		msg.CreatedAt = msg.CreatedAt.UTC()
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("pgbackend: read messages: decode metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read messages: iterate rows", err)
	}
	return messages, nil
}

// AppendUsageEvent persists one metered invocation. An empty error message is
// stored as NULL.
func (b *Backend) AppendUsageEvent(ctx context.Context, event session.UsageEvent) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(id, session_id, model_name, tokens_input, tokens_output, cost_usd, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, b.tables.usage)

	_, err := b.db.Exec(ctx, query,
		event.ID,
		event.SessionID,
		event.ModelName,
		event.TokensInput,
		event.TokensOutput,
		event.CostUSD,
		event.Success,
		nullableString(event.ErrorMessage),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return classify("append usage event", err)
	}
	return nil
}

// ReadUsageSummary groups events since the cut-off by UTC day and model.
func (b *Backend) ReadUsageSummary(ctx context.Context, since time.Time) ([]session.CostAggregate, error) {
	query := fmt.Sprintf(`SELECT (created_at AT TIME ZONE 'UTC')::date AS day,
			model_name,
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(tokens_input), 0),
			COALESCE(SUM(tokens_output), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM %s
		WHERE created_at >= $1
		GROUP BY day, model_name
		ORDER BY day DESC, 7 DESC, model_name ASC`, b.tables.usage)

	rows, err := b.db.Query(ctx, query, since.UTC())
	if err != nil {
		return nil, classify("read usage summary", err)
	}
	defer rows.Close()

	aggregates := []session.CostAggregate{}
	for rows.Next() {
		var (
			agg            session.CostAggregate
			requests, fail int64
		)
		if err := rows.Scan(&agg.Date, &agg.ModelName, &requests, &fail,
			&agg.TokensInput, &agg.TokensOutput, &agg.TotalCost); err != nil {
			return nil, classify("read usage summary: scan row", err)
		}
		agg.Date = session.DayOf(agg.Date)
		agg.RequestCount = int(requests)
		agg.FailedCount = int(fail)
		aggregates = append(aggregates, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read usage summary: iterate rows", err)
	}
	return aggregates, nil
}

// scanSnapshot reads one snapshot row from a pgx.Row (or pgx.Rows).
func scanSnapshot(row pgx.Row) (session.Snapshot, error) {
	var (
		snap                       session.Snapshot
		messagesJSON, metadataJSON []byte
	)
	if err := row.Scan(&snap.SessionID, &snap.UserID, &snap.Sequence, &messagesJSON, &metadataJSON, &snap.CreatedAt); err != nil {
		return session.Snapshot{}, err
	}
	snap.CreatedAt = snap.CreatedAt.UTC()

	if err := json.Unmarshal(messagesJSON, &snap.Messages); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode messages: %w", err)
	}
	if snap.Messages == nil {
		snap.Messages = []session.Message{}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &snap.Metadata); err != nil {
			return session.Snapshot{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return snap, nil
}

// classify maps a pgx error onto the error taxonomy. Server-side errors keep
// their identity except for unique violations (write conflicts) and
// connection or shutdown classes; everything that never reached the server is
// treated as unavailability.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("pgbackend: %s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation:
			return fmt.Errorf("%w: pgbackend: %s: %w", session.ErrWriteConflict, op, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: pgbackend: %s: %w", session.ErrBackendUnavailable, op, err)
		default:
			return fmt.Errorf("pgbackend: %s: %w", op, err)
		}
	}
	return fmt.Errorf("%w: pgbackend: %s: %w", session.ErrBackendUnavailable, op, err)
}

// marshalNullableJSON marshals an optional map to JSON, returning nil when it
// is empty. This maps Go zero-values to SQL NULL instead of storing "{}".
func marshalNullableJSON(value map[string]any) ([]byte, error) {
	if len(value) == 0 {
		return nil, nil
	}
	return json.Marshal(value)
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
