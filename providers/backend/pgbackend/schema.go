package pgbackend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// createSnapshotsSQL stores one row per state transition. The unique key on
// (session_id, sequence) rejects a second writer for the same sequence.
const createSnapshotsSQL = `CREATE TABLE IF NOT EXISTS %s (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    sequence    BIGINT NOT NULL CHECK (sequence > 0),
    messages    JSONB NOT NULL,
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT %s UNIQUE (session_id, sequence)
)`

// createHistorySQL is the advisory message log. The BIGSERIAL id breaks
// created_at ties in insertion order.
const createHistorySQL = `CREATE TABLE IF NOT EXISTS %s (
    id            BIGSERIAL PRIMARY KEY,
    message_id    TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    message_type  TEXT NOT NULL,
    content       TEXT NOT NULL DEFAULT '',
    metadata      JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createHistoryIndexSQL = `CREATE INDEX IF NOT EXISTS %s
    ON %s (session_id, created_at, id)`

const createUsageSQL = `CREATE TABLE IF NOT EXISTS %s (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    model_name     TEXT NOT NULL,
    tokens_input   INTEGER NOT NULL DEFAULT 0,
    tokens_output  INTEGER NOT NULL DEFAULT 0,
    cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
    success        BOOLEAN NOT NULL DEFAULT TRUE,
    error_message  TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createUsageIndexSQL = `CREATE INDEX IF NOT EXISTS %s
    ON %s (created_at)`

// CreateSchemaIfAbsent creates the three tables and their indexes if they do
// not already exist. Production deployments may prefer proper migration
// tooling; the statements are idempotent either way.
func (b *Backend) CreateSchemaIfAbsent(ctx context.Context) error {
	t := b.tables
	statements := []struct {
		name string
		sql  string
	}{
		{"create snapshots table", fmt.Sprintf(createSnapshotsSQL, t.snapshots, identifier(t.rawSnapshots, "session_sequence_key"))},
		{"create history table", fmt.Sprintf(createHistorySQL, t.history)},
		{"create history index", fmt.Sprintf(createHistoryIndexSQL, identifier("idx", t.rawHistory, "session_created"), t.history)},
		{"create usage table", fmt.Sprintf(createUsageSQL, t.usage)},
		{"create usage index", fmt.Sprintf(createUsageIndexSQL, identifier("idx", t.rawUsage, "created_at"), t.usage)},
	}

	for _, stmt := range statements {
		if _, err := b.db.Exec(ctx, stmt.sql); err != nil {
			return classify(stmt.name, err)
		}
	}
	return nil
}

// identifier joins parts with underscores into a sanitized identifier.
func identifier(parts ...string) string {
	name := parts[0]
	for _, p := range parts[1:] {
		name += "_" + p
	}
	return pgx.Identifier{name}.Sanitize()
}
