// Package pgbackend is the durable backend adapter on PostgreSQL.
//
// It stores three append-only tables: checkpoint_snapshots (one row per
// state transition, unique on session and sequence), conversation_history
// (the advisory message log) and usage_metrics (metered model invocations).
// Messages and metadata are persisted as JSONB.
//
// A snapshot write is a single conditional INSERT: the row is only inserted
// when the current highest sequence of the session is exactly one below the
// new one. Together with the unique key this makes the sequence check and the
// write atomic without explicit transactions.
//
// Usage:
//
//	pg, err := pgbackend.Open(ctx, dsn)
//	if err != nil {
//	    // fall back or abort
//	}
//	defer pg.Close()
//	if err := pg.CreateSchemaIfAbsent(ctx); err != nil {
//	    // ...
//	}
package pgbackend
