// Package pg is an append-only audit sink for session activity, backed by
// jackc/pgx/v5. It never feeds back into session state: a unit's
// last-sent snapshot and a session's recovery after reconnect are entirely
// in-memory, and the rows written here play no part in either. This is
// observability, not persistence.
package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink appends one row per recorded event to a Postgres table.
type Sink struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection to dsn, retrying with exponential
// backoff until ctx is done or a connection succeeds.
func Connect(ctx context.Context, dsn string) (*Sink, error) {
	var pool *pgxpool.Pool

	op := func() error {
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("audit/pg: connect: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Sink) Close() { s.pool.Close() }

// EnsureSchema creates the audit_log table if it does not already exist.
// audit_log is append-only: no update or delete path is provided.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	unit_key    TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     JSONB,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("audit/pg: ensure schema: %w", err)
	}
	return nil
}

// Record appends one row. A failure here is the caller's to log and
// otherwise ignore: audit writes never block or roll back a unit's
// projection pipeline.
func (s *Sink) Record(ctx context.Context, sessionID, unitKey, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit/pg: marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (session_id, unit_key, event_type, payload) VALUES ($1, $2, $3, $4)`,
		sessionID, unitKey, eventType, raw)
	if err != nil {
		return fmt.Errorf("audit/pg: insert: %w", err)
	}
	return nil
}

// RecordAction is a convenience wrapper recording an ACTION invocation.
func (s *Sink) RecordAction(ctx context.Context, sessionID, unitKey, name string, arg any) error {
	return s.Record(ctx, sessionID, unitKey, unitKey+":ACTION:"+name, arg)
}

// RecordTaskOutcome is a convenience wrapper recording a TASK_DONE outcome.
func (s *Sink) RecordTaskOutcome(ctx context.Context, sessionID, unitKey, name string, outcome any) error {
	return s.Record(ctx, sessionID, unitKey, unitKey+":TASK_DONE:"+name, outcome)
}
