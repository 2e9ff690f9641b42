package analytics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Sink = (*PostgresSink)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT         PRIMARY KEY,
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    turns       INTEGER      NOT NULL DEFAULT 0,
    barge_ins   INTEGER      NOT NULL DEFAULT 0,
    avg_ttfa_ms BIGINT       NOT NULL DEFAULT 0,
    min_ttfa_ms BIGINT       NOT NULL DEFAULT 0,
    max_ttfa_ms BIGINT       NOT NULL DEFAULT 0,
    rollovers   BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    turn_id      BIGINT       NOT NULL,
    started_at   TIMESTAMPTZ  NOT NULL,
    outcome      TEXT         NOT NULL,
    ttfa_ms      BIGINT       NOT NULL DEFAULT 0,
    packets      INTEGER      NOT NULL DEFAULT 0,
    user_text    TEXT         NOT NULL DEFAULT '',
    agent_text   TEXT         NOT NULL DEFAULT '',
    interrupted  BOOLEAN      NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_outcome
    ON turns (outcome);
`

const ddlEvents = `
CREATE TABLE IF NOT EXISTS events (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL DEFAULT '',
    at          TIMESTAMPTZ  NOT NULL,
    kind        TEXT         NOT NULL,
    detail      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_kind
    ON events (kind);
`

// PostgresSink persists analytics records in PostgreSQL through a shared
// connection pool. All methods are safe for concurrent use.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to the database at dsn and ensures the
// analytics tables exist.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analytics: ping: %w", err)
	}
	for _, ddl := range []string{ddlSessions, ddlTurns, ddlEvents} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("analytics: migrate: %w", err)
		}
	}
	return &PostgresSink{pool: pool}, nil
}

// RecordSession implements [Sink]. Re-recording a session ID updates the
// row, so a session can be flushed more than once.
func (s *PostgresSink) RecordSession(ctx context.Context, rec SessionRecord) error {
	const q = `
		INSERT INTO sessions (session_id, started_at, ended_at, turns, barge_ins,
		                      avg_ttfa_ms, min_ttfa_ms, max_ttfa_ms, rollovers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE
		SET ended_at = EXCLUDED.ended_at,
		    turns = EXCLUDED.turns,
		    barge_ins = EXCLUDED.barge_ins,
		    avg_ttfa_ms = EXCLUDED.avg_ttfa_ms,
		    min_ttfa_ms = EXCLUDED.min_ttfa_ms,
		    max_ttfa_ms = EXCLUDED.max_ttfa_ms,
		    rollovers = EXCLUDED.rollovers`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID, rec.StartedAt, rec.EndedAt, rec.Turns, rec.BargeIns,
		rec.AvgTTFAMS, rec.MinTTFAMS, rec.MaxTTFAMS, rec.Rollovers)
	if err != nil {
		return fmt.Errorf("analytics: record session: %w", err)
	}
	return nil
}

// RecordTurn implements [Sink].
func (s *PostgresSink) RecordTurn(ctx context.Context, rec TurnRecord) error {
	const q = `
		INSERT INTO turns
		    (session_id, turn_id, started_at, outcome, ttfa_ms, packets, user_text, agent_text, interrupted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID, rec.TurnID, rec.StartedAt, rec.Outcome,
		rec.TTFAMS, rec.Packets, rec.UserText, rec.AgentText, rec.Interrupted)
	if err != nil {
		return fmt.Errorf("analytics: record turn: %w", err)
	}
	return nil
}

// RecordEvent implements [Sink].
func (s *PostgresSink) RecordEvent(ctx context.Context, rec EventRecord) error {
	const q = `
		INSERT INTO events (session_id, at, kind, detail)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, rec.SessionID, rec.At, rec.Kind, rec.Detail)
	if err != nil {
		return fmt.Errorf("analytics: record event: %w", err)
	}
	return nil
}

// Close implements [Sink]. It releases the connection pool.
func (s *PostgresSink) Close(context.Context) error {
	s.pool.Close()
	return nil
}
