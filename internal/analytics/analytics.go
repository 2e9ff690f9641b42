// Package analytics records session and turn outcomes for offline
// analysis. Recording is fire-and-forget from the session path: a sink
// failure is logged, never surfaced to the conversation.
package analytics

import (
	"context"
	"time"
)

// SessionRecord summarizes one finished session.
type SessionRecord struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
	Turns     int
	BargeIns  int
	AvgTTFAMS int64
	MinTTFAMS int64
	MaxTTFAMS int64
	Rollovers uint64
}

// TurnRecord captures one finished turn.
type TurnRecord struct {
	SessionID   string
	TurnID      uint64
	StartedAt   time.Time
	Outcome     string
	TTFAMS      int64
	Packets     int
	UserText    string
	AgentText   string
	Interrupted bool
}

// EventRecord is a free-form operational event (degradation changes,
// rollover failures) tied to a session when one applies.
type EventRecord struct {
	SessionID string
	At        time.Time
	Kind      string
	Detail    string
}

// Sink persists analytics records. Implementations must be safe for
// concurrent use.
type Sink interface {
	RecordSession(ctx context.Context, rec SessionRecord) error
	RecordTurn(ctx context.Context, rec TurnRecord) error
	RecordEvent(ctx context.Context, rec EventRecord) error

	// Close flushes and releases resources.
	Close(ctx context.Context) error
}
