package analytics

import (
	"context"
	"sync"
)

var _ Sink = (*MemorySink)(nil)

// MemorySink keeps analytics records in memory. Used when no analytics
// database is configured, and in tests.
type MemorySink struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	turns    []TurnRecord
	events   []EventRecord
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{sessions: make(map[string]SessionRecord)}
}

// RecordSession implements [Sink]. The latest record per session ID wins.
func (s *MemorySink) RecordSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionID] = rec
	return nil
}

// RecordTurn implements [Sink].
func (s *MemorySink) RecordTurn(_ context.Context, rec TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, rec)
	return nil
}

// RecordEvent implements [Sink].
func (s *MemorySink) RecordEvent(_ context.Context, rec EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, rec)
	return nil
}

// Close implements [Sink].
func (s *MemorySink) Close(context.Context) error { return nil }

// Session returns the stored record for id, if any.
func (s *MemorySink) Session(id string) (SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Turns returns a copy of the recorded turns for a session. An empty id
// returns all turns.
func (s *MemorySink) Turns(sessionID string) []TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnRecord, 0, len(s.turns))
	for _, rec := range s.turns {
		if sessionID == "" || rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

// Events returns a copy of the recorded events of the given kind. An
// empty kind returns all events.
func (s *MemorySink) Events(kind string) []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventRecord, 0, len(s.events))
	for _, rec := range s.events {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}
