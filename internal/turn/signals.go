package turn

import (
	"strings"
	"sync"
)

// VerbosityHint steers response generation from observed conversation
// signals, independent of the load-driven backpressure ladder.
type VerbosityHint string

const (
	// HintNormal applies no steering.
	HintNormal VerbosityHint = "normal"

	// HintTerse asks for shorter replies; the user keeps cutting the agent
	// off.
	HintTerse VerbosityHint = "terse"

	// HintClarify asks the agent to restate more simply; the user signalled
	// they did not follow.
	HintClarify VerbosityHint = "clarify"
)

// Signal thresholds over the recent-turn window.
const (
	signalWindow     = 6
	bargeInThreshold = 3
	shortTurnMS      = 1500
	shortTurnStreak  = 3
)

// clarificationPhrases are user openings that indicate the previous reply
// was not understood.
var clarificationPhrases = []string{
	"what?", "what did you say", "huh", "sorry?", "come again",
	"say that again", "repeat that", "i don't understand", "i didn't catch",
}

// Signals derives steering hints from recent turn outcomes. One per
// session; not safe to share across sessions.
type Signals struct {
	mu      sync.Mutex
	records []signalRecord
	clarify bool
}

type signalRecord struct {
	bargedIn   bool
	durationMS int64
}

// RecordTurn adds one completed turn to the window.
func (s *Signals) RecordTurn(bargedIn bool, durationMS int64) {
	s.mu.Lock()
	s.records = append(s.records, signalRecord{bargedIn: bargedIn, durationMS: durationMS})
	if len(s.records) > signalWindow {
		s.records = s.records[len(s.records)-signalWindow:]
	}
	s.mu.Unlock()
}

// RecordUserText inspects the user's opening words for clarification
// phrases. The clarify hint applies to the next turn only.
func (s *Signals) RecordUserText(text string) {
	lower := strings.ToLower(strings.TrimSpace(text))
	match := false
	for _, p := range clarificationPhrases {
		if strings.HasPrefix(lower, p) {
			match = true
			break
		}
	}
	s.mu.Lock()
	s.clarify = match
	s.mu.Unlock()
}

// Hint returns the steering hint for the next turn. Clarification requests
// take priority over terseness.
func (s *Signals) Hint() VerbosityHint {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clarify {
		return HintClarify
	}

	bargeIns := 0
	shortStreak := 0
	for _, r := range s.records {
		if r.bargedIn {
			bargeIns++
		}
		if r.durationMS > 0 && r.durationMS < shortTurnMS {
			shortStreak++
		} else {
			shortStreak = 0
		}
	}
	if bargeIns >= bargeInThreshold || shortStreak >= shortTurnStreak {
		return HintTerse
	}
	return HintNormal
}

// SystemSuffix returns the instruction to append to the system prompt for
// the given hint, or "" for HintNormal. The pinned system prompt itself is
// never mutated, so prefix caching stays effective.
func (h VerbosityHint) SystemSuffix() string {
	switch h {
	case HintTerse:
		return "Keep your replies brief. One or two sentences."
	case HintClarify:
		return "The user did not follow your last reply. Restate it more simply."
	default:
		return ""
	}
}
