// Package session manages session lifecycle: admission control with a
// bounded wait queue, per-session conversation state, the rolling LLM
// context buffer with summarization rollover, and the shared prefix cache.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumora-ai/chorus/internal/fault"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
)

// pinnedShare is the largest fraction of the context window the pinned
// prefix (system prompt, persona, essential tool schemas) may occupy.
const pinnedShare = 0.25

// TokenCounter estimates context cost. llm.Provider satisfies it.
type TokenCounter interface {
	CountTokens(messages []llm.Message) (int, error)
}

// Summarizer condenses a conversation slice into one replacement message.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

// ContextBufferConfig configures a ContextBuffer.
type ContextBufferConfig struct {
	// MaxTokens is the hard context cap. Never exceeded.
	MaxTokens int

	// RolloverTokens triggers summarization. Must be below MaxTokens.
	RolloverTokens int

	// Counter estimates message cost.
	Counter TokenCounter
}

type ctxEntry struct {
	msg    llm.Message
	tokens int
}

// ContextBuffer is the per-session conversation window. The pinned prefix
// is immutable across rollovers so provider-side prompt caching stays
// effective; the rolling entries are summarized when the buffer reaches the
// rollover threshold.
//
// Rollover is idempotent: concurrent or repeated calls observe the
// generation counter and at most one replacement takes effect.
type ContextBuffer struct {
	cfg ContextBufferConfig

	mu           sync.Mutex
	pinned       []llm.Message
	pinnedTokens int
	entries      []ctxEntry
	entryTokens  int
	generation   uint64
}

// NewContextBuffer creates a buffer.
func NewContextBuffer(cfg ContextBufferConfig) *ContextBuffer {
	return &ContextBuffer{cfg: cfg}
}

// SetPinned installs the immutable prefix. Fails when the prefix exceeds a
// quarter of the context window, which would leave too little room for
// conversation.
func (b *ContextBuffer) SetPinned(messages []llm.Message) error {
	tokens, err := b.cfg.Counter.CountTokens(messages)
	if err != nil {
		return fmt.Errorf("session: count pinned tokens: %w", err)
	}
	limit := int(float64(b.cfg.MaxTokens) * pinnedShare)
	if tokens > limit {
		return fmt.Errorf("session: pinned prefix is %d tokens, limit %d (25%% of window)", tokens, limit)
	}
	b.mu.Lock()
	b.pinned = append([]llm.Message(nil), messages...)
	b.pinnedTokens = tokens
	b.mu.Unlock()
	return nil
}

// Append adds one message to the rolling window. Fails with a
// *fault.ContextOverflowError when the message would push the buffer past
// the hard cap; callers must roll over first.
func (b *ContextBuffer) Append(msg llm.Message) error {
	tokens, err := b.cfg.Counter.CountTokens([]llm.Message{msg})
	if err != nil {
		return fmt.Errorf("session: count tokens: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pinnedTokens+b.entryTokens+tokens > b.cfg.MaxTokens {
		return &fault.ContextOverflowError{
			Tokens: b.pinnedTokens + b.entryTokens + tokens,
			Err:    fmt.Errorf("message of %d tokens exceeds the %d cap", tokens, b.cfg.MaxTokens),
		}
	}
	b.entries = append(b.entries, ctxEntry{msg: msg, tokens: tokens})
	b.entryTokens += tokens
	return nil
}

// Messages returns the full conversation, pinned prefix first.
func (b *ContextBuffer) Messages() []llm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]llm.Message, 0, len(b.pinned)+len(b.entries))
	out = append(out, b.pinned...)
	for _, e := range b.entries {
		out = append(out, e.msg)
	}
	return out
}

// Pinned returns the pinned prefix.
func (b *ContextBuffer) Pinned() []llm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]llm.Message(nil), b.pinned...)
}

// TotalTokens returns the current window cost including the pinned prefix.
func (b *ContextBuffer) TotalTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinnedTokens + b.entryTokens
}

// NeedsRollover reports whether the buffer has reached the rollover
// threshold.
func (b *ContextBuffer) NeedsRollover() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinnedTokens+b.entryTokens >= b.cfg.RolloverTokens
}

// Generation returns the rollover generation counter.
func (b *ContextBuffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Rollover summarizes the oldest half of the rolling window and replaces it
// with a single summary message. The pinned prefix is untouched. A no-op
// when the buffer is below the threshold or another rollover completed
// first. Summarization failure returns a *fault.ContextOverflowError and
// leaves the buffer unchanged.
func (b *ContextBuffer) Rollover(ctx context.Context, s Summarizer) error {
	b.mu.Lock()
	if b.pinnedTokens+b.entryTokens < b.cfg.RolloverTokens || len(b.entries) < 2 {
		b.mu.Unlock()
		return nil
	}
	gen := b.generation
	half := len(b.entries) / 2
	oldest := make([]llm.Message, half)
	for i := 0; i < half; i++ {
		oldest[i] = b.entries[i].msg
	}
	total := b.pinnedTokens + b.entryTokens
	b.mu.Unlock()

	summary, err := s.Summarize(ctx, oldest)
	if err != nil {
		return &fault.ContextOverflowError{Tokens: total, Err: err}
	}
	summaryMsg := llm.Message{
		Role:    "system",
		Content: "Summary of the earlier conversation: " + summary,
	}
	summaryTokens, err := b.cfg.Counter.CountTokens([]llm.Message{summaryMsg})
	if err != nil {
		return &fault.ContextOverflowError{Tokens: total, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.generation != gen {
		// A concurrent rollover already replaced the window.
		return nil
	}
	kept := b.entries[half:]
	entries := make([]ctxEntry, 0, len(kept)+1)
	entries = append(entries, ctxEntry{msg: summaryMsg, tokens: summaryTokens})
	entryTokens := summaryTokens
	for _, e := range kept {
		entries = append(entries, e)
		entryTokens += e.tokens
	}
	b.entries = entries
	b.entryTokens = entryTokens
	b.generation++
	return nil
}
