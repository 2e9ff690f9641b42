package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lumora-ai/chorus/pkg/provider/llm"
)

// Summarizer defaults. The deadline keeps a slow summarization model from
// stalling the conversation; rollover runs between turns, not inside one.
const (
	DefaultSummaryDeadline  = 5 * time.Second
	defaultSummaryMaxTokens = 320
)

const summarySystemPrompt = "You compress conversation history. Write a " +
	"dense third-person summary of the dialogue below, keeping names, " +
	"facts, decisions and open questions. No preamble."

// LLMSummarizer condenses history through a dedicated summarization
// channel, typically a cheaper model than the conversational one so
// rollover never competes with live turns for the primary backend.
type LLMSummarizer struct {
	// Provider is the summarization backend.
	Provider llm.Provider

	// Deadline bounds one call. Zero means DefaultSummaryDeadline.
	Deadline time.Duration

	// MaxTokens caps the summary length. Zero uses a default sized to keep
	// the post-rollover window well under the threshold.
	MaxTokens int
}

var _ Summarizer = (*LLMSummarizer)(nil)

// Summarize renders the messages as a transcript and asks the backend for a
// summary within the deadline.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	deadline := s.Deadline
	if deadline <= 0 {
		deadline = DefaultSummaryDeadline
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var sb strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := s.Provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarize: %w", err)
	}
	return resp.Content, nil
}
