package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lumora-ai/chorus/internal/fault"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
	llmmock "github.com/lumora-ai/chorus/pkg/provider/llm/mock"
)

// lenCounter charges one token per content byte, making test arithmetic
// exact.
type lenCounter struct{}

func (lenCounter) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total, nil
}

// stubSummarizer returns a fixed summary or error.
type stubSummarizer struct {
	summary string
	err     error
	calls   int
	gotMsgs []llm.Message
}

func (s *stubSummarizer) Summarize(_ context.Context, msgs []llm.Message) (string, error) {
	s.calls++
	s.gotMsgs = msgs
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func testBuffer(t *testing.T) *ContextBuffer {
	t.Helper()
	return NewContextBuffer(ContextBufferConfig{
		MaxTokens:      8192,
		RolloverTokens: 7500,
		Counter:        lenCounter{},
	})
}

// fill appends n entries of the given token size.
func fill(t *testing.T, b *ContextBuffer, n, tokens int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg := llm.Message{Role: "user", Content: strings.Repeat("x", tokens)}
		if err := b.Append(msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestBufferRolloverThresholdBoundary(t *testing.T) {
	b := testBuffer(t)
	fill(t, b, 1, 7499)
	if b.NeedsRollover() {
		t.Error("7499 tokens must not trigger rollover")
	}
	fill(t, b, 1, 1)
	if !b.NeedsRollover() {
		t.Error("7500 tokens must trigger rollover")
	}
}

func TestBufferHardCapNeverExceeded(t *testing.T) {
	b := testBuffer(t)
	fill(t, b, 1, 8000)
	err := b.Append(llm.Message{Role: "user", Content: strings.Repeat("x", 200)})
	var coe *fault.ContextOverflowError
	if !errors.As(err, &coe) {
		t.Fatalf("err = %v, want *fault.ContextOverflowError", err)
	}
	if b.TotalTokens() != 8000 {
		t.Errorf("rejected append changed the buffer: %d tokens", b.TotalTokens())
	}
}

func TestBufferRolloverSummarizesOldestHalf(t *testing.T) {
	b := testBuffer(t)
	fill(t, b, 10, 750) // 7500 tokens, at the threshold
	s := &stubSummarizer{summary: strings.Repeat("s", 100)}

	if err := b.Rollover(context.Background(), s); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if s.calls != 1 {
		t.Fatalf("summarizer called %d times", s.calls)
	}
	if len(s.gotMsgs) != 5 {
		t.Errorf("summarized %d messages, want oldest 5", len(s.gotMsgs))
	}
	// 5 kept entries (3750) + summary message.
	summaryTokens := len("Summary of the earlier conversation: ") + 100
	want := 5*750 + summaryTokens
	if got := b.TotalTokens(); got != want {
		t.Errorf("post-rollover tokens = %d, want %d", got, want)
	}
	if b.TotalTokens() > 7000 {
		t.Errorf("post-rollover window %d should sit well below the threshold", b.TotalTokens())
	}
	if b.Generation() != 1 {
		t.Errorf("generation = %d, want 1", b.Generation())
	}
	msgs := b.Messages()
	if !strings.HasPrefix(msgs[0].Content, "Summary of the earlier conversation:") {
		t.Errorf("first message is not the summary: %q", msgs[0].Content[:40])
	}
}

func TestBufferRolloverIdempotent(t *testing.T) {
	b := testBuffer(t)
	fill(t, b, 10, 750)
	s := &stubSummarizer{summary: "short"}
	if err := b.Rollover(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	gen := b.Generation()
	if err := b.Rollover(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.calls != 1 {
		t.Errorf("summarizer called %d times, want 1 (second rollover is a no-op)", s.calls)
	}
	if b.Generation() != gen {
		t.Errorf("generation moved on a no-op rollover")
	}
}

func TestBufferRolloverFailureLeavesWindowIntact(t *testing.T) {
	b := testBuffer(t)
	fill(t, b, 10, 750)
	s := &stubSummarizer{err: errors.New("backend down")}

	err := b.Rollover(context.Background(), s)
	var coe *fault.ContextOverflowError
	if !errors.As(err, &coe) {
		t.Fatalf("err = %v, want *fault.ContextOverflowError", err)
	}
	if coe.Tokens != 7500 {
		t.Errorf("reported tokens = %d, want 7500", coe.Tokens)
	}
	if b.TotalTokens() != 7500 || b.Generation() != 0 {
		t.Errorf("failed rollover mutated the buffer: %d tokens gen %d",
			b.TotalTokens(), b.Generation())
	}
}

func TestBufferPinnedLimit(t *testing.T) {
	b := testBuffer(t)
	// 25% of 8192 = 2048.
	if err := b.SetPinned([]llm.Message{{Role: "system", Content: strings.Repeat("p", 2048)}}); err != nil {
		t.Fatalf("pinned at the limit rejected: %v", err)
	}
	if err := b.SetPinned([]llm.Message{{Role: "system", Content: strings.Repeat("p", 2049)}}); err == nil {
		t.Fatal("pinned above 25% of the window must be rejected")
	}
}

func TestBufferPinnedSurvivesRollover(t *testing.T) {
	b := testBuffer(t)
	pinned := []llm.Message{{Role: "system", Content: strings.Repeat("p", 1000)}}
	if err := b.SetPinned(pinned); err != nil {
		t.Fatal(err)
	}
	fill(t, b, 10, 650) // 1000 + 6500 = 7500
	if !b.NeedsRollover() {
		t.Fatal("expected rollover threshold reached")
	}
	if err := b.Rollover(context.Background(), &stubSummarizer{summary: "short"}); err != nil {
		t.Fatal(err)
	}
	got := b.Pinned()
	if len(got) != 1 || got[0].Content != pinned[0].Content {
		t.Error("pinned prefix changed across rollover")
	}
	if b.Messages()[0].Content != pinned[0].Content {
		t.Error("pinned prefix no longer leads the conversation")
	}
}

func TestLLMSummarizerDeadline(t *testing.T) {
	s := &LLMSummarizer{
		Provider: &llmmock.Provider{CompleteDelay: 200 * time.Millisecond},
		Deadline: 20 * time.Millisecond,
	}
	start := time.Now()
	_, err := s.Summarize(context.Background(), []llm.Message{{Role: "user", Content: "hello"}})
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Errorf("summarize did not respect the deadline, took %v", time.Since(start))
	}
}

func TestLLMSummarizerRendersTranscript(t *testing.T) {
	mock := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "a summary"}}
	s := &LLMSummarizer{Provider: mock}
	got, err := s.Summarize(context.Background(), []llm.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "a summary" {
		t.Errorf("summary = %q", got)
	}
	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	transcript := reqs[0].Messages[1].Content
	if !strings.Contains(transcript, "user: hi") || !strings.Contains(transcript, "assistant: hello") {
		t.Errorf("transcript = %q", transcript)
	}
}
