// Package mock provides a scriptable in-memory llm.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lumora-ai/chorus/pkg/provider"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
)

// Provider is a mock llm.Provider that replays scripted chunks.
type Provider struct {
	// Chunks is the scripted stream for every StreamCompletion call.
	Chunks []llm.Chunk

	// FirstTokenDelay delays the first chunk. Used to exercise the
	// pre-first-audio timeout path.
	FirstTokenDelay time.Duration

	// ChunkInterval is the delay between subsequent chunks.
	ChunkInterval time.Duration

	// NeverRespond makes streams block until the context is cancelled.
	NeverRespond bool

	// StartErr, when non-nil, is returned by StreamCompletion.
	StartErr error

	// CompleteResponse and CompleteErr script the Complete method.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteDelay delays Complete. Used to exercise the summarization
	// deadline.
	CompleteDelay time.Duration

	// Healthy controls the Health result.
	Healthy bool

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Requests returns every request received so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.requests...)
}

func (p *Provider) record(req llm.CompletionRequest) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
}

// StreamCompletion replays the scripted chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	p.record(req)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		if p.NeverRespond {
			<-ctx.Done()
			return
		}
		if p.FirstTokenDelay > 0 {
			select {
			case <-time.After(p.FirstTokenDelay):
			case <-ctx.Done():
				return
			}
		}
		for i, c := range p.Chunks {
			if i > 0 && p.ChunkInterval > 0 {
				select {
				case <-time.After(p.ChunkInterval):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete returns the scripted response after the scripted delay.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.record(req)
	if p.CompleteDelay > 0 {
		select {
		case <-time.After(p.CompleteDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse != nil {
		return p.CompleteResponse, nil
	}
	return &llm.CompletionResponse{Content: "ok"}, nil
}

// CountTokens uses the same ~4 chars/token heuristic as the real adapters.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}

// Capabilities returns a small fixed window for tests.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		ContextWindow:       8192,
		MaxOutputTokens:     1024,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}

// Health reports Ready when Healthy is set, Down otherwise.
func (p *Provider) Health(context.Context) provider.Health {
	if p.Healthy {
		return provider.Ready
	}
	return provider.Down
}
