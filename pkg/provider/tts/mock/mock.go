// Package mock provides a scriptable in-memory tts.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lumora-ai/chorus/pkg/provider"
	"github.com/lumora-ai/chorus/pkg/provider/tts"
)

// Provider is a mock tts.Provider that emits a fixed amount of PCM per text
// fragment received.
type Provider struct {
	// BytesPerFragment is how much PCM each text fragment produces.
	// Defaults to 640 (20 ms at 16 kHz mono).
	BytesPerFragment int

	// ChunkDelay delays each produced chunk.
	ChunkDelay time.Duration

	// StartErr, when non-nil, is returned by SynthesizeStream.
	StartErr error

	// FailAfter closes the audio channel early after this many fragments
	// (0 = never), simulating a mid-stream synthesis failure.
	FailAfter int

	// Healthy controls the Health result.
	Healthy bool

	mu        sync.Mutex
	fragments []string
}

var _ tts.Provider = (*Provider)(nil)

// Fragments returns every text fragment received across all streams.
func (p *Provider) Fragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.fragments...)
}

// SynthesizeStream produces deterministic PCM for each fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.SynthesisConfig) (<-chan []byte, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	n := p.BytesPerFragment
	if n <= 0 {
		n = 640
	}

	audio := make(chan []byte, 64)
	go func() {
		defer close(audio)
		count := 0
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.fragments = append(p.fragments, fragment)
				p.mu.Unlock()

				count++
				if p.FailAfter > 0 && count > p.FailAfter {
					return
				}
				if p.ChunkDelay > 0 {
					select {
					case <-time.After(p.ChunkDelay):
					case <-ctx.Done():
						return
					}
				}
				chunk := make([]byte, n)
				for i := range chunk {
					chunk[i] = byte(count)
				}
				select {
				case audio <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// Health reports Ready when Healthy is set, Down otherwise.
func (p *Provider) Health(context.Context) provider.Health {
	if p.Healthy {
		return provider.Ready
	}
	return provider.Down
}
