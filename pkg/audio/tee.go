package audio

import (
	"context"
	"sync"
)

// SubscribePolicy controls what a [Tee] does when a subscriber's buffer is
// full.
type SubscribePolicy int

const (
	// Block waits until the subscriber drains. Use for consumers that must
	// see every byte (the packetizer).
	Block SubscribePolicy = iota

	// Drop discards the chunk for that subscriber only. Use for consumers
	// that may lag without holding up audio (the animation stage).
	Drop
)

// Tee broadcasts PCM chunks from one input stream to multiple subscribers,
// each with its own bounded buffer and overflow policy. A slow Drop
// subscriber loses chunks; it never slows a Block subscriber down.
type Tee struct {
	in <-chan []byte

	mu      sync.Mutex
	subs    []*teeSub
	started bool
}

type teeSub struct {
	ch     chan []byte
	policy SubscribePolicy
}

// NewTee creates a tee reading from in. Subscribe all consumers before
// calling Run; late subscribers miss earlier chunks.
func NewTee(in <-chan []byte) *Tee {
	return &Tee{in: in}
}

// Subscribe registers a consumer with the given buffer size and overflow
// policy and returns its channel. The channel is closed when the input
// stream ends or the tee's context is cancelled.
func (t *Tee) Subscribe(buffer int, policy SubscribePolicy) <-chan []byte {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &teeSub{ch: make(chan []byte, buffer), policy: policy}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub.ch
}

// Run pumps the input stream to all subscribers until it ends or ctx is
// cancelled, then closes every subscriber channel.
func (t *Tee) Run(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	subs := make([]*teeSub, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	defer func() {
		for _, s := range subs {
			close(s.ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-t.in:
			if !ok {
				return nil
			}
			for _, s := range subs {
				switch s.policy {
				case Drop:
					select {
					case s.ch <- chunk:
					default:
					}
				default:
					select {
					case s.ch <- chunk:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}
}
