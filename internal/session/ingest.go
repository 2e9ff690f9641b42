package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lumora-ai/chorus/pkg/provider/asr"
	"github.com/lumora-ai/chorus/pkg/provider/vad"
)

// TurnTrigger is invoked when an utterance completes: final transcript in
// hand and the endpoint detected. It runs on the ingest goroutine; slow
// work (the turn itself) must be dispatched elsewhere.
type TurnTrigger func(text string, endpointAt time.Time)

// IngestConfig wires an Ingest.
type IngestConfig struct {
	// ASR is the recognition backend.
	ASR asr.Provider

	// Detector endpointing and barge-in detection. The ingest is its single
	// caller.
	Detector vad.Detector

	// SampleRate of the inbound PCM16 audio.
	SampleRate int

	// Language for recognition.
	Language string

	// OnTurn fires when an utterance completes.
	OnTurn TurnTrigger
}

// Ingest is the inbound half of a session's media channel: it feeds client
// audio to the ASR stream and the VAD, turns confirmed speech during agent
// playback into a barge-in, and fires the turn trigger when an endpoint
// meets a final transcript.
type Ingest struct {
	cfg     IngestConfig
	session *Session

	handle asr.SessionHandle

	mu        sync.Mutex
	finals    []string
	endpointA time.Time // pending endpoint awaiting a final transcript

	closeOnce sync.Once
	closed    chan struct{}
}

// StartIngest opens the recognition stream and starts the transcript loop.
func (s *Session) StartIngest(ctx context.Context, cfg IngestConfig) (*Ingest, error) {
	handle, err := cfg.ASR.StartStream(ctx, asr.StreamConfig{
		SampleRate: cfg.SampleRate,
		Language:   cfg.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("session: start recognition: %w", err)
	}
	ing := &Ingest{
		cfg:     cfg,
		session: s,
		handle:  handle,
		closed:  make(chan struct{}),
	}
	go ing.transcriptLoop(ctx)
	return ing, nil
}

// FeedAudio processes one inbound PCM16 chunk observed at the given time.
func (i *Ingest) FeedAudio(chunk []byte, at time.Time) error {
	select {
	case <-i.closed:
		return fmt.Errorf("session: ingest is closed")
	default:
	}
	i.session.Touch()
	if err := i.session.StartListening(); err != nil {
		return err
	}

	for _, ev := range i.cfg.Detector.Feed(chunk, at) {
		switch ev.Kind {
		case vad.SpeechStart:
			if i.session.BargeIn(ev.At) {
				i.session.log.Info("barge-in detected", "energy", ev.Energy)
			}
		case vad.Endpoint:
			i.onEndpoint(ev.At)
		}
	}
	return i.handle.SendAudio(chunk)
}

// onEndpoint fires the turn when a final transcript is already buffered,
// or arms the pending endpoint for the transcript loop to consume.
func (i *Ingest) onEndpoint(at time.Time) {
	i.mu.Lock()
	text := strings.Join(i.finals, " ")
	if text == "" {
		i.endpointA = at
		i.mu.Unlock()
		return
	}
	i.finals = i.finals[:0]
	i.endpointA = time.Time{}
	i.mu.Unlock()
	i.cfg.OnTurn(text, at)
}

// transcriptLoop collects final transcripts; a final that arrives after the
// endpoint (the usual ordering for streaming ASR) fires the pending turn.
func (i *Ingest) transcriptLoop(ctx context.Context) {
	finals := i.handle.Finals()
	partials := i.handle.Partials()
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.closed:
			return
		case t, ok := <-finals:
			if !ok {
				return
			}
			if strings.TrimSpace(t.Text) == "" {
				continue
			}
			i.mu.Lock()
			i.finals = append(i.finals, t.Text)
			pending := i.endpointA
			var text string
			if !pending.IsZero() {
				text = strings.Join(i.finals, " ")
				i.finals = i.finals[:0]
				i.endpointA = time.Time{}
			}
			i.mu.Unlock()
			if text != "" {
				i.cfg.OnTurn(text, pending)
			}
		case _, ok := <-partials:
			// Partials keep the stream warm; only finals drive turns.
			if !ok {
				partials = nil
			}
		}
	}
}

// Close stops ingestion and the recognition stream. Idempotent.
func (i *Ingest) Close() error {
	var err error
	i.closeOnce.Do(func() {
		close(i.closed)
		i.cfg.Detector.Reset()
		err = i.handle.Close()
	})
	return err
}
