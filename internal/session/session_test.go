package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumora-ai/chorus/internal/fault"
	"github.com/lumora-ai/chorus/internal/turn"
	"github.com/lumora-ai/chorus/pkg/animation"
	"github.com/lumora-ai/chorus/pkg/audio"
	"github.com/lumora-ai/chorus/pkg/provider/asr"
	asrmock "github.com/lumora-ai/chorus/pkg/provider/asr/mock"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
	llmmock "github.com/lumora-ai/chorus/pkg/provider/llm/mock"
	ttsmock "github.com/lumora-ai/chorus/pkg/provider/tts/mock"
	"github.com/lumora-ai/chorus/pkg/provider/vad"
	vadmock "github.com/lumora-ai/chorus/pkg/provider/vad/mock"
)

type recordSink struct {
	mu   sync.Mutex
	pkts []audio.Packet
}

func (s *recordSink) SendPacket(pkt audio.Packet) error {
	s.mu.Lock()
	s.pkts = append(s.pkts, pkt)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) SendFrame(animation.Frame) error { return nil }

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

func (s *recordSink) all() []audio.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Packet(nil), s.pkts...)
}

func testSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Counter == nil {
		opts.Counter = lenCounter{}
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 8192
	}
	if opts.RolloverTokens == 0 {
		opts.RolloverTokens = 7500
	}
	opts.Metrics = testMetrics(t)
	if opts.PipelineCfg.SampleRate == 0 {
		opts.PipelineCfg.SampleRate = 16000
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSessionRunTurnGrowsContext(t *testing.T) {
	s := testSession(t, Options{
		Pinned: []llm.Message{{Role: "system", Content: "Be helpful."}},
		PipelineCfg: turn.PipelineConfig{
			LLM: &llmmock.Provider{Chunks: []llm.Chunk{
				{Text: "Happy to help with that today.", FinishReason: "stop"},
			}},
			TTS: &ttsmock.Provider{BytesPerFragment: 640},
		},
	})
	sink := &recordSink{}
	s.AttachSink(sink)
	if err := s.StartListening(); err != nil {
		t.Fatal(err)
	}

	res, err := s.RunTurn(context.Background(), "can you help me?", time.Now(), NoShed)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Outcome != turn.OutcomeComplete {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if sink.count() == 0 {
		t.Error("no packets reached the sink")
	}

	msgs := s.buffer.Messages()
	if len(msgs) != 3 { // pinned + user + assistant
		t.Fatalf("context holds %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[2].Role != "assistant" {
		t.Errorf("context roles = %s/%s", msgs[1].Role, msgs[2].Role)
	}
	if st := s.Stats(); st.Turns != 1 || st.State != turn.StateListening {
		t.Errorf("stats = %+v", st)
	}
}

func TestSessionRolloverFailureRejectsTurnWithFallback(t *testing.T) {
	s := testSession(t, Options{
		MaxTokens:      300,
		RolloverTokens: 100,
		Summarizer:     &stubSummarizer{err: errors.New("summarizer down")},
		PipelineCfg: turn.PipelineConfig{
			LLM: &llmmock.Provider{},
			TTS: &ttsmock.Provider{},
		},
	})
	sink := &recordSink{}
	s.AttachSink(sink)
	if err := s.StartListening(); err != nil {
		t.Fatal(err)
	}

	// Pre-load the window past the rollover threshold.
	fill(t, s.buffer, 2, 60)

	_, err := s.RunTurn(context.Background(), "one more thing", time.Now(), NoShed)
	var coe *fault.ContextOverflowError
	if !errors.As(err, &coe) {
		t.Fatalf("err = %v, want *fault.ContextOverflowError", err)
	}
	if sink.count() == 0 {
		t.Error("rejected turn produced no spoken fallback")
	}
}

func TestSessionShedStripsNonEssentialTools(t *testing.T) {
	mockLLM := &llmmock.Provider{Chunks: []llm.Chunk{
		{Text: "Done, nothing else needed here.", FinishReason: "stop"},
	}}
	s := testSession(t, Options{
		Tools: []llm.ToolDefinition{
			{Name: "end_call", Essential: true},
			{Name: "web_search"},
		},
		PipelineCfg: turn.PipelineConfig{
			LLM: mockLLM,
			TTS: &ttsmock.Provider{BytesPerFragment: 640},
		},
	})
	s.AttachSink(&recordSink{})
	if err := s.StartListening(); err != nil {
		t.Fatal(err)
	}

	shed := ShedEffects{MaxTokens: 256, AnimationEnabled: false, ToolsEnabled: false}
	if _, err := s.RunTurn(context.Background(), "hang up please", time.Now(), shed); err != nil {
		t.Fatal(err)
	}
	reqs := mockLLM.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "end_call" {
		t.Errorf("shed turn offered tools %+v, want only end_call", reqs[0].Tools)
	}
	if reqs[0].MaxTokens != 256 {
		t.Errorf("shed turn max tokens = %d, want 256", reqs[0].MaxTokens)
	}
}

func TestSessionAudioTimelineContinuesAcrossTurns(t *testing.T) {
	s := testSession(t, Options{
		PipelineCfg: turn.PipelineConfig{
			LLM: &llmmock.Provider{Chunks: []llm.Chunk{
				{Text: "Two frames worth of audio here.", FinishReason: "stop"},
			}},
			TTS: &ttsmock.Provider{BytesPerFragment: 1280}, // two 20ms frames at 16kHz
		},
	})
	sink := &recordSink{}
	s.AttachSink(sink)
	if err := s.StartListening(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.RunTurn(context.Background(), "again", time.Now(), NoShed); err != nil {
			t.Fatalf("turn %d: %v", i+1, err)
		}
	}

	pkts := sink.all()
	if len(pkts) < 3 {
		t.Fatalf("got %d packets across two turns, want at least 3", len(pkts))
	}
	for i := 1; i < len(pkts); i++ {
		prev, cur := pkts[i-1], pkts[i]
		if cur.Seq != prev.Seq+1 {
			t.Errorf("packet %d: seq %d after %d, session seq must be contiguous", i, cur.Seq, prev.Seq)
		}
		if cur.TAudioMS != prev.TAudioMS+int64(prev.DurationMS) {
			t.Errorf("packet %d: t_audio_ms %d after %d+%d, timeline must be gapless",
				i, cur.TAudioMS, prev.TAudioMS, prev.DurationMS)
		}
	}
	if got, want := s.Clock().NowMS(), int64(len(pkts)*audio.DefaultFrameMS); got != want {
		t.Errorf("session clock = %d, want %d", got, want)
	}
}

func TestSessionWarmup(t *testing.T) {
	s := testSession(t, Options{
		PipelineCfg: turn.PipelineConfig{
			LLM: &llmmock.Provider{Chunks: []llm.Chunk{
				{Text: "A short reply for the warmup.", FinishReason: "stop"},
			}},
			TTS: &ttsmock.Provider{BytesPerFragment: 640},
		},
	})
	s.AttachSink(&recordSink{})
	if err := s.StartListening(); err != nil {
		t.Fatal(err)
	}

	if s.Warm() {
		t.Error("fresh session reports warm")
	}
	for i := 0; i < 3; i++ {
		if _, err := s.RunTurn(context.Background(), "again", time.Now(), NoShed); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Warm() {
		t.Error("session not warm after three turns")
	}
}

func TestSessionCancelWithoutTurn(t *testing.T) {
	s := testSession(t, Options{
		PipelineCfg: turn.PipelineConfig{LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}},
	})
	if s.Cancel(turn.ReasonUserStop, time.Now()) {
		t.Error("cancel with no active turn reported success")
	}
	if s.BargeIn(time.Now()) {
		t.Error("barge-in while not speaking reported success")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := testSession(t, Options{
		PipelineCfg: turn.PipelineConfig{LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}},
	})
	s.Close()
	s.Close()
	if s.State() != turn.StateIdle {
		t.Errorf("state after close = %s", s.State())
	}
	if _, err := s.RunTurn(context.Background(), "hello?", time.Now(), NoShed); err == nil {
		t.Error("closed session accepted a turn")
	}
}

func TestIngestEndpointThenFinalFiresTurn(t *testing.T) {
	s := testSession(t, Options{
		PipelineCfg: turn.PipelineConfig{LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}},
	})

	endpointAt := time.Now().Add(-30 * time.Millisecond)
	det := &vadmock.Detector{Script: map[int][]vad.Event{
		1: {{Kind: vad.SpeechStart}},
		3: {{Kind: vad.Endpoint, At: endpointAt}},
	}}
	asrProv := &asrmock.Provider{Script: []asr.Transcript{
		{Text: "turn on the", IsFinal: false},
		{Text: "turn on the lights", IsFinal: true},
	}}

	type fired struct {
		text string
		at   time.Time
	}
	got := make(chan fired, 1)
	ing, err := s.StartIngest(t.Context(), IngestConfig{
		ASR:        asrProv,
		Detector:   det,
		SampleRate: 16000,
		OnTurn:     func(text string, at time.Time) { got <- fired{text, at} },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ing.Close()

	chunk := make([]byte, 640)
	deadline := time.After(2 * time.Second)
	for i := 0; i < 4; i++ {
		if err := ing.FeedAudio(chunk, time.Now()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case f := <-got:
		if !strings.Contains(f.text, "turn on the lights") {
			t.Errorf("turn text = %q", f.text)
		}
		if !f.at.Equal(endpointAt) {
			t.Errorf("turn anchored at %v, want the endpoint time %v", f.at, endpointAt)
		}
	case <-deadline:
		t.Fatal("endpoint plus final transcript never fired a turn")
	}

	if s.State() != turn.StateListening {
		t.Errorf("state = %s after audio, want LISTENING", s.State())
	}
	if ing.Close(); det.Resets() != 1 {
		t.Errorf("detector resets = %d, want 1", det.Resets())
	}
}
