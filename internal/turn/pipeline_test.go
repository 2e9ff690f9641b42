package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lumora-ai/chorus/pkg/animation"
	"github.com/lumora-ai/chorus/pkg/audio"
	animmock "github.com/lumora-ai/chorus/pkg/provider/anim/mock"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
	llmmock "github.com/lumora-ai/chorus/pkg/provider/llm/mock"
	"github.com/lumora-ai/chorus/pkg/provider/tts"
	ttsmock "github.com/lumora-ai/chorus/pkg/provider/tts/mock"
)

// testSink records output streams and can signal the first packet.
type testSink struct {
	mu        sync.Mutex
	packets   []audio.Packet
	frames    []animation.Frame
	firstOnce sync.Once
	firstPkt  chan struct{}
}

func newTestSink() *testSink {
	return &testSink{firstPkt: make(chan struct{})}
}

func (s *testSink) SendPacket(pkt audio.Packet) error {
	s.mu.Lock()
	s.packets = append(s.packets, pkt)
	s.mu.Unlock()
	s.firstOnce.Do(func() { close(s.firstPkt) })
	return nil
}

func (s *testSink) SendFrame(f animation.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *testSink) packetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func listeningMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine()
	if err := m.Transition(StateListening, "start"); err != nil {
		t.Fatal(err)
	}
	return m
}

func testPipeline(t *testing.T, m *Machine, cfg PipelineConfig) *Pipeline {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Voice.ID == "" {
		cfg.Voice = tts.Voice{ID: "test-voice"}
	}
	cfg.SessionID = "s1"
	cfg.Metrics = testMetrics(t)
	return NewPipeline(cfg, m)
}

func textInput(turnID uint64, text string) Input {
	return Input{
		TurnID:     turnID,
		EndpointAt: time.Now(),
		Token:      NewToken(turnID),
		Messages: []llm.Message{
			{Role: "system", Content: "You are a helpful voice agent."},
			{Role: "user", Content: text},
		},
	}
}

func TestPipelineCleanTurn(t *testing.T) {
	sink := newTestSink()
	m := listeningMachine(t)
	p := testPipeline(t, m, PipelineConfig{
		LLM: &llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "Sure, I can help with that. "},
			{Text: "What would you like to know?", FinishReason: "stop"},
		}},
		// 640 bytes per fragment = one 20 ms frame at 16 kHz.
		TTS:  &ttsmock.Provider{BytesPerFragment: 640},
		Sink: sink,
	})

	res, err := p.Run(t.Context(), textInput(1, "help me"))
	if err != nil {
		t.Fatalf("clean turn failed: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Errorf("outcome = %s, want complete", res.Outcome)
	}
	if res.AssistantText != "Sure, I can help with that. What would you like to know?" {
		t.Errorf("assistant text = %q", res.AssistantText)
	}
	if res.Packets != 2 || sink.packetCount() != 2 {
		t.Errorf("packets = %d (sink %d), want 2", res.Packets, sink.packetCount())
	}
	if res.TTFA <= 0 {
		t.Errorf("ttfa = %v, want > 0", res.TTFA)
	}
	if m.State() != StateListening {
		t.Errorf("final state = %s, want LISTENING", m.State())
	}

	// The packet stream must be strictly sequenced on the audio clock.
	for i, pkt := range sink.packets {
		if int(pkt.Seq) != i {
			t.Errorf("packet %d has seq %d", i, pkt.Seq)
		}
		if pkt.TAudioMS != int64(i)*20 {
			t.Errorf("packet %d has t_audio %d, want %d", i, pkt.TAudioMS, i*20)
		}
	}
}

func TestPipelineBargeInStopsAudio(t *testing.T) {
	sink := newTestSink()
	m := listeningMachine(t)

	var chunks []llm.Chunk
	for i := 0; i < 30; i++ {
		chunks = append(chunks, llm.Chunk{Text: "Here is another full sentence for you. "})
	}
	p := testPipeline(t, m, PipelineConfig{
		LLM:  &llmmock.Provider{Chunks: chunks, ChunkInterval: 5 * time.Millisecond},
		TTS:  &ttsmock.Provider{BytesPerFragment: 640, ChunkDelay: 5 * time.Millisecond},
		Sink: sink,
	})

	in := textInput(2, "tell me everything")
	go func() {
		<-sink.firstPkt
		in.Token.Cancel(ReasonUserBargeIn, time.Now())
	}()

	res, err := p.Run(t.Context(), in)
	if err != nil {
		t.Fatalf("barge-in turn errored: %v", err)
	}
	if res.Outcome != OutcomeBargeIn {
		t.Errorf("outcome = %s, want barge_in", res.Outcome)
	}
	if sink.packetCount() == 0 {
		t.Error("no packets before barge-in")
	}
	if sink.packetCount() >= 30 {
		t.Errorf("emission did not stop early: %d packets", sink.packetCount())
	}
	if m.State() != StateListening {
		t.Errorf("final state = %s, want LISTENING", m.State())
	}
	if res.CancelTotal <= 0 || res.CancelTotal > 150*time.Millisecond {
		t.Errorf("cancel fan-out took %v, budget is 150ms", res.CancelTotal)
	}
}

func TestPipelinePreFirstAudioTimeout(t *testing.T) {
	sink := newTestSink()
	m := listeningMachine(t)
	p := testPipeline(t, m, PipelineConfig{
		LLM:                  &llmmock.Provider{NeverRespond: true},
		TTS:                  &ttsmock.Provider{},
		Sink:                 sink,
		PreFirstAudioTimeout: 30 * time.Millisecond,
	})

	in := textInput(3, "hello?")
	start := time.Now()
	res, err := p.Run(t.Context(), in)
	if err != nil {
		t.Fatalf("timeout turn errored: %v", err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", res.Outcome)
	}
	if in.Token.Reason() != ReasonTimeout {
		t.Errorf("token reason = %s, want TIMEOUT", in.Token.Reason())
	}
	if sink.packetCount() != 0 {
		t.Errorf("timeout turn emitted %d packets", sink.packetCount())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("turn took %v to abandon", elapsed)
	}
	if m.State() != StateListening {
		t.Errorf("final state = %s, want LISTENING", m.State())
	}
}

func TestPipelineAnimationFailureKeepsAudio(t *testing.T) {
	sink := newTestSink()
	m := listeningMachine(t)
	p := testPipeline(t, m, PipelineConfig{
		LLM: &llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "One full sentence here. "},
			{Text: "And one more to synthesize.", FinishReason: "stop"},
		}},
		TTS:  &ttsmock.Provider{BytesPerFragment: 640},
		Anim: &animmock.Provider{DieAfter: 1},
		Sink: sink,
	})

	in := textInput(4, "talk to me")
	in.AnimationEnabled = true
	res, err := p.Run(t.Context(), in)
	if err != nil {
		t.Fatalf("turn errored: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Errorf("outcome = %s, want complete despite animation crash", res.Outcome)
	}
	if sink.packetCount() != 2 {
		t.Errorf("packets = %d, want 2", sink.packetCount())
	}
}

func TestPipelineAnimationDisabledByInput(t *testing.T) {
	sink := newTestSink()
	m := listeningMachine(t)
	animProv := &animmock.Provider{}
	p := testPipeline(t, m, PipelineConfig{
		LLM: &llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "A complete sentence to speak.", FinishReason: "stop"},
		}},
		TTS:  &ttsmock.Provider{BytesPerFragment: 640},
		Anim: animProv,
		Sink: sink,
	})

	in := textInput(5, "quick one")
	in.AnimationEnabled = false // animation yield shed level
	if _, err := p.Run(t.Context(), in); err != nil {
		t.Fatalf("turn errored: %v", err)
	}
	if n := len(animProv.Sessions()); n != 0 {
		t.Errorf("animation stream opened %d times while shed", n)
	}
}

func TestPipelineLLMStartFailure(t *testing.T) {
	sink := newTestSink()
	m := listeningMachine(t)
	p := testPipeline(t, m, PipelineConfig{
		LLM:  &llmmock.Provider{StartErr: context.DeadlineExceeded},
		TTS:  &ttsmock.Provider{},
		Sink: sink,
	})

	res, err := p.Run(t.Context(), textInput(6, "anyone there?"))
	if err == nil {
		t.Fatal("expected start failure to surface")
	}
	if res.Outcome != OutcomeError {
		t.Errorf("outcome = %s, want error", res.Outcome)
	}
	if m.State() != StateListening {
		t.Errorf("final state = %s, want LISTENING", m.State())
	}
}

func TestPipelinePlayFallback(t *testing.T) {
	sink := newTestSink()
	m := listeningMachine(t)
	p := testPipeline(t, m, PipelineConfig{
		LLM:  &llmmock.Provider{},
		TTS:  &ttsmock.Provider{},
		Sink: sink,
	})
	if err := p.PlayFallback(t.Context()); err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if sink.packetCount() == 0 {
		t.Error("fallback produced no packets")
	}
}
