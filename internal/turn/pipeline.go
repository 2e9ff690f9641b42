package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumora-ai/chorus/internal/fault"
	"github.com/lumora-ai/chorus/internal/observe"
	"github.com/lumora-ai/chorus/internal/resilience"
	"github.com/lumora-ai/chorus/pkg/animation"
	"github.com/lumora-ai/chorus/pkg/audio"
	"github.com/lumora-ai/chorus/pkg/provider/anim"
	"github.com/lumora-ai/chorus/pkg/provider/llm"
	"github.com/lumora-ai/chorus/pkg/provider/tts"
)

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeBargeIn  Outcome = "barge_in"
	OutcomeStopped  Outcome = "stopped"
	OutcomeOverload Outcome = "overload"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeError    Outcome = "error"
)

// Sink receives the turn's output streams. SendPacket must not block
// longer than the media channel allows; SendFrame may be dropped by the
// implementation when the client lags.
type Sink interface {
	SendPacket(pkt audio.Packet) error
	SendFrame(f animation.Frame) error
}

// PipelineConfig carries the per-session wiring for running turns.
type PipelineConfig struct {
	SessionID    string
	BinSessionID [16]byte

	LLM  llm.Provider
	TTS  tts.Provider
	Anim anim.Provider // nil disables the animation stage entirely

	Voice      tts.Voice
	SampleRate int
	DropFinal  bool

	// Clock is the session audio timeline shared by every turn's
	// packetizer and the fallback path. Nil creates one, which is only
	// appropriate when the pipeline itself is per-session.
	Clock *audio.Clock

	AnimationFPS    int
	AnimationHold   time.Duration
	AnimationFreeze time.Duration

	// AnimationDropLag drops blendshape frames trailing the audio clock by
	// more than this instead of showing them late. Zero disables dropping.
	AnimationDropLag time.Duration

	// OnAnimLag receives each frame's lag behind the audio clock in ms.
	// The backpressure sampler feeds on it.
	OnAnimLag func(lagMS float64)

	// PreFirstAudioTimeout abandons the turn when no audio packet has been
	// emitted this long after endpoint detection.
	PreFirstAudioTimeout time.Duration

	Temperature float64

	// Sink receives the output streams.
	Sink Sink

	Log     *slog.Logger
	Metrics *observe.Metrics
}

// Input is everything one turn needs to run.
type Input struct {
	TurnID     uint64
	EndpointAt time.Time
	Token      *Token

	// Messages is the full conversation to send, pinned prefix first.
	Messages []llm.Message

	// Tools offered this turn. Nil when tool refusal is active.
	Tools []llm.ToolDefinition

	// MaxTokens caps the reply; zero means provider default. The
	// backpressure ladder lowers it under load.
	MaxTokens int

	// AnimationEnabled gates the animation stage for this turn (both the
	// config switch and the animation-yield shed level).
	AnimationEnabled bool

	// PrefixCacheKey identifies the shared pinned prefix.
	PrefixCacheKey string
}

// Result summarizes a finished turn.
type Result struct {
	Outcome       Outcome
	AssistantText string
	ToolCalls     []llm.ToolCall
	TTFA          time.Duration
	FirstAudioAt  time.Time
	Packets       int
	CancelTotal   time.Duration
}

// Pipeline runs turns for one session: LLM tokens are chunked into sentence
// fragments, synthesized, teed to the packetizer and the animation stage,
// and streamed to the sink. A fired cancellation token stops every stage
// within its acknowledgement deadline.
type Pipeline struct {
	cfg  PipelineConfig
	fsm  *Machine
	ctrl *Controller
}

// NewPipeline creates a pipeline bound to the session's state machine.
func NewPipeline(cfg PipelineConfig, fsm *Machine) *Pipeline {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.AnimationFPS <= 0 {
		cfg.AnimationFPS = animation.DefaultFPS
	}
	if cfg.PreFirstAudioTimeout <= 0 {
		cfg.PreFirstAudioTimeout = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = &audio.Clock{}
	}
	return &Pipeline{
		cfg:  cfg,
		fsm:  fsm,
		ctrl: NewController(cfg.Log, cfg.Metrics),
	}
}

// Run executes one turn. It blocks until all stages have stopped and
// returns the turn result; the error is non-nil only for failures that
// produced no audio at all (the caller then plays the fallback clip).
func (p *Pipeline) Run(ctx context.Context, in Input) (Result, error) {
	tok := in.Token
	log := p.cfg.Log.With("turn", in.TurnID)

	if err := p.fsm.Transition(StateThinking, "endpoint"); err != nil {
		return Result{Outcome: OutcomeError}, err
	}

	animOn := in.AnimationEnabled && p.cfg.Anim != nil

	tok.Observe(fault.StageLLM)
	tok.Observe(fault.StageTTS)
	tok.Observe(fault.StagePacketizer)
	if animOn {
		tok.Observe(fault.StageAnimation)
	}

	stageCtx, stopStages := context.WithCancel(ctx)
	defer stopStages()

	// Pre-first-audio watchdog: fires the token with TIMEOUT unless the
	// first packet lands in time.
	watchdog := time.AfterFunc(p.cfg.PreFirstAudioTimeout, func() {
		if tok.Cancel(ReasonTimeout, time.Now()) {
			log.Warn("no audio within pre-first-audio budget, abandoning turn",
				"budget", p.cfg.PreFirstAudioTimeout)
		}
	})
	defer watchdog.Stop()

	// --- LLM stage ---

	llmCtx, llmCancel := context.WithCancel(stageCtx)
	defer llmCancel()
	var chunks <-chan llm.Chunk
	err := resilience.Do(llmCtx, func(ctx context.Context) error {
		var serr error
		chunks, serr = p.cfg.LLM.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:       in.Messages,
			Tools:          in.Tools,
			Temperature:    p.cfg.Temperature,
			MaxTokens:      in.MaxTokens,
			PrefixCacheKey: in.PrefixCacheKey,
		})
		if serr != nil {
			return fault.NewStageError(fault.StageLLM, fault.ClassConnection, serr)
		}
		return nil
	})
	if err != nil {
		p.cfg.Metrics.RecordStageError(ctx, string(fault.StageLLM), string(fault.ClassConnection))
		p.failBeforeAudio("llm start")
		return Result{Outcome: OutcomeError}, err
	}

	// --- TTS stage ---

	textCh := make(chan string, 8)
	ttsCtx, ttsCancel := context.WithCancel(stageCtx)
	defer ttsCancel()
	var pcm <-chan []byte
	err = resilience.Do(ttsCtx, func(ctx context.Context) error {
		var serr error
		pcm, serr = p.cfg.TTS.SynthesizeStream(ctx, textCh, tts.SynthesisConfig{
			Voice:      p.cfg.Voice,
			SampleRate: p.cfg.SampleRate,
		})
		if serr != nil {
			return fault.NewStageError(fault.StageTTS, fault.ClassConnection, serr)
		}
		return nil
	})
	if err != nil {
		llmCancel()
		p.cfg.Metrics.RecordStageError(ctx, string(fault.StageTTS), string(fault.ClassConnection))
		p.failBeforeAudio("tts start")
		return Result{Outcome: OutcomeError}, err
	}

	// --- Fan-out: tee, packetizer, animation ---

	tee := audio.NewTee(pcm)
	pktIn := tee.Subscribe(8, audio.Block)
	var animIn <-chan []byte
	if animOn {
		animIn = tee.Subscribe(16, audio.Drop)
	}

	pk := audio.NewPacketizer(audio.PacketizerConfig{
		SessionID:  p.cfg.BinSessionID,
		SampleRate: p.cfg.SampleRate,
		DropFinal:  p.cfg.DropFinal,
		Clock:      p.cfg.Clock,
	}, pktIn)

	res := Result{Outcome: OutcomeComplete}
	g, gctx := errgroup.WithContext(stageCtx)

	// The tee gets its own cancel: once the packetizer stops reading, the
	// tee's blocking subscriber would wedge it without one.
	teeCtx, teeCancel := context.WithCancel(gctx)
	defer teeCancel()

	// LLM reader: stream chunks into sentence fragments for TTS.
	g.Go(func() error {
		defer close(textCh)
		defer tok.Ack(fault.StageLLM)
		var ck Chunker
		for {
			select {
			case <-tok.Done():
				llmCancel()
				return nil
			case c, ok := <-chunks:
				if !ok {
					if s, ok := ck.Flush(); ok {
						if !sendText(gctx, tok, textCh, s) {
							return nil
						}
					}
					return nil
				}
				if c.FinishReason == "error" {
					p.cfg.Metrics.RecordStageError(gctx, string(fault.StageLLM), string(fault.ClassProcessing))
					return fault.NewStageError(fault.StageLLM, fault.ClassProcessing,
						fmt.Errorf("turn: model stream failed"))
				}
				if len(c.ToolCalls) > 0 {
					res.ToolCalls = append(res.ToolCalls, c.ToolCalls...)
				}
				if c.Text != "" {
					res.AssistantText += c.Text
					for _, frag := range ck.Push(c.Text) {
						if !sendText(gctx, tok, textCh, frag) {
							return nil
						}
					}
				}
			}
		}
	})

	// TTS watcher: the provider owns the audio channel; this goroutine only
	// turns a fired token into a context cancel and acknowledges once the
	// stream has drained.
	ttsDone := make(chan struct{})
	g.Go(func() error {
		defer tok.Ack(fault.StageTTS)
		select {
		case <-tok.Done():
			ttsCancel()
		case <-ttsDone:
		}
		return nil
	})

	// Tee pump.
	g.Go(func() error {
		defer close(ttsDone)
		if err := tee.Run(teeCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Packetizer.
	g.Go(func() error {
		defer tok.Ack(fault.StagePacketizer)
		return pk.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-tok.Done():
			pk.Cancel()
			teeCancel()
		case <-gctx.Done():
		}
		return nil
	})

	// Packet forwarder: first packet stops the watchdog, records TTFA and
	// moves the machine to SPEAKING.
	g.Go(func() error {
		for pkt := range pk.Packets() {
			if res.Packets == 0 {
				watchdog.Stop()
				res.FirstAudioAt = time.Now()
				res.TTFA = res.FirstAudioAt.Sub(in.EndpointAt)
				p.cfg.Metrics.TTFA.Record(gctx, float64(res.TTFA.Microseconds())/1000)
				if err := p.fsm.Transition(StateSpeaking, "first_audio"); err != nil {
					log.Warn("speaking transition refused", "err", err)
				}
			}
			res.Packets++
			p.cfg.Metrics.PacketsEmitted.Add(gctx, 1)
			if err := p.cfg.Sink.SendPacket(pkt); err != nil {
				return fault.NewStageError(fault.StagePacketizer, fault.ClassConnection, err)
			}
		}
		return nil
	})

	// Animation stage: always best-effort. Failures are logged and the
	// audio path continues untouched.
	if animOn {
		g.Go(func() error {
			defer tok.Ack(fault.StageAnimation)
			p.runAnimation(gctx, tok, animIn, pk.Clock())
			return nil
		})
	}

	runErr := g.Wait()

	// Cancellation epilogue: fan out deadlines and settle the machine.
	if tok.Cancelled() {
		res.Outcome = outcomeFor(tok.Reason())
		if p.fsm.State() == StateSpeaking {
			if err := p.fsm.Transition(StateInterrupted, string(tok.Reason())); err != nil {
				log.Warn("interrupt transition refused", "err", err)
			}
		}
		res.CancelTotal = p.ctrl.Propagate(ctx, tok, p.handles(llmCancel, ttsCancel, pk, animOn))
		if res.Outcome == OutcomeBargeIn {
			if stopped := pk.StoppedAt(); !stopped.IsZero() {
				lat := stopped.Sub(tok.EventAt())
				p.cfg.Metrics.BargeInLatency.Record(ctx, float64(lat.Microseconds())/1000)
			}
		}
	} else if runErr != nil {
		res.Outcome = OutcomeError
	}

	p.cfg.Metrics.RecordTurn(ctx, string(res.Outcome))
	p.settle(log)

	if res.Packets == 0 && res.Outcome == OutcomeError {
		return res, runErr
	}
	return res, nil
}

func (p *Pipeline) handles(llmCancel, ttsCancel context.CancelFunc, pk *audio.Packetizer, animOn bool) []StageHandle {
	hs := []StageHandle{
		{Stage: fault.StageLLM, Force: llmCancel},
		{Stage: fault.StageTTS, Force: ttsCancel},
		{Stage: fault.StagePacketizer, Force: pk.Cancel},
	}
	if animOn {
		hs = append(hs, StageHandle{Stage: fault.StageAnimation, Force: func() {}})
	}
	return hs
}

// runAnimation streams teed PCM into the animation engine and forwards
// stabilised frames to the sink.
func (p *Pipeline) runAnimation(ctx context.Context, tok *Token, in <-chan []byte, clock *audio.Clock) {
	handle, err := p.cfg.Anim.StartStream(ctx, anim.StreamConfig{
		SessionID:  p.cfg.SessionID,
		SampleRate: p.cfg.SampleRate,
		FPS:        p.cfg.AnimationFPS,
		Clock:      clock,
	})
	if err != nil {
		p.cfg.Metrics.RecordStageError(ctx, string(fault.StageAnimation), string(fault.ClassInit))
		p.cfg.Log.Warn("animation stream unavailable, audio continues", "err", err)
		drain(in)
		return
	}
	defer handle.Close()

	em := animation.NewEmitter(animation.EmitterConfig{
		SessionID:   p.cfg.SessionID,
		FPS:         p.cfg.AnimationFPS,
		FreezeAfter: p.cfg.AnimationHold,
		FreezeOver:  p.cfg.AnimationFreeze,
		Clock:       clock,
		DropIfLag:   p.cfg.AnimationDropLag,
		OnLag:       p.cfg.OnAnimLag,
	}, handle.Frames())

	emCtx, emCancel := context.WithCancel(ctx)
	defer emCancel()
	go em.Run(emCtx)

	go func() {
		for f := range em.Frames() {
			p.cfg.Metrics.FramesEmitted.Add(ctx, 1)
			if err := p.cfg.Sink.SendFrame(f); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-tok.Done():
			return
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			if err := handle.SendAudio(chunk); err != nil {
				p.cfg.Metrics.RecordStageError(ctx, string(fault.StageAnimation), string(fault.ClassConnection))
				p.cfg.Log.Warn("animation engine rejected audio, disabling for turn", "err", err)
				drain(in)
				return
			}
		}
	}
}

// failBeforeAudio settles the machine when a stage could not start. The
// caller returns the error; the session plays the spoken fallback.
func (p *Pipeline) failBeforeAudio(cause string) {
	if p.fsm.State() == StateThinking {
		p.fsm.Transition(StateListening, cause+" failed") //nolint:errcheck
	}
}

// settle returns the machine to LISTENING however the turn ended.
func (p *Pipeline) settle(log *slog.Logger) {
	switch p.fsm.State() {
	case StateSpeaking:
		if err := p.fsm.Transition(StateListening, "turn_complete"); err != nil {
			log.Warn("settle transition refused", "err", err)
		}
	case StateInterrupted:
		if err := p.fsm.Transition(StateListening, "cancel_complete"); err != nil {
			log.Warn("settle transition refused", "err", err)
		}
	case StateThinking:
		if err := p.fsm.Transition(StateListening, "no_audio"); err != nil {
			log.Warn("settle transition refused", "err", err)
		}
	}
}

// PlayFallback streams the canned fallback clip to the sink through a
// packetizer so the client hears a response even when generation failed.
func (p *Pipeline) PlayFallback(ctx context.Context) error {
	in := make(chan []byte, 4)
	pk := audio.NewPacketizer(audio.PacketizerConfig{
		SessionID:  p.cfg.BinSessionID,
		SampleRate: p.cfg.SampleRate,
		Clock:      p.cfg.Clock,
	}, in)

	go func() {
		defer close(in)
		for _, chunk := range FallbackClip(p.cfg.SampleRate) {
			select {
			case in <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- pk.Run(ctx) }()
	for pkt := range pk.Packets() {
		p.cfg.Metrics.PacketsEmitted.Add(ctx, 1)
		if err := p.cfg.Sink.SendPacket(pkt); err != nil {
			pk.Cancel()
			break
		}
	}
	return <-done
}

func outcomeFor(r CancelReason) Outcome {
	switch r {
	case ReasonUserBargeIn:
		return OutcomeBargeIn
	case ReasonUserStop:
		return OutcomeStopped
	case ReasonSystemOverload:
		return OutcomeOverload
	case ReasonTimeout:
		return OutcomeTimeout
	}
	return OutcomeError
}

func sendText(ctx context.Context, tok *Token, ch chan<- string, s string) bool {
	select {
	case ch <- s:
		return true
	case <-tok.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}
