package animation

import (
	"context"
	"testing"
	"time"
)

type fixedClock struct{ ms int64 }

func (c *fixedClock) NowMS() int64 { return c.ms }

func talkingPose() Weights {
	var w Weights
	w[ChannelIndex("jawOpen")] = 0.6
	w[ChannelIndex("mouthFunnel")] = 0.3
	return w
}

func newTestEmitter() *Emitter {
	e := NewEmitter(EmitterConfig{}, nil)
	e.last = talkingPose()
	e.haveLast = true
	return e
}

func TestPoseHoldsBeforeFreezeThreshold(t *testing.T) {
	e := newTestEmitter()
	got := e.poseAt(99 * time.Millisecond)
	if got != e.last {
		t.Error("99ms gap changed the pose; expected hold")
	}
	got = e.poseAt(100 * time.Millisecond)
	if got != e.last {
		t.Error("100ms gap changed the pose; expected hold")
	}
}

func TestPoseEasesAfterFreezeThreshold(t *testing.T) {
	e := newTestEmitter()
	jaw := ChannelIndex("jawOpen")

	got := e.poseAt(101 * time.Millisecond)
	if got == e.last {
		t.Fatal("101ms gap did not begin slow-freeze")
	}
	if got[jaw] >= e.last[jaw] || got[jaw] <= 0 {
		t.Errorf("jawOpen = %v, want between 0 and %v", got[jaw], e.last[jaw])
	}

	// Halfway through the ease window.
	mid := e.poseAt(100*time.Millisecond + 75*time.Millisecond)
	if want := e.last[jaw] / 2; mid[jaw] < want-0.01 || mid[jaw] > want+0.01 {
		t.Errorf("mid-ease jawOpen = %v, want ~%v", mid[jaw], want)
	}

	// Fully frozen.
	end := e.poseAt(100*time.Millisecond + 150*time.Millisecond)
	if end != Neutral() {
		t.Errorf("pose after full ease = %v, want neutral", end)
	}
}

func TestEmitterDropsFramesLaggingAudioClock(t *testing.T) {
	clock := &fixedClock{ms: 200}
	var lags []float64
	in := make(chan Frame, 2)
	e := NewEmitter(EmitterConfig{
		Clock:     clock,
		DropIfLag: 120 * time.Millisecond,
		OnLag:     func(ms float64) { lags = append(lags, ms) },
	}, in)

	in <- Frame{TAudioMS: 0, Weights: talkingPose()}   // 200ms behind: dropped
	in <- Frame{TAudioMS: 190, Weights: talkingPose()} // 10ms behind: forwarded
	close(in)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	var real []Frame
	for f := range e.Frames() {
		if !f.Heartbeat {
			real = append(real, f)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(real) != 1 {
		t.Fatalf("forwarded %d real frames, want 1 (stale frame dropped)", len(real))
	}
	if real[0].TAudioMS != 190 {
		t.Errorf("forwarded frame t=%d, want 190", real[0].TAudioMS)
	}
	if len(lags) != 2 || lags[0] != 200 || lags[1] != 10 {
		t.Errorf("lag samples = %v, want [200 10] (dropped frames still reported)", lags)
	}
}

func TestSanitizePinsNonArticulationChannels(t *testing.T) {
	var w Weights
	for i := range w {
		w[i] = 0.8
	}
	w[ChannelIndex("jawOpen")] = 1.5  // clamped
	w[ChannelIndex("tongueOut")] = -1 // clamped

	got := w.Sanitize()
	for i, name := range ChannelNames {
		if IsArticulation(i) {
			continue
		}
		if got[i] != 0 {
			t.Errorf("channel %s = %v, want 0", name, got[i])
		}
	}
	if got[ChannelIndex("jawOpen")] != 1 {
		t.Errorf("jawOpen not clamped to 1: %v", got[ChannelIndex("jawOpen")])
	}
	if got[ChannelIndex("tongueOut")] != 0 {
		t.Errorf("tongueOut not clamped to 0: %v", got[ChannelIndex("tongueOut")])
	}
	if got[ChannelIndex("mouthFunnel")] != 0.8 {
		t.Errorf("articulation channel altered: %v", got[ChannelIndex("mouthFunnel")])
	}
}

func TestArticulationGroup(t *testing.T) {
	want := map[string]bool{
		"jawOpen":      true,
		"mouthSmileLeft": true,
		"tongueOut":    true,
		"browInnerUp":  false,
		"eyeBlinkLeft": false,
		"cheekPuff":    false,
		"noseSneerLeft": false,
	}
	for name, artic := range want {
		i := ChannelIndex(name)
		if i < 0 {
			t.Fatalf("unknown channel %q", name)
		}
		if IsArticulation(i) != artic {
			t.Errorf("IsArticulation(%s) = %v, want %v", name, !artic, artic)
		}
	}
}

func TestFrameJSONRoundTrip(t *testing.T) {
	in := Frame{
		SessionID: "s-1",
		Seq:       7,
		TAudioMS:  140,
		FPS:       30,
		Heartbeat: true,
		Weights:   talkingPose(),
	}
	data, err := in.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var out Frame
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if out.SessionID != in.SessionID || out.Seq != in.Seq || out.TAudioMS != in.TAudioMS ||
		out.FPS != in.FPS || out.Heartbeat != in.Heartbeat || out.Weights != in.Weights {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
