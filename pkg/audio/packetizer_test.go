package audio

import (
	"bytes"
	"context"
	"testing"
)

const testRate = 16000 // 32 bytes/ms

func runPacketizer(t *testing.T, cfg PacketizerConfig, pcm []byte, chunk int) ([]Packet, *Packetizer) {
	t.Helper()
	cfg.SampleRate = testRate
	in := make(chan []byte)
	p := NewPacketizer(cfg, in)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	go func() {
		for off := 0; off < len(pcm); off += chunk {
			end := off + chunk
			if end > len(pcm) {
				end = len(pcm)
			}
			in <- pcm[off:end]
		}
		close(in)
	}()

	var got []Packet
	for pkt := range p.Packets() {
		got = append(got, pkt)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	return got, p
}

func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestPacketizerMonotonicity(t *testing.T) {
	frameBytes := testRate * 2 * DefaultFrameMS / 1000
	pcm := ramp(frameBytes * 3)

	got, p := runPacketizer(t, PacketizerConfig{}, pcm, 100)
	if len(got) != 3 {
		t.Fatalf("want 3 packets, got %d", len(got))
	}
	for i, pkt := range got {
		if pkt.Seq != uint32(i) {
			t.Errorf("packet %d: seq = %d", i, pkt.Seq)
		}
		if pkt.TAudioMS != int64(i)*DefaultFrameMS {
			t.Errorf("packet %d: t_audio_ms = %d, want %d", i, pkt.TAudioMS, i*DefaultFrameMS)
		}
		if pkt.DurationMS != DefaultFrameMS || pkt.OverlapMS != DefaultOverlapMS {
			t.Errorf("packet %d: duration/overlap = %d/%d", i, pkt.DurationMS, pkt.OverlapMS)
		}
	}
	// The clock counted emitted durations only.
	if got, want := p.Clock().NowMS(), int64(60); got != want {
		t.Errorf("clock = %d, want %d", got, want)
	}
}

func TestPacketizerOverlapDoesNotAdvanceClock(t *testing.T) {
	frameBytes := testRate * 2 * DefaultFrameMS / 1000
	overlapBytes := testRate * 2 * DefaultOverlapMS / 1000
	pcm := ramp(frameBytes * 2)

	got, _ := runPacketizer(t, PacketizerConfig{}, pcm, frameBytes)
	if len(got) != 2 {
		t.Fatalf("want 2 packets, got %d", len(got))
	}
	if len(got[0].Payload) != frameBytes {
		t.Errorf("first payload = %d bytes, want %d (no overlap head)", len(got[0].Payload), frameBytes)
	}
	if len(got[1].Payload) != frameBytes+overlapBytes {
		t.Fatalf("second payload = %d bytes, want %d", len(got[1].Payload), frameBytes+overlapBytes)
	}
	// The overlap head duplicates the tail of the previous frame.
	prevTail := got[0].Payload[frameBytes-overlapBytes:]
	if !bytes.Equal(got[1].Payload[:overlapBytes], prevTail) {
		t.Error("overlap head does not match previous frame tail")
	}
	// But the clock advanced by exactly one frame.
	if got[1].TAudioMS != got[0].TAudioMS+DefaultFrameMS {
		t.Errorf("t_audio_ms advanced by %d, want %d", got[1].TAudioMS-got[0].TAudioMS, DefaultFrameMS)
	}
}

func TestPacketizerFinalTail(t *testing.T) {
	frameBytes := testRate * 2 * DefaultFrameMS / 1000
	msBytes := testRate * 2 / 1000

	tests := []struct {
		name      string
		tailMS    int
		dropFinal bool
		want      int // total packets for one full frame + tail
	}{
		{name: "11ms tail padded", tailMS: 11, want: 2},
		{name: "10ms tail padded", tailMS: 10, want: 2},
		{name: "9ms tail dropped", tailMS: 9, want: 1},
		{name: "drop_final drops 11ms tail", tailMS: 11, dropFinal: true, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := ramp(frameBytes + tt.tailMS*msBytes)
			got, _ := runPacketizer(t, PacketizerConfig{DropFinal: tt.dropFinal}, pcm, 64)
			if len(got) != tt.want {
				t.Fatalf("got %d packets, want %d", len(got), tt.want)
			}
			if tt.want == 2 {
				last := got[1].Payload
				// Padded region is zeroed.
				for _, b := range last[len(last)-(frameBytes-tt.tailMS*msBytes):] {
					if b != 0 {
						t.Fatal("pad region is not zeroed")
					}
				}
			}
		})
	}
}

func TestPacketizerClockContinuesAcrossRuns(t *testing.T) {
	frameBytes := testRate * 2 * DefaultFrameMS / 1000
	clock := &Clock{}

	// Two consecutive packetizer runs over the same session clock, as one
	// session produces across consecutive turns.
	turn1, _ := runPacketizer(t, PacketizerConfig{Clock: clock}, ramp(frameBytes*3), frameBytes)
	turn2, _ := runPacketizer(t, PacketizerConfig{Clock: clock}, ramp(frameBytes*2), frameBytes)
	if len(turn1) != 3 || len(turn2) != 2 {
		t.Fatalf("packets = %d + %d, want 3 + 2", len(turn1), len(turn2))
	}

	last := turn1[len(turn1)-1]
	next := turn2[0]
	if next.Seq != last.Seq+1 {
		t.Errorf("seq restarted across runs: %d then %d", last.Seq, next.Seq)
	}
	if next.TAudioMS != last.TAudioMS+int64(last.DurationMS) {
		t.Errorf("timeline broke across runs: %d+%d then %d",
			last.TAudioMS, last.DurationMS, next.TAudioMS)
	}
	if got, want := clock.NowMS(), int64(5*DefaultFrameMS); got != want {
		t.Errorf("clock = %d, want %d", got, want)
	}
}

func TestPacketizerCancelDropsInFlight(t *testing.T) {
	frameBytes := testRate * 2 * DefaultFrameMS / 1000
	in := make(chan []byte, 16)
	p := NewPacketizer(PacketizerConfig{SampleRate: testRate, Buffer: 1}, in)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	in <- ramp(frameBytes)
	in <- ramp(frameBytes / 2) // partial frame that must never surface

	first, ok := <-p.Packets()
	if !ok {
		t.Fatal("no first packet")
	}
	if first.Seq != 0 || first.TAudioMS != 0 {
		t.Fatalf("first packet seq=%d t=%d, want 0/0", first.Seq, first.TAudioMS)
	}

	p.Cancel()
	p.Cancel() // idempotent

	var rest int
	for range p.Packets() {
		rest++
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Whatever was emitted before the cancel was observed, the clock only
	// counts emitted packets and nothing partial leaked out.
	if got, want := p.Clock().NowMS(), int64(1+rest)*DefaultFrameMS; got != want {
		t.Errorf("clock = %d, want %d", got, want)
	}
	if p.StoppedAt().IsZero() {
		t.Error("StoppedAt not recorded after cancel")
	}
}
