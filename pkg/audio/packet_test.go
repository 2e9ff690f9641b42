package audio

import (
	"bytes"
	"testing"
)

func TestPacketBinaryRoundTrip(t *testing.T) {
	in := Packet{
		SessionID:  [16]byte{0xde, 0xad, 0xbe, 0xef, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Seq:        42,
		TAudioMS:   840,
		DurationMS: 20,
		OverlapMS:  5,
		Codec:      CodecPCM16,
		Payload:    ramp(800),
	}
	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(data) != HeaderSize+len(in.Payload) {
		t.Fatalf("encoded length = %d, want %d", len(data), HeaderSize+len(in.Payload))
	}

	var out Packet
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if out.SessionID != in.SessionID || out.Seq != in.Seq || out.TAudioMS != in.TAudioMS {
		t.Errorf("header mismatch: %+v", out)
	}
	if out.DurationMS != in.DurationMS || out.OverlapMS != in.OverlapMS || out.Codec != in.Codec {
		t.Errorf("header mismatch: %+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Error("payload mismatch")
	}
}

func TestPacketUnmarshalRejectsGarbage(t *testing.T) {
	var p Packet

	if err := p.UnmarshalBinary(make([]byte, HeaderSize-1)); err == nil {
		t.Error("short buffer accepted")
	}
	if err := p.UnmarshalBinary(make([]byte, HeaderSize)); err == nil {
		t.Error("bad magic accepted")
	}

	good, _ := (&Packet{Codec: CodecOpus, Payload: []byte{1, 2, 3}}).MarshalBinary()
	truncated := good[:len(good)-1]
	if err := p.UnmarshalBinary(truncated); err == nil {
		t.Error("length mismatch accepted")
	}
}

func TestClockCommit(t *testing.T) {
	var c Clock
	if c.NowMS() != 0 || c.NextSeq() != 0 {
		t.Fatal("clock does not start at 0")
	}
	c.commit(20)
	if c.NowMS() != 20 || c.NextSeq() != 1 {
		t.Errorf("after one commit: t=%d seq=%d, want 20/1", c.NowMS(), c.NextSeq())
	}
	c.commit(20)
	if c.NowMS() != 40 || c.NextSeq() != 2 {
		t.Errorf("after two commits: t=%d seq=%d, want 40/2", c.NowMS(), c.NextSeq())
	}
}
