// Package audio provides the core audio-plane primitives: the wire-level
// agent audio packet, the session audio clock, the 20 ms packetizer with
// cross-fade overlap, a broadcast tee for fanning PCM out to multiple
// consumers, and an Opus codec wrapper.
//
// All PCM in this package is 16-bit little-endian signed mono unless a
// function documents otherwise.
package audio

import (
	"encoding/binary"
	"fmt"
)

// Codec identifies the payload encoding of a [Packet].
type Codec uint8

const (
	// CodecPCM16 is raw 16-bit little-endian signed PCM.
	CodecPCM16 Codec = iota

	// CodecOpus is an Opus frame.
	CodecOpus
)

// String returns the lowercase codec name.
func (c Codec) String() string {
	switch c {
	case CodecPCM16:
		return "pcm16"
	case CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// IsValid reports whether c is a known codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// Wire framing constants for the binary media channel.
const (
	// packetMagic marks the start of a packet header on the media channel.
	packetMagic = 0x43484F52 // "CHOR"

	// HeaderSize is the fixed byte length of the packet header.
	HeaderSize = 60

	// MaxPayloadSize bounds the payload length accepted when decoding.
	// 20 ms of 48 kHz stereo PCM16 is 3840 bytes; this leaves headroom.
	MaxPayloadSize = 1 << 16
)

// Packet is one emitted frame of agent audio.
//
// Seq is strictly increasing per session. TAudioMS is the session audio
// clock sample at which this frame begins; it advances by DurationMS per
// emitted packet and is never advanced by overlap bytes. The payload of a
// non-first packet begins with OverlapMS worth of audio duplicated from the
// tail of the previous packet for receiver cross-fade.
type Packet struct {
	SessionID  [16]byte
	Seq        uint32
	TAudioMS   int64
	DurationMS uint16
	OverlapMS  uint16
	Codec      Codec
	Payload    []byte
}

// MarshalBinary encodes the packet as a fixed 60-byte big-endian header
// followed by the payload.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("audio: payload too large: %d bytes", len(p.Payload))
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], packetMagic)
	copy(buf[4:20], p.SessionID[:])
	binary.BigEndian.PutUint32(buf[20:24], p.Seq)
	binary.BigEndian.PutUint64(buf[24:32], uint64(p.TAudioMS))
	binary.BigEndian.PutUint16(buf[32:34], p.DurationMS)
	binary.BigEndian.PutUint16(buf[34:36], p.OverlapMS)
	buf[36] = byte(p.Codec)
	binary.BigEndian.PutUint32(buf[40:44], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a packet produced by [Packet.MarshalBinary].
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("audio: packet too short: %d bytes", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != packetMagic {
		return fmt.Errorf("audio: bad packet magic")
	}
	n := binary.BigEndian.Uint32(data[40:44])
	if n > MaxPayloadSize {
		return fmt.Errorf("audio: declared payload too large: %d bytes", n)
	}
	if len(data) != HeaderSize+int(n) {
		return fmt.Errorf("audio: payload length mismatch: header says %d, have %d", n, len(data)-HeaderSize)
	}
	copy(p.SessionID[:], data[4:20])
	p.Seq = binary.BigEndian.Uint32(data[20:24])
	p.TAudioMS = int64(binary.BigEndian.Uint64(data[24:32]))
	p.DurationMS = binary.BigEndian.Uint16(data[32:34])
	p.OverlapMS = binary.BigEndian.Uint16(data[34:36])
	p.Codec = Codec(data[36])
	if !p.Codec.IsValid() {
		return fmt.Errorf("audio: unknown codec %d", data[36])
	}
	p.Payload = make([]byte, n)
	copy(p.Payload, data[HeaderSize:])
	return nil
}
