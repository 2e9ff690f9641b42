package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// OpusDecoder decodes a mono Opus stream into PCM16 bytes. Each inbound
// media stream gets its own decoder so codec state carries correctly across
// consecutive frames.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	frameSize  int
}

// NewOpusDecoder creates a decoder for a mono stream at the given sample
// rate, expecting 20 ms frames.
func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		frameSize:  sampleRate * DefaultFrameMS / 1000,
	}, nil
}

// Decode decodes one Opus frame into PCM16 little-endian bytes.
func (d *OpusDecoder) Decode(frame []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(frame, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// OpusEncoder encodes mono PCM16 into Opus frames for clients that request
// an Opus media channel.
type OpusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
}

// NewOpusEncoder creates an encoder for a mono stream at the given sample
// rate, producing 20 ms frames.
func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:       enc,
		frameSize: sampleRate * DefaultFrameMS / 1000,
	}, nil
}

// Encode encodes exactly one 20 ms frame of PCM16 little-endian bytes.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	samples := BytesToInt16s(pcm)
	if len(samples) != e.frameSize {
		return nil, fmt.Errorf("audio: opus encode: want %d samples, got %d", e.frameSize, len(samples))
	}
	frame, err := e.enc.Encode(samples, e.frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return frame, nil
}
