package audio

import "sync/atomic"

// Clock is the session audio timeline: milliseconds of emitted audio plus
// the next packet sequence number. It starts at 0 when the session opens
// and advances only when a packet is actually emitted, by exactly that
// packet's duration. Wall time never moves it. One Clock is shared by
// every packetizer the session runs, so seq and t_audio_ms stay continuous
// across turns and fallback playback.
//
// The emitting packetizer is the single writer; any goroutine may read.
type Clock struct {
	ms  atomic.Int64
	seq atomic.Uint32
}

// NowMS returns the current clock value in milliseconds.
func (c *Clock) NowMS() int64 {
	return c.ms.Load()
}

// NextSeq returns the sequence number the next emitted packet will carry.
func (c *Clock) NextSeq() uint32 {
	return c.seq.Load()
}

// commit advances the timeline after a packet has reached the outbound
// channel. A packet that was stamped but never sent must not commit.
func (c *Clock) commit(durationMS int64) {
	c.ms.Add(durationMS)
	c.seq.Add(1)
}
