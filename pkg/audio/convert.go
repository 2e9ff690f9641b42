package audio

import "math"

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// RMS returns the root-mean-square amplitude of PCM16 little-endian bytes,
// normalised to [0, 1]. Used by the energy endpointer.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768
}

// DurationMS returns the duration of PCM16 mono bytes at the given sample
// rate, in milliseconds.
func DurationMS(pcm []byte, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(len(pcm)/2) * 1000 / int64(sampleRate)
}
