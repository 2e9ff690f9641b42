package turn

import (
	"math"

	"github.com/lumora-ai/chorus/pkg/audio"
)

// FallbackClip synthesizes the spoken-fallback placeholder played when a
// turn fails before any real audio: a soft two-tone chime followed by
// silence, returned as 20 ms PCM chunks ready for the packetizer. Real
// deployments replace this with a recorded voice clip per persona; the
// generated chime keeps the audio path exercised without shipping binary
// assets.
func FallbackClip(sampleRate int) [][]byte {
	const (
		toneMS    = 180
		gapMS     = 60
		tailMS    = 200
		freqLow   = 520.0
		freqHigh  = 660.0
		amplitude = 0.18
	)

	tone := func(freq float64, ms int) []int16 {
		n := sampleRate * ms / 1000
		out := make([]int16, n)
		for i := range out {
			// Hann envelope avoids clicks at the chunk edges.
			env := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
			v := amplitude * env * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
			out[i] = int16(v * math.MaxInt16)
		}
		return out
	}

	var pcm []int16
	pcm = append(pcm, tone(freqLow, toneMS)...)
	pcm = append(pcm, make([]int16, sampleRate*gapMS/1000)...)
	pcm = append(pcm, tone(freqHigh, toneMS)...)
	pcm = append(pcm, make([]int16, sampleRate*tailMS/1000)...)

	raw := audio.Int16sToBytes(pcm)
	chunkBytes := sampleRate * 20 / 1000 * 2
	var chunks [][]byte
	for len(raw) >= chunkBytes {
		chunks = append(chunks, raw[:chunkBytes])
		raw = raw[chunkBytes:]
	}
	return chunks
}
