package animation

import "encoding/json"

// Frame is one blendshape frame on the side channel. TAudioMS references the
// session audio clock so the client can align the face with playback; it is
// non-strictly monotonic because heartbeat frames reuse the last clock
// sample. Heartbeat frames carry no new articulation.
type Frame struct {
	SessionID string
	Seq       uint32
	TAudioMS  int64
	FPS       int
	Heartbeat bool
	Weights   Weights
}

// frameJSON is the wire shape of a Frame on the blendshape channel.
type frameJSON struct {
	SessionID   string             `json:"session_id"`
	Seq         uint32             `json:"seq"`
	TAudioMS    int64              `json:"t_audio_ms"`
	FPS         int                `json:"fps"`
	Heartbeat   bool               `json:"heartbeat"`
	Blendshapes map[string]float32 `json:"blendshapes"`
}

// MarshalJSON encodes the frame with weights keyed by ARKit channel name.
func (f Frame) MarshalJSON() ([]byte, error) {
	shapes := make(map[string]float32, ChannelCount)
	for i, name := range ChannelNames {
		shapes[name] = f.Weights[i]
	}
	return json.Marshal(frameJSON{
		SessionID:   f.SessionID,
		Seq:         f.Seq,
		TAudioMS:    f.TAudioMS,
		FPS:         f.FPS,
		Heartbeat:   f.Heartbeat,
		Blendshapes: shapes,
	})
}

// UnmarshalJSON decodes a frame, ignoring unknown channel names.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw frameJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.SessionID = raw.SessionID
	f.Seq = raw.Seq
	f.TAudioMS = raw.TAudioMS
	f.FPS = raw.FPS
	f.Heartbeat = raw.Heartbeat
	f.Weights = Weights{}
	for name, v := range raw.Blendshapes {
		if i := ChannelIndex(name); i >= 0 {
			f.Weights[i] = v
		}
	}
	return nil
}
