// Package animation provides the facial animation primitives: the ARKit-52
// blendshape channel set, the blendshape frame type sent on the side
// channel, and the heartbeat emitter that keeps frame cadence stable when
// the animation engine stalls.
package animation

// ChannelCount is the number of blendshape channels in the ARKit set.
const ChannelCount = 52

// ChannelNames lists the 52 ARKit blendshape channels in canonical order.
// Frame weights are indexed by this order.
var ChannelNames = [ChannelCount]string{
	"eyeBlinkLeft", "eyeLookDownLeft", "eyeLookInLeft", "eyeLookOutLeft",
	"eyeLookUpLeft", "eyeSquintLeft", "eyeWideLeft",
	"eyeBlinkRight", "eyeLookDownRight", "eyeLookInRight", "eyeLookOutRight",
	"eyeLookUpRight", "eyeSquintRight", "eyeWideRight",
	"jawForward", "jawLeft", "jawRight", "jawOpen",
	"mouthClose", "mouthFunnel", "mouthPucker", "mouthLeft", "mouthRight",
	"mouthSmileLeft", "mouthSmileRight", "mouthFrownLeft", "mouthFrownRight",
	"mouthDimpleLeft", "mouthDimpleRight", "mouthStretchLeft", "mouthStretchRight",
	"mouthRollLower", "mouthRollUpper", "mouthShrugLower", "mouthShrugUpper",
	"mouthPressLeft", "mouthPressRight", "mouthLowerDownLeft", "mouthLowerDownRight",
	"mouthUpperUpLeft", "mouthUpperUpRight",
	"browDownLeft", "browDownRight", "browInnerUp", "browOuterUpLeft", "browOuterUpRight",
	"cheekPuff", "cheekSquintLeft", "cheekSquintRight",
	"noseSneerLeft", "noseSneerRight",
	"tongueOut",
}

// Articulation channel boundaries within [ChannelNames]. The articulation
// group is the jaw and mouth region (plus tongue) that audio is allowed to
// drive; everything else stays at the neutral pose in the default
// configuration.
const (
	jawFirst  = 14 // jawForward
	mouthLast = 40 // mouthUpperUpRight
	tongueOut = 51
)

// IsArticulation reports whether channel index i belongs to the jaw/mouth
// articulation group.
func IsArticulation(i int) bool {
	return (i >= jawFirst && i <= mouthLast) || i == tongueOut
}

// ChannelIndex returns the index of the named channel, or -1 if unknown.
func ChannelIndex(name string) int {
	for i, n := range ChannelNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Weights holds one weight per ARKit channel, each in [0, 1].
type Weights [ChannelCount]float32

// Neutral returns the neutral pose: every channel at 0.
func Neutral() Weights { return Weights{} }

// Sanitize clamps every weight to [0, 1] and zeroes all non-articulation
// channels. Frames from external engines pass through this before emission
// so brows, eyes, cheeks and nose stay pinned regardless of engine output.
func (w Weights) Sanitize() Weights {
	for i := range w {
		if !IsArticulation(i) {
			w[i] = 0
			continue
		}
		if w[i] < 0 {
			w[i] = 0
		} else if w[i] > 1 {
			w[i] = 1
		}
	}
	return w
}

// Lerp interpolates from w toward target by t in [0, 1].
func (w Weights) Lerp(target Weights, t float32) Weights {
	if t <= 0 {
		return w
	}
	if t >= 1 {
		return target
	}
	var out Weights
	for i := range w {
		out[i] = w[i] + (target[i]-w[i])*t
	}
	return out
}
