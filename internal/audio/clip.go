package audio

import "math"

const (
	pcmMax int32 = math.MaxInt16 // 32767
	pcmMin int32 = math.MinInt16 // -32768
)

// softClip saturates overdriven samples: values within [-32768, 32767]
// pass through unchanged, values outside get limit + excess/8, which
// keeps a little of the overshoot instead of slamming it flat. The
// result stays in the wider int32 domain; toPCM16 performs the final
// saturation to what an int16 PCM buffer can hold.
func softClip(sample int32) int32 {
	switch {
	case sample > pcmMax:
		excess := sample - pcmMax
		return pcmMax + excess/8
	case sample < pcmMin:
		excess := pcmMin - sample
		return pcmMin - excess/8
	default:
		return sample
	}
}

// toPCM16 saturates a (possibly soft-clip-curved) value to the int16
// range a PCM buffer can actually hold.
func toPCM16(v int32) int16 {
	switch {
	case v > pcmMax:
		return int16(pcmMax)
	case v < pcmMin:
		return int16(pcmMin)
	default:
		return int16(v)
	}
}
