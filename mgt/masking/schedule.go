package masking

import "math"

// Schedule maps a normalized timestep t in [0, 1] to a masking probability
// in [0, 1]. Schedules are expected to be monotonically decreasing in t so
// that early timesteps correspond to heavily corrupted inputs.
type Schedule func(t float64) float64

// CosineSchedule is the standard MaskGIT masking schedule, cos(t * pi/2).
// It maps t=0 to a fully masked input and t=1 to an unmasked one.
func CosineSchedule(t float64) float64 {
	return math.Cos(t * math.Pi / 2)
}

// LinearSchedule is a simple alternative schedule, 1 - t.
func LinearSchedule(t float64) float64 {
	return 1 - t
}
