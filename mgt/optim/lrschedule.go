package optim

import (
	"fmt"
	"math"
	"strings"
)

// LRSchedule returns the learning-rate multiplier in [0, 1] for a global step.
type LRSchedule func(step int) float64

// ConstantWithWarmup ramps linearly from 0 to 1 over warmupSteps, then stays
// at 1.
func ConstantWithWarmup(warmupSteps int) LRSchedule {
	return func(step int) float64 {
		if step < warmupSteps {
			return float64(step+1) / float64(warmupSteps)
		}
		return 1
	}
}

// CosineWithWarmup ramps linearly over warmupSteps, then decays to 0 along a
// half cosine reaching zero at totalSteps.
func CosineWithWarmup(warmupSteps, totalSteps int) LRSchedule {
	return func(step int) float64 {
		if step < warmupSteps {
			return float64(step+1) / float64(warmupSteps)
		}
		if step >= totalSteps {
			return 0
		}
		progress := float64(step-warmupSteps) / float64(totalSteps-warmupSteps)
		return 0.5 * (1 + math.Cos(math.Pi*progress))
	}
}

// NewLRSchedule selects a schedule by name.
func NewLRSchedule(name string, warmupSteps, totalSteps int) (LRSchedule, error) {
	if warmupSteps < 0 {
		return nil, fmt.Errorf("warmup steps must be non-negative, got %d", warmupSteps)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "constant", "":
		if warmupSteps == 0 {
			return func(int) float64 { return 1 }, nil
		}
		return ConstantWithWarmup(warmupSteps), nil
	case "cosine":
		if totalSteps <= warmupSteps {
			return nil, fmt.Errorf("cosine schedule needs totalSteps > warmupSteps, got %d and %d", totalSteps, warmupSteps)
		}
		return CosineWithWarmup(warmupSteps, totalSteps), nil
	default:
		return nil, fmt.Errorf("unknown lr scheduler %q", name)
	}
}
