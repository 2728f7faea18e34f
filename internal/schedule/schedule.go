// Package schedule holds learning-rate policies.
package schedule

import "math"

// StepDecay halves lr0 every step epochs. epochIndex is zero-based, so the
// first epoch of a run uses lr0 unchanged. A non-positive step disables decay.
func StepDecay(lr0 float64, step, epochIndex int) float64 {
	if step <= 0 || epochIndex <= 0 {
		return lr0
	}
	return lr0 * math.Pow(0.5, float64(epochIndex/step))
}
