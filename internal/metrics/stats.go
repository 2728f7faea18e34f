package metrics

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates timing and loss stats between progress lines.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	steps   int
	losses  []float64
}

// Record adds one iteration to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.losses = append(w.losses, loss)
}

// Reset drops everything recorded so far.
func (w *Window) Reset() {
	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	w.losses = w.losses[:0]
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.PatchesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanLoss = stat.Mean(w.losses, nil)
		snap.LastLoss = w.losses[len(w.losses)-1]
	}
	w.Reset()
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	PatchesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	MeanLoss      float64
	LastLoss      float64
}
