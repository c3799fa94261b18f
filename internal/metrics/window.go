package metrics

import "time"

// Window accumulates loss and timing across the batches between two log
// lines.
type Window struct {
	examples int
	compute  time.Duration
	steps    int
	lossSum  float64
}

// Record adds one optimizer step to the window.
func (w *Window) Record(batchSize int, computeTime time.Duration, loss float64) {
	w.examples += batchSize
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{LossSum: w.lossSum, Steps: w.steps}
	if w.compute > 0 {
		snap.ExamplesPerSec = float64(w.examples) / w.compute.Seconds()
	}
	if w.steps > 0 {
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}

	w.examples = 0
	w.compute = 0
	w.steps = 0
	w.lossSum = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ExamplesPerSec float64
	AvgComputeMS   float64
	LossSum        float64
	Steps          int
}
