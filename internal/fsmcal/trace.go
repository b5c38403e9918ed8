package fsmcal

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
)

// Measurement is one camera/tracking sample.
type Measurement struct {
	Timestamp  time.Time `json:"timestamp"`
	FrameIndex uint64    `json:"frame_index"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	SNR        float64   `json:"snr"`
}

// Sample is one row of a Trace.
type Sample struct {
	Time  float64
	Axis1 float64
	Axis2 float64
	X     float64
	Y     float64
	Frame uint64
}

// Trace phase labels.
const (
	TracePhaseBaseline = "baseline"
	TracePhaseAxis1    = "axis1"
	TracePhaseAxis2    = "axis2"
	TracePhaseVerify   = "verify"
)

// Trace is a measurement-clock-indexed record of one phase: every arriving
// centroid sample with the command pair held when it arrived. Time is
// seconds since Start. All slices have equal length, Time is strictly
// increasing and Frame never decreases.
type Trace struct {
	Phase     string         `json:"phase"`
	Start     time.Time      `json:"start"`
	Frequency float64        `json:"frequency_hz"`
	Baseline  transform.Vec2 `json:"baseline"`

	Time  []float64 `json:"time"`
	Axis1 []float64 `json:"axis1"`
	Axis2 []float64 `json:"axis2"`
	X     []float64 `json:"x"`
	Y     []float64 `json:"y"`
	Frame []uint64  `json:"frame"`

	frozen bool
}

// NewTrace returns an empty trace for phase.
func NewTrace(phase string, start time.Time, frequency float64, baseline transform.Vec2) *Trace {
	return &Trace{Phase: phase, Start: start, Frequency: frequency, Baseline: baseline}
}

// Len returns the number of samples.
func (t *Trace) Len() int { return len(t.Time) }

// Append adds s, rejecting it if it would break the ordering invariants.
func (t *Trace) Append(s Sample) error {
	if t.frozen {
		return ErrFrozen
	}
	if n := len(t.Time); n > 0 {
		if !(s.Time > t.Time[n-1]) {
			return fmt.Errorf("%w: time %g after %g", ErrOutOfOrder, s.Time, t.Time[n-1])
		}
		if s.Frame < t.Frame[n-1] {
			return fmt.Errorf("%w: frame %d after %d", ErrOutOfOrder, s.Frame, t.Frame[n-1])
		}
	}
	if math.IsNaN(s.Time) {
		return fmt.Errorf("%w: NaN time", ErrOutOfOrder)
	}
	t.Time = append(t.Time, s.Time)
	t.Axis1 = append(t.Axis1, s.Axis1)
	t.Axis2 = append(t.Axis2, s.Axis2)
	t.X = append(t.X, s.X)
	t.Y = append(t.Y, s.Y)
	t.Frame = append(t.Frame, s.Frame)
	return nil
}

// At returns row i.
func (t *Trace) At(i int) Sample {
	return Sample{
		Time:  t.Time[i],
		Axis1: t.Axis1[i],
		Axis2: t.Axis2[i],
		X:     t.X[i],
		Y:     t.Y[i],
		Frame: t.Frame[i],
	}
}

// Freeze finalizes the trace. Later appends fail with ErrFrozen.
func (t *Trace) Freeze() { t.frozen = true }

// Frozen reports whether Freeze has been called.
func (t *Trace) Frozen() bool { return t.frozen }

// Commands returns the commanded (axis1, axis2) pairs.
func (t *Trace) Commands() []transform.Vec2 {
	out := make([]transform.Vec2, t.Len())
	for i := range out {
		out[i] = transform.Vec2{t.Axis1[i], t.Axis2[i]}
	}
	return out
}

// Centroids returns the measured (x, y) pairs.
func (t *Trace) Centroids() []transform.Vec2 {
	out := make([]transform.Vec2, t.Len())
	for i := range out {
		out[i] = transform.Vec2{t.X[i], t.Y[i]}
	}
	return out
}

// Validate re-checks the invariants, for traces that were not built by
// Append.
func (t *Trace) Validate() error {
	n := len(t.Time)
	for name, l := range map[string]int{
		"axis1": len(t.Axis1), "axis2": len(t.Axis2),
		"x": len(t.X), "y": len(t.Y), "frame": len(t.Frame),
	} {
		if l != n {
			return fmt.Errorf("%w: %s has %d samples, time has %d", ErrFormat, name, l, n)
		}
	}
	for i := 1; i < n; i++ {
		if !(t.Time[i] > t.Time[i-1]) {
			return fmt.Errorf("%w: time not strictly increasing at %d", ErrFormat, i)
		}
		if t.Frame[i] < t.Frame[i-1] {
			return fmt.Errorf("%w: frame index rewinds at %d", ErrFormat, i)
		}
	}
	return nil
}
