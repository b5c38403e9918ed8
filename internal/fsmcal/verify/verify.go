// Package verify scores a calibration against a recorded trace.
package verify

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
)

// Verify predicts each sample's centroid as trace.Baseline + Forward·cmd
// and compares it with the measured centroid. Passed is RMS <= threshold;
// an empty trace never passes. Mismatched trace columns panic.
func Verify(trace *fsmcal.Trace, cal *fsmcal.AxisCalibration, thresholdPx float64) fsmcal.VerificationResult {
	n := trace.Len()
	for _, l := range []int{len(trace.Axis1), len(trace.Axis2), len(trace.X), len(trace.Y)} {
		if l != n {
			panic(fmt.Sprintf("verify: trace columns differ in length (%d vs %d)", l, n))
		}
	}

	res := fsmcal.VerificationResult{
		Commanded: make([]transform.Vec2, n),
		Predicted: make([]transform.Vec2, n),
		Measured:  make([]transform.Vec2, n),
		Errors:    make([]float64, n),
		Threshold: thresholdPx,
	}
	for i := 0; i < n; i++ {
		cmd := transform.Vec2{trace.Axis1[i], trace.Axis2[i]}
		pred := trace.Baseline.Add(transform.Apply(cal.Forward, cmd))
		meas := transform.Vec2{trace.X[i], trace.Y[i]}
		res.Commanded[i] = cmd
		res.Predicted[i] = pred
		res.Measured[i] = meas
		res.Errors[i] = meas.Sub(pred).Norm()
	}
	if n == 0 {
		return res
	}
	res.RMS = floats.Norm(res.Errors, 2) / math.Sqrt(float64(n))
	res.Max = floats.Max(res.Errors)
	res.Passed = res.RMS <= thresholdPx
	return res
}
