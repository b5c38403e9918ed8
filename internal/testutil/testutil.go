// Package testutil provides shared test utilities and fixtures.
//
// This package centralises the HTTP assertions and the synthetic calibration
// records used across the store, executor, api and report tests.
package testutil

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/signal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// BenchBaseline is the detector centre used by fixtures.
var BenchBaseline = transform.Vec2{512, 512}

// FixedTime is the creation time stamped on fixture records.
var FixedTime = time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

// WiggleTrace synthesizes a noiseless wiggle of one axis through the
// forward transform fwd, sampled by a camera at cameraRate.
func WiggleTrace(t testing.TB, axis int, cfg fsmcal.Config, fwd transform.Matrix2, cameraRate float64) *fsmcal.Trace {
	t.Helper()
	phase := fsmcal.TracePhaseAxis1
	if axis == 2 {
		phase = fsmcal.TracePhaseAxis2
	}
	pattern := signal.AxisWiggle{Axis: axis, Gen: signal.New(cfg.WiggleAmplitude, cfg.WiggleFrequency, cfg.SampleRate)}
	return PatternTrace(t, phase, pattern, cfg.WiggleFrequency, cfg.WiggleDuration().Seconds(), fwd, cameraRate, nil)
}

// PatternTrace samples pattern for duration seconds at cameraRate and maps
// each command through fwd around BenchBaseline. noise, when set, is added
// to sample i.
func PatternTrace(t testing.TB, phase string, pattern signal.Pattern, freq, duration float64, fwd transform.Matrix2, cameraRate float64, noise func(i int) transform.Vec2) *fsmcal.Trace {
	t.Helper()
	tr := fsmcal.NewTrace(phase, FixedTime, freq, BenchBaseline)
	n := int(math.Round(duration * cameraRate))
	for i := 0; i < n; i++ {
		tm := float64(i) / cameraRate
		a1, a2 := pattern.At(tm)
		p := BenchBaseline.Add(transform.Apply(fwd, transform.Vec2{a1, a2}))
		if noise != nil {
			p = p.Add(noise(i))
		}
		if err := tr.Append(fsmcal.Sample{Time: tm, Axis1: a1, Axis2: a2, X: p[0], Y: p[1], Frame: uint64(i)}); err != nil {
			t.Fatalf("append sample %d: %v", i, err)
		}
	}
	tr.Freeze()
	return tr
}

// PopulatedTrace returns a small frozen trace with every field set,
// including a skipped and a repeated frame.
func PopulatedTrace(t testing.TB) *fsmcal.Trace {
	t.Helper()
	tr := fsmcal.NewTrace(fsmcal.TracePhaseAxis2, FixedTime, 1.25, transform.Vec2{511.75, 509.5})
	rows := []fsmcal.Sample{
		{Time: 0.013, Axis1: 0, Axis2: 8.1, X: 511.8, Y: 513.55, Frame: 40},
		{Time: 0.033, Axis1: 0, Axis2: 20.3, X: 511.7, Y: 519.65, Frame: 41},
		{Time: 0.071, Axis1: 0, Axis2: 41.9, X: 511.9, Y: 530.45, Frame: 43},
		{Time: 0.094, Axis1: 0, Axis2: 55.0, X: 511.6, Y: 1.0 / 3.0, Frame: 43},
	}
	for _, r := range rows {
		if err := tr.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	tr.Freeze()
	return tr
}

// PopulatedCalibration returns a verified calibration with every optional
// field set.
func PopulatedCalibration(t testing.TB) *fsmcal.AxisCalibration {
	t.Helper()
	cfg := fsmcal.DefaultConfig()
	cfg.WiggleAmplitude = 80
	cfg.BaselineTimeout = 7500 * time.Millisecond
	cal, err := fsmcal.NewAxisCalibration(
		transform.Matrix2{{0.49, -0.02}, {0.03, -0.51}},
		transform.Vec2{511.75, 509.5},
		[2]float64{0.9987, 0.99912},
		cfg, FixedTime)
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	return cal.WithVerification(fsmcal.VerificationResult{RMS: 0.21, Max: 0.57, Threshold: 1, Passed: true})
}
