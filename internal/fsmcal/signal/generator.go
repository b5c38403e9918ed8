// Package signal produces deterministic command waveforms for the mirror.
package signal

import (
	"math"
	"time"
)

// Generator evaluates A·sin(2πft) on its own sample clock or at arbitrary
// times.
type Generator struct {
	Amplitude  float64
	Frequency  float64
	SampleRate float64
}

// New returns a generator for amplitude a, frequency f (Hz) and sample rate
// r (Hz).
func New(a, f, r float64) Generator {
	return Generator{Amplitude: a, Frequency: f, SampleRate: r}
}

// SampleAt returns the waveform value at t seconds.
func (g Generator) SampleAt(t float64) float64 {
	if g.Amplitude == 0 || g.Frequency == 0 {
		return 0
	}
	return g.Amplitude * math.Sin(2*math.Pi*g.Frequency*t)
}

// Count is the number of samples Generate returns for duration seconds.
func (g Generator) Count(duration float64) int {
	if duration <= 0 || g.SampleRate <= 0 {
		return 0
	}
	// Guard against duration*rate landing a hair above an integer.
	n := duration * g.SampleRate
	if r := math.Round(n); math.Abs(n-r) < 1e-9 {
		return int(r)
	}
	return int(math.Ceil(n))
}

// Generate returns ceil(duration·r) samples evaluated at t = i/r.
func (g Generator) Generate(duration float64) []float64 {
	out := make([]float64, g.Count(duration))
	for i := range out {
		out[i] = g.SampleAt(float64(i) / g.SampleRate)
	}
	return out
}

// Timestamps returns the sample times matching Generate(duration).
func (g Generator) Timestamps(duration float64) []float64 {
	out := make([]float64, g.Count(duration))
	for i := range out {
		out[i] = float64(i) / g.SampleRate
	}
	return out
}

// Period returns one cycle, or zero for a zero frequency.
func (g Generator) Period() time.Duration {
	if g.Frequency <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / g.Frequency)
}

// Pattern maps elapsed seconds to a commanded (axis1, axis2) pair.
type Pattern interface {
	At(t float64) (axis1, axis2 float64)
}

// PatternFunc adapts a plain function to Pattern.
type PatternFunc func(t float64) (float64, float64)

func (f PatternFunc) At(t float64) (float64, float64) { return f(t) }

// Zero holds both axes at the origin.
var Zero Pattern = PatternFunc(func(float64) (float64, float64) { return 0, 0 })

// AxisWiggle drives one axis (1 or 2) with Gen and holds the other at zero.
type AxisWiggle struct {
	Axis int
	Gen  Generator
}

func (w AxisWiggle) At(t float64) (float64, float64) {
	v := w.Gen.SampleAt(t)
	if w.Axis == 2 {
		return 0, v
	}
	return v, 0
}

// Circle traces (R cos 2πft, R sin 2πft).
type Circle struct {
	Radius    float64
	Frequency float64
}

func (c Circle) At(t float64) (float64, float64) {
	if c.Radius == 0 {
		return 0, 0
	}
	w := 2 * math.Pi * c.Frequency * t
	return c.Radius * math.Cos(w), c.Radius * math.Sin(w)
}
