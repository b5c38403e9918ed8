// Package fit extracts amplitude, phase and offset from a time series known
// to contain a sinusoid at a given frequency.
//
// The model offset + A·sin(ωt + φ) expands to offset + a·sin ωt + b·cos ωt
// with a = A cos φ and b = A sin φ, so the fit is a linear least-squares
// problem over the basis [1, sin ωt, cos ωt]. Irregular sample times are
// fine; only the excitation frequency must be known.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrLowData is returned for fewer than three samples.
	ErrLowData = errors.New("fewer than 3 samples")
	// ErrDegenerateSignal is returned when the input has no variance or the
	// basis is rank deficient at the given times.
	ErrDegenerateSignal = errors.New("degenerate signal")
	// ErrLengthMismatch is returned when samples and times differ in length.
	ErrLengthMismatch = errors.New("samples and times differ in length")
	// ErrLowFitQuality is returned by FitChecked when R² is below the floor.
	ErrLowFitQuality = errors.New("fit quality below threshold")
)

// Sinusoid is the result of fitting one channel.
type Sinusoid struct {
	Amplitude float64 `json:"amplitude"`
	// Phase is normalized to [-π, π).
	Phase    float64 `json:"phase"`
	Offset   float64 `json:"offset"`
	RSquared float64 `json:"r_squared"`
	// SSTot is the total sum of squares about the sample mean. Callers that
	// pool channels weight R² by it.
	SSTot float64 `json:"ss_tot"`
	N     int     `json:"n"`
}

// SSRes returns the residual sum of squares implied by RSquared and SSTot.
func (s Sinusoid) SSRes() float64 {
	return (1 - s.RSquared) * s.SSTot
}

// At evaluates the fitted model at time t.
func (s Sinusoid) At(t, frequency float64) float64 {
	return s.Offset + s.Amplitude*math.Sin(2*math.Pi*frequency*t+s.Phase)
}

// FitSinusoid fits offset + A·sin(2πft + φ) to samples taken at times.
func FitSinusoid(samples, times []float64, frequency float64) (Sinusoid, error) {
	if len(samples) != len(times) {
		return Sinusoid{}, fmt.Errorf("%w: %d samples, %d times", ErrLengthMismatch, len(samples), len(times))
	}
	n := len(samples)
	if n < 3 {
		return Sinusoid{}, fmt.Errorf("%w: got %d", ErrLowData, n)
	}

	mean := stat.Mean(samples, nil)
	var ssTot float64
	for _, y := range samples {
		d := y - mean
		ssTot += d * d
	}
	if ssTot <= float64(n)*1e-20*math.Max(1, mean*mean) || math.IsNaN(ssTot) {
		return Sinusoid{}, fmt.Errorf("%w: total sum of squares %g over %d samples", ErrDegenerateSignal, ssTot, n)
	}

	if !(frequency > 0) || math.IsInf(frequency, 0) {
		return Sinusoid{}, fmt.Errorf("%w: frequency %g", ErrDegenerateSignal, frequency)
	}

	omega := 2 * math.Pi * frequency
	basis := mat.NewDense(n, 3, nil)
	for i, t := range times {
		basis.Set(i, 0, 1)
		basis.Set(i, 1, math.Sin(omega*t))
		basis.Set(i, 2, math.Cos(omega*t))
	}
	var coef mat.VecDense
	if err := coef.SolveVec(basis, mat.NewVecDense(n, append([]float64(nil), samples...))); err != nil {
		// SolveVec reports mat.Condition for an ill-conditioned basis, which
		// here means f=0 or all times aliased onto the same phase.
		return Sinusoid{}, fmt.Errorf("%w: %v", ErrDegenerateSignal, err)
	}
	offset, a, b := coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)

	resid := make([]float64, n)
	for i, t := range times {
		resid[i] = samples[i] - (offset + a*math.Sin(omega*t) + b*math.Cos(omega*t))
	}
	ssRes := floats.Dot(resid, resid)

	return Sinusoid{
		Amplitude: math.Hypot(a, b),
		Phase:     NormalizePhase(math.Atan2(b, a)),
		Offset:    offset,
		RSquared:  1 - ssRes/ssTot,
		SSTot:     ssTot,
		N:         n,
	}, nil
}

// FitChecked is FitSinusoid followed by an R² floor.
func FitChecked(samples, times []float64, frequency, minRSquared float64) (Sinusoid, error) {
	s, err := FitSinusoid(samples, times, frequency)
	if err != nil {
		return s, err
	}
	if s.RSquared < minRSquared {
		return s, fmt.Errorf("%w: R²=%.4f < %.4f", ErrLowFitQuality, s.RSquared, minRSquared)
	}
	return s, nil
}

// NormalizePhase wraps p into [-π, π).
func NormalizePhase(p float64) float64 {
	p = math.Mod(p+math.Pi, 2*math.Pi)
	if p < 0 {
		p += 2 * math.Pi
	}
	return p - math.Pi
}

// ResponseSign is +1 when the fitted sinusoid is within ±90° of the command
// phase and -1 when it is inverted.
func ResponseSign(fitPhase, commandPhase float64) float64 {
	if math.Cos(fitPhase-commandPhase) < 0 {
		return -1
	}
	return 1
}

// CombinedRSquared pools channels as 1 - ΣSS_res/ΣSS_tot. Channels with no
// variance contribute nothing; if none have variance it returns 0.
func CombinedRSquared(fits ...Sinusoid) float64 {
	var res, tot float64
	for _, f := range fits {
		if f.SSTot <= 0 {
			continue
		}
		res += f.SSRes()
		tot += f.SSTot
	}
	if tot == 0 {
		return 0
	}
	return 1 - res/tot
}
