package executor

import (
	"errors"
	"fmt"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/fit"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
)

// commandPhase is the phase of every wiggle command: each phase starts its
// generator at t=0, so the command is A·sin(2πft) with zero phase.
const commandPhase = 0.0

// AxisFit is the fitted response of one wiggled axis.
type AxisFit struct {
	X fit.Sinusoid `json:"x"`
	Y fit.Sinusoid `json:"y"`
	// FlatX and FlatY mark channels with no variance; they contribute a zero
	// response component.
	FlatX bool `json:"flat_x,omitempty"`
	FlatY bool `json:"flat_y,omitempty"`
	// Response is pixels per command unit, signed by phase.
	Response transform.Vec2 `json:"response"`
	// RSquared pools both channels as 1 - ΣSS_res/ΣSS_tot.
	RSquared float64 `json:"r_squared"`
}

// FitAxis fits both centroid channels of tr at tr.Frequency and converts
// the amplitudes into a response vector for a wiggle of the given
// commanded amplitude. A component is negative when its channel moves in
// antiphase with the command (cos(φ_fit − φ_cmd) < 0).
func FitAxis(tr *fsmcal.Trace, amplitude float64) (AxisFit, error) {
	var out AxisFit
	channels := []struct {
		samples []float64
		dst     *fit.Sinusoid
		flat    *bool
		comp    int
	}{
		{tr.X, &out.X, &out.FlatX, 0},
		{tr.Y, &out.Y, &out.FlatY, 1},
	}
	for _, ch := range channels {
		s, err := fit.FitSinusoid(ch.samples, tr.Time, tr.Frequency)
		switch {
		case errors.Is(err, fit.ErrDegenerateSignal):
			*ch.flat = true
			continue
		case err != nil:
			return out, fmt.Errorf("%s trace: %w", tr.Phase, err)
		}
		*ch.dst = s
		out.Response[ch.comp] = fit.ResponseSign(s.Phase, commandPhase) * s.Amplitude / amplitude
	}
	out.RSquared = fit.CombinedRSquared(out.X, out.Y)
	return out, nil
}

// FitAxes fits both wiggle traces and applies the R² floor. The fits are
// returned even when one axis falls below the floor.
func FitAxes(cfg fsmcal.Config, axis1, axis2 *fsmcal.Trace) ([2]AxisFit, error) {
	var fits [2]AxisFit
	for i, tr := range []*fsmcal.Trace{axis1, axis2} {
		f, err := FitAxis(tr, cfg.WiggleAmplitude)
		if err != nil {
			return fits, fmt.Errorf("%w: axis %d: %v", fsmcal.ErrLowFitQuality, i+1, err)
		}
		fits[i] = f
	}
	for i, f := range fits {
		if f.RSquared < cfg.MinRSquared {
			return fits, fmt.Errorf("%w: axis %d R²=%.4f < %.4f", fsmcal.ErrLowFitQuality, i+1, f.RSquared, cfg.MinRSquared)
		}
	}
	return fits, nil
}

// ForwardFromFits assembles the axis responses as transform columns.
func ForwardFromFits(fits [2]AxisFit) transform.Matrix2 {
	return transform.FromColumns(fits[0].Response, fits[1].Response)
}
