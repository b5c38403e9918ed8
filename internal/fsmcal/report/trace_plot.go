// Package report renders calibration diagnostics: PNG plots of recorded
// traces with their fitted sinusoids, and an interactive HTML chart of a
// verification pass.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/fit"
)

// Default PNG size.
const (
	PlotWidth  = 12 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

var (
	colorX   = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255}
	colorY   = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255}
	colorFit = color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 255}
)

// ErrEmptyTrace is returned when there is nothing to plot.
var ErrEmptyTrace = errors.New("trace has no samples")

// TracePlot plots the centroid offset from the trace baseline against
// elapsed time, one line per image axis.
func TracePlot(tr *fsmcal.Trace) (*plot.Plot, error) {
	if tr == nil || tr.Len() == 0 {
		return nil, ErrEmptyTrace
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s trace (%d samples, %.3g Hz)", tr.Phase, tr.Len(), tr.Frequency)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Centroid offset (px)"

	xs := make(plotter.XYs, 0, tr.Len())
	ys := make(plotter.XYs, 0, tr.Len())
	for i := 0; i < tr.Len(); i++ {
		s := tr.At(i)
		if isFinite(s.X) {
			xs = append(xs, plotter.XY{X: s.Time, Y: s.X - tr.Baseline[0]})
		}
		if isFinite(s.Y) {
			ys = append(ys, plotter.XY{X: s.Time, Y: s.Y - tr.Baseline[1]})
		}
	}

	for _, series := range []struct {
		label string
		pts   plotter.XYs
		c     color.Color
	}{{"x", xs, colorX}, {"y", ys, colorY}} {
		if len(series.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return nil, fmt.Errorf("plot %s: %w", series.label, err)
		}
		line.Color = series.c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.label, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())
	return p, nil
}

// AddFit overlays a fitted sinusoid, offset by the trace baseline on the
// given axis, over the time span of tr.
func AddFit(p *plot.Plot, tr *fsmcal.Trace, s fit.Sinusoid, axis int, label string) {
	if tr.Len() == 0 {
		return
	}
	base := tr.Baseline[axis]
	f := plotter.NewFunction(func(t float64) float64 {
		return s.At(t, tr.Frequency) - base
	})
	f.XMin = tr.Time[0]
	f.XMax = tr.Time[tr.Len()-1]
	f.Samples = max(200, tr.Len()*4)
	f.Color = colorFit
	f.Width = vg.Points(0.75)
	f.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(f)
	p.Legend.Add(fmt.Sprintf("%s (A=%.3g, R²=%.3f)", label, s.Amplitude, s.RSquared), f)
}

// WriteTracePNG renders tr, with fits overlaid when given, as a PNG.
func WriteTracePNG(w io.Writer, tr *fsmcal.Trace, fits *[2]fit.Sinusoid) error {
	p, err := TracePlot(tr)
	if err != nil {
		return err
	}
	if fits != nil {
		AddFit(p, tr, fits[0], 0, "x fit")
		AddFit(p, tr, fits[1], 1, "y fit")
	}
	wt, err := p.WriterTo(PlotWidth, PlotHeight, "png")
	if err != nil {
		return fmt.Errorf("render trace plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write trace plot: %w", err)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
