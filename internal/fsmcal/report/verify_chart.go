package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
)

// VerificationScatter plots predicted and measured centroids of a
// verification pass on shared pixel axes.
func VerificationScatter(res fsmcal.VerificationResult, subtitle string) *charts.Scatter {
	predicted := make([]opts.ScatterData, 0, len(res.Predicted))
	measured := make([]opts.ScatterData, 0, len(res.Measured))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range res.Predicted {
		p, m := res.Predicted[i], res.Measured[i]
		predicted = append(predicted, opts.ScatterData{Value: []interface{}{p[0], p[1]}})
		measured = append(measured, opts.ScatterData{Value: []interface{}{m[0], m[1]}})
		for _, v := range []float64{p[0], p[1], m[0], m[1]} {
			if isFinite(v) {
				lo, hi = math.Min(lo, v), math.Max(hi, v)
			}
		}
	}
	if lo > hi {
		lo, hi = 0, 1
	}
	pad := (hi - lo) * 0.05

	verdict := "FAIL"
	if res.Passed {
		verdict = "PASS"
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "FSM Verification", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Verification %s: rms=%.3fpx max=%.3fpx (limit %.3fpx)", verdict, res.RMS, res.Max, res.Threshold),
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Min: math.Floor(lo - pad), Max: math.Ceil(hi + pad), Name: "X (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Min: math.Floor(lo - pad), Max: math.Ceil(hi + pad), Name: "Y (px)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("predicted", predicted, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("measured", measured, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	return scatter
}

// ErrorLine plots the per-sample error magnitude against the threshold.
func ErrorLine(res fsmcal.VerificationResult) *charts.Line {
	idx := make([]int, len(res.Errors))
	errs := make([]opts.LineData, len(res.Errors))
	limit := make([]opts.LineData, len(res.Errors))
	for i, e := range res.Errors {
		idx[i] = i
		errs[i] = opts.LineData{Value: e}
		limit[i] = opts.LineData{Value: res.Threshold}
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Per-sample error"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Sample"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Error (px)"}),
	)
	line.SetXAxis(idx).
		AddSeries("error", errs).
		AddSeries("threshold", limit)
	return line
}

// RenderVerification writes an HTML page with the scatter and error charts.
func RenderVerification(w io.Writer, res fsmcal.VerificationResult, subtitle string) error {
	page := components.NewPage()
	page.PageTitle = "FSM Verification"
	page.AddCharts(VerificationScatter(res, subtitle), ErrorLine(res))
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render verification chart: %w", err)
	}
	return nil
}
