package verify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/signal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
)

func perfectCalibration(t *testing.T, fwd transform.Matrix2) *fsmcal.AxisCalibration {
	t.Helper()
	cal, err := fsmcal.NewAxisCalibration(fwd, transform.Vec2{512, 512}, [2]float64{1, 1}, fsmcal.DefaultConfig(), time.Now())
	require.NoError(t, err)
	return cal
}

// circleTrace samples a 150-unit circle through truth at 50 Hz with
// optional per-sample pixel offsets.
func circleTrace(t *testing.T, truth transform.Matrix2, offset func(i int) transform.Vec2) *fsmcal.Trace {
	t.Helper()
	base := transform.Vec2{512, 512}
	tr := fsmcal.NewTrace(fsmcal.TracePhaseVerify, time.Now(), 1, base)
	c := signal.Circle{Radius: 150, Frequency: 1}
	for i := 0; i < 100; i++ {
		tm := float64(i+1) / 50
		a1, a2 := c.At(tm)
		p := base.Add(transform.Apply(truth, transform.Vec2{a1, a2}))
		if offset != nil {
			p = p.Add(offset(i))
		}
		require.NoError(t, tr.Append(fsmcal.Sample{Time: tm, Axis1: a1, Axis2: a2, X: p[0], Y: p[1], Frame: uint64(i)}))
	}
	tr.Freeze()
	return tr
}

func TestVerifyPerfectCalibrationPasses(t *testing.T) {
	t.Parallel()
	fwd := transform.Matrix2{{0.5, 0}, {0, 0.5}}
	res := Verify(circleTrace(t, fwd, nil), perfectCalibration(t, fwd), 1.0)

	assert.InDelta(t, 0, res.RMS, 1e-9)
	assert.InDelta(t, 0, res.Max, 1e-9)
	assert.True(t, res.Passed)
	assert.Len(t, res.Errors, 100)
	assert.Equal(t, 1.0, res.Threshold)
}

func TestVerifyConstantOffset(t *testing.T) {
	t.Parallel()
	fwd := transform.Matrix2{{0.5, 0}, {0, 0.5}}
	tr := circleTrace(t, fwd, func(int) transform.Vec2 { return transform.Vec2{3, 4} })
	res := Verify(tr, perfectCalibration(t, fwd), 1.0)

	assert.InDelta(t, 5, res.RMS, 1e-9)
	assert.InDelta(t, 5, res.Max, 1e-9)
	assert.False(t, res.Passed)

	res = Verify(tr, perfectCalibration(t, fwd), 5.001)
	assert.True(t, res.Passed)
}

func TestVerifyWrongCalibration(t *testing.T) {
	t.Parallel()
	truth := transform.Matrix2{{0.5, 0.05}, {-0.05, 0.5}}
	res := Verify(circleTrace(t, truth, nil), perfectCalibration(t, transform.Matrix2{{0.5, 0}, {0, 0.5}}), 1.0)

	// A 0.05 px/unit rotation term over a 150-unit circle is 7.5 px everywhere.
	assert.InDelta(t, 150*0.05, res.RMS, 1e-9)
	assert.InDelta(t, 150*0.05, res.Max, 1e-9)
	assert.False(t, res.Passed)
}

func TestVerifyRMSAndMax(t *testing.T) {
	t.Parallel()
	fwd := transform.Identity()
	tr := circleTrace(t, fwd, func(i int) transform.Vec2 {
		if i == 10 {
			return transform.Vec2{10, 0}
		}
		return transform.Vec2{}
	})
	res := Verify(tr, perfectCalibration(t, fwd), 1.01)
	assert.InDelta(t, 10, res.Max, 1e-9)
	assert.InDelta(t, 1.0, res.RMS, 1e-9)
	assert.True(t, res.Passed)
}

func TestVerifyEmptyTrace(t *testing.T) {
	t.Parallel()
	res := Verify(fsmcal.NewTrace(fsmcal.TracePhaseVerify, time.Now(), 1, transform.Vec2{}), perfectCalibration(t, transform.Identity()), 1)
	assert.Equal(t, 0.0, res.RMS)
	assert.False(t, res.Passed)
	assert.Empty(t, res.Errors)
}

func TestVerifyMismatchedLengthsPanics(t *testing.T) {
	t.Parallel()
	tr := &fsmcal.Trace{Time: []float64{0, 1}, Axis1: []float64{0, 0}, Axis2: []float64{0}, X: []float64{0, 0}, Y: []float64{0, 0}}
	assert.Panics(t, func() { Verify(tr, perfectCalibration(t, transform.Identity()), 1) })
}
