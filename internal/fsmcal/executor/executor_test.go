package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/sim"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
	"github.com/banshee-data/fsm-calibration/internal/monitoring"
	"github.com/banshee-data/fsm-calibration/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// fastConfig shortens every phase so a full run finishes in about a second
// on the real clock.
func fastConfig() fsmcal.Config {
	cfg := fsmcal.DefaultConfig()
	cfg.WiggleFrequency = 5
	cfg.WiggleCycles = 2
	cfg.SampleRate = 200
	cfg.CameraRateHint = 100
	cfg.BaselineSamples = 5
	cfg.BaselineTimeout = 2 * time.Second
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.VerifyCycles = 1
	cfg.VerifyThreshold = 5
	return cfg
}

func newBench(response transform.Matrix2) *sim.Bench {
	cfg := sim.DefaultConfig()
	cfg.Response = response
	cfg.FrameRate = 100
	return sim.New(cfg, nil)
}

func TestRunCompletesOnSimBench(t *testing.T) {
	t.Parallel()
	bench := newBench(transform.Matrix2{{0.5, 0}, {0, 0.5}})
	var phases []Phase
	var mu sync.Mutex
	e := New(bench, bench, WithObserver(func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	}))

	out, err := e.Run(context.Background(), fastConfig(), RunOptions{Verify: true, RunID: "run-ok"})
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, PhaseCompleted, out.Phase)
	assert.Equal(t, fsmcal.KindNone, out.Kind)
	assert.Equal(t, "run-ok", out.RunID)
	require.NotNil(t, out.Calibration)
	assert.Equal(t, "run-ok", out.Calibration.ID)
	assert.False(t, out.Calibration.Degenerate)
	require.NotNil(t, out.Calibration.Inverse)
	assert.True(t, transform.ApproxEqual(transform.Matrix2{{0.5, 0}, {0, 0.5}}, out.Calibration.Forward, 0.03),
		"forward %v", out.Calibration.Forward)
	assert.True(t, transform.ApproxEqual(transform.Matrix2{{2, 0}, {0, 2}}, *out.Calibration.Inverse, 0.2),
		"inverse %v", *out.Calibration.Inverse)
	for i, r := range out.Calibration.RSquared {
		assert.Greater(t, r, 0.95, "axis %d", i+1)
	}

	require.NotNil(t, out.Baseline)
	assert.InDelta(t, 512, out.Baseline[0], 1e-9)
	assert.InDelta(t, 512, out.Baseline[1], 1e-9)
	require.NotNil(t, out.Verification)
	assert.True(t, out.Verification.Passed, "rms %.3f", out.Verification.RMS)
	assert.True(t, out.Calibration.Verified())

	assert.Len(t, out.Traces.All(), 4)
	for _, tr := range out.Traces.All() {
		assert.True(t, tr.Frozen(), tr.Phase)
		assert.NoError(t, tr.Validate(), tr.Phase)
	}
	assert.Greater(t, out.Traces.Axis1.Len(), 20)
	for i := 0; i < out.Traces.Axis1.Len(); i++ {
		assert.Equal(t, 0.0, out.Traces.Axis1.Axis2[i], "axis 2 is held at zero while axis 1 wiggles")
	}

	assert.Equal(t, transform.Vec2{}, bench.LastCommand())
	mu.Lock()
	assert.Equal(t, []Phase{PhaseIdle, PhaseAcquiringBaseline, PhaseWigglingAxis1, PhaseWigglingAxis2,
		PhaseFitting, PhaseBuildingTransform, PhaseVerifying, PhaseCompleted}, phases)
	mu.Unlock()
}

func TestRunRecoversSignedCrossCoupledResponse(t *testing.T) {
	t.Parallel()
	truth := transform.Matrix2{{-0.4, 0.1}, {0.08, 0.45}}
	bench := newBench(truth)
	out, err := New(bench, bench).Run(context.Background(), fastConfig(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, out.Phase)
	assert.Nil(t, out.Verification)
	assert.Nil(t, out.Traces.Verify)
	assert.True(t, transform.ApproxEqual(truth, out.Calibration.Forward, 0.03), "forward %v", out.Calibration.Forward)
	assert.Less(t, out.Calibration.Forward[0][0], 0.0, "negated response keeps its sign")
}

func TestRunSingularTransform(t *testing.T) {
	t.Parallel()
	bench := newBench(transform.Matrix2{{1, 1}, {1, 1}})
	out, err := New(bench, bench).Run(context.Background(), fastConfig(), RunOptions{Verify: true})

	assert.True(t, errors.Is(err, fsmcal.ErrSingularTransform), "got %v", err)
	require.NotNil(t, out)
	assert.Equal(t, PhaseFailed, out.Phase)
	assert.Equal(t, PhaseBuildingTransform, out.FailedIn)
	assert.Equal(t, fsmcal.KindSingularTransform, out.Kind)
	require.NotNil(t, out.Calibration)
	assert.True(t, out.Calibration.Degenerate)
	assert.Nil(t, out.Calibration.Inverse)
	assert.Nil(t, out.Traces.Verify)
	assert.Equal(t, transform.Vec2{}, bench.LastCommand())
}

func TestRunAbortMidWiggle(t *testing.T) {
	t.Parallel()
	bench := newBench(transform.Matrix2{{0.5, 0}, {0, 0.5}})
	e := New(bench, bench)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.Run(ctx, fastConfig(), RunOptions{})
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		p := e.Progress()
		return p.Phase == PhaseWigglingAxis1 && p.Samples >= 5
	}, 5*time.Second, time.Millisecond)
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return promptly after cancellation")
	}

	assert.True(t, errors.Is(res.err, fsmcal.ErrAborted), "got %v", res.err)
	assert.Equal(t, PhaseAborted, res.out.Phase)
	assert.Equal(t, PhaseWigglingAxis1, res.out.FailedIn)
	assert.Equal(t, fsmcal.KindAborted, res.out.Kind)
	assert.Equal(t, transform.Vec2{}, bench.LastCommand(), "final command is the safe zero")

	require.NotNil(t, res.out.Traces.Axis1)
	assert.Nil(t, res.out.Traces.Axis2)
	assert.Equal(t, e.Progress().Samples, res.out.Traces.Axis1.Len())
	assert.GreaterOrEqual(t, res.out.Traces.Axis1.Len(), 5)
	assert.True(t, res.out.Traces.Axis1.Frozen())
}

func TestRunSNRDropout(t *testing.T) {
	t.Parallel()
	bench := newBench(transform.Matrix2{{0.5, 0}, {0, 0.5}})
	e := New(bench, bench, WithObserver(func(p Progress) {
		if p.Phase == PhaseWigglingAxis2 {
			bench.SetSNR(1)
		}
	}))
	out, err := e.Run(context.Background(), fastConfig(), RunOptions{})

	assert.True(t, errors.Is(err, fsmcal.ErrSNRDropout), "got %v", err)
	assert.Equal(t, PhaseFailed, out.Phase)
	assert.Equal(t, PhaseWigglingAxis2, out.FailedIn)
	assert.Nil(t, out.Calibration)
	require.NotNil(t, out.Traces.Axis1)
	require.NotNil(t, out.Traces.Axis2)
	assert.Equal(t, transform.Vec2{}, bench.LastCommand())
}

func TestRunFSMTimeout(t *testing.T) {
	t.Parallel()
	bench := newBench(transform.Matrix2{{0.5, 0}, {0, 0.5}})
	e := New(bench, bench, WithObserver(func(p Progress) {
		if p.Phase == PhaseWigglingAxis1 {
			bench.SetStall(true)
		}
	}))
	start := time.Now()
	out, err := e.Run(context.Background(), fastConfig(), RunOptions{})

	assert.True(t, errors.Is(err, fsmcal.ErrFSMTimeout), "got %v", err)
	assert.Equal(t, fsmcal.KindFSMTimeout, out.Kind)
	assert.Equal(t, PhaseWigglingAxis1, out.FailedIn)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunLowFitQuality(t *testing.T) {
	t.Parallel()
	cfg := sim.DefaultConfig()
	cfg.FrameRate = 100
	cfg.NoiseStdDev = 200
	bench := sim.New(cfg, nil)
	runCfg := fastConfig()
	runCfg.BaselineMaxJitter = 1e6

	out, err := New(bench, bench).Run(context.Background(), runCfg, RunOptions{})
	assert.True(t, errors.Is(err, fsmcal.ErrLowFitQuality), "got %v", err)
	assert.Equal(t, PhaseFitting, out.FailedIn)
	require.NotNil(t, out.Fits)
	assert.Less(t, out.Fits[0].RSquared, 0.9)
	assert.Nil(t, out.Calibration)
}

func TestRunVerificationFailedKeepsCalibration(t *testing.T) {
	t.Parallel()
	benchCfg := sim.DefaultConfig()
	benchCfg.FrameRate = 100
	benchCfg.NoiseStdDev = 0.5
	bench := sim.New(benchCfg, nil)
	cfg := fastConfig()
	cfg.BaselineMaxJitter = 5
	// Centroid noise alone exceeds a zero threshold.
	cfg.VerifyThreshold = 0

	out, err := New(bench, bench).Run(context.Background(), cfg, RunOptions{Verify: true})
	assert.True(t, errors.Is(err, fsmcal.ErrVerificationFailed), "got %v", err)
	assert.Equal(t, PhaseCompleted, out.Phase)
	assert.Equal(t, fsmcal.KindVerificationFailed, out.Kind)
	require.NotNil(t, out.Calibration)
	assert.True(t, out.Calibration.FailedVerification())
	require.NotNil(t, out.Calibration.Inverse)
	require.NotNil(t, out.Verification)
	assert.Greater(t, out.Verification.RMS, 0.0)
	assert.Equal(t, transform.Vec2{}, bench.LastCommand())
}

type fakeActuator struct {
	mu   sync.Mutex
	cmds []transform.Vec2
}

func (a *fakeActuator) SendCommand(ctx context.Context, a1, a2 float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmds = append(a.cmds, transform.Vec2{a1, a2})
	return nil
}

func (a *fakeActuator) last() transform.Vec2 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cmds[len(a.cmds)-1]
}

// silentCamera never produces a frame; its stream closes with ctx.
type silentCamera struct{ closeNow bool }

func (c silentCamera) Subscribe(ctx context.Context) (<-chan fsmcal.Measurement, error) {
	ch := make(chan fsmcal.Measurement)
	if c.closeNow {
		close(ch)
		return ch, nil
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestRunBaselineTimeout(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	act := &fakeActuator{}
	e := New(act, silentCamera{}, WithClock(clock))

	errCh := make(chan error, 1)
	var out *Outcome
	go func() {
		var err error
		out, err = e.Run(context.Background(), fastConfig(), RunOptions{})
		errCh <- err
	}()

	require.True(t, clock.WaitForWaiters(1, 2*time.Second), "baseline timer never armed")
	clock.Advance(fastConfig().BaselineTimeout)

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, fsmcal.ErrNoGuideStar), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("baseline timeout did not fire")
	}
	assert.Equal(t, PhaseFailed, out.Phase)
	assert.Equal(t, PhaseAcquiringBaseline, out.FailedIn)
	assert.Equal(t, 0, out.Traces.Baseline.Len())
	assert.Equal(t, transform.Vec2{}, act.last())
}

// skewedCamera shifts every timestamp by offset, like a tracker whose clock
// runs behind the host.
type skewedCamera struct {
	cam    Camera
	offset time.Duration
}

func (c skewedCamera) Subscribe(ctx context.Context) (<-chan fsmcal.Measurement, error) {
	in, err := c.cam.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan fsmcal.Measurement)
	go func() {
		defer close(out)
		for m := range in {
			m.Timestamp = m.Timestamp.Add(c.offset)
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func TestRunCountsStaleSamples(t *testing.T) {
	t.Parallel()
	bench := newBench(transform.Matrix2{{0.5, 0}, {0, 0.5}})
	cfg := fastConfig()
	cfg.BaselineTimeout = 200 * time.Millisecond

	out, err := New(bench, skewedCamera{cam: bench, offset: -time.Hour}).Run(context.Background(), cfg, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fsmcal.ErrNoGuideStar), "got %v", err)
	assert.Contains(t, err.Error(), "stamped before phase start")
	assert.Positive(t, out.StaleSamples)
	assert.Equal(t, 0, out.Traces.Baseline.Len())
}

func TestRunCameraStreamClosed(t *testing.T) {
	t.Parallel()
	out, err := New(&fakeActuator{}, silentCamera{closeNow: true}).Run(context.Background(), fastConfig(), RunOptions{})
	assert.True(t, errors.Is(err, fsmcal.ErrNoGuideStar), "got %v", err)
	assert.Equal(t, fsmcal.KindNoGuideStar, out.Kind)
}

func TestRunBusy(t *testing.T) {
	t.Parallel()
	e := New(&fakeActuator{}, silentCamera{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Run(ctx, fastConfig(), RunOptions{})
	}()
	require.Eventually(t, func() bool { return e.Progress().Phase == PhaseAcquiringBaseline }, time.Second, time.Millisecond)

	out, err := e.Run(context.Background(), fastConfig(), RunOptions{})
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, ErrBusy))

	cancel()
	<-done
	assert.Equal(t, PhaseAborted, e.Progress().Phase)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.WiggleAmplitude = 0
	out, err := New(&fakeActuator{}, silentCamera{}).Run(context.Background(), cfg, RunOptions{})
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, fsmcal.ErrInvalidConfig))

	cfg = fastConfig()
	cfg.VerifyRadius = 0
	_, err = New(&fakeActuator{}, silentCamera{}).Run(context.Background(), cfg, RunOptions{Verify: true})
	assert.True(t, errors.Is(err, fsmcal.ErrInvalidConfig))
}
