// Package executor sequences a calibration run against an actuator and a
// camera: baseline lock, one wiggle per axis, fitting, transform
// construction and optional verification.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/verify"
	"github.com/banshee-data/fsm-calibration/internal/monitoring"
	"github.com/banshee-data/fsm-calibration/internal/timeutil"
)

// ErrBusy is returned when Run is called while another run holds the
// executor.
var ErrBusy = errors.New("executor already running")

// Actuator commands the mirror. A nil return is the acknowledgement.
// Implementations must return promptly once ctx is done.
type Actuator interface {
	SendCommand(ctx context.Context, axis1, axis2 float64) error
}

// Camera streams centroid measurements. The channel closes when the stream
// ends; cancelling ctx ends it. Timestamps must share the host clock's time
// base.
type Camera interface {
	Subscribe(ctx context.Context) (<-chan fsmcal.Measurement, error)
}

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID     string      `json:"run_id,omitempty"`
	Phase     Phase       `json:"phase"`
	Samples   int         `json:"samples"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	Kind      fsmcal.Kind `json:"kind,omitempty"`
}

// Traces holds every trace a run collected. Fields are nil for phases the
// run never reached; a trace cut short by a failure is kept as collected.
type Traces struct {
	Baseline *fsmcal.Trace `json:"baseline,omitempty"`
	Axis1    *fsmcal.Trace `json:"axis1,omitempty"`
	Axis2    *fsmcal.Trace `json:"axis2,omitempty"`
	Verify   *fsmcal.Trace `json:"verify,omitempty"`
}

// All returns the non-nil traces in phase order.
func (t Traces) All() []*fsmcal.Trace {
	var out []*fsmcal.Trace
	for _, tr := range []*fsmcal.Trace{t.Baseline, t.Axis1, t.Axis2, t.Verify} {
		if tr != nil {
			out = append(out, tr)
		}
	}
	return out
}

// Outcome is the terminal record of a run.
type Outcome struct {
	RunID string `json:"run_id"`
	// Phase is Completed, Failed or Aborted.
	Phase Phase `json:"phase"`
	// FailedIn is the phase that was active when the run stopped early.
	FailedIn Phase       `json:"failed_in,omitempty"`
	Kind     fsmcal.Kind `json:"kind,omitempty"`
	// Calibration is set once fitting produced a transform. It may be
	// Degenerate or carry a failed verification.
	Calibration  *fsmcal.AxisCalibration   `json:"calibration,omitempty"`
	Verification *fsmcal.VerificationResult `json:"verification,omitempty"`
	Fits         *[2]AxisFit               `json:"fits,omitempty"`
	Baseline     *transform.Vec2           `json:"baseline,omitempty"`
	// StaleSamples counts frames stamped before the phase that received
	// them started. A steady count points at a camera clock offset.
	StaleSamples int                        `json:"stale_samples,omitempty"`
	Traces       Traces                    `json:"-"`
	StartedAt    time.Time                 `json:"started_at"`
	FinishedAt   time.Time                 `json:"finished_at"`
}

// RunOptions are per-run choices.
type RunOptions struct {
	Verify bool
	// RunID overrides the generated run id.
	RunID string
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the real clock, for tests and simulation.
func WithClock(c timeutil.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithObserver registers f to be called on every phase change. f runs on
// the executor's goroutine and must not block.
func WithObserver(f func(Progress)) Option {
	return func(e *Executor) { e.observers = append(e.observers, f) }
}

// Executor owns an actuator and a camera for the duration of a run.
type Executor struct {
	act       Actuator
	cam       Camera
	clock     timeutil.Clock
	observers []func(Progress)
	logf      func(format string, v ...interface{})

	running atomic.Bool

	mu       sync.RWMutex
	progress Progress
}

// New returns an executor driving act and reading cam.
func New(act Actuator, cam Camera, opts ...Option) *Executor {
	e := &Executor{
		act:   act,
		cam:   cam,
		clock: timeutil.RealClock{},
		logf:  monitoring.Component("Executor"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Progress returns a snapshot of the current or last run.
func (e *Executor) Progress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progress
}

// Run performs one calibration. The returned error is nil only when the run
// completed and, if requested, passed verification; otherwise it is a
// *fsmcal.Error whose Kind matches Outcome.Kind. The outcome is non-nil
// except for ErrBusy and config validation errors, and always carries the
// traces collected so far. The actuator is commanded to zero before Run
// returns, even when ctx is cancelled.
func (e *Executor) Run(ctx context.Context, cfg fsmcal.Config, opts RunOptions) (*Outcome, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.running.Store(false)

	validate := cfg.Validate
	if opts.Verify {
		validate = cfg.ValidateForVerify
	}
	if err := validate(); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	r := &run{
		e:     e,
		cfg:   cfg,
		opts:  opts,
		phase: PhaseIdle,
		out:   &Outcome{RunID: runID, StartedAt: e.clock.Now()},
	}
	e.setProgress(Progress{RunID: runID, Phase: PhaseIdle, StartedAt: r.out.StartedAt})
	e.logf("Run %s starting: amplitude=%g freq=%gHz cycles=%d verify=%v",
		runID, cfg.WiggleAmplitude, cfg.WiggleFrequency, cfg.WiggleCycles, opts.Verify)

	err := r.execute(ctx)
	err = r.finish(ctx, err)
	return r.out, err
}

func (e *Executor) setProgress(p Progress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
	for _, f := range e.observers {
		f(p)
	}
}

func (e *Executor) addSample() {
	e.mu.Lock()
	e.progress.Samples++
	e.mu.Unlock()
}

// run is the state of one Run call.
type run struct {
	e     *Executor
	cfg   fsmcal.Config
	opts  RunOptions
	phase Phase
	out   *Outcome
}

func (r *run) enter(p Phase) {
	r.phase = mustTransition(r.phase, p)
	prog := r.e.Progress()
	prog.Phase = p
	prog.Samples = 0
	r.e.setProgress(prog)
	r.e.logf("Run %s: %s", r.out.RunID, p)
}

// classify maps a phase failure onto the taxonomy. A cancelled parent
// context always wins, whatever the proximate error was.
func (r *run) classify(ctx context.Context, kind fsmcal.Kind, err error) error {
	if ctx.Err() != nil {
		return fsmcal.NewError(fsmcal.KindAborted, r.phase.String(), fmt.Errorf("%w: %v", fsmcal.ErrAborted, context.Cause(ctx)))
	}
	return fsmcal.NewError(kind, r.phase.String(), err)
}

func (r *run) execute(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.enter(PhaseAcquiringBaseline)
	samples, err := r.e.cam.Subscribe(runCtx)
	if err != nil {
		return r.classify(ctx, fsmcal.KindNoGuideStar, fmt.Errorf("camera subscribe: %w", err))
	}

	baseline, err := r.acquireBaseline(runCtx, ctx, samples)
	if err != nil {
		return err
	}
	r.out.Baseline = &baseline

	amp, freq := r.cfg.WiggleAmplitude, r.cfg.WiggleFrequency
	r.enter(PhaseWigglingAxis1)
	axis1, err := r.drive(runCtx, ctx, samples, axisWiggle(1, amp, freq, r.cfg.SampleRate), fsmcal.TracePhaseAxis1,
		r.cfg.WiggleDuration(), baseline, &r.out.Traces.Axis1)
	if err != nil {
		return err
	}

	r.enter(PhaseWigglingAxis2)
	axis2, err := r.drive(runCtx, ctx, samples, axisWiggle(2, amp, freq, r.cfg.SampleRate), fsmcal.TracePhaseAxis2,
		r.cfg.WiggleDuration(), baseline, &r.out.Traces.Axis2)
	if err != nil {
		return err
	}

	// The command stream is idle between phases; park the mirror while the
	// pure stages run.
	if err := r.send(runCtx, 0, 0); err != nil {
		return r.classify(ctx, fsmcal.KindFSMTimeout, err)
	}

	r.enter(PhaseFitting)
	fits, err := FitAxes(r.cfg, axis1, axis2)
	r.out.Fits = &fits
	if err != nil {
		return r.classify(ctx, fsmcal.KindLowFitQuality, err)
	}
	r.e.logf("Run %s: axis1 response=%v R²=%.4f, axis2 response=%v R²=%.4f",
		r.out.RunID, fits[0].Response, fits[0].RSquared, fits[1].Response, fits[1].RSquared)

	r.enter(PhaseBuildingTransform)
	cal, err := fsmcal.NewAxisCalibration(ForwardFromFits(fits), baseline,
		[2]float64{fits[0].RSquared, fits[1].RSquared}, r.cfg, r.e.clock.Now())
	cal.ID = r.out.RunID
	r.out.Calibration = cal
	if err != nil {
		return r.classify(ctx, fsmcal.KindSingularTransform, err)
	}

	if !r.opts.Verify {
		r.enter(PhaseCompleted)
		return nil
	}

	r.enter(PhaseVerifying)
	circle, err := r.drive(runCtx, ctx, samples, verifyCircle(r.cfg), fsmcal.TracePhaseVerify,
		r.cfg.VerifyDuration(), baseline, &r.out.Traces.Verify)
	if err != nil {
		return err
	}
	res := verify.Verify(circle, cal, r.cfg.VerifyThreshold)
	r.out.Verification = &res
	r.out.Calibration = cal.WithVerification(res)
	r.e.logf("Run %s: verification rms=%.3fpx max=%.3fpx threshold=%.3fpx passed=%v",
		r.out.RunID, res.RMS, res.Max, res.Threshold, res.Passed)

	r.enter(PhaseCompleted)
	if !res.Passed {
		return fsmcal.NewError(fsmcal.KindVerificationFailed, PhaseVerifying.String(),
			fmt.Errorf("rms %.3fpx exceeds %.3fpx", res.RMS, res.Threshold))
	}
	return nil
}

// finish commands the safe zero and settles the terminal phase.
func (r *run) finish(ctx context.Context, err error) error {
	zeroCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.AckTimeout)
	zeroErr := r.e.act.SendCommand(zeroCtx, 0, 0)
	cancel()
	if zeroErr != nil {
		r.e.logf("Run %s: failed to command safe zero: %v", r.out.RunID, zeroErr)
		if err == nil {
			err = fsmcal.NewError(fsmcal.KindFSMTimeout, r.phase.String(), fmt.Errorf("safe zero: %w", zeroErr))
		}
	}

	r.out.FinishedAt = r.e.clock.Now()
	r.out.Kind = fsmcal.KindOf(err)
	switch {
	case err == nil || r.out.Kind == fsmcal.KindVerificationFailed:
		if r.phase != PhaseCompleted {
			r.phase = mustTransition(r.phase, PhaseCompleted)
		}
	case r.out.Kind == fsmcal.KindAborted:
		r.out.FailedIn = r.phase
		r.phase = mustTransition(r.phase, PhaseAborted)
	default:
		r.out.FailedIn = r.phase
		if r.phase.Terminal() {
			// Only a failed safe zero after completion lands here.
			r.phase = PhaseFailed
		} else {
			r.phase = mustTransition(r.phase, PhaseFailed)
		}
	}
	r.out.Phase = r.phase

	prog := r.e.Progress()
	prog.Phase = r.phase
	prog.Kind = r.out.Kind
	r.e.setProgress(prog)
	if err != nil {
		r.e.logf("Run %s ended %s: %v", r.out.RunID, r.phase, err)
	} else {
		r.e.logf("Run %s completed", r.out.RunID)
	}
	return err
}

func (r *run) send(ctx context.Context, a1, a2 float64) error {
	ackCtx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
	defer cancel()
	if err := r.e.act.SendCommand(ackCtx, a1, a2); err != nil {
		return fmt.Errorf("command (%g, %g): %w", a1, a2, err)
	}
	return nil
}
