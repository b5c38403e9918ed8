package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/monitoring"
)

// Status is the coarse state of the runner.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// State is what the runner reports to callers polling a background run.
type State struct {
	Status      Status      `json:"status"`
	RunID       string      `json:"run_id,omitempty"`
	Phase       Phase       `json:"phase"`
	Samples     int         `json:"samples"`
	Verify      bool        `json:"verify"`
	Kind        fsmcal.Kind `json:"kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Recorder persists a finished run. Recorders run in order on the run
// goroutine after the executor returns; their errors are logged, not
// propagated.
type Recorder interface {
	Record(ctx context.Context, out *Outcome, runErr error) error
}

// RecordFunc adapts a function to Recorder.
type RecordFunc func(ctx context.Context, out *Outcome, runErr error) error

func (f RecordFunc) Record(ctx context.Context, out *Outcome, runErr error) error {
	return f(ctx, out, runErr)
}

// Runner runs calibrations in the background, one at a time, and fans
// progress out to subscribers.
type Runner struct {
	exec      *Executor
	recorders []Recorder
	logf      func(format string, v ...interface{})

	mu     sync.RWMutex
	state  State
	result *Outcome
	err    error
	cancel context.CancelFunc
	done   chan struct{}
	subs   map[chan Progress]struct{}
}

// NewRunner wraps exec. It registers an observer on exec, so it must be
// called before exec starts any run.
func NewRunner(exec *Executor, recorders ...Recorder) *Runner {
	r := &Runner{
		exec:      exec,
		recorders: recorders,
		logf:      monitoring.Component("Runner"),
		state:     State{Status: StatusIdle, Phase: PhaseIdle},
		subs:      make(map[chan Progress]struct{}),
	}
	exec.observers = append(exec.observers, r.publish)
	return r
}

// State returns a copy of the current state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.state
	if s.Status == StatusRunning {
		p := r.exec.Progress()
		s.Samples = p.Samples
	}
	return s
}

// Start validates cfg and begins a run in the background, returning its
// id. ctx bounds the run; Stop cancels it early.
func (r *Runner) Start(ctx context.Context, cfg fsmcal.Config, opts RunOptions) (string, error) {
	validate := cfg.Validate
	if opts.Verify {
		validate = cfg.ValidateForVerify
	}
	if err := validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.state.Status == StatusRunning {
		r.mu.Unlock()
		return "", ErrBusy
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	now := r.exec.clock.Now()
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.result, r.err = nil, nil
	r.state = State{
		Status:    StatusRunning,
		RunID:     opts.RunID,
		Phase:     PhaseIdle,
		Verify:    opts.Verify,
		StartedAt: &now,
	}
	done := r.done
	r.mu.Unlock()

	r.logf("starting run %s", opts.RunID)
	go r.run(ctx, runCtx, cancel, done, cfg, opts)
	return opts.RunID, nil
}

func (r *Runner) run(parent, ctx context.Context, cancel context.CancelFunc, done chan struct{}, cfg fsmcal.Config, opts RunOptions) {
	defer close(done)
	defer cancel()

	out, err := r.exec.Run(ctx, cfg, opts)
	if out != nil {
		recCtx := context.WithoutCancel(parent)
		for _, rec := range r.recorders {
			if rerr := rec.Record(recCtx, out, err); rerr != nil {
				r.logf("run %s: recorder failed: %v", opts.RunID, rerr)
			}
		}
	}

	now := r.exec.clock.Now()
	r.mu.Lock()
	r.result, r.err = out, err
	r.state.CompletedAt = &now
	status := statusFor(out, err)
	r.state.Status = status
	r.state.Kind = fsmcal.KindOf(err)
	if err != nil {
		r.state.Error = err.Error()
	}
	if out != nil {
		r.state.Phase = out.Phase
	}
	r.cancel = nil
	r.mu.Unlock()
	r.logf("run %s finished: %s", opts.RunID, status)
}

func statusFor(out *Outcome, err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case out == nil:
		return StatusFailed
	case out.Phase == PhaseAborted:
		return StatusAborted
	case out.Phase == PhaseCompleted && errors.Is(err, fsmcal.ErrVerificationFailed):
		return StatusCompleted
	default:
		return StatusFailed
	}
}

// Stop aborts the running calibration, if any. It reports whether a run
// was cancelled.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Wait blocks until the current run finishes or ctx ends, then returns
// its result.
func (r *Runner) Wait(ctx context.Context) (*Outcome, error) {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Result()
}

// Result returns the outcome and error of the last finished run. Both are
// nil while a run is active or before the first run.
func (r *Runner) Result() (*Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, r.err
}

// Subscribe returns a channel receiving every phase change until cancel is
// called. Slow subscribers miss updates rather than stall the run.
func (r *Runner) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, 16)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Runner) publish(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.RunID == p.RunID {
		r.state.Phase = p.Phase
		r.state.Samples = p.Samples
	}
	for ch := range r.subs {
		select {
		case ch <- p:
		default:
		}
	}
}
