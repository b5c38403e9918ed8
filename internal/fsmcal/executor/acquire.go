package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/signal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
)

func axisWiggle(axis int, amp, freq, rate float64) signal.Pattern {
	return signal.AxisWiggle{Axis: axis, Gen: signal.New(amp, freq, rate)}
}

func verifyCircle(cfg fsmcal.Config) signal.Pattern {
	return signal.Circle{Radius: cfg.VerifyRadius, Frequency: cfg.WiggleFrequency}
}

// record appends m with the held command. Samples stamped before the phase
// start or not after the previous sample are dropped: they belong to an
// earlier command state or are duplicates.
func (r *run) record(tr *fsmcal.Trace, m fsmcal.Measurement, a1, a2 float64) bool {
	elapsed := m.Timestamp.Sub(tr.Start).Seconds()
	if elapsed < 0 {
		r.stale(tr, m)
		return false
	}
	err := tr.Append(fsmcal.Sample{Time: elapsed, Axis1: a1, Axis2: a2, X: m.X, Y: m.Y, Frame: m.FrameIndex})
	if err != nil {
		r.e.logf("Run %s: dropped frame %d in %s: %v", r.out.RunID, m.FrameIndex, tr.Phase, err)
		return false
	}
	r.e.addSample()
	return true
}

// acquireBaseline commands zero and waits for BaselineSamples consecutive
// confident samples whose per-axis spread is within BaselineMaxJitter.
// stale counts a frame stamped before tr started and logs the first one of
// the run.
func (r *run) stale(tr *fsmcal.Trace, m fsmcal.Measurement) {
	r.out.StaleSamples++
	if r.out.StaleSamples == 1 {
		r.e.logf("Run %s: frame %d stamped %s before %s started; check the camera clock",
			r.out.RunID, m.FrameIndex, tr.Start.Sub(m.Timestamp), tr.Phase)
	}
}

func (r *run) acquireBaseline(ctx, parent context.Context, samples <-chan fsmcal.Measurement) (transform.Vec2, error) {
	clock := r.e.clock
	tr := fsmcal.NewTrace(fsmcal.TracePhaseBaseline, clock.Now(), 0, transform.Vec2{})
	r.out.Traces.Baseline = tr
	defer tr.Freeze()

	if err := r.send(ctx, 0, 0); err != nil {
		return transform.Vec2{}, r.classify(parent, fsmcal.KindFSMTimeout, err)
	}

	timer := clock.NewTimer(r.cfg.BaselineTimeout)
	defer timer.Stop()

	n := r.cfg.BaselineSamples
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	best := math.Inf(1)
	for {
		select {
		case <-ctx.Done():
			return transform.Vec2{}, r.classify(parent, fsmcal.KindAborted, ctx.Err())
		case <-timer.C():
			return transform.Vec2{}, r.classify(parent, fsmcal.KindNoGuideStar,
				fmt.Errorf("no stable lock within %s (%d samples, %d stamped before phase start, best jitter %.3fpx)",
					r.cfg.BaselineTimeout, tr.Len(), r.out.StaleSamples, best))
		case m, ok := <-samples:
			if !ok {
				return transform.Vec2{}, r.classify(parent, fsmcal.KindNoGuideStar, errors.New("camera stream closed"))
			}
			if !r.record(tr, m, 0, 0) {
				continue
			}
			if m.SNR < r.cfg.MinSNR {
				xs, ys = xs[:0], ys[:0]
				continue
			}
			if len(xs) == n {
				xs, ys = append(xs[:0], xs[1:]...), append(ys[:0], ys[1:]...)
			}
			xs, ys = append(xs, m.X), append(ys, m.Y)
			if len(xs) < n {
				continue
			}
			mx, vx := stat.PopMeanVariance(xs, nil)
			my, vy := stat.PopMeanVariance(ys, nil)
			jitter := math.Max(math.Sqrt(vx), math.Sqrt(vy))
			best = math.Min(best, jitter)
			if jitter <= r.cfg.BaselineMaxJitter {
				b := transform.Vec2{mx, my}
				tr.Baseline = b
				r.e.logf("Run %s: baseline locked at (%.3f, %.3f) jitter=%.3fpx after %d samples",
					r.out.RunID, mx, my, jitter, tr.Len())
				return b, nil
			}
		}
	}
}

// heldCommand is the most recently acknowledged command pair.
type heldCommand struct {
	mu     sync.Mutex
	a1, a2 float64
}

func (h *heldCommand) set(a1, a2 float64) {
	h.mu.Lock()
	h.a1, h.a2 = a1, a2
	h.mu.Unlock()
}

func (h *heldCommand) get() (float64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.a1, h.a2
}

// drive plays pattern for duration while recording every arriving sample
// with the held command. Commands run on their own goroutine at SampleRate
// so neither stream waits on the other. The trace is published to slot
// before the first sample so a failure leaves the partial trace behind.
func (r *run) drive(ctx, parent context.Context, samples <-chan fsmcal.Measurement, pattern signal.Pattern,
	label string, duration time.Duration, baseline transform.Vec2, slot **fsmcal.Trace) (*fsmcal.Trace, error) {
	clock := r.e.clock
	t0 := clock.Now()
	tr := fsmcal.NewTrace(label, t0, r.cfg.WiggleFrequency, baseline)
	*slot = tr
	defer tr.Freeze()

	held := &heldCommand{}
	a1, a2 := pattern.At(0)
	if err := r.send(ctx, a1, a2); err != nil {
		return tr, r.classify(parent, fsmcal.KindFSMTimeout, err)
	}
	held.set(a1, a2)

	cmdCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.streamCommands(cmdCtx, pattern, t0, held); err != nil {
			errCh <- err
		}
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	timer := clock.NewTimer(duration)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return tr, r.classify(parent, fsmcal.KindAborted, ctx.Err())
		case err := <-errCh:
			return tr, r.classify(parent, fsmcal.KindFSMTimeout, err)
		case <-timer.C():
			r.e.logf("Run %s: %s captured %d samples over %s (%d stale so far)", r.out.RunID, label, tr.Len(), duration, r.out.StaleSamples)
			return tr, nil
		case m, ok := <-samples:
			if !ok {
				return tr, r.classify(parent, fsmcal.KindSNRDropout, errors.New("camera stream closed"))
			}
			if m.Timestamp.Before(t0) {
				r.stale(tr, m)
				continue
			}
			if m.SNR < r.cfg.MinSNR {
				return tr, r.classify(parent, fsmcal.KindSNRDropout,
					fmt.Errorf("frame %d SNR %.2f below %.2f after %d samples", m.FrameIndex, m.SNR, r.cfg.MinSNR, tr.Len()))
			}
			c1, c2 := held.get()
			r.record(tr, m, c1, c2)
		}
	}
}

// streamCommands evaluates pattern on the SampleRate ticker and sends each
// value, waiting for its acknowledgement. It returns nil when ctx ends.
func (r *run) streamCommands(ctx context.Context, pattern signal.Pattern, t0 time.Time, held *heldCommand) error {
	period := time.Duration(float64(time.Second) / r.cfg.SampleRate)
	ticker := r.e.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			a1, a2 := pattern.At(r.e.clock.Since(t0).Seconds())
			if err := r.send(ctx, a1, a2); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			held.set(a1, a2)
		}
	}
}
