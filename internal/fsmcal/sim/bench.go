// Package sim provides a deterministic synthetic bench: an actuator and a
// camera joined by a known response matrix. It stands in for hardware in
// tests and in `fsm-calibrate run -sim`.
package sim

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
	"github.com/banshee-data/fsm-calibration/internal/timeutil"
)

// Config describes the simulated optics and detector.
type Config struct {
	// Response maps command units to pixels.
	Response transform.Matrix2
	// Baseline is the centroid at zero command.
	Baseline transform.Vec2
	// FrameRate is the camera rate in Hz.
	FrameRate float64
	// NoiseStdDev is the per-axis Gaussian centroid noise in pixels.
	NoiseStdDev float64
	// SNR is reported on every frame until a dropout is injected.
	SNR  float64
	Seed uint64
}

// DefaultConfig is a clean bench with a diagonal 0.5 px/µrad response.
func DefaultConfig() Config {
	return Config{
		Response:  transform.Matrix2{{0.5, 0}, {0, 0.5}},
		Baseline:  transform.Vec2{512, 512},
		FrameRate: 50,
		SNR:       40,
		Seed:      1,
	}
}

// Bench implements both the executor's Actuator and Camera. The camera
// reports the centroid for whatever command is held when a frame is taken.
type Bench struct {
	cfg   Config
	clock timeutil.Clock

	mu       sync.Mutex
	rng      *rand.Rand
	cmd      transform.Vec2
	commands []transform.Vec2
	frame    uint64
	snr      float64
	stall    bool
	dropped  uint64
}

// New returns a bench. A nil clock uses the real clock.
func New(cfg Config, clock timeutil.Clock) *Bench {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Bench{
		cfg:   cfg,
		clock: clock,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		snr:   cfg.SNR,
	}
}

// SendCommand moves the simulated mirror. While stalled it never
// acknowledges and returns only when ctx ends.
func (b *Bench) SendCommand(ctx context.Context, axis1, axis2 float64) error {
	b.mu.Lock()
	stall := b.stall
	b.mu.Unlock()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.cmd = transform.Vec2{axis1, axis2}
	b.commands = append(b.commands, b.cmd)
	b.mu.Unlock()
	return nil
}

// Subscribe starts the frame stream. Frames the consumer is not ready for
// are dropped, as a real camera would.
func (b *Bench) Subscribe(ctx context.Context) (<-chan fsmcal.Measurement, error) {
	out := make(chan fsmcal.Measurement, 4)
	period := time.Duration(float64(time.Second) / b.cfg.FrameRate)
	ticker := b.clock.NewTicker(period)
	go func() {
		defer close(out)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m := b.capture()
				select {
				case out <- m:
				case <-ctx.Done():
					return
				default:
					b.mu.Lock()
					b.dropped++
					b.mu.Unlock()
				}
			}
		}
	}()
	return out, nil
}

func (b *Bench) capture() fsmcal.Measurement {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame++
	p := b.cfg.Baseline.Add(transform.Apply(b.cfg.Response, b.cmd))
	if s := b.cfg.NoiseStdDev; s > 0 {
		p = p.Add(transform.Vec2{s * b.rng.NormFloat64(), s * b.rng.NormFloat64()})
	}
	return fsmcal.Measurement{
		Timestamp:  b.clock.Now(),
		FrameIndex: b.frame,
		X:          p[0],
		Y:          p[1],
		SNR:        b.snr,
	}
}

// SetSNR changes the SNR reported from the next frame on.
func (b *Bench) SetSNR(snr float64) {
	b.mu.Lock()
	b.snr = snr
	b.mu.Unlock()
}

// SetStall makes SendCommand stop acknowledging.
func (b *Bench) SetStall(stall bool) {
	b.mu.Lock()
	b.stall = stall
	b.mu.Unlock()
}

// LastCommand returns the most recent acknowledged command.
func (b *Bench) LastCommand() transform.Vec2 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cmd
}

// Commands returns every acknowledged command in order.
func (b *Bench) Commands() []transform.Vec2 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transform.Vec2(nil), b.commands...)
}

// Dropped returns the number of frames the consumer was not ready for.
func (b *Bench) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
