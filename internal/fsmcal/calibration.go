package fsmcal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
)

// inverseTolerance bounds ‖Forward·Inverse − I‖ elementwise.
const inverseTolerance = 1e-6

// AxisCalibration is the result of a run: the command→pixel transform, its
// inverse and the evidence behind them.
type AxisCalibration struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Config    Config    `json:"config"`

	// Forward maps command units to pixels.
	Forward transform.Matrix2 `json:"forward"`
	// Inverse maps pixels to command units. Nil when Degenerate.
	Inverse    *transform.Matrix2 `json:"inverse,omitempty"`
	Degenerate bool               `json:"degenerate"`
	// Intercept is the baseline centroid at zero command.
	Intercept transform.Vec2 `json:"intercept"`
	RSquared  [2]float64     `json:"r_squared"`

	VerificationRMS    *float64 `json:"verification_rms_px,omitempty"`
	VerificationMax    *float64 `json:"verification_max_px,omitempty"`
	VerificationPassed *bool    `json:"verification_passed,omitempty"`
}

// NewAxisCalibration inverts forward and returns the record. A singular
// forward yields a Degenerate record together with ErrSingularTransform so
// callers can keep it for diagnosis.
func NewAxisCalibration(forward transform.Matrix2, intercept transform.Vec2, rsq [2]float64, cfg Config, createdAt time.Time) (*AxisCalibration, error) {
	cal := &AxisCalibration{
		ID:        uuid.New().String(),
		CreatedAt: createdAt,
		Config:    cfg,
		Forward:   forward,
		Intercept: intercept,
		RSquared:  rsq,
	}
	inv, err := transform.Invert(forward)
	if err == nil && !transform.ApproxEqual(forward.Mul(inv), transform.Identity(), inverseTolerance) {
		err = fmt.Errorf("%w: forward·inverse deviates from identity", transform.ErrSingular)
	}
	if err != nil {
		cal.Degenerate = true
		return cal, fmt.Errorf("%w: %v", ErrSingularTransform, err)
	}
	cal.Inverse = &inv
	return cal, nil
}

// WithVerification returns a copy of c carrying the verification summary.
func (c *AxisCalibration) WithVerification(v VerificationResult) *AxisCalibration {
	out := *c
	rms, mx, passed := v.RMS, v.Max, v.Passed
	out.VerificationRMS = &rms
	out.VerificationMax = &mx
	out.VerificationPassed = &passed
	return &out
}

// Verified reports whether verification ran.
func (c *AxisCalibration) Verified() bool { return c.VerificationPassed != nil }

// FailedVerification reports whether verification ran and failed.
func (c *AxisCalibration) FailedVerification() bool {
	return c.VerificationPassed != nil && !*c.VerificationPassed
}

// CommandForError converts a sensor-space pointing error into the actuator
// command that cancels it.
func (c *AxisCalibration) CommandForError(errPx transform.Vec2) (transform.Vec2, error) {
	if c.Inverse == nil {
		return transform.Vec2{}, ErrSingularTransform
	}
	return transform.Apply(*c.Inverse, errPx), nil
}

// Predict returns the expected centroid for a command, offset by intercept.
func (c *AxisCalibration) Predict(cmd transform.Vec2) transform.Vec2 {
	return c.Intercept.Add(transform.Apply(c.Forward, cmd))
}

// Validate checks a loaded record's invariants.
func (c *AxisCalibration) Validate() error {
	var errs []error
	if c.Degenerate && c.Inverse != nil {
		errs = append(errs, errors.New("degenerate record carries an inverse"))
	}
	if !c.Degenerate && c.Inverse == nil {
		errs = append(errs, errors.New("non-degenerate record is missing its inverse"))
	}
	if c.Inverse != nil && !transform.ApproxEqual(c.Forward.Mul(*c.Inverse), transform.Identity(), inverseTolerance) {
		errs = append(errs, errors.New("forward and inverse are not mutual inverses"))
	}
	if (c.VerificationRMS == nil) != (c.VerificationPassed == nil) {
		errs = append(errs, errors.New("partial verification summary"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrFormat, errors.Join(errs...))
	}
	return nil
}

// VerificationResult compares predicted and measured centroids over a
// verification trace.
type VerificationResult struct {
	Commanded []transform.Vec2 `json:"commanded"`
	Predicted []transform.Vec2 `json:"predicted"`
	Measured  []transform.Vec2 `json:"measured"`
	Errors    []float64        `json:"errors_px"`
	RMS       float64          `json:"rms_px"`
	Max       float64          `json:"max_px"`
	Threshold float64          `json:"threshold_px"`
	Passed    bool             `json:"passed"`
}
