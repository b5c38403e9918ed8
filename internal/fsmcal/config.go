package fsmcal

import (
	"fmt"
	"time"
)

// Config is the immutable input to one calibration run. Amplitude and
// radius are in actuator command units (µrad on the bench mirror).
type Config struct {
	WiggleAmplitude float64 `json:"wiggle_amplitude"`
	WiggleFrequency float64 `json:"wiggle_frequency_hz"`
	WiggleCycles    int     `json:"wiggle_cycles"`
	VerifyRadius    float64 `json:"verify_radius"`
	MinRSquared     float64 `json:"min_r_squared"`

	// SampleRate is the command stream rate in Hz.
	SampleRate float64 `json:"sample_rate_hz"`
	// CameraRateHint is the expected frame rate in Hz, used only for the
	// Nyquist check on WiggleFrequency.
	CameraRateHint    float64       `json:"camera_rate_hz"`
	MinSNR            float64       `json:"min_snr"`
	BaselineSamples   int           `json:"baseline_samples"`
	BaselineMaxJitter float64       `json:"baseline_max_jitter_px"`
	BaselineTimeout   time.Duration `json:"baseline_timeout"`
	AckTimeout        time.Duration `json:"ack_timeout"`
	VerifyThreshold   float64       `json:"verify_threshold_px"`
	VerifyCycles      int           `json:"verify_cycles"`
}

// DefaultConfig returns the bench defaults.
func DefaultConfig() Config {
	return Config{
		WiggleAmplitude:   100,
		WiggleFrequency:   1.0,
		WiggleCycles:      5,
		VerifyRadius:      150,
		MinRSquared:       0.9,
		SampleRate:        100,
		CameraRateHint:    50,
		MinSNR:            5,
		BaselineSamples:   10,
		BaselineMaxJitter: 0.5,
		BaselineTimeout:   10 * time.Second,
		AckTimeout:        time.Second,
		VerifyThreshold:   1.0,
		VerifyCycles:      2,
	}
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	for _, err := range []error{
		check(c.WiggleAmplitude > 0, "wiggle_amplitude must be > 0, got %g", c.WiggleAmplitude),
		check(c.SampleRate > 0, "sample_rate_hz must be > 0, got %g", c.SampleRate),
		check(c.CameraRateHint > 0, "camera_rate_hz must be > 0, got %g", c.CameraRateHint),
		check(c.WiggleFrequency > 0, "wiggle_frequency_hz must be > 0, got %g", c.WiggleFrequency),
		check(c.WiggleFrequency < c.SampleRate/2,
			"wiggle_frequency_hz %g must be below the command Nyquist limit %g", c.WiggleFrequency, c.SampleRate/2),
		check(c.WiggleFrequency < c.CameraRateHint/2,
			"wiggle_frequency_hz %g must be below the camera Nyquist limit %g", c.WiggleFrequency, c.CameraRateHint/2),
		check(c.WiggleCycles >= 1, "wiggle_cycles must be >= 1, got %d", c.WiggleCycles),
		check(c.VerifyRadius >= 0, "verify_radius must be >= 0, got %g", c.VerifyRadius),
		check(c.MinRSquared >= 0 && c.MinRSquared <= 1, "min_r_squared must be within [0, 1], got %g", c.MinRSquared),
		check(c.MinSNR >= 0, "min_snr must be >= 0, got %g", c.MinSNR),
		check(c.BaselineSamples >= 1, "baseline_samples must be >= 1, got %d", c.BaselineSamples),
		check(c.BaselineMaxJitter >= 0, "baseline_max_jitter_px must be >= 0, got %g", c.BaselineMaxJitter),
		check(c.BaselineTimeout > 0, "baseline_timeout must be > 0, got %s", c.BaselineTimeout),
		check(c.AckTimeout > 0, "ack_timeout must be > 0, got %s", c.AckTimeout),
		check(c.VerifyThreshold >= 0, "verify_threshold_px must be >= 0, got %g", c.VerifyThreshold),
		check(c.VerifyCycles >= 1, "verify_cycles must be >= 1, got %d", c.VerifyCycles),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateForVerify additionally requires a usable verification circle.
func (c Config) ValidateForVerify() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.VerifyRadius <= 0 {
		return fmt.Errorf("%w: verify_radius must be > 0 when verification is requested", ErrInvalidConfig)
	}
	return nil
}

// WiggleDuration is the length of one axis wiggle phase.
func (c Config) WiggleDuration() time.Duration {
	return time.Duration(float64(c.WiggleCycles) / c.WiggleFrequency * float64(time.Second))
}

// VerifyDuration is the length of the verification circle.
func (c Config) VerifyDuration() time.Duration {
	return time.Duration(float64(c.VerifyCycles) / c.WiggleFrequency * float64(time.Second))
}
