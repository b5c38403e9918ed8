package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
)

// DefaultConfigPath is the path to the canonical calibration defaults file.
const DefaultConfigPath = "config/calibration.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// CalibrationFile is the on-disk form of a calibration setup. Every field
// is optional; omitted fields resolve to fsmcal.DefaultConfig or the
// adapter defaults, so partial files are safe.
type CalibrationFile struct {
	// Wiggle and verification
	WiggleAmplitude *float64 `json:"wiggle_amplitude,omitempty"`
	WiggleFrequency *float64 `json:"wiggle_frequency_hz,omitempty"`
	WiggleCycles    *int     `json:"wiggle_cycles,omitempty"`
	VerifyRadius    *float64 `json:"verify_radius,omitempty"`
	VerifyThreshold *float64 `json:"verify_threshold_px,omitempty"`
	VerifyCycles    *int     `json:"verify_cycles,omitempty"`
	Verify          *bool    `json:"verify,omitempty"`
	MinRSquared     *float64 `json:"min_r_squared,omitempty"`

	// Acquisition
	SampleRate        *float64 `json:"sample_rate_hz,omitempty"`
	CameraRateHint    *float64 `json:"camera_rate_hz,omitempty"`
	MinSNR            *float64 `json:"min_snr,omitempty"`
	BaselineSamples   *int     `json:"baseline_samples,omitempty"`
	BaselineMaxJitter *float64 `json:"baseline_max_jitter_px,omitempty"`
	BaselineTimeout   *string  `json:"baseline_timeout,omitempty"` // duration string like "10s"
	AckTimeout        *string  `json:"ack_timeout,omitempty"`      // duration string like "1s"

	// Hardware adapters
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	MQTTBroker *string `json:"mqtt_broker,omitempty"`
	MQTTTopic  *string `json:"mqtt_topic,omitempty"`
	TrackID    *string `json:"track_id,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// LoadCalibrationFile reads and validates a calibration file. The file must
// have a .json extension and be under 1MB.
func LoadCalibrationFile(path string) (*CalibrationFile, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &CalibrationFile{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or a parent of it. It panics on failure and is meant for test setup.
func MustLoadDefaultConfig() *CalibrationFile {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadCalibrationFile(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the fields that can be checked without resolving. Range
// checks on the resolved values are left to fsmcal.Config.Validate.
func (c *CalibrationFile) Validate() error {
	for name, v := range map[string]*string{
		"baseline_timeout": c.BaselineTimeout,
		"ack_timeout":      c.AckTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	return c.Resolve().Validate()
}

// Resolve overlays the file on fsmcal.DefaultConfig. Unparseable durations
// keep the default; Validate reports them.
func (c *CalibrationFile) Resolve() fsmcal.Config {
	return c.ResolveOnto(fsmcal.DefaultConfig())
}

// ResolveOnto overlays the file on base.
func (c *CalibrationFile) ResolveOnto(base fsmcal.Config) fsmcal.Config {
	cfg := base
	setFloat(&cfg.WiggleAmplitude, c.WiggleAmplitude)
	setFloat(&cfg.WiggleFrequency, c.WiggleFrequency)
	setInt(&cfg.WiggleCycles, c.WiggleCycles)
	setFloat(&cfg.VerifyRadius, c.VerifyRadius)
	setFloat(&cfg.VerifyThreshold, c.VerifyThreshold)
	setInt(&cfg.VerifyCycles, c.VerifyCycles)
	setFloat(&cfg.MinRSquared, c.MinRSquared)
	setFloat(&cfg.SampleRate, c.SampleRate)
	setFloat(&cfg.CameraRateHint, c.CameraRateHint)
	setFloat(&cfg.MinSNR, c.MinSNR)
	setInt(&cfg.BaselineSamples, c.BaselineSamples)
	setFloat(&cfg.BaselineMaxJitter, c.BaselineMaxJitter)
	setDuration(&cfg.BaselineTimeout, c.BaselineTimeout)
	setDuration(&cfg.AckTimeout, c.AckTimeout)
	return cfg
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) {
	if v == nil || *v == "" {
		return
	}
	if d, err := time.ParseDuration(*v); err == nil {
		*dst = d
	}
}

// GetVerify reports whether a run should finish with a verification
// circle. Defaults to true.
func (c *CalibrationFile) GetVerify() bool {
	if c.Verify == nil {
		return true
	}
	return *c.Verify
}

// GetSerialPort returns the controller device path, or "" for none.
func (c *CalibrationFile) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetBaudRate returns the controller baud rate, or 0 for the port default.
func (c *CalibrationFile) GetBaudRate() int {
	if c.BaudRate == nil {
		return 0
	}
	return *c.BaudRate
}

// GetMQTTBroker returns the tracker broker URL, or "" for the default.
func (c *CalibrationFile) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTTopic returns the tracker topic, or "" for the default.
func (c *CalibrationFile) GetMQTTTopic() string {
	if c.MQTTTopic == nil {
		return ""
	}
	return *c.MQTTTopic
}

// GetTrackID returns the track filter, or "" to accept every track.
func (c *CalibrationFile) GetTrackID() string {
	if c.TrackID == nil {
		return ""
	}
	return *c.TrackID
}
