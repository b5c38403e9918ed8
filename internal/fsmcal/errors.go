package fsmcal

import (
	"errors"
	"fmt"
)

// Kind classifies a calibration failure.
type Kind string

const (
	KindNone               Kind = ""
	KindNoGuideStar        Kind = "no-guide-star"
	KindSNRDropout         Kind = "snr-dropout"
	KindLowFitQuality      Kind = "low-fit-quality"
	KindSingularTransform  Kind = "singular-transform"
	KindVerificationFailed Kind = "verification-failed"
	KindFSMTimeout         Kind = "fsm-timeout"
	KindFormat             Kind = "format"
	KindVersion            Kind = "version"
	KindAborted            Kind = "aborted"
	// KindInternal covers errors outside the taxonomy, such as an invalid
	// config handed to the executor.
	KindInternal Kind = "internal"
)

var (
	ErrNoGuideStar        = errors.New("no stable guide star lock")
	ErrSNRDropout         = errors.New("guide star SNR dropped below floor")
	ErrLowFitQuality      = errors.New("fit quality below threshold")
	ErrSingularTransform  = errors.New("axis responses are linearly dependent")
	ErrVerificationFailed = errors.New("verification error above threshold")
	ErrFSMTimeout         = errors.New("actuator did not acknowledge command")
	ErrFormat             = errors.New("malformed calibration record")
	ErrVersion            = errors.New("unsupported calibration record version")
	ErrAborted            = errors.New("calibration aborted")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid calibration config")
	// ErrOutOfOrder is returned when an append would break trace ordering.
	ErrOutOfOrder = errors.New("trace sample out of order")
	// ErrFrozen is returned when appending to a finalized trace.
	ErrFrozen = errors.New("trace is frozen")
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindAborted, ErrAborted},
	{KindNoGuideStar, ErrNoGuideStar},
	{KindSNRDropout, ErrSNRDropout},
	{KindLowFitQuality, ErrLowFitQuality},
	{KindSingularTransform, ErrSingularTransform},
	{KindVerificationFailed, ErrVerificationFailed},
	{KindFSMTimeout, ErrFSMTimeout},
	{KindFormat, ErrFormat},
	{KindVersion, ErrVersion},
}

// Sentinel returns the sentinel error for k, or nil.
func (k Kind) Sentinel() error {
	for _, ks := range kindSentinels {
		if ks.kind == k {
			return ks.err
		}
	}
	return nil
}

// Error is a classified calibration failure. It matches its kind's
// sentinel and its cause through errors.Is.
type Error struct {
	Kind  Kind
	Phase string
	Err   error
}

// NewError classifies err as kind k during phase.
func NewError(k Kind, phase string, err error) *Error {
	return &Error{Kind: k, Phase: phase, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Phase != "" {
		msg = fmt.Sprintf("%s during %s", msg, e.Phase)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && s == target
}

// KindOf returns the failure kind carried by err. A nil error is KindNone
// and an unclassified one is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindInternal
}
