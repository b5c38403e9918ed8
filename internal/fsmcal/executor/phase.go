package executor

import "fmt"

// Phase is a calibration state. Completed, Failed and Aborted are terminal.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAcquiringBaseline
	PhaseWigglingAxis1
	PhaseWigglingAxis2
	PhaseFitting
	PhaseBuildingTransform
	PhaseVerifying
	PhaseCompleted
	PhaseFailed
	PhaseAborted
)

var phaseNames = [...]string{
	PhaseIdle:              "idle",
	PhaseAcquiringBaseline: "acquiring-baseline",
	PhaseWigglingAxis1:     "wiggling-axis-1",
	PhaseWigglingAxis2:     "wiggling-axis-2",
	PhaseFitting:           "fitting",
	PhaseBuildingTransform: "building-transform",
	PhaseVerifying:         "verifying",
	PhaseCompleted:         "completed",
	PhaseFailed:            "failed",
	PhaseAborted:           "aborted",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	if p < 0 || int(p) >= len(phaseNames) {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseAborted
}

// forward lists the happy-path successors of each phase. Failed and Aborted
// are reachable from every non-terminal phase and are not listed.
var forward = map[Phase][]Phase{
	PhaseIdle:              {PhaseAcquiringBaseline},
	PhaseAcquiringBaseline: {PhaseWigglingAxis1},
	PhaseWigglingAxis1:     {PhaseWigglingAxis2},
	PhaseWigglingAxis2:     {PhaseFitting},
	PhaseFitting:           {PhaseBuildingTransform},
	PhaseBuildingTransform: {PhaseVerifying, PhaseCompleted},
	PhaseVerifying:         {PhaseCompleted},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed || to == PhaseAborted {
		return from != PhaseIdle
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// mustTransition panics on an illegal edge; reaching one is a bug in the
// executor, not a runtime condition.
func mustTransition(from, to Phase) Phase {
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("executor: illegal phase transition %s -> %s", from, to))
	}
	return to
}
