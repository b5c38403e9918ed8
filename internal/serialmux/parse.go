package serialmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Controller axis identifiers for the two mirror axes.
const (
	Axis1 = "1"
	Axis2 = "2"
)

// Commands understood by the controller. Every line is newline terminated
// on the wire.
const (
	cmdIdentify   = "*IDN?"
	cmdErrorQuery = "ERR?"
)

// FormatMove renders an absolute two-axis move.
func FormatMove(a1, a2 float64) string {
	return fmt.Sprintf("MOV %s %s %s %s", Axis1, formatFloat(a1), Axis2, formatFloat(a2))
}

// FormatServo switches closed-loop servo on or off for both axes.
func FormatServo(on bool) string {
	v := "0"
	if on {
		v = "1"
	}
	return fmt.Sprintf("SVO %s %s %s %s", Axis1, v, Axis2, v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseErrorCode parses the reply to ERR?.
func ParseErrorCode(line string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadReply, line)
	}
	return code, nil
}

// ParseMove parses a MOV line into its axis values. It accepts axes in
// either order and rejects anything else.
func ParseMove(line string) (a1, a2 float64, err error) {
	f := strings.Fields(line)
	if len(f) != 5 || f[0] != "MOV" {
		return 0, 0, fmt.Errorf("not a two-axis move: %q", line)
	}
	vals := map[string]float64{}
	for i := 1; i < 5; i += 2 {
		v, perr := strconv.ParseFloat(f[i+1], 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("bad value %q: %w", f[i+1], perr)
		}
		vals[f[i]] = v
	}
	var ok1, ok2 bool
	a1, ok1 = vals[Axis1]
	a2, ok2 = vals[Axis2]
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("move must name axes %s and %s: %q", Axis1, Axis2, line)
	}
	return a1, a2, nil
}

// errorText names the controller error codes the calibration can provoke.
var errorText = map[int]string{
	1:  "parameter syntax error",
	2:  "unknown command",
	5:  "move while servo off",
	7:  "position out of limits",
	10: "controller stopped",
	15: "invalid axis identifier",
}

// ControllerError is a non-zero ERR? reply.
type ControllerError struct {
	Code    int
	Command string
}

func (e *ControllerError) Error() string {
	if txt, ok := errorText[e.Code]; ok {
		return fmt.Sprintf("controller error %d (%s) after %q", e.Code, txt, e.Command)
	}
	return fmt.Sprintf("controller error %d after %q", e.Code, e.Command)
}
