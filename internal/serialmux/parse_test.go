package serialmux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestFormatAndParseMove(t *testing.T) {
	t.Parallel()
	line := FormatMove(100, -0.125)
	assert.Equal(t, "MOV 1 100 2 -0.125", line)
	a1, a2, err := ParseMove(line)
	require.NoError(t, err)
	assert.Equal(t, 100.0, a1)
	assert.Equal(t, -0.125, a2)

	a1, a2, err = ParseMove("MOV 2 5 1 6")
	require.NoError(t, err)
	assert.Equal(t, 6.0, a1)
	assert.Equal(t, 5.0, a2)

	for _, bad := range []string{"MOV 1 5", "MVR 1 1 2 2", "MOV 1 x 2 2", "MOV 1 1 1 2", "MOV 3 1 2 2"} {
		_, _, err := ParseMove(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseErrorCode(t *testing.T) {
	t.Parallel()
	code, err := ParseErrorCode(" 0\r")
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	_, err = ParseErrorCode("OK")
	assert.True(t, errors.Is(err, ErrBadReply))

	assert.Equal(t, "controller error 99 after \"MOV\"", (&ControllerError{Code: 99, Command: "MOV"}).Error())
}

func TestFormatServo(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "SVO 1 1 2 1", FormatServo(true))
	assert.Equal(t, "SVO 1 0 2 0", FormatServo(false))
}

func TestPortOptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"even", PortOptions{BaudRate: 9600, Parity: "even"}, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "E"}, false},
		{"bad data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"bad stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"bad parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSerialMode(t *testing.T) {
	t.Parallel()
	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8, Parity: serial.OddParity, StopBits: serial.TwoStopBits}, mode)

	_, err = PortOptions{Parity: "?"}.SerialMode()
	assert.Error(t, err)
}
