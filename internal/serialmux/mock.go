package serialmux

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"time"
)

// FakeController is an in-process SerialPorter that behaves like a GCS
// mirror controller: it answers *IDN?, tracks SVO, validates MOV against a
// travel limit and reports latched errors through ERR?.
type FakeController struct {
	mu      sync.Mutex
	pr      *io.PipeReader
	pw      *io.PipeWriter
	partial bytes.Buffer
	replies chan string
	closed  bool

	// Identity is returned by *IDN?.
	Identity string
	// Limit is the absolute travel limit per axis; 0 means unlimited.
	Limit float64

	servo   bool
	latched int
	stall   bool
	delay   time.Duration
	moves   [][2]float64
	written []string
}

// NewFakeController returns a controller with servo off and no limit.
func NewFakeController() *FakeController {
	pr, pw := io.Pipe()
	f := &FakeController{
		pr:       pr,
		pw:       pw,
		replies:  make(chan string, 64),
		Identity: "FAKE,S-330 FSM,0000,1.0",
	}
	go f.writeReplies()
	return f
}

func (f *FakeController) writeReplies() {
	for r := range f.replies {
		f.mu.Lock()
		delay := f.delay
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if _, err := f.pw.Write([]byte(r + "\n")); err != nil {
			return
		}
	}
	f.pw.Close()
}

// Read returns controller output.
func (f *FakeController) Read(p []byte) (int, error) { return f.pr.Read(p) }

// Write accepts command bytes and answers each complete line.
func (f *FakeController) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("serial port closed")
	}
	f.partial.Write(p)
	for {
		line, err := f.partial.ReadString('\n')
		if err != nil {
			// keep the unterminated tail for the next write
			f.partial.Reset()
			f.partial.WriteString(line)
			break
		}
		f.handle(strings.TrimSpace(line))
	}
	return len(p), nil
}

func (f *FakeController) handle(line string) {
	f.written = append(f.written, line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case cmdIdentify:
		f.reply(f.Identity)
	case cmdErrorQuery:
		if f.stall {
			return
		}
		f.reply(formatFloat(float64(f.latched)))
		f.latched = 0
	case "SVO":
		if len(fields) != 5 {
			f.latch(1)
			return
		}
		f.servo = fields[2] == "1" && fields[4] == "1"
	case "MOV":
		a1, a2, err := ParseMove(line)
		switch {
		case err != nil:
			f.latch(1)
		case !f.servo:
			f.latch(5)
		case f.Limit > 0 && (math.Abs(a1) > f.Limit || math.Abs(a2) > f.Limit):
			f.latch(7)
		default:
			f.moves = append(f.moves, [2]float64{a1, a2})
		}
	default:
		f.latch(2)
	}
}

// latch keeps the first error until ERR? reads it, as GCS controllers do.
func (f *FakeController) latch(code int) {
	if f.latched == 0 {
		f.latched = code
	}
}

func (f *FakeController) reply(s string) {
	select {
	case f.replies <- s:
	default:
	}
}

// Close closes both ends of the fake line.
func (f *FakeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.replies)
	return nil
}

// Hangup simulates the device disappearing: reads return EOF.
func (f *FakeController) Hangup() {
	f.pw.CloseWithError(io.EOF)
}

// SetStall makes ERR? go unanswered.
func (f *FakeController) SetStall(stall bool) {
	f.mu.Lock()
	f.stall = stall
	f.mu.Unlock()
}

// SetReplyDelay holds every reply back by d, in order, like a controller
// that answers late.
func (f *FakeController) SetReplyDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// InjectError latches code as if the controller had raised it.
func (f *FakeController) InjectError(code int) {
	f.mu.Lock()
	f.latch(code)
	f.mu.Unlock()
}

// Moves returns every accepted MOV in order.
func (f *FakeController) Moves() [][2]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]float64(nil), f.moves...)
}

// Servo reports whether closed-loop servo is on.
func (f *FakeController) Servo() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servo
}

// Written returns every command line received.
func (f *FakeController) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}
