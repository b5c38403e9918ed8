// Package serialmux drives a fast-steering-mirror controller that speaks
// the line-oriented GCS command set over a serial port. A Controller
// serialises command exchanges on the port and fans every line it sends or
// receives out to subscribers for live debugging.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrBadReply    = errors.New("unparseable controller reply")
	ErrClosed      = errors.New("controller connection closed")
)

const (
	// replyBuffer bounds replies waiting for an exchange. Unsolicited
	// lines beyond it are dropped.
	replyBuffer  = 16
	closeTimeout = 500 * time.Millisecond
)

// Controller is an executor.Actuator backed by a serial FSM controller.
// A command is acknowledged when the ERR? that follows the MOV reads 0.
type Controller struct {
	port SerialPorter
	logf func(format string, v ...interface{})

	commandMu sync.Mutex
	// desynced is set when an exchange gave up on its reply or read one of
	// the wrong shape. Replies no longer pair with requests until resync.
	desynced  atomic.Bool
	replies   chan string
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	readErr  error
	ident    string
	last     [2]float64
	acked    uint64
	rejected uint64

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
}

// NewController takes ownership of port and starts reading replies.
func NewController(port SerialPorter) *Controller {
	c := &Controller{
		port:        port,
		logf:        monitoring.Component("FSM"),
		replies:     make(chan string, replyBuffer),
		done:        make(chan struct{}),
		subscribers: make(map[string]chan string),
	}
	go c.readLoop()
	return c
}

// OpenController opens path with open (OpenSerialPort when nil) and
// initialises the controller.
func OpenController(ctx context.Context, path string, opts PortOptions, open PortOpener) (*Controller, error) {
	if open == nil {
		open = OpenSerialPort
	}
	port, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	c := NewController(port)
	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) readLoop() {
	defer close(c.done)
	scan := bufio.NewScanner(c.port)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		c.publish("< " + line)
		select {
		case c.replies <- line:
		default:
			c.logf("dropping unsolicited reply %q", line)
		}
	}
	err := scan.Err()
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

// Initialize reads the controller identity and switches both axes to
// closed-loop servo.
func (c *Controller) Initialize(ctx context.Context) error {
	ident, err := c.exchange(ctx, true, cmdIdentify)
	if err != nil {
		return fmt.Errorf("identify controller: %w", err)
	}
	c.mu.Lock()
	c.ident = ident
	c.mu.Unlock()
	c.logf("connected to %s", ident)

	if err := c.checked(ctx, FormatServo(true)); err != nil {
		return fmt.Errorf("enable servo: %w", err)
	}
	return nil
}

// SendCommand moves both axes and waits for the controller to report no
// error. It returns ctx's error if the reply does not arrive in time.
func (c *Controller) SendCommand(ctx context.Context, axis1, axis2 float64) error {
	if err := c.checked(ctx, FormatMove(axis1, axis2)); err != nil {
		var ce *ControllerError
		if errors.As(err, &ce) {
			c.mu.Lock()
			c.rejected++
			c.mu.Unlock()
		}
		return err
	}
	c.mu.Lock()
	c.last = [2]float64{axis1, axis2}
	c.acked++
	c.mu.Unlock()
	return nil
}

// Raw writes an arbitrary command. Query commands (ending in '?') wait for
// one reply line, which is returned.
func (c *Controller) Raw(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	return c.exchange(ctx, strings.HasSuffix(command, "?"), command)
}

// checked sends command followed by ERR? and maps a non-zero code to a
// *ControllerError.
func (c *Controller) checked(ctx context.Context, command string) error {
	reply, err := c.exchange(ctx, true, command, cmdErrorQuery)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	code, err := ParseErrorCode(reply)
	if err != nil {
		c.desynced.Store(true)
		return err
	}
	if code != 0 {
		return &ControllerError{Code: code, Command: command}
	}
	return nil
}

// exchange writes commands under the command lock and, when wantReply is
// set, waits for one reply line. After an exchange that gave up, the line
// is resynchronised first so a late reply is never taken as this one's.
func (c *Controller) exchange(ctx context.Context, wantReply bool, commands ...string) (string, error) {
	c.commandMu.Lock()
	defer c.commandMu.Unlock()

	if err := c.closedErr(); err != nil {
		return "", err
	}
	if c.desynced.Load() {
		if err := c.resync(ctx); err != nil {
			return "", err
		}
	}
	for drained := false; !drained; {
		select {
		case stale := <-c.replies:
			c.logf("discarding stale reply %q", stale)
		default:
			drained = true
		}
	}

	for _, cmd := range commands {
		if err := c.write(cmd); err != nil {
			return "", err
		}
	}
	if !wantReply {
		return "", nil
	}

	select {
	case reply := <-c.replies:
		return reply, nil
	case <-c.done:
		// A reply may have landed just before the port closed.
		select {
		case reply := <-c.replies:
			return reply, nil
		default:
		}
		return "", c.closedErr()
	case <-ctx.Done():
		c.desynced.Store(true)
		return "", ctx.Err()
	}
}

// resync sends *IDN? and discards replies until the identity comes back.
// The controller answers in order, so every late reply precedes it. Only
// ERR? codes can be mistaken for an ack, and they never match the identity.
func (c *Controller) resync(ctx context.Context) error {
	if err := c.write(cmdIdentify); err != nil {
		return err
	}
	for {
		select {
		case line := <-c.replies:
			if c.isIdentity(line) {
				c.desynced.Store(false)
				return nil
			}
			c.logf("discarding late reply %q", line)
		case <-c.done:
			return c.closedErr()
		case <-ctx.Done():
			return fmt.Errorf("resynchronise controller: %w", ctx.Err())
		}
	}
}

func (c *Controller) isIdentity(line string) bool {
	c.mu.Lock()
	ident := c.ident
	c.mu.Unlock()
	if ident != "" {
		return line == ident
	}
	_, err := ParseErrorCode(line)
	return err != nil
}

func (c *Controller) write(cmd string) error {
	// Published before the write so the trace reads in order even when
	// the reply arrives before Write returns.
	c.publish("> " + cmd)
	line := cmd + "\n"
	n, err := c.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

func (c *Controller) closedErr() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.readErr
	default:
		return nil
	}
}

// Status is a snapshot for diagnostics.
type Status struct {
	Identity    string     `json:"identity"`
	LastCommand [2]float64 `json:"last_command"`
	Acked       uint64     `json:"acked"`
	Rejected    uint64     `json:"rejected"`
	Connected   bool       `json:"connected"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Identity:    c.ident,
		LastCommand: c.last,
		Acked:       c.acked,
		Rejected:    c.rejected,
		Connected:   c.readErr == nil,
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel of every line exchanged with the controller,
// prefixed "> " for sent and "< " for received.
func (c *Controller) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 64)
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber.
func (c *Controller) Unsubscribe(id string) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		close(ch)
		delete(c.subscribers, id)
	}
}

func (c *Controller) publish(line string) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full skip so as not to stall the port
		}
	}
}

// Close switches the servo off when the port is still alive, closes every
// subscriber and closes the port.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.closedErr() == nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if serr := c.checked(ctx, FormatServo(false)); serr != nil {
				c.logf("servo off on close: %v", serr)
			}
			cancel()
		}
		c.subscriberMu.Lock()
		for id, ch := range c.subscribers {
			close(ch)
			delete(c.subscribers, id)
		}
		c.subscriberMu.Unlock()
		err = c.port.Close()
	})
	return err
}
