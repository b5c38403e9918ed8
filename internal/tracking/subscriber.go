// Package tracking adapts a star-tracker's MQTT centroid feed to the
// calibration executor's Camera interface.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/monitoring"
	"github.com/banshee-data/fsm-calibration/internal/timeutil"
)

const (
	DefaultBroker = "tcp://localhost:1883"
	DefaultTopic  = "tracker/centroid"

	// streamBuffer absorbs a burst of frames while the executor is busy
	// commanding the mirror.
	streamBuffer = 256
	disconnectMs = 250
)

// ErrSubscribed is returned when a second stream is opened while one is
// still active.
var ErrSubscribed = errors.New("tracking stream already open")

// Options configure a Subscriber.
type Options struct {
	Broker   string
	Topic    string
	ClientID string
	// TrackID selects one track when the tracker publishes several; empty
	// accepts every message.
	TrackID string
	QoS     byte
	// ArrivalTime stamps every centroid with host arrival time, ignoring
	// the tracker's timestamp. Use it when the tracker clock is not
	// synchronised with the host.
	ArrivalTime bool
}

func (o Options) withDefaults() Options {
	if o.Broker == "" {
		o.Broker = DefaultBroker
	}
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	if o.ClientID == "" {
		o.ClientID = "fsm-calibrate"
	}
	return o
}

// Message is one centroid report as published by the tracker.
type Message struct {
	TrackID   string    `json:"track_id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	SNR       float64   `json:"snr"`
	Frame     uint64    `json:"frame"`
	Timestamp Timestamp `json:"timestamp"`
}

// Timestamp mirrors the protobuf well-known timestamp layout the tracker
// emits.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

func (ts Timestamp) IsZero() bool { return ts.Seconds == 0 && ts.Nanos == 0 }

func (ts Timestamp) Time() time.Time { return time.Unix(ts.Seconds, int64(ts.Nanos)) }

// Decode parses a tracker payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode tracking message: %w", err)
	}
	if m.Timestamp.Nanos < 0 || m.Timestamp.Nanos >= 1e9 {
		return Message{}, fmt.Errorf("decode tracking message: nanos %d out of range", m.Timestamp.Nanos)
	}
	return m, nil
}

// Measurement converts m, stamping it with arrival when the tracker sent no
// timestamp.
func (m Message) Measurement(arrival time.Time) fsmcal.Measurement {
	ts := arrival
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Time()
	}
	return fsmcal.Measurement{
		Timestamp:  ts,
		FrameIndex: m.Frame,
		X:          m.X,
		Y:          m.Y,
		SNR:        m.SNR,
	}
}

// Subscriber is an executor.Camera fed by an MQTT topic.
type Subscriber struct {
	client mqtt.Client
	opts   Options
	clock  timeutil.Clock
	logf   func(format string, v ...interface{})

	mu     sync.Mutex
	active *stream
}

// NewSubscriber builds a subscriber around a paho client configured from
// opts. Call Connect before Subscribe.
func NewSubscriber(opts Options) *Subscriber {
	opts = opts.withDefaults()
	logf := monitoring.Component("Tracking")
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logf("connection to %s lost: %v", opts.Broker, err)
		})
	return newSubscriber(mqtt.NewClient(co), opts, timeutil.RealClock{})
}

func newSubscriber(client mqtt.Client, opts Options, clock timeutil.Clock) *Subscriber {
	return &Subscriber{
		client: client,
		opts:   opts.withDefaults(),
		clock:  clock,
		logf:   monitoring.Component("Tracking"),
	}
}

// Connect dials the broker.
func (s *Subscriber) Connect(ctx context.Context) error {
	if err := wait(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("connect to %s: %w", s.opts.Broker, err)
	}
	s.logf("connected to MQTT broker at %s", s.opts.Broker)
	return nil
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	s.client.Disconnect(disconnectMs)
}

// Subscribe streams measurements until ctx is cancelled. Malformed
// payloads and other tracks are logged and skipped; frames that arrive
// while the buffer is full are dropped.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan fsmcal.Measurement, error) {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrSubscribed
	}
	st := &stream{ch: make(chan fsmcal.Measurement, streamBuffer)}
	s.active = st
	s.mu.Unlock()

	if err := wait(ctx, s.client.Subscribe(s.opts.Topic, s.opts.QoS, s.handler(st))); err != nil {
		s.release(st)
		return nil, fmt.Errorf("subscribe %s: %w", s.opts.Topic, err)
	}
	s.logf("subscribed to %s", s.opts.Topic)

	go func() {
		<-ctx.Done()
		if err := wait(context.Background(), s.client.Unsubscribe(s.opts.Topic)); err != nil {
			s.logf("unsubscribe %s: %v", s.opts.Topic, err)
		}
		if n := st.dropped(); n > 0 {
			s.logf("dropped %d frames on a full buffer", n)
		}
		s.release(st)
	}()
	return st.ch, nil
}

func (s *Subscriber) release(st *stream) {
	st.close()
	s.mu.Lock()
	if s.active == st {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *Subscriber) handler(st *stream) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		m, err := Decode(msg.Payload())
		if err != nil {
			s.logf("%s: %v", msg.Topic(), err)
			return
		}
		if s.opts.TrackID != "" && m.TrackID != s.opts.TrackID {
			return
		}
		now := s.clock.Now()
		meas := m.Measurement(now)
		if s.opts.ArrivalTime {
			meas.Timestamp = now
		}
		st.send(meas)
	}
}

// stream guards its channel so a late message cannot send on it after
// close.
type stream struct {
	mu     sync.Mutex
	ch     chan fsmcal.Measurement
	closed bool
	drops  int
}

func (st *stream) send(m fsmcal.Measurement) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	select {
	case st.ch <- m:
	default:
		st.drops++
	}
}

func (st *stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		close(st.ch)
	}
}

func (st *stream) dropped() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.drops
}

// wait blocks on a paho token, giving up when ctx ends.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
