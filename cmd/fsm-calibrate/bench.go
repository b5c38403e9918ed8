package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/config"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/executor"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/sim"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
	"github.com/banshee-data/fsm-calibration/internal/serialmux"
	"github.com/banshee-data/fsm-calibration/internal/tracking"
)

const connectTimeout = 10 * time.Second

// benchFlags are the flags shared by run and serve: where the
// configuration comes from and which actuator and camera to drive.
type benchFlags struct {
	configPath string
	useSim     bool
	simNoise   float64
	simResp    string
	simSeed    uint64
	port       string
	baud       int
	broker     string
	topic      string
	trackID    string
	arrival    bool
	storeDir   string
	dbPath     string

	amplitude float64
	frequency float64
	cycles    int
	verify    bool
}

func (b *benchFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.configPath, "config", "", "Calibration file (JSON)")
	fs.BoolVar(&b.useSim, "sim", false, "Use the simulated bench")
	fs.Float64Var(&b.simNoise, "sim-noise", 0, "Simulated centroid noise std-dev in pixels")
	fs.StringVar(&b.simResp, "sim-response", "0.5,0,0,0.5", "Simulated response matrix a11,a12,a21,a22 (px per command unit)")
	fs.Uint64Var(&b.simSeed, "sim-seed", 1, "Simulated noise seed")
	fs.StringVar(&b.port, "port", "", "FSM controller serial device")
	fs.IntVar(&b.baud, "baud", 0, "Serial baud rate (default 115200)")
	fs.StringVar(&b.broker, "broker", "", "MQTT broker URL (default "+tracking.DefaultBroker+")")
	fs.StringVar(&b.topic, "topic", "", "MQTT centroid topic (default "+tracking.DefaultTopic+")")
	fs.StringVar(&b.trackID, "track", "", "Only accept centroids for this track id")
	fs.BoolVar(&b.arrival, "arrival-time", false, "Stamp centroids with host arrival time instead of the tracker's clock")
	fs.StringVar(&b.storeDir, "store", "calibrations", "Record store directory")
	fs.StringVar(&b.dbPath, "db", "calibration_runs.db", "Run catalog database (empty disables it)")
	fs.Float64Var(&b.amplitude, "amplitude", 0, "Wiggle amplitude in command units")
	fs.Float64Var(&b.frequency, "frequency", 0, "Wiggle frequency in Hz")
	fs.IntVar(&b.cycles, "cycles", 0, "Wiggle cycles per axis")
	fs.BoolVar(&b.verify, "verify", true, "Finish with a verification circle")
}

// resolve loads the calibration file, if any, and applies the flags that
// were set on the command line over it.
func (b *benchFlags) resolve(fs *flag.FlagSet) (*config.CalibrationFile, fsmcal.Config, bool, error) {
	file := &config.CalibrationFile{}
	if b.configPath != "" {
		var err error
		if file, err = config.LoadCalibrationFile(b.configPath); err != nil {
			return nil, fsmcal.Config{}, false, err
		}
	}
	cfg := file.Resolve()
	verify := file.GetVerify()

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["amplitude"] {
		cfg.WiggleAmplitude = b.amplitude
	}
	if set["frequency"] {
		cfg.WiggleFrequency = b.frequency
	}
	if set["cycles"] {
		cfg.WiggleCycles = b.cycles
	}
	if set["verify"] {
		verify = b.verify
	}
	if !set["port"] {
		b.port = file.GetSerialPort()
	}
	if !set["baud"] {
		b.baud = file.GetBaudRate()
	}
	if !set["broker"] {
		b.broker = file.GetMQTTBroker()
	}
	if !set["topic"] {
		b.topic = file.GetMQTTTopic()
	}
	if !set["track"] {
		b.trackID = file.GetTrackID()
	}
	return file, cfg, verify, nil
}

// bench is an opened actuator and camera with their teardown.
type bench struct {
	act        executor.Actuator
	cam        executor.Camera
	controller *serialmux.Controller
	close      func()
}

func (b *benchFlags) open(ctx context.Context) (*bench, error) {
	if b.useSim {
		resp, err := parseResponse(b.simResp)
		if err != nil {
			return nil, err
		}
		cfg := sim.DefaultConfig()
		cfg.Response = resp
		cfg.NoiseStdDev = b.simNoise
		cfg.Seed = b.simSeed
		s := sim.New(cfg, nil)
		return &bench{act: s, cam: s, close: func() {}}, nil
	}

	if b.port == "" {
		return nil, fmt.Errorf("no controller port: pass --port or --sim")
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ctl, err := serialmux.OpenController(cctx, b.port, serialmux.PortOptions{BaudRate: b.baud}, nil)
	if err != nil {
		return nil, fmt.Errorf("open controller: %w", err)
	}
	sub := tracking.NewSubscriber(tracking.Options{
		Broker:      b.broker,
		Topic:       b.topic,
		TrackID:     b.trackID,
		ArrivalTime: b.arrival,
	})
	if err := sub.Connect(cctx); err != nil {
		ctl.Close()
		return nil, err
	}
	return &bench{
		act:        ctl,
		cam:        sub,
		controller: ctl,
		close: func() {
			sub.Close()
			ctl.Close()
		},
	}, nil
}

func parseResponse(s string) (transform.Matrix2, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return transform.Matrix2{}, fmt.Errorf("response matrix needs 4 values, got %d", len(parts))
	}
	var m transform.Matrix2
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return transform.Matrix2{}, fmt.Errorf("response matrix value %q: %w", p, err)
		}
		m[i/2][i%2] = v
	}
	return m, nil
}
