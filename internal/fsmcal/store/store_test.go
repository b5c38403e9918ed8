package store

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
	"github.com/banshee-data/fsm-calibration/internal/fsutil"
	"github.com/banshee-data/fsm-calibration/internal/monitoring"
	"github.com/banshee-data/fsm-calibration/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var traceOpts = cmp.Options{
	cmpopts.IgnoreUnexported(fsmcal.Trace{}),
	cmpopts.EquateEmpty(),
}

func TestTraceRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := fsmcal.DefaultConfig()
	traces := map[string]*fsmcal.Trace{
		"populated": testutil.PopulatedTrace(t),
		"wiggle":    testutil.WiggleTrace(t, 1, cfg, transform.Matrix2{{0.5, 0.01}, {-0.02, 0.5}}, 50),
		"empty":     fsmcal.NewTrace(fsmcal.TracePhaseBaseline, testutil.FixedTime, 0, testutil.BenchBaseline),
	}
	for name, tr := range traces {
		for _, f := range []Format{Binary, JSON} {
			t.Run(name+"/"+f.String(), func(t *testing.T) {
				t.Parallel()
				var buf bytes.Buffer
				require.NoError(t, EncodeTrace(&buf, tr, f))

				got, err := DecodeTrace(&buf)
				require.NoError(t, err)
				assert.True(t, got.Frozen())
				if diff := cmp.Diff(tr, got, traceOpts); diff != "" {
					t.Errorf("trace mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestBinaryTracePreservesNaN(t *testing.T) {
	t.Parallel()
	tr := fsmcal.NewTrace(fsmcal.TracePhaseAxis1, testutil.FixedTime, 1, transform.Vec2{})
	require.NoError(t, tr.Append(fsmcal.Sample{Time: 0.1, X: math.NaN(), Y: math.Inf(1), Frame: 1}))
	require.NoError(t, tr.Append(fsmcal.Sample{Time: 0.2, X: math.Copysign(0, -1), Y: 5e-324, Frame: 2}))

	var buf bytes.Buffer
	require.NoError(t, EncodeTrace(&buf, tr, Binary))
	got, err := DecodeTrace(&buf)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(got.X[0]))
	assert.True(t, math.IsInf(got.Y[0], 1))
	assert.True(t, math.Signbit(got.X[1]))
	assert.Equal(t, math.Float64bits(5e-324), math.Float64bits(got.Y[1]))

	assert.Error(t, EncodeTrace(&bytes.Buffer{}, tr, JSON), "JSON cannot carry NaN")
}

func TestCalibrationRoundTrip(t *testing.T) {
	t.Parallel()
	degenerate, err := fsmcal.NewAxisCalibration(transform.FromColumns(transform.Vec2{1, 1}, transform.Vec2{1, 1}),
		testutil.BenchBaseline, [2]float64{0.95, 0.97}, fsmcal.DefaultConfig(), testutil.FixedTime)
	require.Error(t, err)

	unverified := testutil.PopulatedCalibration(t)
	unverified.VerificationRMS, unverified.VerificationMax, unverified.VerificationPassed = nil, nil, nil

	cals := map[string]*fsmcal.AxisCalibration{
		"verified":            testutil.PopulatedCalibration(t),
		"unverified":          unverified,
		"degenerate":          degenerate,
		"failed-verification": unverified.WithVerification(fsmcal.VerificationResult{RMS: 3.2, Max: 7.5, Threshold: 1}),
		"zero-rms":            unverified.WithVerification(fsmcal.VerificationResult{Threshold: 1, Passed: true}),
	}
	for name, cal := range cals {
		for _, f := range []Format{Binary, JSON} {
			t.Run(name+"/"+f.String(), func(t *testing.T) {
				t.Parallel()
				var buf bytes.Buffer
				require.NoError(t, EncodeCalibration(&buf, cal, f))

				got, err := DecodeCalibration(&buf)
				require.NoError(t, err)
				if diff := cmp.Diff(cal, got); diff != "" {
					t.Errorf("calibration mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestJSONCalibrationIsReadable(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, EncodeCalibration(&buf, testutil.PopulatedCalibration(t), JSON))
	s := buf.String()
	for _, want := range []string{`"format": "fsm-calibration"`, `"version": 1`, `"kind": "calibration"`, `"forward"`, `"wiggle_amplitude": 80`} {
		assert.Contains(t, s, want)
	}
}

func binaryHeader(version, kind byte) []byte {
	return append([]byte(magic), version, kind)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	var good bytes.Buffer
	require.NoError(t, EncodeTrace(&good, testutil.PopulatedTrace(t), Binary))
	truncated := good.Bytes()[:good.Len()/2]

	cases := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty", "", fsmcal.ErrFormat},
		{"whitespace", "  \n", fsmcal.ErrFormat},
		{"garbage", "hello world", fsmcal.ErrFormat},
		{"short magic", "FSM", fsmcal.ErrFormat},
		{"header only", string(binaryHeader(1, byte(KindTrace))), fsmcal.ErrFormat},
		{"truncated gzip", string(truncated), fsmcal.ErrFormat},
		{"binary wrong kind", string(binaryHeader(1, byte(KindCalibration))) + "x", fsmcal.ErrFormat},
		{"binary future version", string(binaryHeader(2, byte(KindTrace))), fsmcal.ErrVersion},
		{"binary version zero", string(binaryHeader(0, byte(KindTrace))), fsmcal.ErrFormat},
		{"json broken", `{"format":`, fsmcal.ErrFormat},
		{"json wrong format", `{"format":"other","version":1,"kind":"trace","data":{}}`, fsmcal.ErrFormat},
		{"json future version", `{"format":"fsm-calibration","version":7,"kind":"trace","data":{}}`, fsmcal.ErrVersion},
		{"json wrong kind", `{"format":"fsm-calibration","version":1,"kind":"calibration","data":{}}`, fsmcal.ErrFormat},
		{"json missing data", `{"format":"fsm-calibration","version":1,"kind":"trace"}`, fsmcal.ErrFormat},
		{"json bad payload", `{"format":"fsm-calibration","version":1,"kind":"trace","data":{"time":"x"}}`, fsmcal.ErrFormat},
		{"json unordered", `{"format":"fsm-calibration","version":1,"kind":"trace","data":{"time":[1,0],"axis1":[0,0],"axis2":[0,0],"x":[0,0],"y":[0,0],"frame":[0,0]}}`, fsmcal.ErrFormat},
		{"json ragged", `{"format":"fsm-calibration","version":1,"kind":"trace","data":{"time":[0,1],"axis1":[0]}}`, fsmcal.ErrFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeTrace(strings.NewReader(tc.input))
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
			assert.Contains(t, []fsmcal.Kind{fsmcal.KindFormat, fsmcal.KindVersion}, fsmcal.KindOf(err))
		})
	}
}

func TestDecodeCalibrationChecksInvariants(t *testing.T) {
	t.Parallel()
	in := `{"format":"fsm-calibration","version":1,"kind":"calibration","data":{"id":"x","forward":[[1,0],[0,1]],"inverse":[[2,0],[0,2]]}}`
	_, err := DecodeCalibration(strings.NewReader(in))
	assert.True(t, errors.Is(err, fsmcal.ErrFormat), "got %v", err)
}

func newMemStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(fsutil.NewMemoryFileSystem(), "/var/lib/fsm")
	require.NoError(t, err)
	return s
}

func TestFileStoreRecords(t *testing.T) {
	t.Parallel()
	s := newMemStore(t)
	tr := testutil.PopulatedTrace(t)
	cal := testutil.PopulatedCalibration(t)

	require.NoError(t, s.SaveTrace("run-1-axis2", tr))
	require.NoError(t, s.SaveCalibration("run-1", cal))
	require.NoError(t, s.SaveCalibration("run-0", cal))

	gotTrace, err := s.LoadTrace("run-1-axis2")
	require.NoError(t, err)
	if diff := cmp.Diff(tr, gotTrace, traceOpts); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	gotCal, err := s.LoadCalibration("run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(cal, gotCal); diff != "" {
		t.Errorf("calibration mismatch (-want +got):\n%s", diff)
	}

	names, err := s.List(KindCalibration)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-0", "run-1"}, names)
	names, err = s.List(KindTrace)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1-axis2"}, names)

	_, err = s.LoadTrace("run-9")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreFormatSwitchSupersedes(t *testing.T) {
	t.Parallel()
	s := newMemStore(t)
	tr := testutil.PopulatedTrace(t)
	require.NoError(t, s.SaveTrace("t", tr))

	s.TraceFormat = JSON
	require.NoError(t, s.SaveTrace("t", tr))
	names, err := s.List(KindTrace)
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, names)

	got, err := s.LoadTrace("t")
	require.NoError(t, err)
	assert.Equal(t, tr.Len(), got.Len())
}

func TestFileStoreRejectsBadNames(t *testing.T) {
	t.Parallel()
	s := newMemStore(t)
	for _, name := range []string{"", "../etc/passwd", "a/b", ".hidden", "a..b", strings.Repeat("x", 200)} {
		assert.True(t, errors.Is(s.SaveTrace(name, testutil.PopulatedTrace(t)), ErrInvalidName), "name %q", name)
		_, err := s.LoadCalibration(name)
		assert.True(t, errors.Is(err, ErrInvalidName), "name %q", name)
	}
}

func TestFileStoreCurrentSlot(t *testing.T) {
	t.Parallel()
	s := newMemStore(t)

	_, err := s.Current()
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, s.DeleteCurrent())

	cal := testutil.PopulatedCalibration(t)
	require.NoError(t, s.SetCurrent(cal))
	got, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, cal.ID, got.ID)

	degenerate := *cal
	degenerate.Degenerate = true
	degenerate.Inverse = nil
	assert.True(t, errors.Is(s.SetCurrent(&degenerate), fsmcal.ErrSingularTransform))

	require.NoError(t, s.DeleteCurrent())
	_, err = s.Current()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreSaveRun(t *testing.T) {
	t.Parallel()
	s := newMemStore(t)
	cfg := fsmcal.DefaultConfig()
	fwd := transform.Matrix2{{0.5, 0}, {0, 0.5}}
	a1 := testutil.WiggleTrace(t, 1, cfg, fwd, 50)
	a2 := testutil.WiggleTrace(t, 2, cfg, fwd, 50)

	require.NoError(t, s.SaveRun("abc", testutil.PopulatedCalibration(t), a1, nil, a2))
	traces, err := s.List(KindTrace)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc-axis1", "abc-axis2"}, traces)
	cals, err := s.List(KindCalibration)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, cals)
}

func TestFileStoreOnDisk(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(fsutil.OSFileSystem{}, t.TempDir())
	require.NoError(t, err)
	cal := testutil.PopulatedCalibration(t)
	require.NoError(t, s.SaveCalibration(cal.ID, cal))
	got, err := s.LoadCalibration(cal.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(cal, got); diff != "" {
		t.Errorf("calibration mismatch (-want +got):\n%s", diff)
	}
}
