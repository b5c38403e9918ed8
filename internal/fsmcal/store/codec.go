// Package store persists calibration traces and results in a versioned,
// self-describing encoding.
//
// Two encodings share one version number. The binary form is the magic
// "FSMC", a version byte, a kind byte and a gzip-compressed gob payload; it
// is bit-exact for every float including NaN and is the default for traces.
// The JSON form is an envelope {"format","version","kind","data"} that can
// be read by hand and is the default for calibrations. Decoding detects the
// encoding from the leading bytes.
package store

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/transform"
	"github.com/banshee-data/fsm-calibration/internal/version"
)

// Version is the schema version written by this package. Records with a
// higher version are rejected with fsmcal.ErrVersion.
const Version = 1

const (
	magic      = "FSMC"
	formatName = "fsm-calibration"
)

// Format selects an encoding.
type Format int

const (
	Binary Format = iota
	JSON
)

func (f Format) String() string {
	if f == JSON {
		return "json"
	}
	return "binary"
}

// Ext is the file extension FileStore uses for f.
func (f Format) Ext() string {
	if f == JSON {
		return ".json"
	}
	return ".fsmc"
}

// Kind tags the record type inside an encoding.
type Kind byte

const (
	KindTrace       Kind = 1
	KindCalibration Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindTrace:
		return "trace"
	case KindCalibration:
		return "calibration"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "trace":
		return KindTrace, true
	case "calibration":
		return KindCalibration, true
	}
	return 0, false
}

type envelope struct {
	Format    string          `json:"format"`
	Version   int             `json:"version"`
	Kind      string          `json:"kind"`
	Generator string          `json:"generator,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// EncodeTrace writes tr in format f.
func EncodeTrace(w io.Writer, tr *fsmcal.Trace, f Format) error {
	return encode(w, KindTrace, tr, f)
}

// DecodeTrace reads a trace in either encoding. The result is validated
// and frozen.
func DecodeTrace(r io.Reader) (*fsmcal.Trace, error) {
	var tr fsmcal.Trace
	if err := decode(r, KindTrace, &tr); err != nil {
		return nil, err
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	tr.Freeze()
	return &tr, nil
}

// EncodeCalibration writes cal in format f.
func EncodeCalibration(w io.Writer, cal *fsmcal.AxisCalibration, f Format) error {
	return encode(w, KindCalibration, &calibrationPayload{cal: cal}, f)
}

// DecodeCalibration reads a calibration in either encoding and checks its
// invariants.
func DecodeCalibration(r io.Reader) (*fsmcal.AxisCalibration, error) {
	var cal fsmcal.AxisCalibration
	if err := decode(r, KindCalibration, &calibrationPayload{cal: &cal}); err != nil {
		return nil, err
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return &cal, nil
}

// calibrationPayload carries a calibration through both encodings. JSON
// uses the record's own tags. Gob omits zero values even behind pointers,
// so the binary form flattens the optional fields into explicit presence
// flags and values.
type calibrationPayload struct {
	cal *fsmcal.AxisCalibration
}

type calibrationWire struct {
	ID         string
	CreatedAt  time.Time
	Config     fsmcal.Config
	Forward    transform.Matrix2
	HasInverse bool
	Inverse    transform.Matrix2
	Degenerate bool
	Intercept  transform.Vec2
	RSquared   [2]float64

	HasRMS    bool
	RMS       float64
	HasMax    bool
	Max       float64
	HasPassed bool
	Passed    bool
}

func (p *calibrationPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.cal)
}

func (p *calibrationPayload) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, p.cal)
}

func (p *calibrationPayload) GobEncode() ([]byte, error) {
	c := p.cal
	w := calibrationWire{
		ID:         c.ID,
		CreatedAt:  c.CreatedAt,
		Config:     c.Config,
		Forward:    c.Forward,
		Degenerate: c.Degenerate,
		Intercept:  c.Intercept,
		RSquared:   c.RSquared,
	}
	if c.Inverse != nil {
		w.HasInverse, w.Inverse = true, *c.Inverse
	}
	if c.VerificationRMS != nil {
		w.HasRMS, w.RMS = true, *c.VerificationRMS
	}
	if c.VerificationMax != nil {
		w.HasMax, w.Max = true, *c.VerificationMax
	}
	if c.VerificationPassed != nil {
		w.HasPassed, w.Passed = true, *c.VerificationPassed
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *calibrationPayload) GobDecode(b []byte) error {
	var w calibrationWire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return err
	}
	*p.cal = fsmcal.AxisCalibration{
		ID:         w.ID,
		CreatedAt:  w.CreatedAt,
		Config:     w.Config,
		Forward:    w.Forward,
		Degenerate: w.Degenerate,
		Intercept:  w.Intercept,
		RSquared:   w.RSquared,
	}
	if w.HasInverse {
		inv := w.Inverse
		p.cal.Inverse = &inv
	}
	if w.HasRMS {
		rms := w.RMS
		p.cal.VerificationRMS = &rms
	}
	if w.HasMax {
		mx := w.Max
		p.cal.VerificationMax = &mx
	}
	if w.HasPassed {
		passed := w.Passed
		p.cal.VerificationPassed = &passed
	}
	return nil
}

func encode(w io.Writer, kind Kind, v any, f Format) error {
	if f == JSON {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", kind, err)
		}
		env := envelope{
			Format:    formatName,
			Version:   Version,
			Kind:      kind.String(),
			Generator: version.String(),
			Data:      data,
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(env); err != nil {
			return fmt.Errorf("failed to write %s envelope: %w", kind, err)
		}
		return nil
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(Version)
	buf.WriteByte(byte(kind))
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(v); err != nil {
		gz.Close()
		return fmt.Errorf("failed to gob-encode %s: %w", kind, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress %s: %w", kind, err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	return nil
}

func decode(r io.Reader, want Kind, v any) error {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(magic))
	if err == nil && string(head) == magic {
		return decodeBinary(br, want, v)
	}
	if err := skipSpace(br); err != nil {
		return fmt.Errorf("%w: empty input", fsmcal.ErrFormat)
	}
	if b, _ := br.Peek(1); len(b) == 1 && b[0] == '{' {
		return decodeJSON(br, want, v)
	}
	return fmt.Errorf("%w: unrecognized leading bytes", fsmcal.ErrFormat)
}

func decodeBinary(br *bufio.Reader, want Kind, v any) error {
	hdr := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return fmt.Errorf("%w: truncated header: %v", fsmcal.ErrFormat, err)
	}
	if err := checkVersion(int(hdr[len(magic)])); err != nil {
		return err
	}
	if got := Kind(hdr[len(magic)+1]); got != want {
		return fmt.Errorf("%w: record is a %s, want %s", fsmcal.ErrFormat, got, want)
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return fmt.Errorf("%w: failed to create gzip reader: %v", fsmcal.ErrFormat, err)
	}
	defer gz.Close()
	if err := gob.NewDecoder(gz).Decode(v); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %v", fsmcal.ErrFormat, want, err)
	}
	return nil
}

func decodeJSON(br *bufio.Reader, want Kind, v any) error {
	var env envelope
	if err := json.NewDecoder(br).Decode(&env); err != nil {
		return fmt.Errorf("%w: %v", fsmcal.ErrFormat, err)
	}
	if env.Format != formatName {
		return fmt.Errorf("%w: format %q", fsmcal.ErrFormat, env.Format)
	}
	if err := checkVersion(env.Version); err != nil {
		return err
	}
	got, ok := parseKind(env.Kind)
	if !ok || got != want {
		return fmt.Errorf("%w: record is a %q, want %s", fsmcal.ErrFormat, env.Kind, want)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: missing data", fsmcal.ErrFormat)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %v", fsmcal.ErrFormat, want, err)
	}
	return nil
}

func checkVersion(v int) error {
	switch {
	case v > Version:
		return fmt.Errorf("%w: record version %d, newest supported is %d", fsmcal.ErrVersion, v, Version)
	case v < 1:
		return fmt.Errorf("%w: record version %d", fsmcal.ErrFormat, v)
	}
	return nil
}

func skipSpace(br *bufio.Reader) error {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return br.UnreadByte()
	}
}
