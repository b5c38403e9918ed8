package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsutil"
	"github.com/banshee-data/fsm-calibration/internal/monitoring"
)

var (
	// ErrInvalidName is returned for record names that are empty, too long
	// or contain path separators.
	ErrInvalidName = errors.New("invalid record name")
	// ErrNotFound is returned when a named record does not exist.
	ErrNotFound = errors.New("record not found")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

const (
	tracesDir       = "traces"
	calibrationsDir = "calibrations"
	currentName     = "current"
)

var logf = monitoring.Component("Store")

// FileStore keeps traces and calibrations as individual files under a root
// directory:
//
//	<root>/traces/<name>.fsmc
//	<root>/calibrations/<name>.json
//	<root>/current.json
//
// It holds no state beyond the filesystem and may be shared by concurrent
// runs and inspection tools.
type FileStore struct {
	fs   fsutil.FileSystem
	root string

	// TraceFormat and CalibrationFormat select the encoding for new writes.
	// Loads accept either.
	TraceFormat       Format
	CalibrationFormat Format
}

// NewFileStore creates the directory layout under root.
func NewFileStore(fsys fsutil.FileSystem, root string) (*FileStore, error) {
	for _, d := range []string{root, filepath.Join(root, tracesDir), filepath.Join(root, calibrationsDir)} {
		if err := fsys.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", d, err)
		}
	}
	return &FileStore{fs: fsys, root: root, TraceFormat: Binary, CalibrationFormat: JSON}, nil
}

// Root returns the store's root directory.
func (s *FileStore) Root() string { return s.root }

// ValidateName checks that name is usable as a record name.
func ValidateName(name string) error {
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// SaveTrace writes tr as traces/<name>.
func (s *FileStore) SaveTrace(name string, tr *fsmcal.Trace) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := EncodeTrace(&buf, tr, s.TraceFormat); err != nil {
		return err
	}
	return s.write(tracesDir, name, s.TraceFormat, buf.Bytes())
}

// LoadTrace reads traces/<name>.
func (s *FileStore) LoadTrace(name string) (*fsmcal.Trace, error) {
	data, err := s.read(tracesDir, name)
	if err != nil {
		return nil, err
	}
	tr, err := DecodeTrace(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", name, err)
	}
	return tr, nil
}

// SaveCalibration writes cal as calibrations/<name>.
func (s *FileStore) SaveCalibration(name string, cal *fsmcal.AxisCalibration) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := EncodeCalibration(&buf, cal, s.CalibrationFormat); err != nil {
		return err
	}
	return s.write(calibrationsDir, name, s.CalibrationFormat, buf.Bytes())
}

// LoadCalibration reads calibrations/<name>.
func (s *FileStore) LoadCalibration(name string) (*fsmcal.AxisCalibration, error) {
	data, err := s.read(calibrationsDir, name)
	if err != nil {
		return nil, err
	}
	cal, err := DecodeCalibration(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("calibration %s: %w", name, err)
	}
	return cal, nil
}

// List returns the sorted record names of kind.
func (s *FileStore) List(kind Kind) ([]string, error) {
	dir, err := kindDir(kind)
	if err != nil {
		return nil, err
	}
	files, err := s.fs.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	seen := make(map[string]bool, len(files))
	var names []string
	for _, f := range files {
		ext := filepath.Ext(f)
		if ext != Binary.Ext() && ext != JSON.Ext() {
			continue
		}
		name := strings.TrimSuffix(f, ext)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// SaveRun writes a run's calibration under runID and each trace under
// runID-<phase>. A nil calibration is skipped.
func (s *FileStore) SaveRun(runID string, cal *fsmcal.AxisCalibration, traces ...*fsmcal.Trace) error {
	if cal != nil {
		if err := s.SaveCalibration(runID, cal); err != nil {
			return err
		}
	}
	for _, tr := range traces {
		if tr == nil {
			continue
		}
		if err := s.SaveTrace(runID+"-"+tr.Phase, tr); err != nil {
			return err
		}
	}
	logf("Saved run %s (%d traces)", runID, len(traces))
	return nil
}

// Current returns the calibration the controller should use.
func (s *FileStore) Current() (*fsmcal.AxisCalibration, error) {
	data, err := s.fs.ReadFile(s.currentPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no current calibration", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return DecodeCalibration(bytes.NewReader(data))
}

// SetCurrent makes cal the current calibration. Degenerate records are
// refused since no controller can use them.
func (s *FileStore) SetCurrent(cal *fsmcal.AxisCalibration) error {
	if cal.Degenerate {
		return fmt.Errorf("refusing to promote degenerate calibration %s: %w", cal.ID, fsmcal.ErrSingularTransform)
	}
	var buf bytes.Buffer
	if err := EncodeCalibration(&buf, cal, JSON); err != nil {
		return err
	}
	if err := s.fs.WriteFile(s.currentPath(), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write current calibration: %w", err)
	}
	logf("Current calibration is now %s", cal.ID)
	return nil
}

// DeleteCurrent clears the current slot. Clearing an empty slot is not an
// error.
func (s *FileStore) DeleteCurrent() error {
	err := s.fs.Remove(s.currentPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove current calibration: %w", err)
	}
	return nil
}

func (s *FileStore) currentPath() string {
	return filepath.Join(s.root, currentName+JSON.Ext())
}

func (s *FileStore) write(dir, name string, f Format, data []byte) error {
	path := filepath.Join(s.root, dir, name+f.Ext())
	if err := s.fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	// A record saved in one format supersedes a stale copy in the other.
	other := Binary
	if f == Binary {
		other = JSON
	}
	if stale := filepath.Join(s.root, dir, name+other.Ext()); s.fs.Exists(stale) {
		if err := s.fs.Remove(stale); err != nil {
			logf("Failed to remove stale %s: %v", stale, err)
		}
	}
	return nil
}

func (s *FileStore) read(dir, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	for _, f := range []Format{Binary, JSON} {
		data, err := s.fs.ReadFile(filepath.Join(s.root, dir, name+f.Ext()))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, dir, name)
}

func kindDir(k Kind) (string, error) {
	switch k {
	case KindTrace:
		return tracesDir, nil
	case KindCalibration:
		return calibrationsDir, nil
	}
	return "", fmt.Errorf("unknown record kind %s", k)
}
