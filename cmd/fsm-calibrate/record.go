package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/fsm-calibration/internal/db"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/executor"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/fit"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/report"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/store"
	"github.com/banshee-data/fsm-calibration/internal/fsutil"
)

const plotsDir = "plots"

// artifacts writes a finished run to the record store: the calibration and
// traces, optional PNG plots and verification chart, and the current slot
// when the run fully succeeded.
type artifacts struct {
	fs         fsutil.FileSystem
	store      *store.FileStore
	plots      bool
	setCurrent bool
}

func (a *artifacts) Record(_ context.Context, out *executor.Outcome, runErr error) error {
	var errs []error
	if err := a.store.SaveRun(out.RunID, out.Calibration, out.Traces.All()...); err != nil {
		errs = append(errs, fmt.Errorf("save run: %w", err))
	}
	if a.plots {
		if err := a.writePlots(out); err != nil {
			errs = append(errs, err)
		}
	}
	if a.setCurrent && runErr == nil && out.Calibration != nil {
		if err := a.store.SetCurrent(out.Calibration); err != nil {
			errs = append(errs, fmt.Errorf("set current: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *artifacts) writePlots(out *executor.Outcome) error {
	dir := filepath.Join(a.store.Root(), plotsDir)
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plot directory: %w", err)
	}
	write := func(name string, render func(*bytes.Buffer) error) error {
		var buf bytes.Buffer
		if err := render(&buf); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return a.fs.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644)
	}

	wiggles := []*fsmcal.Trace{out.Traces.Axis1, out.Traces.Axis2}
	for i, tr := range wiggles {
		if tr == nil || len(tr.Samples) == 0 {
			continue
		}
		var fits *[2]fit.Sinusoid
		if out.Fits != nil {
			fits = &[2]fit.Sinusoid{out.Fits[i].X, out.Fits[i].Y}
		}
		name := fmt.Sprintf("%s-%s.png", out.RunID, tr.Phase)
		if err := write(name, func(b *bytes.Buffer) error { return report.WriteTracePNG(b, tr, fits) }); err != nil {
			return err
		}
	}
	if out.Verification != nil {
		subtitle := "run " + out.RunID
		name := out.RunID + "-verification.html"
		if err := write(name, func(b *bytes.Buffer) error { return report.RenderVerification(b, *out.Verification, subtitle) }); err != nil {
			return err
		}
	}
	return nil
}

// recorders builds the recorder chain for a run: the record store, then the
// catalog when one is open.
func recorders(a *artifacts, catalog *db.DB) []executor.Recorder {
	recs := []executor.Recorder{a}
	if catalog != nil {
		recs = append(recs, executor.RecordFunc(catalog.RecordRun))
	}
	return recs
}
