package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/db"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/store"
	"github.com/banshee-data/fsm-calibration/internal/fsutil"
)

// handleShow prints a stored calibration as JSON. The name "current"
// selects the current slot; --runs lists the catalog instead.
func handleShow(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	storeDir := fs.String("store", "calibrations", "Record store directory")
	dbPath := fs.String("db", "calibration_runs.db", "Run catalog database")
	runs := fs.Bool("runs", false, "List the run catalog")
	limit := fs.Int("limit", 20, "Runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *runs {
		catalog, err := db.NewDB(*dbPath)
		if err != nil {
			return err
		}
		defer catalog.Close()
		return listRuns(ctx, catalog, *limit, stdout)
	}

	st, err := store.NewFileStore(fsutil.OSFileSystem{}, *storeDir)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		names, err := st.List(store.KindCalibration)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(stdout, n)
		}
		return nil
	}

	name := fs.Arg(0)
	load := st.LoadCalibration
	if name == "current" {
		load = func(string) (*fsmcal.AxisCalibration, error) { return st.Current() }
	}
	cal, err := load(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cal)
}

func listRuns(ctx context.Context, catalog *db.DB, limit int, w io.Writer) error {
	recs, err := catalog.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tPHASE\tKIND\tR²\tRMS px")
	for _, r := range recs {
		r2, rms := "-", "-"
		if r.RSquared != nil {
			r2 = fmt.Sprintf("%.3f/%.3f", r.RSquared[0], r.RSquared[1])
		}
		if r.VerificationRMS != nil {
			rms = fmt.Sprintf("%.3f", *r.VerificationRMS)
		}
		kind := string(r.Kind)
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.StartedAt.Format(time.RFC3339), r.Phase, kind, r2, rms)
	}
	return tw.Flush()
}
