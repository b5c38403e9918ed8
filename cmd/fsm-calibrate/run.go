package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/banshee-data/fsm-calibration/internal/db"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/executor"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/store"
	"github.com/banshee-data/fsm-calibration/internal/fsutil"
)

// runSummary is what run prints on stdout.
type runSummary struct {
	RunID       string                  `json:"run_id"`
	Phase       executor.Phase          `json:"phase"`
	FailedIn    executor.Phase          `json:"failed_in,omitempty"`
	Kind        fsmcal.Kind             `json:"kind,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Calibration *fsmcal.AxisCalibration `json:"calibration,omitempty"`
}

func handleRun(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var bf benchFlags
	bf.register(fs)
	runID := fs.String("id", "", "Run id (default: generated)")
	plots := fs.Bool("plots", false, "Write trace plots and the verification chart under <store>/plots")
	setCurrent := fs.Bool("set-current", false, "Promote the calibration to current when the run succeeds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *runID != "" {
		if err := store.ValidateName(*runID); err != nil {
			return err
		}
	}
	_, cfg, verify, err := bf.resolve(fs)
	if err != nil {
		return err
	}

	osfs := fsutil.OSFileSystem{}
	st, err := store.NewFileStore(osfs, bf.storeDir)
	if err != nil {
		return err
	}
	var catalog *db.DB
	if bf.dbPath != "" {
		if catalog, err = db.NewDB(bf.dbPath); err != nil {
			return err
		}
		defer catalog.Close()
	}

	hw, err := bf.open(ctx)
	if err != nil {
		return err
	}
	defer hw.close()

	runner := executor.NewRunner(executor.New(hw.act, hw.cam),
		recorders(&artifacts{fs: osfs, store: st, plots: *plots, setCurrent: *setCurrent}, catalog)...)
	if _, err := runner.Start(ctx, cfg, executor.RunOptions{Verify: verify, RunID: *runID}); err != nil {
		return err
	}
	out, runErr := runner.Wait(context.Background())

	sum := runSummary{}
	if out != nil {
		sum.RunID, sum.Phase, sum.FailedIn, sum.Kind, sum.Calibration = out.RunID, out.Phase, out.FailedIn, out.Kind, out.Calibration
	}
	if runErr != nil {
		sum.Error = runErr.Error()
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("calibration %s: %w", sum.RunID, runErr)
	}
	return nil
}
