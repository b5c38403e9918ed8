package db

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/executor"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/store"
)

// ErrRunNotFound is returned when no catalog row matches.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one catalog row.
type RunRecord struct {
	RunID              string                  `json:"run_id"`
	StartedAt          time.Time               `json:"started_at"`
	FinishedAt         time.Time               `json:"finished_at"`
	Phase              string                  `json:"phase"`
	FailedIn           string                  `json:"failed_in,omitempty"`
	Kind               fsmcal.Kind             `json:"kind,omitempty"`
	Error              string                  `json:"error,omitempty"`
	Baseline           *[2]float64             `json:"baseline,omitempty"`
	RSquared           *[2]float64             `json:"r_squared,omitempty"`
	Degenerate         bool                    `json:"degenerate"`
	VerificationRMS    *float64                `json:"verification_rms_px,omitempty"`
	VerificationMax    *float64                `json:"verification_max_px,omitempty"`
	VerificationPassed *bool                   `json:"verification_passed,omitempty"`
	Calibration        *fsmcal.AxisCalibration `json:"calibration,omitempty"`
	Traces             []TraceSummary          `json:"traces,omitempty"`
}

// TraceSummary describes one trace a run collected without its samples.
type TraceSummary struct {
	Phase      string  `json:"phase"`
	Samples    int     `json:"samples"`
	DurationS  float64 `json:"duration_s"`
	FirstFrame *uint64 `json:"first_frame,omitempty"`
	LastFrame  *uint64 `json:"last_frame,omitempty"`
}

// RecordRun stores out, replacing any earlier row for the same run. It has
// the executor.Recorder shape so a Runner can persist outcomes directly.
func (db *DB) RecordRun(ctx context.Context, out *executor.Outcome, runErr error) error {
	if out == nil {
		return fmt.Errorf("record run: nil outcome")
	}
	var (
		errText   sql.NullString
		failedIn  sql.NullString
		bx, by    sql.NullFloat64
		r1, r2    sql.NullFloat64
		rms, maxE sql.NullFloat64
		passed    sql.NullBool
		calJSON   sql.NullString
		degen     bool
	)
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	if out.Phase != executor.PhaseCompleted {
		failedIn = sql.NullString{String: out.FailedIn.String(), Valid: true}
	}
	if out.Baseline != nil {
		bx = sql.NullFloat64{Float64: out.Baseline[0], Valid: true}
		by = sql.NullFloat64{Float64: out.Baseline[1], Valid: true}
	}
	if cal := out.Calibration; cal != nil {
		r1 = nullFinite(cal.RSquared[0])
		r2 = nullFinite(cal.RSquared[1])
		degen = cal.Degenerate
		if cal.VerificationRMS != nil {
			rms = nullFinite(*cal.VerificationRMS)
		}
		if cal.VerificationMax != nil {
			maxE = nullFinite(*cal.VerificationMax)
		}
		if cal.VerificationPassed != nil {
			passed = sql.NullBool{Bool: *cal.VerificationPassed, Valid: true}
		}
		var buf bytes.Buffer
		if err := store.EncodeCalibration(&buf, cal, store.JSON); err != nil {
			return fmt.Errorf("record run %s: %w", out.RunID, err)
		}
		calJSON = sql.NullString{String: buf.String(), Valid: true}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO calibration_runs (
			run_id, started_at, finished_at, phase, failed_in, kind, error,
			baseline_x, baseline_y, r_squared_1, r_squared_2, degenerate,
			verification_rms, verification_max, verification_passed, calibration_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.RunID, unixSeconds(out.StartedAt), unixSeconds(out.FinishedAt), out.Phase.String(),
		failedIn, string(out.Kind), errText,
		bx, by, r1, r2, degen,
		rms, maxE, passed, calJSON,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", out.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_traces WHERE run_id = ?`, out.RunID); err != nil {
		return err
	}
	for _, tr := range out.Traces.All() {
		s := summarize(tr)
		var first, last sql.NullInt64
		if s.FirstFrame != nil {
			first = sql.NullInt64{Int64: int64(*s.FirstFrame), Valid: true}
			last = sql.NullInt64{Int64: int64(*s.LastFrame), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_traces (run_id, phase, samples, duration_s, first_frame, last_frame) VALUES (?, ?, ?, ?, ?, ?)`,
			out.RunID, s.Phase, s.Samples, s.DurationS, first, last); err != nil {
			return fmt.Errorf("insert %s trace for run %s: %w", s.Phase, out.RunID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logf("recorded run %s phase=%s kind=%q", out.RunID, out.Phase, out.Kind)
	return nil
}

func summarize(tr *fsmcal.Trace) TraceSummary {
	s := TraceSummary{Phase: tr.Phase, Samples: tr.Len()}
	if n := tr.Len(); n > 0 {
		s.DurationS = tr.Time[n-1] - tr.Time[0]
		first, last := tr.Frame[0], tr.Frame[n-1]
		s.FirstFrame, s.LastFrame = &first, &last
	}
	return s
}

const runColumns = `run_id, started_at, finished_at, phase, failed_in, kind, error,
	baseline_x, baseline_y, r_squared_1, r_squared_2, degenerate,
	verification_rms, verification_max, verification_passed, calibration_json`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec              RunRecord
		started, finish  float64
		failedIn, errTxt sql.NullString
		kind             string
		bx, by, r1, r2   sql.NullFloat64
		rms, maxE        sql.NullFloat64
		passed           sql.NullBool
		calJSON          sql.NullString
	)
	if err := row.Scan(&rec.RunID, &started, &finish, &rec.Phase, &failedIn, &kind, &errTxt,
		&bx, &by, &r1, &r2, &rec.Degenerate, &rms, &maxE, &passed, &calJSON); err != nil {
		return nil, err
	}
	rec.StartedAt = fromUnixSeconds(started)
	rec.FinishedAt = fromUnixSeconds(finish)
	rec.FailedIn = failedIn.String
	rec.Kind = fsmcal.Kind(kind)
	rec.Error = errTxt.String
	if bx.Valid && by.Valid {
		rec.Baseline = &[2]float64{bx.Float64, by.Float64}
	}
	if r1.Valid || r2.Valid {
		rec.RSquared = &[2]float64{nanIfNull(r1), nanIfNull(r2)}
	}
	if rms.Valid {
		rec.VerificationRMS = &rms.Float64
	}
	if maxE.Valid {
		rec.VerificationMax = &maxE.Float64
	}
	if passed.Valid {
		rec.VerificationPassed = &passed.Bool
	}
	if calJSON.Valid {
		cal, err := store.DecodeCalibration(bytes.NewReader([]byte(calJSON.String)))
		if err != nil {
			return nil, fmt.Errorf("run %s calibration: %w", rec.RunID, err)
		}
		rec.Calibration = cal
	}
	return &rec, nil
}

// GetRun returns one run with its trace summaries.
func (db *DB) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM calibration_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT phase, samples, duration_s, first_frame, last_frame FROM run_traces WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s           TraceSummary
			first, last sql.NullInt64
		)
		if err := rows.Scan(&s.Phase, &s.Samples, &s.DurationS, &first, &last); err != nil {
			return nil, err
		}
		if first.Valid && last.Valid {
			f, l := uint64(first.Int64), uint64(last.Int64)
			s.FirstFrame, s.LastFrame = &f, &l
		}
		rec.Traces = append(rec.Traces, s)
	}
	return rec, rows.Err()
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means 100.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM calibration_runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *rec)
	}
	return runs, rows.Err()
}

// LatestCalibration returns the calibration of the newest fully successful
// run: completed, not degenerate, and not failing verification.
func (db *DB) LatestCalibration(ctx context.Context) (*fsmcal.AxisCalibration, error) {
	rec, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM calibration_runs
		WHERE phase = ? AND kind = '' AND degenerate = 0 AND calibration_json IS NOT NULL
		ORDER BY finished_at DESC LIMIT 1`, executor.PhaseCompleted.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Calibration, nil
}

// DeleteRun removes a run and its trace summaries.
func (db *DB) DeleteRun(ctx context.Context, runID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM calibration_runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// nullFinite stores NaN and Inf as NULL; sqlite has no representation
// for NaN.
func nullFinite(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nanIfNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
