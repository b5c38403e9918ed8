// Package api serves the calibration runner over HTTP: start, poll, abort
// and inspect runs, stream progress over a websocket and browse the run
// catalog.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/fsm-calibration/internal/config"
	"github.com/banshee-data/fsm-calibration/internal/db"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/executor"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/report"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/store"
	"github.com/banshee-data/fsm-calibration/internal/httputil"
	"github.com/banshee-data/fsm-calibration/internal/monitoring"
	"github.com/banshee-data/fsm-calibration/internal/serialmux"
)

const maxStartBody = 64 * 1024

// Server holds the dependencies of the HTTP surface. Catalog and
// controller are optional; routes that need a missing one answer 503.
type Server struct {
	runner     *executor.Runner
	catalog    *db.DB
	controller *serialmux.Controller
	defaults   fsmcal.Config
	verify     bool
	// runCtx parents every run started over HTTP so a run outlives the
	// request that started it.
	runCtx context.Context
	logf   func(format string, v ...interface{})
}

// Option configures a Server.
type Option func(*Server)

// WithCatalog enables the run listing and the catalog debug routes.
func WithCatalog(catalog *db.DB) Option {
	return func(s *Server) { s.catalog = catalog }
}

// WithController exposes controller debug routes.
func WithController(c *serialmux.Controller) Option {
	return func(s *Server) { s.controller = c }
}

// WithDefaults sets the configuration start requests are overlaid on and
// whether runs verify unless the request says otherwise.
func WithDefaults(cfg fsmcal.Config, verify bool) Option {
	return func(s *Server) { s.defaults, s.verify = cfg, verify }
}

// WithRunContext sets the context runs are started under. Cancelling it
// aborts the active run.
func WithRunContext(ctx context.Context) Option {
	return func(s *Server) { s.runCtx = ctx }
}

func NewServer(runner *executor.Runner, opts ...Option) *Server {
	s := &Server{
		runner:   runner,
		defaults: fsmcal.DefaultConfig(),
		verify:   true,
		runCtx:   context.Background(),
		logf:     monitoring.Component("API"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeMux returns the routes, including the /debug/ tree.
func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/calibration/start", s.handleStart)
	mux.HandleFunc("/api/calibration/status", s.handleStatus)
	mux.HandleFunc("/api/calibration/abort", s.handleAbort)
	mux.HandleFunc("/api/calibration/result", s.handleResult)
	mux.HandleFunc("/api/calibration/runs", s.handleRuns)
	mux.HandleFunc("/api/calibration/latest", s.handleLatest)
	mux.HandleFunc("/api/calibration/chart", s.handleChart)
	mux.HandleFunc("/api/calibration/ws", s.handleWS)

	debug := tsweb.Debugger(mux)
	if s.catalog != nil {
		if err := s.catalog.AttachAdminRoutes(debug); err != nil {
			return nil, err
		}
	}
	if s.controller != nil {
		s.controller.AttachAdminRoutes(debug)
	}
	return mux, nil
}

// StartRequest is the optional body of a start request. Config fields
// override the server defaults; Verify overrides the default verify flag.
type StartRequest struct {
	config.CalibrationFile
	RunID string `json:"run_id,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req StartRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStartBody))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("read body: %v", err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	if req.RunID != "" {
		if err := store.ValidateName(req.RunID); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	cfg := req.ResolveOnto(s.defaults)
	verify := s.verify
	if req.Verify != nil {
		verify = *req.Verify
	}

	runID, err := s.runner.Start(s.runCtx, cfg, executor.RunOptions{Verify: verify, RunID: req.RunID})
	switch {
	case errors.Is(err, executor.ErrBusy):
		httputil.Conflict(w, "a calibration is already running")
		return
	case errors.Is(err, fsmcal.ErrInvalidConfig):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return
	}
	s.logf("started run %s (verify=%v)", runID, verify)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.runner.State())
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.runner.Stop() {
		httputil.Conflict(w, "no calibration is running")
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"aborted": true})
}

// ResultResponse is the last finished run.
type ResultResponse struct {
	*executor.Outcome
	Error string `json:"error,omitempty"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	out, err := s.runner.Result()
	if out == nil && err == nil {
		httputil.NotFound(w, "no finished run")
		return
	}
	resp := ResultResponse{Outcome: out}
	if err != nil {
		resp.Error = err.Error()
	}
	if out == nil {
		resp.Outcome = &executor.Outcome{Kind: fsmcal.KindOf(err)}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		httputil.ServiceUnavailable(w, "run catalog not configured")
		return
	}
	id := r.URL.Query().Get("id")
	switch r.Method {
	case http.MethodGet:
		if id != "" {
			rec, err := s.catalog.GetRun(r.Context(), id)
			if errors.Is(err, db.ErrRunNotFound) {
				httputil.NotFound(w, err.Error())
				return
			}
			if err != nil {
				httputil.InternalServerError(w, err.Error())
				return
			}
			httputil.WriteJSONOK(w, rec)
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
				return
			}
			limit = n
		}
		runs, err := s.catalog.ListRuns(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, runs)
	case http.MethodDelete:
		if id == "" {
			httputil.BadRequest(w, "missing id")
			return
		}
		err := s.catalog.DeleteRun(r.Context(), id)
		if errors.Is(err, db.ErrRunNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleLatest serves the most recent usable calibration from the catalog.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.catalog == nil {
		httputil.ServiceUnavailable(w, "run catalog not configured")
		return
	}
	cal, err := s.catalog.LatestCalibration(r.Context())
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, "no usable calibration recorded")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, cal)
}

// handleChart renders the verification of the last finished run.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	out, _ := s.runner.Result()
	if out == nil || out.Verification == nil {
		httputil.NotFound(w, "last run has no verification")
		return
	}
	subtitle := fmt.Sprintf("run %s, finished %s", out.RunID, out.FinishedAt.Format(time.RFC3339))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderVerification(w, *out.Verification, subtitle); err != nil {
		s.logf("render chart: %v", err)
	}
}
