package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/fsm-calibration/internal/api"
	"github.com/banshee-data/fsm-calibration/internal/db"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/executor"
	"github.com/banshee-data/fsm-calibration/internal/fsmcal/store"
	"github.com/banshee-data/fsm-calibration/internal/fsutil"
)

const shutdownTimeout = 5 * time.Second

func handleServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var bf benchFlags
	bf.register(fs)
	listen := fs.String("listen", ":8080", "Listen address")
	plots := fs.Bool("plots", true, "Write trace plots and the verification chart for every run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, cfg, verify, err := bf.resolve(fs)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
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
		recorders(&artifacts{fs: osfs, store: st, plots: *plots}, catalog)...)

	opts := []api.Option{api.WithDefaults(cfg, verify), api.WithRunContext(ctx)}
	if catalog != nil {
		opts = append(opts, api.WithCatalog(catalog))
	}
	if hw.controller != nil {
		opts = append(opts, api.WithController(hw.controller))
	}
	mux, err := api.NewServer(runner, opts...).ServeMux()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// The run context is ctx, so an active run is already aborting; wait
	// for it to park the mirror before closing the hardware.
	runner.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, err := runner.Wait(waitCtx); errors.Is(err, context.DeadlineExceeded) {
		log.Printf("run did not finish before shutdown")
	}
	if err := server.Shutdown(waitCtx); err != nil {
		log.Printf("failed to shut down server: %v", err)
	}
	log.Print("server terminated")
	return nil
}
