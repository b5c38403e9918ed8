// Command fsm-calibrate measures the pixel response of a fast steering
// mirror, stores the resulting calibration and serves the calibration
// runner over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/fsm-calibration/internal/version"
)

func main() {
	flag.Usage = func() { printUsage(os.Stdout) }
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		log.Printf("%s: %v", flag.Arg(0), err)
		stop()
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, command string, args []string, stdout io.Writer) error {
	switch command {
	case "run":
		return handleRun(ctx, args, stdout)
	case "serve":
		return handleServe(ctx, args)
	case "show":
		return handleShow(ctx, args, stdout)
	case "version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `fsm-calibrate - fast steering mirror calibration

Usage: fsm-calibrate <command> [options]

Commands:
  run        Run one calibration and store the result
  serve      Serve the calibration runner over HTTP
  show       Print a stored calibration or the run catalog
  version    Show fsm-calibrate version
  help       Show this help message

Common Flags:
  --config <file>      Calibration file (JSON); flags override its values
  --sim                Use the simulated bench instead of hardware
  --port <device>      FSM controller serial device
  --broker <url>       MQTT broker carrying tracker centroids
  --store <dir>        Record store directory (default: calibrations)
  --db <file>          Run catalog database ("" disables it)

Examples:
  # Calibrate against the simulator and write plots
  fsm-calibrate run --sim --plots

  # Calibrate the bench mirror and promote the result
  fsm-calibrate run --port /dev/ttyUSB0 --broker tcp://tracker:1883 --set-current

  # Serve the runner with the controller debug pages
  fsm-calibrate serve --port /dev/ttyUSB0 --listen :8080

  # Print the current calibration
  fsm-calibrate show current`)
}
