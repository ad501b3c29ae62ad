// Command run-one-until-fail re-runs a command until it fails, then rings
// the terminal bell so the failing state can be inspected.
//
//	Usage: run-one-until-fail <command> [args...]
//
// RUN_ONE_WAIT, in whole seconds, adds a pause after every run.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cashapp/run-one/pkg/runone"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

var version = "v0.0.0"

type config struct {
	Command []string `arg:"" optional:"" passthrough:"" help:"Command to run until it fails, with its arguments"`

	MetricsAddr string           `help:"Serve Prometheus metrics on this address, e.g. ':9090'. Default: disabled"`
	LogFormat   string           `help:"Log format ('json', 'std')" enum:"json,std" default:"std"`
	Version     kong.VersionFlag `short:"V" help:"Print version information"`
}

func main() {
	cfg := &config{}
	_ = kong.Parse(cfg, kong.Vars{"version": version})
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config) error {
	setupLogging(cfg)

	// Keep the library's raw argument vector contract: our own name first,
	// then the untouched passthrough tokens.
	args := append([]string{os.Args[0]}, cfg.Command...)
	spec, err := runone.ParseArgs(args, os.Environ())
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr)
		go func() {
			if err := srv.start(); err != nil {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
		defer srv.stop()
	}
	go handleSignals()

	res, err := runone.Loop(spec)
	if err != nil {
		return err
	}
	logFailure(res)
	bell()
	return nil
}

func logFailure(res runone.Result) {
	switch res.Outcome {
	case runone.SpawnFailure:
		log.Error().Err(res.Err).Msg("Cannot execute command")
	case runone.ExecutionFailure:
		log.Error().Int("exit_code", res.ExitCode).Err(res.Err).Msg("Command failed")
	}
}

// bell writes one BEL to stdout as the final "I stopped, come look" signal.
// stdout is otherwise owned by the child process.
func bell() {
	fmt.Print("\a")
}

func handleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	log.Debug().Str("signal", sig.String()).Msg("Received signal, shutting down")
	bell()
	os.Exit(0)
}

func setupLogging(cfg *config) {
	// Diagnostics go to stderr; stdout belongs to the child and the bell.
	log.Logger = log.Output(os.Stderr)
	if cfg.LogFormat == "std" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	runone.LogAttempt = logAttempt
}

func logAttempt(attempt int, res runone.Result, dur time.Duration) {
	observeRun(res, dur)
	if res.Failed() {
		return
	}
	log.Debug().Int("attempt", attempt).Dur("duration", dur).Msg("Command succeeded, running again")
}
