// Package runone runs a single command over and over until it fails, so that
// the state of a flaky command's first failing run can be inspected.
package runone

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WaitEnvVar holds the optional post-run delay in whole seconds. The delay is
// applied after every run, success or failure. Invalid values are ignored.
const WaitEnvVar = "RUN_ONE_WAIT"

var (
	// ErrMissingProgramName is returned by ParseArgs for an empty argument
	// vector, where not even our own program name is present.
	ErrMissingProgramName = errors.New("cannot get the name of the program")
	// ErrMissingCommand is returned by ParseArgs when no command to run
	// follows our own program name.
	ErrMissingCommand = errors.New("cannot get the command to run")
)

// Spec is the immutable description of the command to execute on every
// iteration. Construct it with ParseArgs; it is read-only afterwards.
type Spec struct {
	Program string        // executable name or path
	Args    []string      // passed verbatim, no shell semantics
	Wait    time.Duration // post-run delay; zero means none
}

// ParseArgs builds a Spec from a raw argument vector and an environment in
// os.Environ() form. args[0] is the calling program's own name and is
// discarded; args[1] becomes the program to run and the rest its arguments,
// passed through as opaque tokens.
//
// The post-run delay is read from the first RUN_ONE_WAIT entry in environ.
// A value that does not parse as a non-negative integer is logged and
// treated as unset rather than failing the parse.
func ParseArgs(args, environ []string) (*Spec, error) {
	if len(args) == 0 {
		return nil, ErrMissingProgramName
	}
	rest := args[1:]
	if len(rest) == 0 {
		return nil, ErrMissingCommand
	}
	spec := &Spec{Program: rest[0], Args: rest[1:]}
	if val, ok := lookupEnv(environ, WaitEnvVar); ok {
		secs, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			log.Warn().Str("value", val).Err(err).Msgf("Invalid value for %s, ignoring", WaitEnvVar)
		} else {
			spec.Wait = time.Duration(secs) * time.Second
		}
	}
	return spec, nil
}

// lookupEnv scans environ for key; the first match wins, later duplicates
// are ignored.
func lookupEnv(environ []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// Outcome classifies a single run of the command.
type Outcome int

const (
	// Success: the command ran and exited zero.
	Success Outcome = iota
	// SpawnFailure: the command could not be started at all.
	SpawnFailure
	// ExecutionFailure: the command ran but exited non-zero.
	ExecutionFailure
)

// Result is the tagged outcome of one run. Err is nil for Success and holds
// a descriptive error otherwise. ExitCode is only meaningful for
// ExecutionFailure.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Err      error
}

// Failed reports whether the run should stop the loop.
func (r Result) Failed() bool {
	return r.Outcome != Success
}

// RunOnce starts the command described by spec with the parent's standard
// streams and waits for it to finish. A failure to start or a non-zero exit
// is reported in the Result; an error waiting on a started process has no
// sane fallback and is returned as a fatal error instead.
func RunOnce(spec *Spec) (Result, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return Result{Outcome: SpawnFailure, Err: errors.Wrap(err, "failed to execute command")}, nil
	}
	err := cmd.Wait()
	if err == nil {
		return Result{Outcome: Success}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Result{}, errors.Wrap(err, "cannot wait for command")
	}
	code := cmd.ProcessState.ExitCode()
	return Result{
		Outcome:  ExecutionFailure,
		ExitCode: code,
		Err:      errors.Wrapf(err, "command failed with exit code %d", code),
	}, nil
}

// LogAttempt is a hook for custom, possibly structured logging of completed
// iterations. It defaults to a no-op.
var LogAttempt = func(attempt int, res Result, dur time.Duration) {}

// Loop runs spec repeatedly until a run fails, returning the failing Result.
// After every run, success or failure, it sleeps the post-run delay before
// deciding whether to continue. The loop is unbounded and a hung command
// blocks it indefinitely.
func Loop(spec *Spec) (Result, error) {
	// Constant interval; backoff growth is not wanted here.
	b := &backoff.Backoff{Min: spec.Wait, Max: spec.Wait, Factor: 1}
	for attempt := 1; ; attempt++ {
		start := time.Now()
		res, err := RunOnce(spec)
		if err != nil {
			return Result{}, err
		}
		LogAttempt(attempt, res, time.Since(start))
		if spec.Wait > 0 {
			time.Sleep(b.Duration())
		}
		if res.Failed() {
			return res, nil
		}
	}
}
