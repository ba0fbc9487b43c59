// Command fleetup upgrades the monitoring components of this host
// according to a plan file.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/randalmurphal/fleetup/pkg/fleetup"
)

var version = "dev"

// Global is bound into every command's Run method.
type Global struct {
	Ctx    context.Context
	Stdin  io.Reader
	Stdout io.Writer
}

// exitError carries a process exit code. err may be nil when the code
// alone is the message (ExitSkipped).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit " + strconv.Itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int) error {
	if code == fleetup.ExitSuccess {
		return nil
	}
	return &exitError{code: code}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("fleetup"),
		kong.Description("Idempotent in-place upgrades of a host's monitoring stack."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.Writers(stdout, os.Stderr),
	)
	if err != nil {
		slog.Error("Failed to build command line parser", "error", err)
		return fleetup.ExitFailure
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return fleetup.ExitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cli.shutdown != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cli.shutdown(sctx); err != nil {
				slog.Warn("Failed to flush traces", "error", err)
			}
		}()
	}

	err = kctx.Run(&Global{Ctx: ctx, Stdin: stdin, Stdout: stdout}, &cli)
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return fleetup.ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			slog.Error("Command failed", "error", ee.err)
		}
		return ee.code
	}
	slog.Error("Command failed", "error", err)
	return fleetup.ExitFailure
}
