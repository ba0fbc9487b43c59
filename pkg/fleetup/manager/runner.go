package manager

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ExecRunner runs commands with os/exec under a fixed minimal
// environment. The process is killed when ctx is done, and output pipes
// are abandoned one second later so a child that forks and keeps them
// open cannot stall the caller.
type ExecRunner struct{}

// Run implements component.CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LC_ALL=C"}
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%s exited with status %d", name, exitErr.ExitCode())
		}
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}
