// Package shell runs external programs and captures their output.
package shell

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// We prefer to return stderr over the process exit code
type ExitErrorVerbose struct {
	E exec.ExitError
}

func (e ExitErrorVerbose) Error() string {
	if len(e.E.Stderr) != 0 {
		return string(e.E.Stderr)
	}
	return e.E.Error()
}

// Run executes the program and returns its stdout.
func Run(name string, args ...string) (string, error) {
	return RunCtx(context.Background(), name, args...)
}

// RunCtx is Run with cancellation. A cancelled or timed-out context kills
// the process, and the returned error reflects the context state.
func RunCtx(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", ExitErrorVerbose{*exitErr}
		}
		return "", err
	}
	return string(out), nil
}

// RunTimeout is RunCtx with a deadline relative to now.
func RunTimeout(timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return RunCtx(ctx, name, args...)
}
