// Package runner executes shell command lines on behalf of the metric
// collectors and returns their standard output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Runner executes a command line and returns what it wrote to stdout.
//
// A non-zero exit status is not an error: callers judge the output itself.
// Implementations return an error only when the command could not be
// started or did not finish before the context ended.
type Runner interface {
	Run(ctx context.Context, commandLine string) (string, error)
}

// Func adapts a plain function to the Runner interface.
type Func func(ctx context.Context, commandLine string) (string, error)

func (f Func) Run(ctx context.Context, commandLine string) (string, error) {
	return f(ctx, commandLine)
}

// Shell runs command lines through /bin/sh.
type Shell struct {
	// Timeout bounds every invocation. Zero means the caller's context is
	// the only limit.
	Timeout time.Duration

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewShell(timeout time.Duration) *Shell {
	return &Shell{
		Timeout:     timeout,
		execCommand: exec.CommandContext,
	}
}

func (s *Shell) Run(ctx context.Context, commandLine string) (string, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := s.execCommand(ctx, "sh", "-c", commandLine)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// Children that inherit stdout must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), fmt.Errorf("run %q: %w", commandLine, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), nil
		}
		return "", fmt.Errorf("run %q: %w", commandLine, err)
	}
	return stdout.String(), nil
}
