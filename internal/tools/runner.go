// Package tools drives the external authoring binaries (xorriso,
// squashfs-tools) through argv-vector subprocess invocation. Commands
// are never assembled as shell strings; job-controlled values only
// ever appear as discrete argv elements.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result captures a finished subprocess invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a subprocess that ran but exited non-zero.
type ExitError struct {
	Name string
	Args []string
	Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command failed (%d): %s %s", e.ExitCode, e.Name, strings.Join(e.Args, " "))
}

// Runner executes external commands. The production implementation is
// ExecRunner; tests substitute spies.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run executes the command and captures stdout/stderr. A non-zero
// exit returns both the populated Result and an *ExitError; callers
// that tolerate specific exit codes inspect the Result.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Name: name, Args: args, Result: res}
		}
		return res, fmt.Errorf("starting %s: %w", name, err)
	}
	return res, nil
}
