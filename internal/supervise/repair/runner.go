// Package repair owns the policy around automated fix attempts: per
// signature attempt ceilings, cooldowns, the operational definition of
// "fixed", and durable audit of every invocation. The fixer itself is an
// external collaborator behind the Runner interface.
package repair

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RunResult is what the external fixer reported.
type RunResult struct {
	Success bool
	Output  string
	Error   string
}

// Runner invokes the external code-fixing agent.
type Runner interface {
	Run(ctx context.Context, prompt, workingDir string, timeout time.Duration) (RunResult, error)
}

// ExecRunner runs the fixer as a subprocess, passing the prompt on stdin.
type ExecRunner struct {
	Path string
	Args []string
}

// Run implements Runner. A nonzero exit is a failed run, not an error;
// errors are reserved for spawn problems and timeouts.
func (r *ExecRunner) Run(ctx context.Context, prompt, workingDir string, timeout time.Duration) (RunResult, error) {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Path, r.Args...)
	cmd.Dir = workingDir
	cmd.Stdin = strings.NewReader(prompt)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := RunResult{Output: out.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("fixer timed out after %s", timeout)
		return result, fmt.Errorf("fixer timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Error = fmt.Sprintf("fixer exited with code %d", exitErr.ExitCode())
			return result, nil
		}
		result.Error = err.Error()
		return result, fmt.Errorf("failed to run fixer: %w", err)
	}

	result.Success = true
	return result, nil
}
