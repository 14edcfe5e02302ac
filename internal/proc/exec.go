// Package proc runs workspace commands with bounded timeouts and captures
// their output for scoring and diagnostics.
package proc

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// TimeoutExitCode is reported when a command exceeds its deadline,
// mirroring the conventional shell exit code for timed-out commands.
const TimeoutExitCode = 124

// ExecResult captures one command execution.
type ExecResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// Runner executes shell commands in a fixed working directory.
type Runner struct {
	Dir string
}

// RunShell executes command via bash -c in the runner's directory, waiting at
// most timeout. A timed-out command yields ExitCode 124 and TimedOut=true
// rather than an error; only results are returned, never process failures.
func (r Runner) RunShell(ctx context.Context, command string, timeout time.Duration) ExecResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = r.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := ExecResult{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = TimeoutExitCode
		result.TimedOut = true
		if result.Stderr == "" {
			result.Stderr = "timed out after " + timeout.String()
		}
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Command could not be started at all (e.g. bash missing).
			result.ExitCode = 127
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}
	return result
}

// Executed reports whether a result represents a command that actually ran:
// present, not timed out, not exit 127 (command not found), non-blank command.
// Used by validity checks to distinguish "ran and failed" from "never ran".
func Executed(result *ExecResult) bool {
	if result == nil {
		return false
	}
	if result.TimedOut {
		return false
	}
	if result.ExitCode == 127 {
		return false
	}
	return strings.TrimSpace(result.Command) != ""
}

// Passed reports whether the result exists and exited zero.
func Passed(result *ExecResult) bool {
	return result != nil && result.ExitCode == 0
}
