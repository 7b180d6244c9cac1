// Package runner executes the external registry/cluster tools that the
// mirror pipeline wraps (podman login, oc ibm-pak, oc image mirror).
//
// The boundary is deliberately narrow: only the exit code decides success
// or failure. Tool output is streamed to the caller's writer for logging
// and progress estimation, never parsed for control flow.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Spec describes one external command invocation.
type Spec struct {
	Command string
	Args    []string
	// Redacted holds indexes into Args whose values are secrets. They are
	// replaced with **** anywhere the command line is printed; the real
	// values still reach the child process.
	Redacted []int
	// Env entries are appended to the inherited environment. Secrets
	// should travel here rather than on the command line where possible.
	Env     []string
	Dir     string
	Timeout time.Duration
	// Output receives combined stdout+stderr incrementally as the process
	// produces it. May be nil.
	Output io.Writer
	// Stdin, when set, is fed to the child process.
	Stdin io.Reader
	// Started, when set, is called with the child pid once the process is
	// running.
	Started func(pid int)
	// Attempt is carried through to invocation logs only.
	Attempt int
}

// Result is the outcome of one invocation.
//
// ExitCode is -1 when the process was killed (timeout or stop) or never
// produced an exit status.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner runs one external command to completion.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// waitDelay bounds how long we wait for a killed child to release its
// output pipes before Wait gives up on them.
const waitDelay = 10 * time.Second

// ExecRunner runs commands via os/exec. The zero value is usable; Log
// defaults to a no-op logger.
type ExecRunner struct {
	Log *zap.Logger
}

func New(log *zap.Logger) *ExecRunner {
	return &ExecRunner{Log: log}
}

// Run executes the spec and blocks until the process exits.
//
// A Timeout overrun kills the process group and reports TimedOut with no
// error. Cancellation of ctx also kills the process group, and Run does
// not return until the process has actually exited, so a caller that sees
// Run return after a stop request knows no orphan is left behind.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return Result{ExitCode: -1}, fmt.Errorf("command is required")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	cmd.Stdin = spec.Stdin

	// Run the child in its own process group so that killing it also
	// reaps anything it spawned (oc image mirror forks workers).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("Executing command",
		zap.String("command", RedactedString(spec)),
		zap.Int("attempt", spec.Attempt),
		zap.Duration("timeout", spec.Timeout))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start)}, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	if spec.Started != nil {
		spec.Started(cmd.Process.Pid)
	}

	err := cmd.Wait()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	// Parent cancellation wins over every other interpretation: the
	// caller asked the process to die and it did.
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		log.Warn("Command timed out",
			zap.String("command", spec.Command),
			zap.Duration("timeout", spec.Timeout))
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is an outcome, not a runner error.
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", spec.Command, err)
	}
	return res, nil
}

// RedactedString renders the command line for logs, masking secret
// argument positions.
func RedactedString(spec Spec) string {
	redacted := make(map[int]bool, len(spec.Redacted))
	for _, i := range spec.Redacted {
		redacted[i] = true
	}

	parts := make([]string, 0, len(spec.Args)+1)
	parts = append(parts, spec.Command)
	for i, arg := range spec.Args {
		if redacted[i] {
			parts = append(parts, "****")
			continue
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
