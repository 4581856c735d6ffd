package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/pipeflow/internal/isolation"
	"github.com/rendis/pipeflow/pkg/schema"
)

const (
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
	maxStderrInError     = 2048
)

// Invocation describes one child process.
type Invocation struct {
	Program string
	Args    []string
	Stdin   io.Reader
	Dir     string
	// Policy overrides the runner's default policy when set.
	Policy *isolation.Policy
}

// Direct invokes program with args, no shell involved.
func Direct(program string, args ...string) Invocation {
	return Invocation{Program: program, Args: args}
}

// Shell invokes "<shell> -c script".
func Shell(shell, script string) Invocation {
	if shell == "" {
		shell = "sh"
	}
	return Invocation{Program: shell, Args: []string{"-c", script}}
}

// String renders the invocation for messages.
func (inv Invocation) String() string {
	if len(inv.Args) == 0 {
		return inv.Program
	}
	return inv.Program + " " + strings.Join(inv.Args, " ")
}

// Result is the outcome of a finished process.
type Result struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
}

// Success reports a zero exit status.
func (r *Result) Success() bool { return r.ExitCode == 0 }

// Config configures a Runner.
type Config struct {
	Isolator      isolation.Isolator
	Policy        isolation.Policy
	MaxOutputSize int64
}

// Runner spawns confined child processes and captures their output.
type Runner struct {
	isolator  isolation.Isolator
	policy    isolation.Policy
	maxOutput int64
}

// NewRunner creates a Runner. A nil Isolator selects the platform sandbox.
func NewRunner(cfg Config) *Runner {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewIsolator()
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &Runner{isolator: cfg.Isolator, policy: cfg.Policy, maxOutput: cfg.MaxOutputSize}
}

// Exec runs inv to completion. A nonzero exit is reported in the Result, not
// as an error; errors mean the process could not be started or was stopped by
// ctx.
func (r *Runner) Exec(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Program == "" {
		return nil, schema.NewError(schema.ErrCodeProcess, "empty command")
	}

	policy := r.policy
	if inv.Policy != nil {
		policy = *inv.Policy
	}

	cmd := exec.Command(inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdin = inv.Stdin

	wrapped, cleanup, err := r.isolator.Wrap(ctx, cmd, policy)
	if err != nil {
		var pe *schema.PipelineError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, schema.NewErrorf(schema.ErrCodeIsolation, "isolation wrap failed: %v", err).WithCause(err)
	}
	defer cleanup()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, limit: r.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, limit: r.maxOutput}
	wrapped.Stdout = stdout
	wrapped.Stderr = stderr

	start := time.Now()
	runErr := wrapped.Run()
	res := &Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  time.Since(start),
		Truncated: stdout.dropped || stderr.dropped,
	}

	if runErr == nil {
		return res, nil
	}

	// Stopped by our own context: report why instead of the signal status.
	if ctxErr := ctx.Err(); ctxErr != nil {
		code := schema.ErrCodeCancelled
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		return res, schema.NewErrorf(code, "%s: stopped: %v", inv, ctxErr).WithCause(ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == -1 && policy.Timeout > 0 {
			return res, schema.NewErrorf(schema.ErrCodeTimeout,
				"%s: killed after %s", inv, policy.Timeout).WithCause(runErr)
		}
		return res, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeProcess, "failed to start %s: %v", inv.Program, runErr).
		WithCause(runErr).
		WithDetails(map[string]any{"command": inv.String()})
}

// Run runs inv and fails with a ProcessError on a nonzero exit status.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	res, err := r.Exec(ctx, inv)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, ExitError(inv, res)
	}
	return res, nil
}

// ExitError builds the ProcessError for a failed result, carrying the exit
// status and stderr.
func ExitError(inv Invocation, res *Result) *schema.PipelineError {
	stderr := strings.TrimSpace(res.Stderr)
	msg := stderr
	if len(msg) > maxStderrInError {
		msg = msg[:maxStderrInError] + "..."
	}
	if msg == "" {
		msg = "no stderr output"
	}
	return schema.NewErrorf(schema.ErrCodeProcess, "command exited with status %d: %s", res.ExitCode, msg).
		WithDetails(map[string]any{
			"command":   inv.String(),
			"exit_code": res.ExitCode,
			"stderr":    stderr,
		})
}

// limitedWriter silently discards bytes beyond limit. Write always reports
// len(p) consumed so the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
	dropped bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		lw.dropped = lw.dropped || total > 0
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
		lw.dropped = true
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
