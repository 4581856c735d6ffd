package isolation

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rendis/pipeflow/pkg/schema"
)

var _ Isolator = (*Sandbox)(nil)

// Sandbox runs children with a rebuilt environment in their own process
// group. Cancellation terminates the whole group: SIGTERM first, SIGKILL after
// the policy's grace period.
type Sandbox struct {
	// LookupEnv resolves PassEnv names. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewSandbox creates a Sandbox reading the process environment.
func NewSandbox() *Sandbox {
	return &Sandbox{LookupEnv: os.LookupEnv}
}

// Wrap clones cmd onto a context-aware exec.Cmd carrying the policy.
// The caller must use the returned *exec.Cmd, not the original.
func (s *Sandbox) Wrap(ctx context.Context, cmd *exec.Cmd, policy Policy) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeCancelled, "process not started: context done").WithCause(err)
	}
	if cmd == nil || len(cmd.Args) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeIsolation, "nothing to run")
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if policy.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
	}

	// exec.Cmd.Cancel is only honored for cmds created via exec.CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Env = policy.Environ(s.LookupEnv)
	setProcessGroup(wrapped)

	grace := policy.grace()
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	wrapped.Cancel = func() error {
		if wrapped.Process == nil {
			return nil
		}
		err := signalGroup(wrapped.Process, false)
		mu.Lock()
		timer = time.AfterFunc(grace, func() { _ = signalGroup(wrapped.Process, true) })
		mu.Unlock()
		return err
	}
	wrapped.WaitDelay = grace + time.Second

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			cancel()
		})
	}
	return wrapped, cleanup, nil
}

// Capabilities reports the platform's group-kill support.
func (s *Sandbox) Capabilities() Caps {
	return Caps{CanKillGroup: groupKillSupported, CanRestrictEnv: true}
}
