package isolation

import (
	"context"
	"os"
	"os/exec"
	"slices"
	"time"
)

// RestrictedPath is the PATH handed to every child process.
const RestrictedPath = "/usr/bin:/bin:/usr/local/bin"

const defaultKillGrace = 2 * time.Second

// DefaultPassEnv lists the parent variables a command may see.
var DefaultPassEnv = []string{"HOME", "USER", "LOGNAME", "LANG", "LC_ALL", "TERM", "TMPDIR", "TZ"}

// Policy describes how a child process is confined.
type Policy struct {
	// Timeout bounds the process lifetime. Zero relies on the caller's context.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Path replaces PATH. Empty means RestrictedPath.
	Path string `json:"path,omitempty"`
	// PassEnv names parent variables copied into the child.
	PassEnv []string `json:"pass_env,omitempty"`
	// Env holds explicit variables, applied after PassEnv.
	Env map[string]string `json:"env,omitempty"`
	// KillGrace is the delay between SIGTERM and SIGKILL of the process group.
	KillGrace time.Duration `json:"kill_grace,omitempty"`
}

// CommandPolicy is the default policy for Command and ShellCommand steps.
func CommandPolicy() Policy {
	return Policy{PassEnv: slices.Clone(DefaultPassEnv)}
}

// PredicatePolicy is the policy for condition predicates: PATH only.
func PredicatePolicy() Policy {
	return Policy{}
}

// Environ builds the child environment. lookup defaults to os.LookupEnv.
func (p Policy) Environ(lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	path := p.Path
	if path == "" {
		path = RestrictedPath
	}

	env := []string{"PATH=" + path}
	for _, name := range p.PassEnv {
		if name == "PATH" {
			continue
		}
		if v, ok := lookup(name); ok {
			env = append(env, name+"="+v)
		}
	}
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	return env
}

func (p Policy) grace() time.Duration {
	if p.KillGrace > 0 {
		return p.KillGrace
	}
	return defaultKillGrace
}

// Caps describes what an Isolator enforces on this platform.
type Caps struct {
	CanKillGroup   bool `json:"can_kill_group"`
	CanRestrictEnv bool `json:"can_restrict_env"`
}

// Isolator confines a command before it is started.
// The caller must run the returned *exec.Cmd and always call cleanup afterwards.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, policy Policy) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// NewIsolator returns the platform isolator.
func NewIsolator() Isolator {
	return NewSandbox()
}
