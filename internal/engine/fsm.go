package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/pipeflow/pkg/schema"
)

// TransitionHook is called before or after a run transition.
type TransitionHook func(from, to schema.RunStatus) error

// EmitFunc publishes a run-level event.
type EmitFunc func(ctx context.Context, eventType string, payload map[string]any)

type hookKey struct {
	from, to schema.RunStatus
}

// ValidRunTransitions defines the run lifecycle:
// idle -> hydrating -> running -> completed|failed -> persisted.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusIdle:      {schema.RunStatusHydrating},
	schema.RunStatusHydrating: {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {schema.RunStatusPersisted},
	schema.RunStatusFailed:    {schema.RunStatusPersisted},
	schema.RunStatusPersisted: {},
}

// RunFSM tracks the lifecycle of a single pipeline run.
type RunFSM struct {
	mu     sync.Mutex
	status schema.RunStatus
	emit   EmitFunc
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM in the idle state. emit may be nil.
func NewRunFSM(emit EmitFunc) *RunFSM {
	return &RunFSM{
		status: schema.RunStatusIdle,
		emit:   emit,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// Status returns the current lifecycle state.
func (f *RunFSM) Status() schema.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// OnBefore registers a hook run before from -> to. A hook error aborts the transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook run after from -> to.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves the run to `to`, emitting the matching event.
func (f *RunFSM) Transition(ctx context.Context, to schema.RunStatus, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.status
	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	f.status = to
	if et := runEventType(to); et != "" && f.emit != nil {
		f.emit(ctx, et, payload)
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusPersisted:
		return schema.EventRunPersisted
	default:
		return ""
	}
}
