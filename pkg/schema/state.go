package schema

import (
	"maps"
	"sort"
	"sync"
	"time"
)

// Update is the partial state change produced by one step.
type Update map[string]string

// State is the variable store shared by every step of a run.
// The lock is held only for the duration of a single read, write or merge.
type State struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewState creates a State holding a copy of vars.
func NewState(vars map[string]string) *State {
	s := &State{vars: make(map[string]string, len(vars))}
	maps.Copy(s.vars, vars)
	return s
}

// Get returns the value of key and whether it is set.
func (s *State) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// Set stores value under key.
func (s *State) Set(key, value string) {
	s.mu.Lock()
	s.vars[key] = value
	s.mu.Unlock()
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	delete(s.vars, key)
	s.mu.Unlock()
}

// Merge applies u; existing keys are overwritten.
func (s *State) Merge(u Update) {
	if len(u) == 0 {
		return
	}
	s.mu.Lock()
	maps.Copy(s.vars, u)
	s.mu.Unlock()
}

// Snapshot returns a copy of all variables.
func (s *State) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.vars)
}

// Clone returns an independent State with the same variables.
func (s *State) Clone() *State {
	return NewState(s.Snapshot())
}

// Len returns the number of variables.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vars)
}

// Keys returns the variable names in sorted order.
func (s *State) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Changes returns the keys of after that are new or differ from before.
// Deleted keys are not reported.
func Changes(before, after map[string]string) Update {
	out := Update{}
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			out[k] = v
		}
	}
	return out
}

// PersistedState is the stored snapshot of one run.
type PersistedState struct {
	PipelineName string            `json:"pipeline_name"`
	RunID        string            `json:"run_id"`
	CurrentStep  int               `json:"current_step"`
	StartTime    int64             `json:"start_time"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Data         map[string]string `json:"data"`
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusHydrating RunStatus = "hydrating"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPersisted RunStatus = "persisted"
)
