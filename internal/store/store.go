package store

import (
	"context"
	"net/url"
	"strings"

	"github.com/rendis/pipeflow/pkg/schema"
)

// StateStore persists run snapshots by key.
// All implementations must be safe for concurrent use.
type StateStore interface {
	// Save writes the snapshot, replacing any previous value for key.
	Save(ctx context.Context, key string, state *schema.PersistedState) error
	// Load returns the snapshot for key. An absent key is (nil, false, nil).
	Load(ctx context.Context, key string) (*schema.PersistedState, bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key builds the storage key of a run: "{pipeline}-{runID}".
func Key(pipeline, runID string) string {
	return pipeline + "-" + runID
}

// safeName maps a key onto a single path segment for file and blob backends.
// The mapping is injective: PathEscape output never holds a bare '%' or an
// escaped '.', so the special names below cannot collide with real keys.
func safeName(key string) string {
	name := url.PathEscape(key)
	switch name {
	case "":
		return "%"
	case ".", "..":
		return strings.ReplaceAll(name, ".", "%2E")
	}
	return name
}

func stateCopy(s *schema.PersistedState) *schema.PersistedState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = make(map[string]string, len(s.Data))
	for k, v := range s.Data {
		cp.Data[k] = v
	}
	return &cp
}
