package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rendis/pipeflow/pkg/schema"
)

const (
	fileExt = ".json"
	tmpExt  = ".json.tmp"
)

// FileStore keeps one JSON document per key under a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed and recovers writes interrupted by a crash.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := recoverInterruptedWrites(dir); err != nil {
		return nil, fmt.Errorf("recover interrupted writes: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, safeName(key)+fileExt)
}

// Save writes the snapshot atomically (write temp, then rename).
func (s *FileStore) Save(ctx context.Context, key string, state *schema.PersistedState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := stateCopy(state)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mainPath := s.path(key)
	tmpPath := strings.TrimSuffix(mainPath, fileExt) + tmpExt
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, mainPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, key string) (*schema.PersistedState, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state %s: %w", key, err)
	}
	var st schema.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("parse state %s: %w", key, err)
	}
	if st.Data == nil {
		st.Data = map[string]string{}
	}
	return &st, true, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// recoverInterruptedWrites promotes a leftover temp file when its main file is
// missing and the temp content parses, and removes it otherwise.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tmpExt) {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, tmpExt) + fileExt

		if _, err := os.Stat(mainPath); err == nil || !validStateFile(tmpPath) {
			_ = os.Remove(tmpPath)
			continue
		}
		if err := os.Rename(tmpPath, mainPath); err != nil {
			return err
		}
	}
	return nil
}

func validStateFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var st schema.PersistedState
	return json.Unmarshal(data, &st) == nil
}
