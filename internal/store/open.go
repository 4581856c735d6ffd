package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendLibSQL   = "libsql"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBlob     = "blob"
)

// DefaultDir is the file backend directory when none is configured.
const DefaultDir = "pipeline_states"

// Config selects and configures a state backend.
type Config struct {
	Backend string

	// Dir is the file backend directory, and holds the libSQL database
	// when DatabaseURL is empty.
	Dir string
	// DatabaseURL is a libSQL path/URI or a Postgres connection string.
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	BlobURL    string
	BlobPrefix string
}

// Open creates the configured backend. SQL backends are migrated before
// they are returned.
func Open(ctx context.Context, cfg Config) (StateStore, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = DefaultDir
	}

	switch cfg.Backend {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendLibSQL:
		path := cfg.DatabaseURL
		if path == "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
			path = filepath.Join(dir, "pipeflow.db")
		}
		s, err := OpenLibSQL(path)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, s)
	case BackendPostgres:
		s, err := OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, s)
	case BackendRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		})
	case BackendBlob:
		if cfg.BlobURL == "" {
			return nil, fmt.Errorf("blob backend: bucket url is required")
		}
		return NewBlobStore(ctx, cfg.BlobURL, cfg.BlobPrefix)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func migrated(ctx context.Context, s *SQLStore) (*SQLStore, error) {
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s: %w", s.Dialect(), err)
	}
	return s, nil
}
