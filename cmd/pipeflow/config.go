package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rendis/pipeflow/internal/engine"
	"github.com/rendis/pipeflow/internal/logging"
	"github.com/rendis/pipeflow/internal/store"
)

// Config holds all pipeflow configuration.
// Priority: flags > PIPEFLOW_* env vars > TOML file > defaults.
type Config struct {
	State  StateConfig  `toml:"state"`
	Log    LogConfig    `toml:"log"`
	Engine EngineConfig `toml:"engine"`
	Events EventsConfig `toml:"events"`
}

// StateConfig selects the state backend.
type StateConfig struct {
	Backend       string        `toml:"backend"`
	Dir           string        `toml:"dir"`
	DatabaseURL   string        `toml:"database_url"`
	RedisAddr     string        `toml:"redis_addr"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
	RedisTTL      time.Duration `toml:"redis_ttl"`
	BlobURL       string        `toml:"blob_url"`
	BlobPrefix    string        `toml:"blob_prefix"`
}

// LogConfig controls the stderr logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// EngineConfig mirrors engine.Options.
type EngineConfig struct {
	Shell          string `toml:"shell"`
	ExtendedVars   bool   `toml:"extended_vars"`
	NestedRounds   int    `toml:"nested_rounds"`
	MaxDepth       int    `toml:"max_depth"`
	WhileCeiling   int    `toml:"while_ceiling"`
	CountedCeiling int    `toml:"counted_ceiling"`
	ParallelLimit  int    `toml:"parallel_limit"`
}

// EventsConfig selects optional event sinks.
type EventsConfig struct {
	// File appends every run event as a JSON line.
	File string `toml:"file"`
	// Journal records events in the run_events table; SQL backends only.
	Journal bool `toml:"journal"`
	// Metrics logs per-step counters when a command finishes.
	Metrics bool `toml:"metrics"`
}

func defaultConfig() Config {
	return Config{
		State: StateConfig{
			Backend: store.BackendFile,
			Dir:     "./" + store.DefaultDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			Shell:          engine.DefaultShell,
			NestedRounds:   1,
			MaxDepth:       engine.DefaultMaxDepth,
			WhileCeiling:   engine.DefaultWhileCeiling,
			CountedCeiling: engine.DefaultCountedCeiling,
			ParallelLimit:  engine.DefaultParallelLimit,
		},
	}
}

// configPaths lists candidate config files in lookup order. An explicit
// path replaces the search.
func configPaths(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	paths := []string{"pipeflow.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".pipeflow", "config.toml"))
	}
	return paths
}

// loadConfig layers defaults, the first config file found and the
// environment. An explicit path that does not exist is an error.
func loadConfig(explicit string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	for _, path := range configPaths(explicit) {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && explicit == "" {
				continue
			}
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
		break
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("PIPEFLOW_STATE_STORE", &cfg.State.Dir)
	str("PIPEFLOW_STATE_BACKEND", &cfg.State.Backend)
	str("PIPEFLOW_DATABASE_URL", &cfg.State.DatabaseURL)
	str("PIPEFLOW_REDIS_ADDR", &cfg.State.RedisAddr)
	str("PIPEFLOW_REDIS_PASSWORD", &cfg.State.RedisPassword)
	str("PIPEFLOW_BLOB_URL", &cfg.State.BlobURL)
	str("PIPEFLOW_LOG_LEVEL", &cfg.Log.Level)
	str("PIPEFLOW_LOG_FORMAT", &cfg.Log.Format)
	str("PIPEFLOW_SHELL", &cfg.Engine.Shell)
	str("PIPEFLOW_EVENTS_FILE", &cfg.Events.File)

	if v := getenv("PIPEFLOW_PARALLEL_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIPEFLOW_PARALLEL_LIMIT: %w", err)
		}
		cfg.Engine.ParallelLimit = n
	}
	if v := getenv("PIPEFLOW_REDIS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PIPEFLOW_REDIS_TTL: %w", err)
		}
		cfg.State.RedisTTL = d
	}
	if v := getenv("PIPEFLOW_EXTENDED_VARS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PIPEFLOW_EXTENDED_VARS: %w", err)
		}
		cfg.Engine.ExtendedVars = b
	}
	return nil
}

// validate rejects settings no component can run with.
func (c Config) validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Engine.ParallelLimit < 1 {
		return fmt.Errorf("parallel_limit must be at least 1, got %d", c.Engine.ParallelLimit)
	}
	if c.Engine.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", c.Engine.MaxDepth)
	}
	if c.State.Backend == store.BackendFile && c.State.Dir == "" {
		return fmt.Errorf("state dir is required for the file backend")
	}
	return nil
}

func (c Config) storeConfig() store.Config {
	return store.Config{
		Backend:       c.State.Backend,
		Dir:           c.State.Dir,
		DatabaseURL:   c.State.DatabaseURL,
		RedisAddr:     c.State.RedisAddr,
		RedisPassword: c.State.RedisPassword,
		RedisDB:       c.State.RedisDB,
		RedisTTL:      c.State.RedisTTL,
		BlobURL:       c.State.BlobURL,
		BlobPrefix:    c.State.BlobPrefix,
	}
}

func (c Config) engineOptions() engine.Options {
	return engine.Options{
		Shell:          c.Engine.Shell,
		ExtendedVars:   c.Engine.ExtendedVars,
		NestedRounds:   c.Engine.NestedRounds,
		MaxDepth:       c.Engine.MaxDepth,
		WhileCeiling:   c.Engine.WhileCeiling,
		CountedCeiling: c.Engine.CountedCeiling,
		ParallelLimit:  c.Engine.ParallelLimit,
	}
}
