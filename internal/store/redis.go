package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/pipeflow/pkg/schema"
)

// DefaultRedisPrefix namespaces state keys in a shared Redis.
const DefaultRedisPrefix = "pipeflow:state:"

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires snapshots after the last save. Zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps snapshots as JSON strings.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) keyFor(key string) string { return s.prefix + key }

func (s *RedisStore) Save(ctx context.Context, key string, state *schema.PersistedState) error {
	cp := stateCopy(state)
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.keyFor(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (*schema.PersistedState, bool, error) {
	data, err := s.client.Get(ctx, s.keyFor(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load state %s: %w", key, err)
	}
	var st schema.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("parse state %s: %w", key, err)
	}
	st.Data = nonNilData(st.Data)
	return &st, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyFor(key)).Err(); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
