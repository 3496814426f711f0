package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key used when none is configured.
const DefaultRedisKey = "kbterm:terminal-sessions"

// redisAPI is the subset of *redis.Client used by RedisStore.
type redisAPI interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore keeps the snapshot as one JSON string value.
type RedisStore struct {
	client redisAPI
	key    string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *StorageConfig) (*RedisStore, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := newRedisStoreWithClient(pingCtx, client, cfg.RedisKey)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Printf("Redis session store initialized: addr=%s, db=%d, key=%s", cfg.RedisAddr, cfg.RedisDB, store.key)
	return store, nil
}

func newRedisStoreWithClient(ctx context.Context, client redisAPI, key string) (*RedisStore, error) {
	if key == "" {
		key = DefaultRedisKey
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, key: key}, nil
}

// Save replaces the stored snapshot. The value never expires.
func (s *RedisStore) Save(ctx context.Context, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save session snapshot to redis: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing key yields no records.
func (s *RedisStore) Load(ctx context.Context) ([]Record, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Record{}, nil
		}
		return []Record{}, fmt.Errorf("failed to load session snapshot from redis: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return []Record{}, fmt.Errorf("%w: redis key %s: %v", ErrCorruptSnapshot, s.key, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
