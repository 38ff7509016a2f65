// Package redistore is the Redis-backed metastore.Store used by
// multi-instance deployments. Each record is a flat hash keyed by the
// capability token, with a key TTL mirroring the session expiry.
package redistore

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/stratal/sessiond/metastore"
	"github.com/stratal/sessiond/sessions"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: SESSIOND_REDIS_ADDR
	RedisAddr string `env:"SESSIOND_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIOND_REDIS_KEY_PREFIX
	KeyPrefix string `env:"SESSIOND_REDIS_KEY_PREFIX,default=sessiond:meta:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redistore: ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sessiond:meta:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client; used when the caller manages the
// connection (and in tests against miniature servers).
func NewWithClient(cl *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "sessiond:meta:"
	}
	return &Store{client: cl, keyPrefix: keyPrefix}
}

func (s *Store) key(token string) string { return s.keyPrefix + token }

func (s *Store) Put(ctx context.Context, meta sessions.Metadata, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redistore: non-positive ttl %v", ttl)
	}
	rec := metastore.EncodeRecord(meta)
	flat := make([]any, 0, len(rec)*2)
	for k, v := range rec {
		flat = append(flat, k, v)
	}
	key := s.key(meta.Token)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key) // drop attrs from any prior record under this token
	pipe.HSet(ctx, key, flat...)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redistore: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, token string) (sessions.Metadata, bool, error) {
	rec, err := s.client.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		return sessions.Metadata{}, false, fmt.Errorf("redistore: get: %w", err)
	}
	if len(rec) == 0 {
		// HGetAll returns an empty map for a missing key.
		return sessions.Metadata{}, false, nil
	}
	meta, err := metastore.DecodeRecord(rec)
	if err != nil {
		return sessions.Metadata{}, false, err
	}
	return meta, true, nil
}

func (s *Store) Delete(ctx context.Context, token string) error {
	// Deletes run during release/sweep teardown; don't let a caller's
	// cancellation leave a stale mirror behind.
	c := context.WithoutCancel(ctx)
	if err := s.client.Del(c, s.key(token)).Err(); err != nil {
		return fmt.Errorf("redistore: delete: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }

var _ metastore.Store = (*Store)(nil)
