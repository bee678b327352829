// Package redis implements the idempotency store on Redis.
//
// Records are stored as JSON under {prefix}{key} with a Redis TTL matching
// the record's expiry, so the server evicts them without a sweeper.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sirosfoundation/go-ecf/pkg/idempotency"
)

// DefaultKeyPrefix namespaces idempotency keys
const DefaultKeyPrefix = "idempotency:"

// Config holds Redis connection settings
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements idempotency.Store using Redis
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewStore connects to Redis and verifies the connection
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging Redis: %w", err)
	}
	return NewStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewStoreWithClient wraps an existing client
func NewStoreWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Get returns the record for key, or nil if it is absent or expired
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting idempotency key: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling idempotency record: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

// Put stores rec until its expiry. Records that are already expired are
// not written.
func (s *Store) Put(ctx context.Context, rec *idempotency.Record) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+rec.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("saving idempotency key: %w", err)
	}
	return nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("deleting idempotency key: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (s *Store) Close(context.Context) error {
	return s.client.Close()
}

var _ idempotency.Store = (*Store)(nil)
