// Package kv is the short-lived state store: upload sessions, authorization
// tokens, finished file records, and the usage counter all live here as
// TTL-bearing Redis keys. Everything is single-key last-write-wins; callers
// must not rely on read-modify-write atomicity.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("key not found")

// Scopes for authorization tokens. A token minted for one scope can never be
// presented under another: the scope is part of the composite key.
const (
	ScopeUpload   = "up"
	ScopeDownload = "dl"
)

// Key builders for the fixed namespace layout.
func SessionKey(uploadID string) string { return "mpu:" + uploadID }
func CodeKey(code string) string        { return "code:" + code }
func ObjectKey(objectKey string) string { return "obj:" + objectKey }

const usageKey = "usage:total_bytes"

func authKey(scope, subject, token string) string {
	return fmt.Sprintf("auth:%s:%s:%s", scope, subject, token)
}

// Store wraps a Redis client with the namespaced operations the services need.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, addr, password string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping checks connectivity, for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// PutAuth registers an authorization token under (scope, subject, token).
func (s *Store) PutAuth(ctx context.Context, scope, subject, token string, ttl time.Duration) error {
	return s.rdb.Set(ctx, authKey(scope, subject, token), "1", ttl).Err()
}

// HasAuth reports whether the exact (scope, subject, token) triple is live.
func (s *Store) HasAuth(ctx context.Context, scope, subject, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, authKey(scope, subject, token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteAuth revokes a token. Deleting an absent token is not an error.
func (s *Store) DeleteAuth(ctx context.Context, scope, subject, token string) error {
	if token == "" {
		return nil
	}
	return s.rdb.Del(ctx, authKey(scope, subject, token)).Err()
}

// PutJSON stores v marshaled as JSON under key with the given TTL.
func (s *Store) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.rdb.Set(ctx, key, data, ttl).Err()
}

// GetJSON loads key into v, returning ErrNotFound when the key is gone.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Has reports whether key exists.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes the given keys. Absent keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// Expire refreshes the TTL of an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// UsageBytes reads the cached total-bytes aggregate. The second return is
// false when no counter has been written yet, signaling the caller to
// reconcile from a bucket listing.
func (s *Store) UsageBytes(ctx context.Context) (int64, bool, error) {
	val, err := s.rdb.Get(ctx, usageKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt usage counter %q: %w", val, err)
	}
	if n < 0 {
		n = 0
	}
	return n, true, nil
}

// AddUsage adjusts the aggregate by delta and returns the new value,
// saturating at zero.
func (s *Store) AddUsage(ctx context.Context, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, usageKey, delta).Result()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		// A negative aggregate means drift; clamp rather than propagate it.
		if err := s.rdb.Set(ctx, usageKey, "0", 0).Err(); err != nil {
			return 0, err
		}
		n = 0
	}
	return n, nil
}

// SetUsage overwrites the aggregate, used after a reconciliation scan.
func (s *Store) SetUsage(ctx context.Context, v int64) error {
	if v < 0 {
		v = 0
	}
	return s.rdb.Set(ctx, usageKey, strconv.FormatInt(v, 10), 0).Err()
}
