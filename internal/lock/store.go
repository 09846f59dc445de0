// Package lock provides a Redis-backed distributed mutex used to guarantee
// at most one recording start is in flight per room across all instances.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RecordingPrefix is the key namespace for per-room recording locks.
const RecordingPrefix = "meet:recording:lock:"

// RecordingKey returns the lock key for a room's recording.
func RecordingKey(roomID string) string {
	return RecordingPrefix + roomID
}

// RoomID extracts the room id from a recording lock key.
func RoomID(key string) string {
	return strings.TrimPrefix(key, RecordingPrefix)
}

// lockValue is the JSON document stored under a lock key. CreatedAt lets the
// orphan reconciler judge lock age without a second key.
type lockValue struct {
	Token     string `json:"token"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// Store is a thin wrapper over Redis providing atomic set-if-absent-with-TTL
// acquisition. All operations are safe to call from many processes.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a lock store.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

// Acquire attempts to take the lock. Returns an opaque ownership token, or
// "" when the lock is already held elsewhere. A store error is returned to
// the caller, who must treat it as "could not acquire".
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	body, err := json.Marshal(lockValue{Token: token, CreatedAt: time.Now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("marshal lock value: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, body, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	s.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return token, nil
}

// Release deletes the lock. Releasing an absent or already-released lock is
// a no-op, never an error.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	s.logger.Debug("lock released", zap.String("key", key))
	return nil
}

// Exists reports whether the lock key currently exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// CreatedAt returns the lock's creation timestamp, or the zero time when the
// lock does not exist.
func (s *Store) CreatedAt(ctx context.Context, key string) (time.Time, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}
	var v lockValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal lock value %s: %w", key, err)
	}
	return time.UnixMilli(v.CreatedAt), nil
}

// ScanByPrefix returns all keys under the given prefix using cursor SCAN.
func (s *Store) ScanByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
