// Package revocation tracks blacklisted token identifiers. Entries live in
// a shared store visible to every service instance and expire together with
// the token they blacklist; a process-local set would not survive
// horizontal scaling.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the revocation backend is unreachable. Callers
// on verification paths must fail closed.
var ErrUnavailable = errors.New("revocation store unavailable")

// Store is the shared revoked-token set.
type Store interface {
	// Revoke blacklists tokenID for ttl, the remaining lifetime of the
	// token. Idempotent.
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	// IsRevoked reports whether tokenID is blacklisted.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RedisStore implements Store on a shared Redis instance. Entries are
// plain keys with a TTL, purged by Redis after expiry.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore returns a RedisStore namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "vrk"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) key(tokenID string) string {
	return s.prefix + ":" + tokenID
}

// Revoke blacklists tokenID until its natural expiry.
func (s *RedisStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" {
		return nil
	}
	if ttl <= 0 {
		// Already past expiry; nothing can present it successfully.
		return nil
	}
	if err := s.redis.Set(ctx, s.key(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether tokenID is currently blacklisted.
func (s *RedisStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}
