package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, "vrk"), mr, func() { mr.Close() }
}

func TestRevokeAndCheck(t *testing.T) {
	s, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()

	revoked, err := s.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("fresh token must not be revoked")
	}

	if err := s.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	revoked, err = s.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected token to be revoked")
	}
}

func TestRevokeIdempotent(t *testing.T) {
	s, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.Revoke(ctx, "jti-1", time.Minute); err != nil {
			t.Fatalf("Revoke %d failed: %v", i+1, err)
		}
	}

	revoked, err := s.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected token to be revoked")
	}
}

func TestRevokeExpiredTokenIsNoOp(t *testing.T) {
	s, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	if err := s.Revoke(ctx, "jti-1", 0); err != nil {
		t.Fatalf("Revoke with zero ttl failed: %v", err)
	}
	if err := s.Revoke(ctx, "jti-1", -time.Second); err != nil {
		t.Fatalf("Revoke with negative ttl failed: %v", err)
	}

	revoked, err := s.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("expired token must not leave an entry")
	}
}

func TestEntryExpiresWithToken(t *testing.T) {
	s, mr, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	if err := s.Revoke(ctx, "jti-1", time.Second); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	mr.FastForward(2 * time.Second)

	revoked, err := s.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("entry must expire with the token")
	}
}

func TestRevokeEmptyTokenID(t *testing.T) {
	s, _, done := newTestStore(t)
	defer done()

	if err := s.Revoke(context.Background(), "", time.Minute); err != nil {
		t.Fatalf("Revoke with empty id failed: %v", err)
	}
}
