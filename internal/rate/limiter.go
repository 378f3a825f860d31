// Package rate provides the distributed request throttle used on the login
// and refresh paths. Counters are fixed-window Redis keys (INCR +
// conditional PEXPIRE on the first hit), keyed "subject:action"
// (ip:login, email:login, session:refresh), so the budget is consistent
// across every service instance.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited marks a consumed key that exceeded its window budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable indicates the counter backend is unreachable.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// Config holds the fixed-window parameters.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Result is the outcome of one Consume call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is the shared-store throttle.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

// New returns a Limiter namespaced under prefix.
func New(client redis.UniversalClient, prefix string, cfg Config) *Limiter {
	if prefix == "" {
		prefix = "vrl"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	return &Limiter{redis: client, prefix: prefix, config: cfg}
}

// Key builds the canonical counter key for a subject performing an action.
func Key(subject, action string) string {
	return subject + ":" + action
}

func (l *Limiter) redisKey(key string) string {
	return l.prefix + ":" + key
}

// Consume spends one unit of the key's window budget and reports whether
// the request may proceed. When denied, RetryAfter carries the remaining
// window time.
func (l *Limiter) Consume(ctx context.Context, key string) (Result, error) {
	rk := l.redisKey(key)

	count, err := l.redis.Incr(ctx, rk).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	// Fixed-window semantics: the TTL starts with the first hit.
	if count == 1 {
		if err := l.redis.PExpire(ctx, rk, l.config.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	res := Result{
		Allowed:   count <= int64(l.config.MaxRequests),
		Limit:     l.config.MaxRequests,
		Remaining: l.config.MaxRequests - int(count),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		ttl, err := l.redis.PTTL(ctx, rk).Result()
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if ttl > 0 {
			res.RetryAfter = ttl
		} else {
			res.RetryAfter = l.config.Window
		}
	}

	return res, nil
}

// Reset clears the counters for the given keys. Called after a successful
// login so legitimate users do not inherit stale budgets.
func (l *Limiter) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = l.redisKey(key)
	}
	if err := l.redis.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Peek reads the current budget for a key without consuming it. Missing
// keys report a full budget and do not reveal subject existence.
func (l *Limiter) Peek(ctx context.Context, key string) (Result, error) {
	count, err := l.redis.Get(ctx, l.redisKey(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Result{Allowed: true, Limit: l.config.MaxRequests, Remaining: l.config.MaxRequests}, nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	res := Result{
		Allowed:   count < int64(l.config.MaxRequests),
		Limit:     l.config.MaxRequests,
		Remaining: l.config.MaxRequests - int(count),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res, nil
}
