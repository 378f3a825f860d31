// Package attempt keeps the append-only login-attempt journal. Records feed
// the risk scorer's recent-attempts window and the audit trail; they are
// trimmed and expired with the window and never mutated.
package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the journal backend is unreachable.
var ErrUnavailable = errors.New("attempt journal unavailable")

// Status classifies the outcome of one login attempt.
type Status string

const (
	// StatusSuccess marks a fully authenticated login.
	StatusSuccess Status = "success"
	// StatusFailed marks a rejected credential or second-factor check.
	StatusFailed Status = "failed"
	// StatusBlocked marks an attempt rejected by lockout state.
	StatusBlocked Status = "blocked"
	// StatusRateLimited marks an attempt rejected by the throttle.
	StatusRateLimited Status = "rate_limited"
)

// Record is one login attempt. AccountRef is empty when the identifier did
// not resolve to an account; unknown identifiers are still recorded.
type Record struct {
	AccountRef    string    `json:"account_ref,omitempty"`
	Identifier    string    `json:"identifier"`
	IP            string    `json:"ip,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	Status        Status    `json:"status"`
	RiskScore     int       `json:"risk_score"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Failed reports whether the attempt counts as a failure for risk scoring.
func (r Record) Failed() bool {
	return r.Status != StatusSuccess
}

// Journal is the Redis-backed attempt log, indexed per identifier and per
// source IP.
type Journal struct {
	redis   redis.UniversalClient
	prefix  string
	window  time.Duration
	maxKeep int64
}

// NewJournal returns a Journal that retains records for window, capped at
// maxKeep entries per key.
func NewJournal(client redis.UniversalClient, prefix string, window time.Duration, maxKeep int) *Journal {
	if prefix == "" {
		prefix = "vla"
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	if maxKeep <= 0 {
		maxKeep = 50
	}
	return &Journal{redis: client, prefix: prefix, window: window, maxKeep: int64(maxKeep)}
}

func (j *Journal) identifierKey(identifier string) string {
	return j.prefix + ":id:" + identifier
}

func (j *Journal) ipKey(ip string) string {
	return j.prefix + ":ip:" + ip
}

// Append records one attempt under its identifier and source IP.
func (j *Journal) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	keys := make([]string, 0, 2)
	if rec.Identifier != "" {
		keys = append(keys, j.identifierKey(rec.Identifier))
	}
	if rec.IP != "" {
		keys = append(keys, j.ipKey(rec.IP))
	}
	if len(keys) == 0 {
		return nil
	}

	_, err = j.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, j.maxKeep-1)
			pipe.PExpire(ctx, key, j.window)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecentByIdentifier returns the attempts recorded for identifier within
// the journal window, newest first.
func (j *Journal) RecentByIdentifier(ctx context.Context, identifier string) ([]Record, error) {
	return j.recent(ctx, j.identifierKey(identifier))
}

// RecentByIP returns the attempts recorded for a source IP within the
// journal window, newest first.
func (j *Journal) RecentByIP(ctx context.Context, ip string) ([]Record, error) {
	return j.recent(ctx, j.ipKey(ip))
}

func (j *Journal) recent(ctx context.Context, key string) ([]Record, error) {
	raw, err := j.redis.LRange(ctx, key, 0, j.maxKeep-1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	cutoff := time.Now().Add(-j.window)
	records := make([]Record, 0, len(raw))
	for _, entry := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
