// Package ledger owns the refresh-token rotation state machine. Each token
// family is a lineage of records descended from one login; rotation is an
// atomic compare-and-swap in Redis so that exactly one of two concurrent
// refresh calls with the same token wins, and presentation of a consumed or
// revoked token revokes the entire family.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when the presented token id has no record.
	ErrNotFound = errors.New("refresh record not found")
	// ErrExpired is returned when the presented record is past its expiry.
	ErrExpired = errors.New("refresh record expired")
	// ErrReplayed is returned when a non-Active record was presented for
	// rotation. The whole family has been revoked by the time the caller
	// sees this error.
	ErrReplayed = errors.New("refresh record replayed")
	// ErrUnavailable indicates the ledger backend is unreachable. Rotation
	// outcomes are unknown on this error; callers must fail closed.
	ErrUnavailable = errors.New("ledger backend unavailable")
)

// ReasonFamilyCompromised is recorded on every member of a family revoked
// by breach detection.
const ReasonFamilyCompromised = "family_compromised"

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReplayed int64 = 2
	rotateStatusRotated  int64 = 3
)

// rotateScript implements the rotation transition atomically:
// absent record, expired record, replay (status != active, revokes the
// family in place), or CAS consume + insert of the next generation.
const rotateScript = `
local rec_prefix = ARGV[3]
local fam_prefix = ARGV[4]
local key = rec_prefix .. ARGV[1]

local raw = redis.call("HGETALL", key)
if #raw == 0 then
  return {0}
end
local f = {}
for i = 1, #raw, 2 do
  f[raw[i]] = raw[i + 1]
end

local now = tonumber(ARGV[5])
if tonumber(f["expires_at"]) <= now then
  return {1}
end

local fam_key = fam_prefix .. f["family"]

if f["status"] ~= "active" then
  local ids = redis.call("SMEMBERS", fam_key)
  for _, id in ipairs(ids) do
    local k = rec_prefix .. id
    if redis.call("EXISTS", k) == 1 then
      redis.call("HSET", k, "status", "revoked")
      redis.call("HSET", k, "reason", ARGV[8])
    end
  end
  return {2, f["family"], f["account"]}
end

redis.call("HSET", key, "status", "consumed")
redis.call("HSET", key, "replaced_by", ARGV[2])
redis.call("HSET", key, "last_used_at", ARGV[5])
redis.call("HINCRBY", key, "use_count", 1)

local gen = tonumber(f["generation"]) + 1
local new_key = rec_prefix .. ARGV[2]
redis.call("HSET", new_key, "family", f["family"])
redis.call("HSET", new_key, "generation", gen)
redis.call("HSET", new_key, "account", f["account"])
redis.call("HSET", new_key, "fingerprint", f["fingerprint"])
redis.call("HSET", new_key, "status", "active")
redis.call("HSET", new_key, "issued_at", ARGV[5])
redis.call("HSET", new_key, "expires_at", ARGV[6])
redis.call("HSET", new_key, "use_count", 0)
redis.call("SADD", fam_key, ARGV[2])

local keep = tonumber(ARGV[6]) - now + tonumber(ARGV[7])
redis.call("PEXPIRE", new_key, keep)
redis.call("PEXPIRE", key, keep)
redis.call("PEXPIRE", fam_key, keep)

return {3, f["family"], gen, f["account"], f["fingerprint"]}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeFamilyScript marks every surviving member of a family revoked.
// Re-running it reaches the same end state, which makes revocation
// idempotent.
const revokeFamilyScript = `
local rec_prefix = ARGV[1]
local ids = redis.call("SMEMBERS", KEYS[1])
local touched = 0
for _, id in ipairs(ids) do
  local k = rec_prefix .. id
  if redis.call("EXISTS", k) == 1 then
    redis.call("HSET", k, "status", "revoked")
    redis.call("HSET", k, "reason", ARGV[2])
    touched = touched + 1
  end
end
return touched
`

var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

// Store is the Redis-backed refresh-token ledger. All state lives in the
// shared store; nothing authoritative is held in process.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	// retention keeps consumed and revoked records around past their token
	// expiry so that late replays still hit breach detection.
	retention time.Duration
}

// NewStore returns a ledger Store namespaced under prefix.
func NewStore(client redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "vtl"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{redis: client, prefix: prefix, retention: retention}
}

func (s *Store) recordPrefix() string {
	return s.prefix + ":rec:"
}

func (s *Store) recordKey(id string) string {
	return s.recordPrefix() + id
}

func (s *Store) familyPrefix() string {
	return s.prefix + ":fam:"
}

func (s *Store) familyKey(familyID string) string {
	return s.familyPrefix() + familyID
}

func (s *Store) accountKey(accountID string) string {
	return s.prefix + ":acct:" + accountID
}

// Create persists the generation-0 record of a new family and indexes it
// under its family and account.
func (s *Store) Create(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.FamilyID == "" || rec.AccountID == "" {
		return errors.New("ledger: incomplete record")
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}

	keep := time.Until(rec.ExpiresAt) + s.retention
	if keep <= 0 {
		return errors.New("ledger: record already expired")
	}

	recKey := s.recordKey(rec.ID)
	famKey := s.familyKey(rec.FamilyID)
	acctKey := s.accountKey(rec.AccountID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, recKey, recordFields(rec))
		pipe.SAdd(ctx, famKey, rec.ID)
		pipe.SAdd(ctx, acctKey, rec.FamilyID)
		pipe.PExpire(ctx, recKey, keep)
		pipe.PExpire(ctx, famKey, keep)
		pipe.PExpire(ctx, acctKey, keep)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Rotate exchanges the presented record for its successor. On success the
// presented record becomes Consumed (replacedBy = newID) and the returned
// record is the new Active generation. A non-Active presented record is a
// breach: the whole family is revoked atomically and ErrReplayed is
// returned.
func (s *Store) Rotate(ctx context.Context, presentedID, newID string, expiresAt time.Time) (*Record, error) {
	now := time.Now()
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(presentedID)},
		presentedID,
		newID,
		s.recordPrefix(),
		s.familyPrefix(),
		now.UnixMilli(),
		expiresAt.UnixMilli(),
		s.retention.Milliseconds(),
		ReasonFamilyCompromised,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrNotFound
	case rotateStatusExpired:
		return nil, ErrExpired
	case rotateStatusReplayed:
		return nil, ErrReplayed
	case rotateStatusRotated:
		if len(parts) < 5 {
			return nil, fmt.Errorf("%w: short rotate script response", ErrUnavailable)
		}
		gen, err := scriptInt(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return &Record{
			ID:          newID,
			FamilyID:    scriptString(parts[1]),
			Generation:  gen,
			AccountID:   scriptString(parts[3]),
			Fingerprint: scriptString(parts[4]),
			Status:      StatusActive,
			IssuedAt:    now,
			ExpiresAt:   expiresAt,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status %d", ErrUnavailable, code)
	}
}

// Get fetches a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec := parseRecord(id, fields)
	return &rec, nil
}

// RevokeFamily marks every member of a family Revoked with the given
// reason. Idempotent: a second call is a no-op with the same end state.
func (s *Store) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if familyID == "" {
		return nil
	}
	if reason == "" {
		reason = "revoked"
	}
	err := revokeFamilyLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID)},
		s.recordPrefix(),
		reason,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RevokeByAccount revokes every family issued to an account. Revocation is
// atomic per family; there is no ordering between families.
func (s *Store) RevokeByAccount(ctx context.Context, accountID, reason string) error {
	familyIDs, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, familyID := range familyIDs {
		if err := s.RevokeFamily(ctx, familyID, reason); err != nil {
			return err
		}
	}
	return nil
}

// FamilyChain returns the surviving records of a family ordered by
// generation. Intended for audit tooling, not request hot paths.
func (s *Store) FamilyChain(ctx context.Context, familyID string) ([]Record, error) {
	ids, err := s.redis.SMembers(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		fields, err := s.redis.HGetAll(ctx, s.recordKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(fields) == 0 {
			continue
		}
		records = append(records, parseRecord(id, fields))
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Generation < records[j].Generation
	})
	return records, nil
}

func recordFields(rec Record) map[string]interface{} {
	return map[string]interface{}{
		"family":       rec.FamilyID,
		"generation":   rec.Generation,
		"account":      rec.AccountID,
		"fingerprint":  rec.Fingerprint,
		"status":       string(rec.Status),
		"replaced_by":  rec.ReplacedBy,
		"reason":       rec.RevokeReason,
		"issued_at":    rec.IssuedAt.UnixMilli(),
		"expires_at":   rec.ExpiresAt.UnixMilli(),
		"last_used_at": rec.LastUsedAt.UnixMilli(),
		"use_count":    rec.UseCount,
	}
}

func parseRecord(id string, fields map[string]string) Record {
	return Record{
		ID:           id,
		FamilyID:     fields["family"],
		Generation:   atoiField(fields["generation"]),
		AccountID:    fields["account"],
		Fingerprint:  fields["fingerprint"],
		Status:       Status(fields["status"]),
		ReplacedBy:   fields["replaced_by"],
		RevokeReason: fields["reason"],
		IssuedAt:     milliField(fields["issued_at"]),
		ExpiresAt:    milliField(fields["expires_at"]),
		LastUsedAt:   milliField(fields["last_used_at"]),
		UseCount:     atoiField(fields["use_count"]),
	}
}

func atoiField(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func milliField(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func scriptString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func scriptInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, errors.New("unexpected script integer type")
	}
}
