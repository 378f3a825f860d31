package ledger

import "time"

// Status is the lifecycle state of a refresh-token record.
type Status string

const (
	// StatusActive marks the single usable token of a family. Initial state.
	StatusActive Status = "active"
	// StatusConsumed marks a token successfully exchanged for its successor.
	// Terminal except via explicit revoke.
	StatusConsumed Status = "consumed"
	// StatusRevoked marks an explicitly invalidated token (logout, breach,
	// admin action). Terminal.
	StatusRevoked Status = "revoked"
)

// Record is one issued refresh token. Within a family, generations form a
// strictly increasing chain and at most one record is Active at any instant.
type Record struct {
	ID           string
	FamilyID     string
	Generation   int
	AccountID    string
	Fingerprint  string
	Status       Status
	ReplacedBy   string
	RevokeReason string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	LastUsedAt   time.Time
	UseCount     int
}

// Expired reports whether the record's lifetime has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
