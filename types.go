package vigil

import (
	"context"
	"time"

	"github.com/vigilkit/vigil/lockout"
)

// AccountStatus is the lifecycle state of an account. Accounts are never
// hard-deleted; terminal removal transitions to AccountDeleted.
type AccountStatus uint8

const (
	// AccountActive is the normal, usable state.
	AccountActive AccountStatus = iota
	// AccountPending marks accounts awaiting verification.
	AccountPending
	// AccountSuspended marks administratively suspended accounts.
	AccountSuspended
	// AccountLockedStatus marks accounts locked by an administrator,
	// independent of the failed-attempt lockout policy.
	AccountLockedStatus
	// AccountDeleted marks soft-deleted accounts.
	AccountDeleted
)

// MaxTrustedDevices caps the per-account trusted device set. The oldest
// entry is evicted when the cap is exceeded.
const MaxTrustedDevices = 10

// TrustedDevice is one remembered device fingerprint on an account.
type TrustedDevice struct {
	Fingerprint string
	Label       string
	LastUsed    time.Time
}

// Account is the identity snapshot consumed by the engine. FailedAttempts
// and LockoutUntil are advanced only through the lockout package's pure
// transitions; the IdentityProvider owns the conditional write.
type Account struct {
	ID                 string
	Identifier         string
	CredentialHash     string
	Role               string
	Status             AccountStatus
	FailedAttempts     int
	LockoutUntil       time.Time
	TwoFactorEnabled   bool
	TwoFactorSecretRef string
	TrustedDevices     []TrustedDevice
}

func (a Account) lockoutState() lockout.State {
	return lockout.State{
		FailedAttempts: a.FailedAttempts,
		LockedUntil:    a.LockoutUntil,
	}
}

// upsertTrustedDevice refreshes or appends a device entry, keeping the set
// ordered by last use and bounded at MaxTrustedDevices.
func upsertTrustedDevice(devices []TrustedDevice, device TrustedDevice) []TrustedDevice {
	out := make([]TrustedDevice, 0, len(devices)+1)
	for _, d := range devices {
		if d.Fingerprint == device.Fingerprint {
			continue
		}
		out = append(out, d)
	}
	out = append(out, device)

	if len(out) > MaxTrustedDevices {
		out = out[len(out)-MaxTrustedDevices:]
	}
	return out
}

// IdentityProvider is the caller-supplied identity store. The engine reads
// account snapshots and hands back new ones; the provider is responsible
// for atomic conditional updates against its own backend.
type IdentityProvider interface {
	GetAccountByIdentifier(ctx context.Context, identifier string) (Account, error)
	GetAccountByID(ctx context.Context, accountID string) (Account, error)
	// UpdateLockoutState persists a new failed-attempt counter and lockout
	// deadline produced by the lockout policy.
	UpdateLockoutState(ctx context.Context, accountID string, failedAttempts int, lockoutUntil time.Time) error
	UpdateCredentialHash(ctx context.Context, accountID, newHash string) error
	UpdateTrustedDevices(ctx context.Context, accountID string, devices []TrustedDevice) error
}

// TwoFactorVerifier is the external second-factor collaborator. Verify must
// be constant-time and single-use per code within its validity window; the
// engine calls it at most once per login attempt.
type TwoFactorVerifier interface {
	Verify(ctx context.Context, secretRef, code string) (bool, error)
}

// TokenPair is the issued credential set of one login or rotation.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// LoginResult is returned by Login and Refresh. When RequiresTwoFactor is
// set no tokens are present and the caller must retry with a code.
type LoginResult struct {
	TokenPair

	RequiresTwoFactor bool
	RiskScore         int
	SessionID         string
	FamilyID          string
	Generation        int
}

// AuthResult is the outcome of validating an access token.
type AuthResult struct {
	AccountID string
	Role      string
	SessionID string
	TokenID   string
}

func statusToError(status AccountStatus) error {
	switch status {
	case AccountActive:
		return nil
	case AccountPending:
		return ErrAccountPending
	case AccountSuspended:
		return ErrAccountSuspended
	case AccountLockedStatus:
		return ErrAccountLocked
	case AccountDeleted:
		return ErrAccountDeleted
	default:
		return ErrAccountSuspended
	}
}
