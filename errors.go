package vigil

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned for a wrong identifier/password
	// pair. It is identical whether or not the identifier exists, to
	// prevent account enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while lockout is in effect, including
	// for attempts with the correct password. No remaining-time detail is
	// exposed to unauthenticated callers.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountSuspended is returned for administratively suspended accounts.
	ErrAccountSuspended = errors.New("account suspended")
	// ErrAccountPending is returned for accounts awaiting verification.
	ErrAccountPending = errors.New("account pending verification")
	// ErrAccountDeleted is returned for soft-deleted accounts.
	ErrAccountDeleted = errors.New("account deleted")
	// ErrAccountNotFound is returned by IdentityProvider implementations
	// when no account matches. The engine never surfaces it to callers.
	ErrAccountNotFound = errors.New("account not found")
	// ErrRateLimited is returned when the request throttle denies the
	// attempt. Wrapped by RateLimitError, which carries retry-after.
	ErrRateLimited = errors.New("rate limited")
	// ErrTokenExpired is returned for a correctly signed token past its
	// lifetime; callers may recover via refresh.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers signature, format, and binding failures.
	// Treated as a security event; the session must be terminated.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrBreachDetected is returned when a consumed or revoked refresh
	// token is presented. The whole family has been revoked; the client
	// must fully re-authenticate.
	ErrBreachDetected = errors.New("token breach detected")
	// ErrTwoFactorRequired is returned when credentials are valid but a
	// second factor is outstanding.
	ErrTwoFactorRequired = errors.New("two-factor code required")
	// ErrTwoFactorInvalid is returned for a rejected second-factor code.
	ErrTwoFactorInvalid = errors.New("two-factor code invalid")
	// ErrTwoFactorUnavailable is returned when the verifier backend fails.
	ErrTwoFactorUnavailable = errors.New("two-factor backend unavailable")
	// ErrEngineNotReady is returned when the engine was not built with its
	// required collaborators.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RateLimitError wraps ErrRateLimited with the throttle window detail a
// transport layer needs for Retry-After and X-RateLimit-* headers.
type RateLimitError struct {
	RetryAfter time.Duration
	Limit      int
	Remaining  int
}

func (e *RateLimitError) Error() string {
	return ErrRateLimited.Error()
}

// Unwrap makes errors.Is(err, ErrRateLimited) hold for wrapped instances.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// ErrorCode maps an engine error to its stable wire code, the `code` field
// of the structured error body. Unknown errors map to "internal_error" so
// raw messages never leak into responses.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrAccountSuspended):
		return "account_suspended"
	case errors.Is(err, ErrAccountPending):
		return "account_pending"
	case errors.Is(err, ErrAccountDeleted):
		return "account_deleted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrBreachDetected):
		return "breach_detected"
	case errors.Is(err, ErrTwoFactorRequired):
		return "two_factor_required"
	case errors.Is(err, ErrTwoFactorInvalid):
		return "two_factor_invalid"
	case errors.Is(err, ErrTwoFactorUnavailable):
		return "two_factor_unavailable"
	default:
		return "internal_error"
	}
}
