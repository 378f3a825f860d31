// Package lockout decides Active/Locked account state from failed-attempt
// counts. Transitions are pure functions over immutable snapshots; the
// persistence collaborator owns the conditional write of the new snapshot,
// keeping the policy free of I/O.
package lockout

import "time"

// Policy holds the lockout thresholds.
type Policy struct {
	// Threshold is the failed-attempt count at which the account locks.
	Threshold int
	// Duration is how long a lock lasts. Zero means manual unlock only.
	Duration time.Duration
}

// DefaultPolicy returns the standard policy: lock after 5 consecutive
// failures for 30 minutes.
func DefaultPolicy() Policy {
	return Policy{
		Threshold: 5,
		Duration:  30 * time.Minute,
	}
}

// State is the lockout-relevant slice of an account record. The zero value
// is an unlocked account with no failures.
type State struct {
	FailedAttempts int
	// LockedUntil is the lock expiry instant. The zero time means no lock
	// was ever applied.
	LockedUntil time.Time
}

// ApplyFailedAttempt returns the state after one more failed credential
// check. Crossing the threshold sets LockedUntil = now + policy duration.
func ApplyFailedAttempt(s State, p Policy, now time.Time) State {
	next := State{
		FailedAttempts: s.FailedAttempts + 1,
		LockedUntil:    s.LockedUntil,
	}
	if p.Threshold > 0 && next.FailedAttempts >= p.Threshold {
		if p.Duration > 0 {
			next.LockedUntil = now.Add(p.Duration)
		} else {
			// Manual-unlock deployments lock effectively forever.
			next.LockedUntil = now.AddDate(100, 0, 0)
		}
	}
	return next
}

// ApplySuccessfulLogin returns the state after a verified successful login:
// counter reset, lock cleared.
func ApplySuccessfulLogin(State) State {
	return State{}
}

// IsLocked reports whether the account is locked at now. A stale
// LockedUntil in the past counts as unlocked even though the stored field
// was never cleared.
func IsLocked(s State, now time.Time) bool {
	return !s.LockedUntil.IsZero() && s.LockedUntil.After(now)
}

// Remaining returns how much lock time is left at now, or zero when the
// account is not locked.
func Remaining(s State, now time.Time) time.Duration {
	if !IsLocked(s, now) {
		return 0
	}
	return s.LockedUntil.Sub(now)
}
