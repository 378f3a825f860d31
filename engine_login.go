package vigil

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vigilkit/vigil/attempt"
	"github.com/vigilkit/vigil/internal/rate"
	"github.com/vigilkit/vigil/ledger"
	"github.com/vigilkit/vigil/lockout"
	"github.com/vigilkit/vigil/risk"
	"github.com/vigilkit/vigil/token"
)

// Login authenticates an identifier/password pair and starts a new session
// with a fresh token family. When the account has a second factor enrolled
// the result carries RequiresTwoFactor and no tokens; retry with
// LoginWithTwoFactor.
func (e *Engine) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	return e.login(ctx, identifier, password, "", false)
}

// LoginWithTwoFactor authenticates credentials plus a second-factor code in
// one call. The code is verified at most once per attempt.
func (e *Engine) LoginWithTwoFactor(ctx context.Context, identifier, password, code string) (*LoginResult, error) {
	return e.login(ctx, identifier, password, code, true)
}

func (e *Engine) login(ctx context.Context, identifier, password, twoFactorCode string, codeSupplied bool) (*LoginResult, error) {
	if e == nil || e.codec == nil || e.hasher == nil || e.identity == nil || e.ledger == nil {
		return nil, ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)
	fp, fpPresent := requestFingerprint(ctx)
	now := time.Now()

	throttleKeys := e.loginThrottleKeys(identifier, ip)
	if err := e.consumeThrottle(ctx, throttleKeys...); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metricInc(MetricLoginRateLimited)
			e.recordAttempt(ctx, attempt.Record{
				Identifier:    identifier,
				IP:            ip,
				Fingerprint:   fp.String(),
				Status:        attempt.StatusRateLimited,
				FailureReason: "rate_limited",
			})
			e.emitAudit(ctx, auditEventLoginRateLimited, SeverityWarning, false, err, auditFields{
				fingerprint: fp,
				metadata:    map[string]string{"identifier": identifier},
			})
		}
		return nil, err
	}

	if identifier == "" || password == "" {
		e.metricInc(MetricLoginFailure)
		e.recordAttempt(ctx, attempt.Record{
			Identifier:    identifier,
			IP:            ip,
			Fingerprint:   fp.String(),
			Status:        attempt.StatusFailed,
			FailureReason: "empty_input",
		})
		return nil, ErrInvalidCredentials
	}

	account, err := e.identity.GetAccountByIdentifier(ctx, identifier)
	if err != nil {
		// Unknown identifiers get the same answer as wrong passwords.
		e.metricInc(MetricLoginFailure)
		e.recordAttempt(ctx, attempt.Record{
			Identifier:    identifier,
			IP:            ip,
			Fingerprint:   fp.String(),
			Status:        attempt.StatusFailed,
			FailureReason: "unknown_identifier",
		})
		e.emitAudit(ctx, auditEventLoginFailure, SeverityInfo, false, ErrInvalidCredentials, auditFields{
			fingerprint: fp,
			metadata:    map[string]string{"identifier": identifier, "reason": "unknown_identifier"},
		})
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	if statusErr := statusToError(account.Status); statusErr != nil {
		e.metricInc(MetricLoginFailure)
		e.recordAttempt(ctx, attempt.Record{
			AccountRef:    account.ID,
			Identifier:    identifier,
			IP:            ip,
			Fingerprint:   fp.String(),
			Status:        attempt.StatusBlocked,
			FailureReason: "account_status",
		})
		e.emitAudit(ctx, auditEventLoginFailure, SeverityInfo, false, statusErr, auditFields{
			accountID:   account.ID,
			fingerprint: fp,
			metadata:    map[string]string{"reason": "account_status"},
		})
		return nil, statusErr
	}

	state := account.lockoutState()
	if lockout.IsLocked(state, now) {
		// Locked is locked, correct password included.
		e.metricInc(MetricLoginLockedOut)
		e.recordAttempt(ctx, attempt.Record{
			AccountRef:    account.ID,
			Identifier:    identifier,
			IP:            ip,
			Fingerprint:   fp.String(),
			Status:        attempt.StatusBlocked,
			FailureReason: "locked",
		})
		e.emitAudit(ctx, auditEventLoginLockedOut, SeverityWarning, false, ErrAccountLocked, auditFields{
			accountID:   account.ID,
			fingerprint: fp,
		})
		return nil, ErrAccountLocked
	}

	ok, err := e.hasher.Verify(password, account.CredentialHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, account, identifier, ip, fp.String(), state, now, "credential_mismatch", ErrInvalidCredentials)
	}

	score := e.scoreLogin(ctx, identifier, ip, fpPresent)
	if e.config.Risk.Enabled && score >= e.config.Risk.AlertThreshold {
		e.metricInc(MetricLoginHighRisk)
		e.emitSecurity(ctx, auditEventLoginHighRisk, nil, auditFields{
			accountID:   account.ID,
			fingerprint: fp,
			riskScore:   score,
			metadata:    map[string]string{"identifier": identifier},
		})
	}

	if account.TwoFactorEnabled {
		if !codeSupplied || twoFactorCode == "" {
			e.metricInc(MetricTwoFactorRequired)
			e.emitAudit(ctx, auditEventTwoFactorRequired, SeverityInfo, false, ErrTwoFactorRequired, auditFields{
				accountID:   account.ID,
				fingerprint: fp,
				riskScore:   score,
			})
			return &LoginResult{RequiresTwoFactor: true, RiskScore: score}, nil
		}
		if e.twoFactor == nil {
			return nil, ErrTwoFactorUnavailable
		}
		verified, err := e.twoFactor.Verify(ctx, account.TwoFactorSecretRef, twoFactorCode)
		if err != nil {
			e.metricInc(MetricTwoFactorFailure)
			e.emitAudit(ctx, auditEventTwoFactorFailure, SeverityWarning, false, ErrTwoFactorUnavailable, auditFields{accountID: account.ID})
			return nil, ErrTwoFactorUnavailable
		}
		if !verified {
			e.metricInc(MetricTwoFactorFailure)
			return nil, e.failLogin(ctx, account, identifier, ip, fp.String(), state, now, "two_factor_mismatch", ErrTwoFactorInvalid)
		}
		e.metricInc(MetricTwoFactorSuccess)
		e.emitAudit(ctx, auditEventTwoFactorSuccess, SeverityInfo, true, nil, auditFields{accountID: account.ID})
	}

	if state.FailedAttempts > 0 || !state.LockedUntil.IsZero() {
		next := lockout.ApplySuccessfulLogin(state)
		if err := e.identity.UpdateLockoutState(ctx, account.ID, next.FailedAttempts, next.LockedUntil); err != nil {
			log.Print("vigil: lockout state reset failed")
		}
	}

	e.maybeUpgradeHash(ctx, account, password)
	password = ""

	sessionID := uuid.NewString()
	familyID := uuid.NewString()
	recordID := uuid.NewString()
	refreshExpiry := now.Add(e.config.Token.RefreshTTL)

	if err := e.ledger.Create(ctx, ledger.Record{
		ID:          recordID,
		FamilyID:    familyID,
		Generation:  0,
		AccountID:   account.ID,
		Fingerprint: fp.String(),
		Status:      ledger.StatusActive,
		IssuedAt:    now,
		ExpiresAt:   refreshExpiry,
	}); err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}

	pair, err := e.issuePair(account.ID, account.Role, sessionID, recordID, fp.String())
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}

	if e.limiter != nil && len(throttleKeys) > 0 {
		// Budget reset is best-effort; a failure must not undo the login.
		if err := e.limiter.Reset(ctx, throttleKeys...); err != nil {
			log.Print("vigil: login throttle reset failed")
		}
	}

	e.rememberDevice(ctx, account, fp.String(), now)

	e.recordAttempt(ctx, attempt.Record{
		AccountRef:  account.ID,
		Identifier:  identifier,
		IP:          ip,
		Fingerprint: fp.String(),
		Status:      attempt.StatusSuccess,
		RiskScore:   score,
	})
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, SeverityInfo, true, nil, auditFields{
		accountID:   account.ID,
		sessionID:   sessionID,
		familyID:    familyID,
		fingerprint: fp,
		riskScore:   score,
	})

	return &LoginResult{
		TokenPair: pair,
		RiskScore: score,
		SessionID: sessionID,
		FamilyID:  familyID,
	}, nil
}

// failLogin advances the lockout state for one failed check, records the
// attempt, and returns cause unchanged.
func (e *Engine) failLogin(ctx context.Context, account Account, identifier, ip, fp string, state lockout.State, now time.Time, reason string, cause error) error {
	next := lockout.ApplyFailedAttempt(state, e.policy, now)
	if err := e.identity.UpdateLockoutState(ctx, account.ID, next.FailedAttempts, next.LockedUntil); err != nil {
		log.Print("vigil: lockout state update failed")
	}
	if lockout.IsLocked(next, now) && !lockout.IsLocked(state, now) {
		e.metricInc(MetricLoginLockedOut)
		e.emitSecurity(ctx, auditEventLockoutTriggered, ErrAccountLocked, auditFields{
			accountID: account.ID,
			metadata:  map[string]string{"failed_attempts": strconv.Itoa(next.FailedAttempts)},
		})
	}

	e.metricInc(MetricLoginFailure)
	e.recordAttempt(ctx, attempt.Record{
		AccountRef:    account.ID,
		Identifier:    identifier,
		IP:            ip,
		Fingerprint:   fp,
		Status:        attempt.StatusFailed,
		FailureReason: reason,
	})
	e.emitAudit(ctx, auditEventLoginFailure, SeverityInfo, false, cause, auditFields{
		accountID: account.ID,
		metadata:  map[string]string{"identifier": identifier, "reason": reason},
	})
	return cause
}

func (e *Engine) loginThrottleKeys(identifier, ip string) []string {
	keys := make([]string, 0, 2)
	if identifier != "" {
		keys = append(keys, rate.Key(identifier, "login"))
	}
	if ip != "" && e.config.RateLimit.EnableIPThrottle {
		keys = append(keys, rate.Key(ip, "login"))
	}
	return keys
}

// scoreLogin evaluates the advisory risk rules over the journal window.
// Journal failures degrade to a metadata-only score rather than blocking
// the login.
func (e *Engine) scoreLogin(ctx context.Context, identifier, ip string, fpPresent bool) int {
	if !e.config.Risk.Enabled {
		return 0
	}

	var attempts []risk.Attempt
	if e.journal != nil {
		recent, err := e.journal.RecentByIdentifier(ctx, identifier)
		if err != nil {
			log.Print("vigil: attempt journal read failed")
		}
		attempts = make([]risk.Attempt, 0, len(recent))
		for _, rec := range recent {
			attempts = append(attempts, risk.Attempt{IP: rec.IP, Failed: rec.Failed()})
		}
	}

	return risk.Score(risk.Input{
		IP:                 ip,
		UserAgent:          userAgentFromContext(ctx),
		FingerprintPresent: fpPresent,
		RecentAttempts:     attempts,
		KnownProxyIPs:      e.proxyIPs,
	})
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, account Account, password string) {
	if !e.config.Credential.UpgradeOnLogin {
		return
	}
	needs, err := e.hasher.NeedsRehash(account.CredentialHash)
	if err != nil || !needs {
		return
	}
	newHash, err := e.hasher.Hash(password)
	if err != nil {
		log.Print("vigil: credential rehash failed")
		return
	}
	// Persisting the stronger hash is best-effort and must not block login.
	if err := e.identity.UpdateCredentialHash(ctx, account.ID, newHash); err != nil {
		log.Print("vigil: credential rehash update failed")
		return
	}
	e.metricInc(MetricCredentialRehash)
	e.emitAudit(ctx, auditEventCredentialRehash, SeverityInfo, true, nil, auditFields{accountID: account.ID})
}

func (e *Engine) rememberDevice(ctx context.Context, account Account, fp string, now time.Time) {
	if !e.config.Devices.TrackTrustedDevices || fp == "" {
		return
	}
	devices := upsertTrustedDevice(account.TrustedDevices, TrustedDevice{
		Fingerprint: fp,
		Label:       userAgentFromContext(ctx),
		LastUsed:    now,
	})
	if err := e.identity.UpdateTrustedDevices(ctx, account.ID, devices); err != nil {
		log.Print("vigil: trusted device update failed")
	}
}

func (e *Engine) recordAttempt(ctx context.Context, rec attempt.Record) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(ctx, rec); err != nil {
		log.Print("vigil: attempt journal append failed")
	}
}

// issuePair signs the access/refresh pair of one session generation. The
// refresh token's jti is the ledger record id.
func (e *Engine) issuePair(accountID, role, sessionID, refreshID, fp string) (TokenPair, error) {
	access, err := e.codec.Issue(accountID, role, sessionID, uuid.NewString(), fp, token.KindAccess, e.config.Token.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := e.codec.Issue(accountID, role, sessionID, refreshID, fp, token.KindRefresh, e.config.Token.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(e.config.Token.AccessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}
