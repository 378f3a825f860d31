package vigil

import (
	"context"
	"errors"
	"time"

	"github.com/vigilkit/vigil/attempt"
	"github.com/vigilkit/vigil/credential"
	"github.com/vigilkit/vigil/fingerprint"
	"github.com/vigilkit/vigil/internal/rate"
	"github.com/vigilkit/vigil/ledger"
	"github.com/vigilkit/vigil/lockout"
	"github.com/vigilkit/vigil/revocation"
	"github.com/vigilkit/vigil/token"
)

// Engine is the session security core. It owns token issuance, rotation,
// breach detection, lockout, and throttling; identity storage and second
// factors stay with the injected collaborators. Configure through Builder
// and treat as immutable afterwards.
type Engine struct {
	config      Config
	codec       *token.Codec
	hasher      *credential.Hasher
	ledger      *ledger.Store
	revocations revocation.Store
	journal     *attempt.Journal
	limiter     *rate.Limiter
	audit       *auditDispatcher
	metrics     *Metrics
	identity    IdentityProvider
	twoFactor   TwoFactorVerifier
	policy      lockout.Policy
	proxyIPs    map[string]struct{}
}

// Close flushes and stops the audit dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded under load.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Validate checks an access token and returns the authenticated principal.
// Verification is local except for the revocation check; a revocation
// backend failure denies the request rather than letting a possibly revoked
// token through.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil || e.codec == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	claims, err := e.codec.Verify(accessToken, token.KindAccess)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		e.emitAudit(ctx, auditEventValidateFailure, SeverityWarning, false, ErrTokenInvalid, auditFields{})
		return nil, ErrTokenInvalid
	}

	// Binding is checked only when the caller supplied transport attributes;
	// out-of-request validation (queues, batch jobs) carries none.
	if fp := fingerprintFromContext(ctx); !fp.IsZero() {
		if !fingerprint.Equal(fp, fingerprint.Fingerprint(claims.Fingerprint)) {
			e.metricInc(MetricValidateFailure)
			e.metricInc(MetricBindingRejected)
			e.emitSecurity(ctx, auditEventBindingRejected, ErrTokenInvalid, auditFields{
				accountID:   claims.Subject,
				sessionID:   claims.SessionID,
				fingerprint: fp,
			})
			return nil, ErrTokenInvalid
		}
	}

	if e.revocations != nil {
		revoked, err := e.revocations.IsRevoked(ctx, claims.ID)
		if err != nil || revoked {
			e.metricInc(MetricValidateFailure)
			return nil, ErrTokenInvalid
		}
	}

	e.metricInc(MetricValidateSuccess)
	return &AuthResult{
		AccountID: claims.Subject,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		TokenID:   claims.ID,
	}, nil
}

// Logout terminates a session. The access token's jti is blacklisted for
// its remaining lifetime and the refresh family is revoked so no member can
// rotate again. Either token may be empty; only what is presented is
// revoked.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if e == nil || e.codec == nil {
		return ErrEngineNotReady
	}

	var accountID, sessionID, familyID string

	if accessToken != "" {
		claims, err := e.codec.Verify(accessToken, token.KindAccess)
		if err != nil {
			if !errors.Is(err, token.ErrExpired) {
				e.emitAudit(ctx, auditEventLogoutSession, SeverityInfo, false, ErrTokenInvalid, auditFields{})
				return ErrTokenInvalid
			}
			// Expired access tokens cannot be replayed; nothing to blacklist.
		} else {
			accountID = claims.Subject
			sessionID = claims.SessionID
			ttl := time.Until(claims.ExpiresAt.Time)
			if e.revocations != nil && ttl > 0 {
				if err := e.revocations.Revoke(ctx, claims.ID, ttl+e.config.Token.ClockSkew); err != nil {
					return err
				}
			}
		}
	}

	if refreshToken != "" {
		claims, err := e.codec.Verify(refreshToken, token.KindRefresh)
		if err != nil && !errors.Is(err, token.ErrExpired) {
			e.emitAudit(ctx, auditEventLogoutSession, SeverityInfo, false, ErrTokenInvalid, auditFields{accountID: accountID, sessionID: sessionID})
			return ErrTokenInvalid
		}
		if err == nil {
			rec, err := e.ledger.Get(ctx, claims.ID)
			switch {
			case err == nil:
				familyID = rec.FamilyID
				if accountID == "" {
					accountID = rec.AccountID
				}
				if err := e.ledger.RevokeFamily(ctx, familyID, "logout"); err != nil {
					return err
				}
			case errors.Is(err, ledger.ErrNotFound):
				// Record aged out; the family is already unusable.
			default:
				return err
			}
			if sessionID == "" {
				sessionID = claims.SessionID
			}
		}
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, SeverityInfo, true, nil, auditFields{
		accountID: accountID,
		sessionID: sessionID,
		familyID:  familyID,
	})
	return nil
}

// RevokeAccountSessions revokes every refresh family issued to an account.
// Outstanding access tokens stay valid until expiry; their short TTL bounds
// the exposure. Used for password changes and administrative kicks.
func (e *Engine) RevokeAccountSessions(ctx context.Context, accountID, reason string) error {
	if e == nil || e.ledger == nil {
		return ErrEngineNotReady
	}
	if reason == "" {
		reason = "account_revoked"
	}
	if err := e.ledger.RevokeByAccount(ctx, accountID, reason); err != nil {
		return err
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, SeverityWarning, true, nil, auditFields{
		accountID: accountID,
		metadata:  map[string]string{"reason": reason},
	})
	return nil
}

// FamilyChain returns a refresh family's surviving records ordered by
// generation. Intended for incident response and audit tooling.
func (e *Engine) FamilyChain(ctx context.Context, familyID string) ([]ledger.Record, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrEngineNotReady
	}
	return e.ledger.FamilyChain(ctx, familyID)
}

// consumeThrottle spends one unit of every key's budget and returns a
// RateLimitError describing the tightest denied window, or nil.
func (e *Engine) consumeThrottle(ctx context.Context, keys ...string) error {
	if e.limiter == nil {
		return nil
	}
	for _, key := range keys {
		res, err := e.limiter.Consume(ctx, key)
		if err != nil {
			return err
		}
		if !res.Allowed {
			return &RateLimitError{
				RetryAfter: res.RetryAfter,
				Limit:      res.Limit,
				Remaining:  res.Remaining,
			}
		}
	}
	return nil
}

// requestFingerprint returns the context-derived fingerprint, falling back
// to the fixed attribute-less fingerprint so issued claims always carry a
// binding value.
func requestFingerprint(ctx context.Context) (fp fingerprint.Fingerprint, present bool) {
	fp = fingerprintFromContext(ctx)
	if fp.IsZero() {
		return fingerprint.Derive("", "", ""), false
	}
	return fp, true
}
