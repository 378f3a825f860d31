package vigil

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vigilkit/vigil/fingerprint"
	"github.com/vigilkit/vigil/internal/rate"
	"github.com/vigilkit/vigil/ledger"
	"github.com/vigilkit/vigil/token"
)

// Refresh exchanges a refresh token for a new access/refresh pair. The
// presented token is consumed exactly once: concurrent calls with the same
// token produce one winner, and presenting an already consumed or revoked
// token revokes the whole family and returns ErrBreachDetected.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if e == nil || e.codec == nil || e.ledger == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.codec.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		e.emitAudit(ctx, auditEventRefreshInvalid, SeverityWarning, false, ErrTokenInvalid, auditFields{})
		return nil, ErrTokenInvalid
	}

	if e.config.RateLimit.EnableRefreshThrottle {
		if err := e.consumeThrottle(ctx, rate.Key(claims.SessionID, "refresh")); err != nil {
			if errors.Is(err, ErrRateLimited) {
				e.metricInc(MetricRefreshRateLimited)
				e.emitAudit(ctx, auditEventRefreshRateLimited, SeverityWarning, false, err, auditFields{
					accountID: claims.Subject,
					sessionID: claims.SessionID,
				})
			}
			return nil, err
		}
	}

	// Binding mismatch on a refresh token means the token left the device
	// it was issued to. The family is burned, not just this request.
	// Unlike Validate, refresh always happens inside a request, so the
	// attribute-less fallback fingerprint is compared rather than skipped.
	fp, _ := requestFingerprint(ctx)
	if !fingerprint.Equal(fp, fingerprint.Fingerprint(claims.Fingerprint)) {
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricBindingRejected)
		e.revokePresentedFamily(ctx, claims.ID)
		e.emitSecurity(ctx, auditEventBindingRejected, ErrTokenInvalid, auditFields{
			accountID:   claims.Subject,
			sessionID:   claims.SessionID,
			fingerprint: fp,
		})
		return nil, ErrTokenInvalid
	}

	now := time.Now()
	newID := uuid.NewString()
	rec, err := e.ledger.Rotate(ctx, claims.ID, newID, now.Add(e.config.Token.RefreshTTL))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrReplayed):
			e.metricInc(MetricBreachDetected)
			e.metricInc(MetricFamilyRevoked)
			e.metricInc(MetricRefreshFailure)
			e.emitSecurity(ctx, auditEventBreachDetected, ErrBreachDetected, auditFields{
				accountID: claims.Subject,
				sessionID: claims.SessionID,
			})
			e.emitSecurity(ctx, auditEventFamilyRevoked, nil, auditFields{
				accountID: claims.Subject,
				sessionID: claims.SessionID,
				metadata:  map[string]string{"reason": ledger.ReasonFamilyCompromised},
			})
			return nil, ErrBreachDetected
		case errors.Is(err, ledger.ErrExpired):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrTokenExpired
		case errors.Is(err, ledger.ErrNotFound):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, SeverityWarning, false, ErrTokenInvalid, auditFields{
				accountID: claims.Subject,
				sessionID: claims.SessionID,
				metadata:  map[string]string{"reason": "record_not_found"},
			})
			return nil, ErrTokenInvalid
		default:
			// Rotation outcome unknown; deny rather than risk a double use.
			e.metricInc(MetricRefreshFailure)
			return nil, err
		}
	}

	account, err := e.identity.GetAccountByID(ctx, rec.AccountID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrTokenInvalid
	}
	if statusErr := statusToError(account.Status); statusErr != nil {
		e.metricInc(MetricRefreshFailure)
		if err := e.ledger.RevokeFamily(ctx, rec.FamilyID, "account_status"); err != nil {
			log.Print("vigil: family revocation failed on status change")
		}
		e.emitAudit(ctx, auditEventRefreshInvalid, SeverityWarning, false, statusErr, auditFields{
			accountID: account.ID,
			sessionID: claims.SessionID,
			familyID:  rec.FamilyID,
			metadata:  map[string]string{"reason": "account_status"},
		})
		return nil, statusErr
	}

	pair, err := e.issuePair(account.ID, account.Role, claims.SessionID, newID, rec.Fingerprint)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, SeverityInfo, true, nil, auditFields{
		accountID: account.ID,
		sessionID: claims.SessionID,
		familyID:  rec.FamilyID,
		metadata:  map[string]string{"generation": strconv.Itoa(rec.Generation)},
	})

	return &LoginResult{
		TokenPair:  pair,
		SessionID:  claims.SessionID,
		FamilyID:   rec.FamilyID,
		Generation: rec.Generation,
	}, nil
}

// revokePresentedFamily burns the family of the presented refresh token id.
// Best-effort: the caller is already denying the request.
func (e *Engine) revokePresentedFamily(ctx context.Context, presentedID string) {
	rec, err := e.ledger.Get(ctx, presentedID)
	if err != nil {
		return
	}
	if err := e.ledger.RevokeFamily(ctx, rec.FamilyID, "binding_mismatch"); err != nil {
		log.Print("vigil: family revocation failed on binding mismatch")
		return
	}
	e.metricInc(MetricFamilyRevoked)
}
