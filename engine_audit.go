package vigil

import (
	"context"
	"time"

	"github.com/vigilkit/vigil/fingerprint"
)

const (
	auditEventLoginSuccess       = "login_success"
	auditEventLoginFailure       = "login_failure"
	auditEventLoginRateLimited   = "login_rate_limited"
	auditEventLoginLockedOut     = "login_locked_out"
	auditEventLoginHighRisk      = "login_high_risk"
	auditEventLockoutTriggered   = "lockout_triggered"
	auditEventTwoFactorRequired  = "two_factor_required"
	auditEventTwoFactorSuccess   = "two_factor_success"
	auditEventTwoFactorFailure   = "two_factor_failure"
	auditEventRefreshSuccess     = "refresh_success"
	auditEventRefreshInvalid     = "refresh_invalid"
	auditEventRefreshRateLimited = "refresh_rate_limited"
	auditEventBreachDetected     = "breach_detected"
	auditEventFamilyRevoked      = "family_revoked"
	auditEventBindingRejected    = "binding_rejected"
	auditEventValidateFailure    = "validate_failure"
	auditEventLogoutSession      = "logout_session"
	auditEventLogoutAll          = "logout_all"
	auditEventCredentialRehash   = "credential_rehash"
)

type auditFields struct {
	accountID   string
	sessionID   string
	familyID    string
	fingerprint fingerprint.Fingerprint
	riskScore   int
	metadata    map[string]string
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, severity Severity, success bool, err error, f auditFields) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		Severity:    severity,
		AccountID:   f.accountID,
		SessionID:   f.sessionID,
		FamilyID:    f.familyID,
		IP:          clientIPFromContext(ctx),
		Fingerprint: string(f.fingerprint),
		RiskScore:   f.riskScore,
		Success:     success,
		Metadata:    f.metadata,
	}
	if err != nil {
		event.Error = ErrorCode(err)
	}

	e.audit.Emit(ctx, event)
}

// emitSecurity records a critical event: breach detection, binding
// rejection, lockout activation. These are the events worth alerting on.
func (e *Engine) emitSecurity(ctx context.Context, eventType string, err error, f auditFields) {
	e.emitAudit(ctx, eventType, SeverityCritical, false, err, f)
}
