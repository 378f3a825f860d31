// Package internaldefs holds the shared metric definitions used by the
// exposition exporters. Both exporters read the same table so a counter
// keeps the same name and help text across formats.
package internaldefs

import (
	vigil "github.com/vigilkit/vigil"
)

// CounterDef names one engine counter for exposition.
type CounterDef struct {
	ID   vigil.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exposition.
type HistogramDef struct {
	ID   vigil.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: vigil.MetricLoginSuccess, Name: "vigil_login_success_total", Help: "Successful login attempts."},
	{ID: vigil.MetricLoginFailure, Name: "vigil_login_failure_total", Help: "Failed login attempts."},
	{ID: vigil.MetricLoginRateLimited, Name: "vigil_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: vigil.MetricLoginLockedOut, Name: "vigil_login_locked_out_total", Help: "Login attempts rejected by lockout state."},
	{ID: vigil.MetricLoginHighRisk, Name: "vigil_login_high_risk_total", Help: "Logins scored at or above the risk alert threshold."},
	{ID: vigil.MetricRefreshSuccess, Name: "vigil_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: vigil.MetricRefreshFailure, Name: "vigil_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: vigil.MetricRefreshRateLimited, Name: "vigil_refresh_rate_limited_total", Help: "Rate-limited refresh attempts."},
	{ID: vigil.MetricBreachDetected, Name: "vigil_breach_detected_total", Help: "Consumed or revoked refresh tokens presented for rotation."},
	{ID: vigil.MetricFamilyRevoked, Name: "vigil_family_revoked_total", Help: "Refresh token families revoked by breach detection."},
	{ID: vigil.MetricBindingRejected, Name: "vigil_binding_rejected_total", Help: "Tokens rejected by fingerprint binding."},
	{ID: vigil.MetricTwoFactorRequired, Name: "vigil_two_factor_required_total", Help: "Logins held for a second factor."},
	{ID: vigil.MetricTwoFactorSuccess, Name: "vigil_two_factor_success_total", Help: "Successful second-factor verifications."},
	{ID: vigil.MetricTwoFactorFailure, Name: "vigil_two_factor_failure_total", Help: "Failed second-factor verifications."},
	{ID: vigil.MetricValidateSuccess, Name: "vigil_validate_success_total", Help: "Successful access token validations."},
	{ID: vigil.MetricValidateFailure, Name: "vigil_validate_failure_total", Help: "Failed access token validations."},
	{ID: vigil.MetricLogout, Name: "vigil_logout_total", Help: "Single-session logout operations."},
	{ID: vigil.MetricLogoutAll, Name: "vigil_logout_all_total", Help: "Account-wide session revocations."},
	{ID: vigil.MetricCredentialRehash, Name: "vigil_credential_rehash_total", Help: "Credential hashes upgraded on login."},
}

var HistogramDefs = []HistogramDef{
	{ID: vigil.MetricValidateLatency, Name: "vigil_validate_latency_seconds", Help: "Validate latency histogram."},
}

// HistogramBounds are the bucket upper bounds in seconds, matching the
// engine's millisecond buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is the bucket naming used where "le" labels are not
// expressible, one suffix per bound.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets widens a snapshot slice into the fixed bucket array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// histogram expositions expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
