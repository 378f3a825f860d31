// Package fingerprint derives a stable device fingerprint from transport
// request attributes and provides constant-time comparison for binding checks.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// Separator between hashed components. A fixed delimiter prevents
// ("ab","c") and ("a","bc") from colliding.
const componentSeparator = "\x1f"

// Fingerprint is a base64url-encoded SHA-256 digest of the request's
// device attributes. The zero value means "no fingerprint".
type Fingerprint string

// Derive computes the fingerprint of a request from its user agent,
// source IP, and Accept headers. Pure function; identical inputs always
// produce identical fingerprints.
func Derive(userAgent, ip, accept string) Fingerprint {
	sum := sha256.Sum256([]byte(
		strings.TrimSpace(userAgent) + componentSeparator +
			strings.TrimSpace(ip) + componentSeparator +
			strings.TrimSpace(accept),
	))
	return Fingerprint(base64.RawURLEncoding.EncodeToString(sum[:]))
}

// Equal compares two fingerprints in constant time.
func Equal(a, b Fingerprint) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// String returns the encoded digest.
func (f Fingerprint) String() string {
	return string(f)
}

// IsZero reports whether the fingerprint is absent.
func (f Fingerprint) IsZero() bool {
	return f == ""
}
