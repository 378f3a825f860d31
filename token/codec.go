// Package token signs and verifies the JSON claim sets carried by access
// and refresh tokens. Signing is RS256 only; verification pins the
// algorithm so "none" and HMAC-confusion tokens are rejected outright.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind discriminates access tokens from refresh tokens inside the claims.
type Kind string

const (
	// KindAccess marks a short-lived bearer token.
	KindAccess Kind = "access"
	// KindRefresh marks a single-rotation-use refresh token.
	KindRefresh Kind = "refresh"
)

var (
	// ErrExpired is returned for a well-formed, correctly signed token whose
	// lifetime has elapsed. Callers may recover via refresh.
	ErrExpired = errors.New("token expired")
	// ErrMalformed is returned when the token cannot be parsed or lacks
	// required claims.
	ErrMalformed = errors.New("token malformed")
	// ErrInvalid is returned for signature, algorithm, issuer, audience, or
	// kind failures. Callers must treat it as a security event.
	ErrInvalid = errors.New("token invalid")
	// ErrSigningUnavailable is returned by Issue on a verify-only codec.
	ErrSigningUnavailable = errors.New("token signing key not configured")
)

// Claims is the payload of a signed token. Immutable once signed.
type Claims struct {
	Role        string `json:"role,omitempty"`
	SessionID   string `json:"sid"`
	Fingerprint string `json:"fp"`
	TokenKind   Kind   `json:"kind"`
	jwt.RegisteredClaims
}

// Config holds the key material and verification parameters of a Codec.
type Config struct {
	// PrivateKeyPEM is the PKCS#1/PKCS#8 RSA signing key. Optional for
	// verify-only codecs.
	PrivateKeyPEM []byte
	// PublicKeyPEM is the verification key. Derived from the private key
	// when omitted.
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
	// Leeway bounds the tolerated clock skew when checking exp/iat.
	Leeway time.Duration
	KeyID  string
}

// Codec signs and verifies token claim sets. Stateless except for the
// loaded key material; safe for concurrent use.
type Codec struct {
	config  Config
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// NewCodec parses the configured key material and returns a Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("token issuer required")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	c := &Codec{config: cfg}

	if len(cfg.PrivateKeyPEM) > 0 {
		key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("invalid rsa private key: %w", err)
		}
		c.private = key
		c.public = &key.PublicKey
	}
	if len(cfg.PublicKeyPEM) > 0 {
		key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("invalid rsa public key: %w", err)
		}
		c.public = key
	}
	if c.public == nil {
		return nil, errors.New("rs256 requires a public or private key")
	}

	return c, nil
}

// Issue signs a claim set of the given kind with the configured TTL.
func (c *Codec) Issue(subject, role, sessionID, tokenID, fp string, kind Kind, ttl time.Duration) (string, error) {
	if c.private == nil {
		return "", ErrSigningUnavailable
	}
	if ttl <= 0 {
		return "", errors.New("invalid token ttl")
	}

	now := time.Now()
	claims := Claims{
		Role:        role,
		SessionID:   sessionID,
		Fingerprint: fp,
		TokenKind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        tokenID,
			Issuer:    c.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if c.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.config.Audience}
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if c.config.KeyID != "" {
		t.Header["kid"] = c.config.KeyID
	}

	return t.SignedString(c.private)
}

// Verify checks the token's signature, algorithm, issuer, audience, and
// expiry (with leeway), then validates claim presence and kind. The three
// failure modes are distinct: ErrExpired, ErrMalformed, ErrInvalid.
func (c *Codec) Verify(tokenStr string, kind Kind) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.config.Issuer),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.Audience != "" {
		options = append(options, jwt.WithAudience(c.config.Audience))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		if c.config.KeyID != "" {
			kid, _ := t.Header["kid"].(string)
			if kid != c.config.KeyID {
				return nil, errors.New("unknown kid")
			}
		}
		return c.public, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject == "" || claims.SessionID == "" || claims.ID == "" || claims.Fingerprint == "" {
		return nil, ErrMalformed
	}
	if claims.TokenKind != kind {
		return nil, ErrInvalid
	}

	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	default:
		return ErrInvalid
	}
}
