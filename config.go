package vigil

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the engine's full configuration tree. Instances are built once
// and treated as immutable afterwards.
type Config struct {
	Token      TokenConfig
	Lockout    LockoutConfig
	RateLimit  RateLimitConfig
	Risk       RiskConfig
	Attempts   AttemptConfig
	Ledger     LedgerConfig
	Credential CredentialConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Devices    DeviceConfig
}

// TokenConfig holds key material and claim parameters for the token codec.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
	Issuer        string
	Audience      string
	// ClockSkew bounds the tolerated expiry skew during verification.
	ClockSkew time.Duration
	KeyID     string
}

// LockoutConfig tunes the failed-attempt lockout policy.
type LockoutConfig struct {
	MaxLoginAttempts int
	LockoutDuration  time.Duration
}

// RateLimitConfig tunes the distributed request throttle.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
	// EnableIPThrottle keys a second budget on ip:action.
	EnableIPThrottle bool
	// EnableRefreshThrottle throttles the refresh path per session.
	EnableRefreshThrottle bool
	RedisPrefix           string
}

// RiskConfig feeds the advisory login-risk scorer.
type RiskConfig struct {
	Enabled bool
	// KnownProxyIPs is the deployment's proxy/exit-node list.
	KnownProxyIPs []string
	// AlertThreshold marks attempts at or above this score as high risk in
	// audit output. Detection only; enforcement stays with the throttle
	// and lockout policy.
	AlertThreshold int
}

// AttemptConfig tunes the login-attempt journal window.
type AttemptConfig struct {
	Window      time.Duration
	MaxPerKey   int
	RedisPrefix string
}

// LedgerConfig tunes the refresh-token ledger.
type LedgerConfig struct {
	RedisPrefix string
	// Retention keeps consumed/revoked records past token expiry so late
	// replays still trigger breach detection.
	Retention time.Duration
}

// CredentialConfig tunes the argon2id hasher.
type CredentialConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig tunes the in-process metric counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DeviceConfig controls trusted-device bookkeeping.
type DeviceConfig struct {
	TrackTrustedDevices bool
}

// DefaultConfig returns the baseline configuration. Key material, issuer,
// and audience must still be supplied by the caller or the environment.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			ClockSkew:  30 * time.Second,
		},
		Lockout: LockoutConfig{
			MaxLoginAttempts: 5,
			LockoutDuration:  30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Window:                time.Minute,
			MaxRequests:           10,
			EnableIPThrottle:      true,
			EnableRefreshThrottle: true,
			RedisPrefix:           "vrl",
		},
		Risk: RiskConfig{
			Enabled:        true,
			AlertThreshold: 70,
		},
		Attempts: AttemptConfig{
			Window:      15 * time.Minute,
			MaxPerKey:   50,
			RedisPrefix: "vla",
		},
		Ledger: LedgerConfig{
			RedisPrefix: "vtl",
			Retention:   24 * time.Hour,
		},
		Credential: CredentialConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Devices: DeviceConfig{
			TrackTrustedDevices: true,
		},
	}
}

// ConfigFromEnv builds a Config from DefaultConfig overlaid with the
// environment surface:
//
//	ACCESS_TOKEN_TTL, REFRESH_TOKEN_TTL        (Go durations, e.g. "15m")
//	MAX_LOGIN_ATTEMPTS                          (default 5)
//	LOCKOUT_DURATION_MINUTES                    (default 30)
//	RATE_LIMIT_WINDOW_SECONDS, RATE_LIMIT_MAX_REQUESTS
//	TOKEN_ISSUER, TOKEN_AUDIENCE
//	CLOCK_SKEW_SECONDS                          (default 30)
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("ACCESS_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ACCESS_TOKEN_TTL: %w", err)
		}
		cfg.Token.AccessTTL = d
	}
	if v := os.Getenv("REFRESH_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REFRESH_TOKEN_TTL: %w", err)
		}
		cfg.Token.RefreshTTL = d
	}
	if v := os.Getenv("MAX_LOGIN_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, errors.New("invalid MAX_LOGIN_ATTEMPTS")
		}
		cfg.Lockout.MaxLoginAttempts = n
	}
	if v := os.Getenv("LOCKOUT_DURATION_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New("invalid LOCKOUT_DURATION_MINUTES")
		}
		cfg.Lockout.LockoutDuration = time.Duration(n) * time.Minute
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, errors.New("invalid RATE_LIMIT_WINDOW_SECONDS")
		}
		cfg.RateLimit.Window = time.Duration(n) * time.Second
	}
	if v := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, errors.New("invalid RATE_LIMIT_MAX_REQUESTS")
		}
		cfg.RateLimit.MaxRequests = n
	}
	if v := os.Getenv("TOKEN_ISSUER"); v != "" {
		cfg.Token.Issuer = v
	}
	if v := os.Getenv("TOKEN_AUDIENCE"); v != "" {
		cfg.Token.Audience = v
	}
	if v := os.Getenv("CLOCK_SKEW_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New("invalid CLOCK_SKEW_SECONDS")
		}
		cfg.Token.ClockSkew = time.Duration(n) * time.Second
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.Token.AccessTTL <= 0 {
		return errors.New("access token TTL must be positive")
	}
	if cfg.Token.RefreshTTL <= cfg.Token.AccessTTL {
		return errors.New("refresh token TTL must exceed access token TTL")
	}
	if cfg.Token.Issuer == "" {
		return errors.New("token issuer required")
	}
	if len(cfg.Token.PrivateKeyPEM) == 0 && len(cfg.Token.PublicKeyPEM) == 0 {
		return errors.New("token key material required")
	}
	if cfg.Token.ClockSkew < 0 || cfg.Token.ClockSkew > 2*time.Minute {
		return errors.New("clock skew out of range")
	}
	if cfg.Lockout.MaxLoginAttempts <= 0 {
		return errors.New("max login attempts must be positive")
	}
	if cfg.RateLimit.Window <= 0 || cfg.RateLimit.MaxRequests <= 0 {
		return errors.New("rate limit window and budget must be positive")
	}
	if cfg.Attempts.Window <= 0 {
		return errors.New("attempt window must be positive")
	}
	if cfg.Ledger.Retention <= 0 {
		return errors.New("ledger retention must be positive")
	}
	return nil
}
