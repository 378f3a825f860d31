package vigil

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/vigilkit/vigil/attempt"
	"github.com/vigilkit/vigil/credential"
	"github.com/vigilkit/vigil/internal/rate"
	"github.com/vigilkit/vigil/ledger"
	"github.com/vigilkit/vigil/lockout"
	"github.com/vigilkit/vigil/revocation"
	"github.com/vigilkit/vigil/token"
)

// Builder assembles an Engine. A Builder is single-use: Build consumes it.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identity  IdentityProvider
	twoFactor TwoFactorVerifier
	auditSink AuditSink

	built bool
}

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis supplies the shared store backing the ledger, throttle,
// revocation list, and attempt journal.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityProvider(p IdentityProvider) *Builder {
	b.identity = p
	return b
}

// WithTwoFactorVerifier supplies the second-factor collaborator. Optional;
// without it accounts with a second factor enrolled cannot complete login.
func (b *Builder) WithTwoFactorVerifier(v TwoFactorVerifier) *Builder {
	b.twoFactor = v
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates the configuration, wires the stores, and returns the
// Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.identity == nil {
		return nil, errors.New("identity provider required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.Config{
		PrivateKeyPEM: cfg.Token.PrivateKeyPEM,
		PublicKeyPEM:  cfg.Token.PublicKeyPEM,
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.ClockSkew,
		KeyID:         cfg.Token.KeyID,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := credential.NewHasher(credential.Params{
		Memory:      cfg.Credential.Memory,
		Time:        cfg.Credential.Time,
		Parallelism: cfg.Credential.Parallelism,
		SaltLength:  cfg.Credential.SaltLength,
		KeyLength:   cfg.Credential.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	var proxyIPs map[string]struct{}
	if len(cfg.Risk.KnownProxyIPs) > 0 {
		proxyIPs = make(map[string]struct{}, len(cfg.Risk.KnownProxyIPs))
		for _, ip := range cfg.Risk.KnownProxyIPs {
			proxyIPs[ip] = struct{}{}
		}
	}

	engine := &Engine{
		config:      cfg,
		codec:       codec,
		hasher:      hasher,
		ledger:      ledger.NewStore(b.redis, cfg.Ledger.RedisPrefix, cfg.Ledger.Retention),
		revocations: revocation.NewRedisStore(b.redis, ""),
		journal:     attempt.NewJournal(b.redis, cfg.Attempts.RedisPrefix, cfg.Attempts.Window, cfg.Attempts.MaxPerKey),
		limiter: rate.New(b.redis, cfg.RateLimit.RedisPrefix, rate.Config{
			Window:      cfg.RateLimit.Window,
			MaxRequests: cfg.RateLimit.MaxRequests,
		}),
		audit:     newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:   NewMetrics(cfg.Metrics),
		identity:  b.identity,
		twoFactor: b.twoFactor,
		policy: lockout.Policy{
			Threshold: cfg.Lockout.MaxLoginAttempts,
			Duration:  cfg.Lockout.LockoutDuration,
		},
		proxyIPs: proxyIPs,
	}

	b.built = true

	return engine, nil
}
