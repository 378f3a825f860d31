package vigil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vigilkit/vigil/credential"
)

var (
	testKeyOnce sync.Once
	testKeyPEM  []byte
)

// testSigningKey generates one RSA key per test binary; 2048-bit keygen is
// too slow to repeat per test.
func testSigningKey(t *testing.T) []byte {
	t.Helper()

	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKeyPEM = pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
	})
	return testKeyPEM
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Token.Issuer = "vigil-test"
	cfg.Token.Audience = "vigil-test-api"
	cfg.Token.PrivateKeyPEM = testSigningKey(t)
	// Cheap hash params keep the suite fast; production defaults are in
	// DefaultConfig.
	cfg.Credential.Memory = 8 * 1024
	cfg.Credential.Time = 1
	cfg.Credential.Parallelism = 1
	return cfg
}

func testHashPassword(t *testing.T, cfg Config, password string) string {
	t.Helper()

	hasher, err := credential.NewHasher(credential.Params{
		Memory:      cfg.Credential.Memory,
		Time:        cfg.Credential.Time,
		Parallelism: cfg.Credential.Parallelism,
		SaltLength:  cfg.Credential.SaltLength,
		KeyLength:   cfg.Credential.KeyLength,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	return hash
}

type mockIdentityProvider struct {
	mu      sync.Mutex
	byID    map[string]Account
	byIdent map[string]string

	lockoutCalls int
	rehashCalls  int
	deviceCalls  int
}

func newMockIdentityProvider() *mockIdentityProvider {
	return &mockIdentityProvider{
		byID:    map[string]Account{},
		byIdent: map[string]string{},
	}
}

func (m *mockIdentityProvider) put(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[a.ID] = a
	m.byIdent[a.Identifier] = a.ID
}

func (m *mockIdentityProvider) get(accountID string) Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[accountID]
}

func (m *mockIdentityProvider) GetAccountByIdentifier(_ context.Context, identifier string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byIdent[identifier]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return m.byID[id], nil
}

func (m *mockIdentityProvider) GetAccountByID(_ context.Context, accountID string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (m *mockIdentityProvider) UpdateLockoutState(_ context.Context, accountID string, failedAttempts int, lockoutUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lockoutCalls++
	a, ok := m.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.FailedAttempts = failedAttempts
	a.LockoutUntil = lockoutUntil
	m.byID[accountID] = a
	return nil
}

func (m *mockIdentityProvider) UpdateCredentialHash(_ context.Context, accountID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rehashCalls++
	a, ok := m.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.CredentialHash = newHash
	m.byID[accountID] = a
	return nil
}

func (m *mockIdentityProvider) UpdateTrustedDevices(_ context.Context, accountID string, devices []TrustedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deviceCalls++
	a, ok := m.byID[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.TrustedDevices = devices
	m.byID[accountID] = a
	return nil
}

type mockTwoFactorVerifier struct {
	mu     sync.Mutex
	accept string
	err    error
	calls  int
}

func (m *mockTwoFactorVerifier) Verify(_ context.Context, _, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return code == m.accept, nil
}

func newTestEngine(t *testing.T, cfg Config, provider IdentityProvider, opts ...func(*Builder)) (*Engine, *redis.Client, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)

	builder := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityProvider(provider)
	for _, opt := range opts {
		opt(builder)
	}

	engine, err := builder.Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, rdb, func() {
		engine.Close()
		mr.Close()
	}
}

// requestCtx simulates one device's transport attributes.
func requestCtx(ip, userAgent string) context.Context {
	ctx := WithClientIP(context.Background(), ip)
	return WithUserAgent(ctx, userAgent)
}

func seedAccount(t *testing.T, cfg Config, provider *mockIdentityProvider, identifier, password string) Account {
	t.Helper()

	account := Account{
		ID:             "acct-" + identifier,
		Identifier:     identifier,
		CredentialHash: testHashPassword(t, cfg, password),
		Role:           "member",
		Status:         AccountActive,
	}
	provider.put(account)
	return account
}
