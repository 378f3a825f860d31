package vigil

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vigilkit/vigil/ledger"
)

func TestRefreshRotatesGenerations(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockIdentityProvider()
	seedAccount(t, cfg, provider, "alice", "correct-horse-battery")

	engine, _, done := newTestEngine(t, cfg, provider)
	defer done()

	ctx := requestCtx("10.0.0.1", testUA)
	login, err := engine.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	first, err := engine.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("first Refresh failed: %v", err)
	}
	if first.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", first.Generation)
	}
	if first.FamilyID != login.FamilyID {
		t.Fatalf("family changed across rotation: %s vs %s", first.FamilyID, login.FamilyID)
	}
	if first.SessionID != login.SessionID {
		t.Fatal("session id must survive rotation")
	}
	if first.RefreshToken == login.RefreshToken {
		t.Fatal("rotation must issue a new refresh token")
	}

	second, err := engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}
	if second.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", second.Generation)
	}
}

func TestRefreshReplayRevokesFamily(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockIdentityProvider()
	seedAccount(t, cfg, provider, "alice", "correct-horse-battery")

	engine, _, done := newTestEngine(t, cfg, provider)
	defer done()

	ctx := requestCtx("10.0.0.1", testUA)
	login, err := engine.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	rotated, err := engine.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Presenting the consumed token again is the breach signal.
	if _, err := engine.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrBreachDetected) {
		t.Fatalf("expected ErrBreachDetected, got %v", err)
	}

	// The legitimate successor is collateral: the whole family is dead.
	if _, err := engine.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, ErrBreachDetected) {
		t.Fatalf("expected ErrBreachDetected for successor, got %v", err)
	}

	chain, err := engine.FamilyChain(context.Background(), login.FamilyID)
	if err != nil {
		t.Fatalf("FamilyChain failed: %v", err)
	}
	for _, rec := range chain {
		if rec.Status != ledger.StatusRevoked {
			t.Fatalf("record gen %d not revoked: %s", rec.Generation, rec.Status)
		}
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.MaxRequests = 100
	provider := newMockIdentityProvider()
	seedAccount(t, cfg, provider, "alice", "correct-horse-battery")

	engine, _, done := newTestEngine(t, cfg, provider)
	defer done()

	ctx := requestCtx("10.0.0.1", testUA)
	login, err := engine.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := engine.Refresh(ctx, login.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	breach := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrBreachDetected):
			breach++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}

	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}
	if breach != n-1 {
		t.Fatalf("expected %d breach results, got %d", n-1, breach)
	}
}

func TestRefreshFingerprintMismatchBurnsFamily(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockIdentityProvider()
	seedAccount(t, cfg, provider, "alice", "correct-horse-battery")

	engine, _, done := newTestEngine(t, cfg, provider)
	defer done()

	login, err := engine.Login(requestCtx("10.0.0.1", testUA), "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Same token presented from a different device.
	otherDevice := requestCtx("203.0.113.9", "curl/8.5.0")
	if _, err := engine.Refresh(otherDevice, login.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	// The original device cannot continue either.
	if _, err := engine.Refresh(requestCtx("10.0.0.1", testUA), login.RefreshToken); !errors.Is(err, ErrBreachDetected) {
		t.Fatalf("expected ErrBreachDetected after binding burn, got %v", err)
	}
}

func TestRefreshWithoutTransportAttributesIsRejected(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockIdentityProvider()
	seedAccount(t, cfg, provider, "alice", "correct-horse-battery")

	engine, _, done := newTestEngine(t, cfg, provider)
	defer done()

	login, err := engine.Login(requestCtx("10.0.0.1", testUA), "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Stripping the transport attributes must not bypass the binding check:
	// the attribute-less fallback fingerprint still has to match the claim.
	if _, err := engine.Refresh(context.Background(), login.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	// The mismatch burns the family like any other binding failure.
	if _, err := engine.Refresh(requestCtx("10.0.0.1", testUA), login.RefreshToken); !errors.Is(err, ErrBreachDetected) {
		t.Fatalf("expected ErrBreachDetected after binding burn, got %v", err)
	}
}

func TestRefreshAttributelessIssuanceStillRotates(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockIdentityProvider()
	seedAccount(t, cfg, provider, "alice", "correct-horse-battery")

	engine, _, done := newTestEngine(t, cfg, provider)
	defer done()

	// A token issued without transport attributes carries the fallback
	// fingerprint and keeps rotating under an equally bare context.
	login, err := engine.Login(context.Background(), "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	rotated, err := engine.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", rotated.Generation)
	}

	// Gaining attributes mid-session is a mismatch against the fallback.
	if _, err := engine.Refresh(requestCtx("10.0.0.1", testUA), rotated.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockIdentityProvider()
	seedAccount(t, cfg, provider, "alice", "correct-horse-battery")

	engine, _, done := newTestEngine(t, cfg, provider)
	defer done()

	ctx := requestCtx("10.0.0.1", testUA)
	login, err := engine.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if _, err := engine.Refresh(ctx, login.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for access token, got %v", err)
	}
}

func TestRefreshSuspendedAccountRevokesFamily(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockIdentityProvider()
	account := seedAccount(t, cfg, provider, "alice", "correct-horse-battery")

	engine, _, done := newTestEngine(t, cfg, provider)
	defer done()

	ctx := requestCtx("10.0.0.1", testUA)
	login, err := engine.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	account.Status = AccountSuspended
	provider.put(account)

	if _, err := engine.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrAccountSuspended) {
		t.Fatalf("expected ErrAccountSuspended, got %v", err)
	}

	chain, err := engine.FamilyChain(context.Background(), login.FamilyID)
	if err != nil {
		t.Fatalf("FamilyChain failed: %v", err)
	}
	for _, rec := range chain {
		if rec.Status == ledger.StatusActive {
			t.Fatalf("record gen %d still active after suspension", rec.Generation)
		}
	}
}
