package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-authz/internal/testutil"
	"github.com/giantswarm/oauth-authz/storage/memory"
)

type fakeSigner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSigner) SignAccessToken(_ context.Context, subject, audience string, scopes []string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, subject+"|"+audience)
	return fmt.Sprintf("at-%s-%s-%s-%d", subject, audience, strings.Join(scopes, ","), int(ttl.Seconds())), nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *memory.Store, *testutil.MockTime, *fakeSigner) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	clock := testutil.NewMockTime(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	store.SetClock(clock.Now)

	cfg.Logger = testutil.DiscardLogger()
	cfg.Clock = clock.Now
	signer := &fakeSigner{}
	return New(store, signer, cfg), store, clock, signer
}

var testScopes = []string{"read:profile", "email"}

func TestManager_IssueAndValidate(t *testing.T) {
	m, store, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	keys, _ := store.Scan(ctx, "rt:")
	if len(keys) != 1 || keys[0] != "rt:"+HashToken(tok) {
		t.Fatalf("stored keys = %v, want the sha256 of the token", keys)
	}
	if strings.Contains(keys[0], tok) {
		t.Fatal("plaintext token must not be stored")
	}

	rt, err := m.ValidateRefresh(ctx, tok, "client-a")
	testutil.AssertNoError(t, err)
	if rt.UserID != "user-1" || !rt.IsActive || len(rt.Scopes) != 2 {
		t.Errorf("ValidateRefresh() = %+v", rt)
	}
}

func TestManager_ValidateRefresh_Failures(t *testing.T) {
	m, _, clock, _ := newTestManager(t, Config{RefreshTokenTTL: time.Hour})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	if _, err := m.ValidateRefresh(ctx, tok, "client-b"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("client mismatch error = %v, want ErrInvalidGrant", err)
	}
	if _, err := m.ValidateRefresh(ctx, "unknown", "client-a"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("unknown token error = %v, want ErrInvalidGrant", err)
	}
	if _, err := m.ValidateRefresh(ctx, "", "client-a"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("empty token error = %v, want ErrInvalidGrant", err)
	}

	clock.Advance(time.Hour)
	if _, err := m.ValidateRefresh(ctx, tok, "client-a"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expired token error = %v, want ErrInvalidGrant", err)
	}
}

func TestManager_Rotate(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	old, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	next, err := m.Rotate(ctx, old, "client-a", "user-1", nil)
	testutil.AssertNoError(t, err)
	if next == old {
		t.Fatal("rotation must produce a new token")
	}

	if _, err := m.ValidateRefresh(ctx, old, "client-a"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("rotated token should be invalid, got %v", err)
	}
	rt, err := m.ValidateRefresh(ctx, next, "client-a")
	testutil.AssertNoError(t, err)
	if len(rt.Scopes) != len(testScopes) {
		t.Errorf("successor scopes = %v, want %v", rt.Scopes, testScopes)
	}

	// A failed rotation issues nothing.
	if _, err := m.Rotate(ctx, old, "client-a", "user-1", nil); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Rotate() of used token error = %v, want ErrInvalidGrant", err)
	}
}

func TestManager_Rotate_StaleValidationMintsNothing(t *testing.T) {
	m, store, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	old, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	// Both callers validate before either rotates.
	stale, err := m.ValidateRefresh(ctx, old, "client-a")
	testutil.AssertNoError(t, err)

	next, err := m.Rotate(ctx, old, "client-a", "user-1", nil)
	testutil.AssertNoError(t, err)

	if extra, err := m.rotate(ctx, stale, stale.Scopes); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("rotate() with stale record = %q, %v; want ErrInvalidGrant", extra, err)
	}

	if _, err := m.ValidateRefresh(ctx, next, "client-a"); err != nil {
		t.Errorf("first successor should be valid: %v", err)
	}
	if keys, _ := store.Scan(ctx, "rt:"); len(keys) != 1 {
		t.Errorf("stored refresh tokens = %v, want exactly one successor", keys)
	}
}

func TestManager_Rotate_AfterRevokeMintsNothing(t *testing.T) {
	m, store, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)
	stale, err := m.ValidateRefresh(ctx, tok, "client-a")
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, m.Revoke(ctx, tok))

	if extra, err := m.rotate(ctx, stale, stale.Scopes); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("rotate() after revoke = %q, %v; want ErrInvalidGrant", extra, err)
	}
	if keys, _ := store.Scan(ctx, "rt:"); len(keys) != 0 {
		t.Errorf("revoked token produced a successor: %v", keys)
	}
}

func TestManager_Rotate_Restrictions(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", []string{"read:profile"})
	testutil.AssertNoError(t, err)

	if _, err := m.Rotate(ctx, tok, "client-a", "user-2", nil); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Rotate() for another user error = %v, want ErrInvalidGrant", err)
	}
	if _, err := m.Rotate(ctx, tok, "client-a", "user-1", []string{"read:profile", "admin"}); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("Rotate() widening scopes error = %v, want ErrInvalidScope", err)
	}

	// Neither failure consumed the token.
	if _, err := m.ValidateRefresh(ctx, tok, "client-a"); err != nil {
		t.Errorf("token should still be valid: %v", err)
	}
}

func TestManager_RefreshAccessToken(t *testing.T) {
	m, _, _, signer := newTestManager(t, Config{AccessTokenTTL: 15 * time.Minute})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	grant, err := m.RefreshAccessToken(ctx, tok, "client-a")
	testutil.AssertNoError(t, err)

	if grant.AccessToken != "at-user-1-client-a-read:profile,email-900" {
		t.Errorf("AccessToken = %q", grant.AccessToken)
	}
	if grant.ExpiresIn != 900 {
		t.Errorf("ExpiresIn = %d, want 900", grant.ExpiresIn)
	}
	if grant.Scope != "read:profile email" {
		t.Errorf("Scope = %q", grant.Scope)
	}
	if grant.RefreshToken == "" || grant.RefreshToken == tok {
		t.Error("expected a rotated refresh token")
	}
	if len(signer.calls) != 1 || signer.calls[0] != "user-1|client-a" {
		t.Errorf("signer calls = %v", signer.calls)
	}

	if _, err := m.RefreshAccessToken(ctx, tok, "client-a"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second refresh with the same token error = %v, want ErrInvalidGrant", err)
	}
}

func TestManager_RefreshAccessToken_SignerFailureKeepsToken(t *testing.T) {
	m, _, _, signer := newTestManager(t, Config{})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	signer.err = errors.New("kms unavailable")
	if _, err := m.RefreshAccessToken(ctx, tok, "client-a"); err == nil {
		t.Fatal("expected error when signing fails")
	}
	if _, err := m.ValidateRefresh(ctx, tok, "client-a"); err != nil {
		t.Errorf("token should not be consumed when signing fails: %v", err)
	}
}

func TestManager_RefreshAccessToken_ConcurrentSingleWinner(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	const workers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.RefreshAccessToken(ctx, tok, "client-a"); err == nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successes = %d, want exactly 1", successes.Load())
	}
}

func TestManager_Revoke(t *testing.T) {
	m, store, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, m.Revoke(ctx, tok))
	if _, err := m.ValidateRefresh(ctx, tok, "client-a"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("revoked token error = %v, want ErrInvalidGrant", err)
	}
	for _, prefix := range []string{"rt:", "rt_idx:"} {
		if keys, _ := store.Scan(ctx, prefix); len(keys) != 0 {
			t.Errorf("revocation left %s keys behind: %v", prefix, keys)
		}
	}
	// The use counter stays until its TTL so a late rotation cannot claim it.
	if keys, _ := store.Scan(ctx, "rt_uses:"); len(keys) != 1 {
		t.Errorf("use counter keys = %v, want the burned counter", keys)
	}

	testutil.AssertNoError(t, m.Revoke(ctx, tok))
	testutil.AssertNoError(t, m.Revoke(ctx, ""))
}

func TestManager_RevokeAllFor(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	// A user id containing ':' must not match other users' index entries.
	a1, _ := m.IssueRefresh(ctx, "client-a", "user:1", testScopes)
	a2, _ := m.IssueRefresh(ctx, "client-a", "user:1", testScopes)
	b1, _ := m.IssueRefresh(ctx, "client-b", "user:1", testScopes)
	other, _ := m.IssueRefresh(ctx, "client-a", "user", testScopes)

	clientA := "client-a"
	n, err := m.RevokeAllFor(ctx, "user:1", &clientA)
	testutil.AssertNoError(t, err)
	if n != 2 {
		t.Errorf("RevokeAllFor(client-a) = %d, want 2", n)
	}
	for _, tok := range []string{a1, a2} {
		if _, err := m.ValidateRefresh(ctx, tok, "client-a"); err == nil {
			t.Error("client-a token should be revoked")
		}
	}
	if _, err := m.ValidateRefresh(ctx, b1, "client-b"); err != nil {
		t.Errorf("client-b token should survive: %v", err)
	}

	n, err = m.RevokeAllFor(ctx, "user:1", nil)
	testutil.AssertNoError(t, err)
	if n != 1 {
		t.Errorf("RevokeAllFor(all) = %d, want 1", n)
	}
	if _, err := m.ValidateRefresh(ctx, other, "client-a"); err != nil {
		t.Errorf("other user's token should survive: %v", err)
	}
}

func TestManager_ReuseDetection(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{DetectReuse: true})
	ctx := context.Background()

	first, _ := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	second, err := m.Rotate(ctx, first, "client-a", "user-1", nil)
	testutil.AssertNoError(t, err)
	third, err := m.Rotate(ctx, second, "client-a", "user-1", nil)
	testutil.AssertNoError(t, err)

	// Replaying a rotated token revokes the live descendant.
	if _, err := m.ValidateRefresh(ctx, first, "client-a"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("replayed token error = %v, want ErrInvalidGrant", err)
	}
	if _, err := m.ValidateRefresh(ctx, third, "client-a"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("family member should be revoked after reuse, got %v", err)
	}
}

func TestManager_ReuseDetectionDisabledByDefault(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	first, _ := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	second, err := m.Rotate(ctx, first, "client-a", "user-1", nil)
	testutil.AssertNoError(t, err)

	_, _ = m.ValidateRefresh(ctx, first, "client-a")
	if _, err := m.ValidateRefresh(ctx, second, "client-a"); err != nil {
		t.Errorf("successor must stay valid without reuse detection: %v", err)
	}
}

func TestManager_CleanupAndStatistics(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	// The manager clock runs ahead of the store so expired records remain
	// visible to the sweep.
	clock := testutil.NewMockTime(time.Now())
	m := New(store, nil, Config{RefreshTokenTTL: time.Hour, Logger: testutil.DiscardLogger(), Clock: clock.Now})
	ctx := context.Background()

	_, _ = m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	_, _ = m.IssueRefresh(ctx, "client-b", "user-1", testScopes)
	clock.Advance(50 * time.Minute)
	_, _ = m.IssueRefresh(ctx, "client-a", "user-2", testScopes)
	clock.Advance(20 * time.Minute)

	stats, err := m.Statistics(ctx)
	testutil.AssertNoError(t, err)
	want := Stats{Total: 3, Active: 1, Expired: 2, UniqueClients: 2, UniqueUsers: 2}
	if stats != want {
		t.Errorf("Statistics() = %+v, want %+v", stats, want)
	}

	removed, err := m.CleanupExpired(ctx)
	testutil.AssertNoError(t, err)
	if removed != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", removed)
	}

	stats, _ = m.Statistics(ctx)
	if stats.Total != 1 || stats.Active != 1 {
		t.Errorf("Statistics() after cleanup = %+v", stats)
	}
}

func TestManager_RefreshAccessToken_NoSigner(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	m := New(store, nil, Config{Logger: testutil.DiscardLogger()})

	if _, err := m.RefreshAccessToken(context.Background(), "x", "c"); err == nil {
		t.Error("expected error without signer")
	}
}

func TestManager_RefreshAccessTokenScoped(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tok, err := m.IssueRefresh(ctx, "client-a", "user-1", testScopes)
	testutil.AssertNoError(t, err)

	if _, err := m.RefreshAccessTokenScoped(ctx, tok, "client-a", []string{"admin"}); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("widening error = %v, want ErrInvalidScope", err)
	}

	grant, err := m.RefreshAccessTokenScoped(ctx, tok, "client-a", []string{"email"})
	testutil.AssertNoError(t, err)
	if grant.Scope != "email" {
		t.Errorf("Scope = %q, want email", grant.Scope)
	}

	rt, err := m.ValidateRefresh(ctx, grant.RefreshToken, "client-a")
	testutil.AssertNoError(t, err)
	if len(rt.Scopes) != 1 || rt.Scopes[0] != "email" {
		t.Errorf("rotated token scopes = %v, want [email]", rt.Scopes)
	}
}
