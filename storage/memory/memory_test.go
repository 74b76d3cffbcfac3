package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-authz/internal/testutil"
	"github.com/giantswarm/oauth-authz/storage"
)

func newTestStore(t *testing.T) (*Store, *testutil.MockTime) {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	s.SetClock(clock.Now)
	s.SetLogger(testutil.DiscardLogger())
	return s, clock
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_ClientRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient(storage.ClientTypeConfidential)
	testutil.AssertNoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	if got.Name != client.Name || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("GetClient() = %+v, want %+v", got, client)
	}

	// Returned copies must not alias stored state.
	got.RedirectURIs[0] = "https://evil.example/cb"
	again, _ := s.GetClient(ctx, client.ClientID)
	if again.RedirectURIs[0] != testutil.TestRedirectURI {
		t.Error("mutating a returned client changed the stored client")
	}

	testutil.AssertNoError(t, s.DeleteClient(ctx, client.ClientID))
	if _, err := s.GetClient(ctx, client.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrClientNotFound", err)
	}
	testutil.AssertNoError(t, s.DeleteClient(ctx, client.ClientID))
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SaveClient(context.Background(), nil); err == nil {
		t.Error("SaveClient(nil) should fail")
	}
	if err := s.SaveClient(context.Background(), &storage.Client{}); err == nil {
		t.Error("SaveClient() without ID should fail")
	}
}

func TestStore_ListClientsByOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, owner := range []string{"a", "b", "a"} {
		c := testutil.NewTestClient(storage.ClientTypePublic)
		c.ClientID = testutil.GenerateRandomString(10)
		c.Owner = owner
		c.CreatedAt = time.Unix(int64(i), 0)
		testutil.AssertNoError(t, s.SaveClient(ctx, c))
	}

	got, err := s.ListClientsByOwner(ctx, "a")
	testutil.AssertNoError(t, err)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].CreatedAt.Before(got[1].CreatedAt) {
		t.Error("clients should be ordered by creation time")
	}
}

func TestStore_UpdateClient_KeepsActiveFlag(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient(storage.ClientTypePublic)
	testutil.AssertNoError(t, s.SaveClient(ctx, client))
	created := client.CreatedAt

	testutil.AssertNoError(t, s.DeactivateClient(ctx, client.ClientID, clock.Now()))

	client.Name = "Renamed"
	client.CreatedAt = created.Add(time.Hour)
	testutil.AssertNoError(t, s.UpdateClient(ctx, client))

	got, err := s.GetClient(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	if got.IsActive {
		t.Error("UpdateClient() must not reactivate a deactivated client")
	}
	if got.Name != "Renamed" || !got.CreatedAt.Equal(created) {
		t.Errorf("GetClient() = %+v, want new name and original CreatedAt", got)
	}

	if err := s.UpdateClient(ctx, &storage.Client{ClientID: "missing"}); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("UpdateClient() missing error = %v, want ErrClientNotFound", err)
	}
	if err := s.DeactivateClient(ctx, "missing", clock.Now()); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("DeactivateClient() missing error = %v, want ErrClientNotFound", err)
	}
}

// ============================================================
// ConsentStore Tests
// ============================================================

func TestStore_UpsertConsent_SingleRecordPerPair(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.UpsertConsent(ctx, &storage.UserConsent{
		UserID: "u1", ClientID: "c1", Scopes: []string{"read"}, IsActive: true,
	}))
	testutil.AssertNoError(t, s.UpsertConsent(ctx, &storage.UserConsent{
		UserID: "u1", ClientID: "c1", Scopes: []string{"read", "write"}, IsActive: true,
	}))
	testutil.AssertNoError(t, s.UpsertConsent(ctx, &storage.UserConsent{
		UserID: "u1", ClientID: "c2", Scopes: []string{"read"},
	}))

	byUser, err := s.ListConsentsByUser(ctx, "u1")
	testutil.AssertNoError(t, err)
	if len(byUser) != 2 {
		t.Fatalf("ListConsentsByUser() len = %d, want 2", len(byUser))
	}

	got, err := s.GetConsent(ctx, "u1", "c1")
	testutil.AssertNoError(t, err)
	if len(got.Scopes) != 2 {
		t.Errorf("Scopes = %v, want the upserted set", got.Scopes)
	}

	byClient, err := s.ListConsentsByClient(ctx, "c1")
	testutil.AssertNoError(t, err)
	if len(byClient) != 1 {
		t.Errorf("ListConsentsByClient() len = %d, want 1", len(byClient))
	}

	if _, err := s.GetConsent(ctx, "u2", "c1"); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("GetConsent() error = %v, want ErrConsentNotFound", err)
	}
}

func TestStore_TouchConsent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.UpsertConsent(ctx, &storage.UserConsent{
		UserID: "u1", ClientID: "c1", Scopes: []string{"read"}, IsActive: true,
	}))
	testutil.AssertNoError(t, s.UpsertConsent(ctx, &storage.UserConsent{
		UserID: "u1", ClientID: "c2", Scopes: []string{"read"},
	}))

	at := clock.Now().Add(time.Minute)
	testutil.AssertNoError(t, s.TouchConsent(ctx, "u1", "c1", at))
	testutil.AssertNoError(t, s.TouchConsent(ctx, "u1", "c2", at))
	testutil.AssertNoError(t, s.TouchConsent(ctx, "u1", "missing", at))

	active, err := s.GetConsent(ctx, "u1", "c1")
	testutil.AssertNoError(t, err)
	if !active.LastUsedAt.Equal(at) || !active.IsActive {
		t.Errorf("active consent = %+v, want LastUsedAt %v", active, at)
	}

	inactive, err := s.GetConsent(ctx, "u1", "c2")
	testutil.AssertNoError(t, err)
	if inactive.IsActive || !inactive.LastUsedAt.IsZero() {
		t.Errorf("inactive consent was touched: %+v", inactive)
	}
	if _, err := s.GetConsent(ctx, "u1", "missing"); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("TouchConsent() created a record: %v", err)
	}
}

// ============================================================
// EphemeralStore Tests
// ============================================================

func TestStore_SetGetDelete(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := s.Get(ctx, "k")
	testutil.AssertNoError(t, err)
	if string(got) != "v" {
		t.Errorf("Get() = %q, want v", got)
	}

	clock.Advance(time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() at expiry error = %v, want ErrNotFound", err)
	}

	testutil.AssertNoError(t, s.Set(ctx, "forever", []byte("x"), 0))
	clock.Advance(24 * time.Hour)
	if _, err := s.Get(ctx, "forever"); err != nil {
		t.Errorf("zero ttl entry expired: %v", err)
	}

	testutil.AssertNoError(t, s.Delete(ctx, "forever", "missing"))
	if _, err := s.Get(ctx, "forever"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

func TestStore_Increment(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	n, err := s.Increment(ctx, "fresh")
	testutil.AssertNoError(t, err)
	if n != 1 {
		t.Errorf("Increment() on missing key = %d, want 1", n)
	}

	testutil.AssertNoError(t, s.Set(ctx, "counter", []byte("0"), time.Minute))
	n, _ = s.Increment(ctx, "counter")
	if n != 1 {
		t.Errorf("Increment() = %d, want 1", n)
	}
	n, _ = s.Increment(ctx, "counter")
	if n != 2 {
		t.Errorf("Increment() = %d, want 2", n)
	}

	// Expiry of an existing key survives increments.
	clock.Advance(time.Minute)
	if _, err := s.Get(ctx, "counter"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("incremented key should keep its ttl")
	}

	testutil.AssertNoError(t, s.Set(ctx, "text", []byte("abc"), 0))
	if _, err := s.Increment(ctx, "text"); err == nil {
		t.Error("Increment() on non-integer value should fail")
	}
}

func TestStore_Increment_Concurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	testutil.AssertNoError(t, s.Set(ctx, "uses", []byte("0"), time.Minute))

	const workers = 50
	results := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Increment(ctx, "uses")
			if err != nil {
				t.Errorf("Increment() error = %v", err)
				return
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for n := range results {
		if seen[n] {
			t.Fatalf("value %d returned twice", n)
		}
		seen[n] = true
	}
	if len(seen) != workers || !seen[1] || !seen[workers] {
		t.Errorf("expected every value 1..%d exactly once, got %d values", workers, len(seen))
	}
}

func TestStore_ScanAndCleanup(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.Set(ctx, "code:b", nil, time.Minute))
	testutil.AssertNoError(t, s.Set(ctx, "code:a", nil, time.Hour))
	testutil.AssertNoError(t, s.Set(ctx, "rt:x", nil, time.Hour))

	keys, err := s.Scan(ctx, "code:")
	testutil.AssertNoError(t, err)
	if len(keys) != 2 || keys[0] != "code:a" {
		t.Errorf("Scan() = %v, want [code:a code:b]", keys)
	}

	clock.Advance(2 * time.Minute)
	keys, _ = s.Scan(ctx, "code:")
	if len(keys) != 1 {
		t.Errorf("Scan() should hide expired keys, got %v", keys)
	}

	if removed := s.cleanup(); removed != 1 {
		t.Errorf("cleanup() removed %d, want 1", removed)
	}
}

func TestStore_CanceledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Increment(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Increment() error = %v, want context.Canceled", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Get() error = %v, want context.Canceled", err)
	}
}

func TestStore_StopIdempotent(t *testing.T) {
	s := NewWithInterval(10 * time.Millisecond)
	s.Stop()
	s.Stop()
}
