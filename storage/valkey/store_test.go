package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-authz/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if the connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("authztest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	keys, err := s.Scan(ctx, "")
	if err != nil {
		t.Logf("Warning: failed to scan for cleanup: %v", err)
		return
	}
	if err := s.Delete(ctx, keys...); err != nil {
		t.Logf("Warning: failed to delete test keys: %v", err)
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without address should fail")
	}
}

func TestEscapeGlob(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"code:", "code:"},
		{"rt_idx:user*:", `rt_idx:user\*:`},
		{"a?b[c]", `a\?b\[c\]`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ============================================================
// EphemeralStore Tests
// ============================================================

func TestStore_SetGetDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "code:abc", []byte(`{"client_id":"c"}`), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := s.Get(ctx, "code:abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"client_id":"c"}` {
		t.Errorf("Get() = %s", got)
	}

	if err := s.Delete(ctx, "code:abc", "code:missing"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "code:abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "short", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if _, err := s.Get(ctx, "short"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after ttl error = %v, want ErrNotFound", err)
	}
}

func TestStore_Increment_ConcurrentSingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "code_uses:x", []byte("0"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	const workers = 50
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ones  int
		total int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Increment(ctx, "code_uses:x")
			if err != nil {
				t.Errorf("Increment() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			total++
			if n == 1 {
				ones++
			}
		}()
	}
	wg.Wait()

	if ones != 1 || total != workers {
		t.Errorf("got %d callers observing 1 out of %d, want exactly 1", ones, total)
	}
}

func TestStore_Scan(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, k := range []string{"rt:a", "rt:b", "rt_idx:u:c:a", "code:z"} {
		if err := s.Set(ctx, k, []byte("1"), time.Minute); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	keys, err := s.Scan(ctx, "rt:")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Scan(rt:) = %v, want 2 keys", keys)
	}
	for _, k := range keys {
		if k != "rt:a" && k != "rt:b" {
			t.Errorf("unexpected key %q (store prefix must be stripped)", k)
		}
	}
}
