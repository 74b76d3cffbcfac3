package redis

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

// testStore connects to REDIS_TEST_ADDR (default redis://localhost:6379/0)
// and skips the test when Redis is unreachable.
func testStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("REDIS_TEST_ADDR")
	if url == "" {
		url = "redis://localhost:6379/0"
	}

	s, err := New(Config{URL: url, KeyPrefix: fmt.Sprintf("authztest:%s:", t.Name())})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Redis at %s: %v", url, err)
	}

	cleanup := func() {
		ctx := context.Background()
		keys, err := s.Scan(ctx, "")
		if err == nil {
			_ = s.Delete(ctx, keys...)
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		_ = s.Close()
	})
	return s
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without URL should fail")
	}
	if _, err := New(Config{URL: "://bad"}); err == nil {
		t.Error("New() with invalid URL should fail")
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "pending:n1", []byte("ctx"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, "pending:n1")
	if err != nil || string(got) != "ctx" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	keys, err := s.Scan(ctx, "pending:")
	if err != nil || len(keys) != 1 || keys[0] != "pending:n1" {
		t.Errorf("Scan() = %v, %v", keys, err)
	}

	if err := s.Delete(ctx, "pending:n1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "pending:n1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_Increment_SingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	winners := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Increment(ctx, "pending_uses:n1")
			if err != nil {
				t.Errorf("Increment() error = %v", err)
				return
			}
			if n == 1 {
				winners <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(winners)

	if got := len(winners); got != 1 {
		t.Errorf("%d callers observed 1, want exactly 1", got)
	}
}
