package security

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("ip-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("ip-1") {
		t.Error("request beyond burst should be limited")
	}
	if !rl.Allow("ip-2") {
		t.Error("other identifiers have their own bucket")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 2, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c")

	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	// "a" was evicted, so it gets a fresh bucket
	if !rl.Allow("a") {
		t.Error("evicted identifier should start with a full bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")

	if removed := rl.Cleanup(time.Hour); removed != 0 {
		t.Errorf("Cleanup(1h) removed %d, want 0", removed)
	}
	time.Sleep(5 * time.Millisecond)
	if removed := rl.Cleanup(time.Millisecond); removed != 2 {
		t.Errorf("Cleanup(1ms) removed %d, want 2", removed)
	}

	rl.Stop()
	rl.Stop()
}
