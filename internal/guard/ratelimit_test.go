package guard

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if err := rl.Allow("1.2.3.4"); err != nil {
			t.Fatalf("request %d should be admitted, got %v", i+1, err)
		}
	}

	err := rl.Allow("1.2.3.4")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("6th request in window should be rejected, got %v", err)
	}

	// A rejected request must not consume quota.
	if err := rl.Allow("5.6.7.8"); err != nil {
		t.Errorf("different key should have its own window, got %v", err)
	}

	now = now.Add(61 * time.Second)
	if err := rl.Allow("1.2.3.4"); err != nil {
		t.Errorf("request after window expiry should be admitted, got %v", err)
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if err := rl.Allow("k"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(40 * time.Second)
	if err := rl.Allow("k"); err != nil {
		t.Fatal(err)
	}

	// 50s in: both hits still inside the window.
	now = now.Add(10 * time.Second)
	if err := rl.Allow("k"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third request should be rejected, got %v", err)
	}

	// 65s in: the first hit has slid out, the second has not.
	now = now.Add(15 * time.Second)
	if err := rl.Allow("k"); err != nil {
		t.Errorf("request should be admitted after first hit expires, got %v", err)
	}
	if err := rl.Allow("k"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("window should be full again, got %v", err)
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		if err := rl.Allow(fmt.Sprintf("10.0.0.%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// Two windows later only the active key should survive.
	now = now.Add(2 * time.Minute)
	if err := rl.Allow("active"); err != nil {
		t.Fatal(err)
	}

	if len(rl.hits) != 1 {
		t.Errorf("idle keys not evicted, %d entries remain", len(rl.hits))
	}
	if _, ok := rl.hits["active"]; !ok {
		t.Error("active key should survive the sweep")
	}
}

func TestRateLimiterManyKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("10.0.0.%d", i)
		if err := rl.Allow(key); err != nil {
			t.Fatalf("key %s first request should be admitted, got %v", key, err)
		}
	}
}
