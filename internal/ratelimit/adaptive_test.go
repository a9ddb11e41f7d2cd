package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestAdaptive(cfg AdaptiveConfig) (*AdaptiveLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewAdaptiveLimiter(cfg)
	l.now = clock.Now
	l.sleep = clock.Sleep
	l.jitter = func(time.Duration) time.Duration { return 0 }
	return l, clock
}

func TestAdaptive_ThrottleIncreasesDelay(t *testing.T) {
	l, _ := newTestAdaptive(AdaptiveConfig{MinInterval: 100 * time.Millisecond, MaxConcurrent: 1, MaxMultiplier: 16})

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Release()

	before := l.NextDelay()
	l.OnThrottle(0)
	after := l.NextDelay()
	if after <= before {
		t.Fatalf("expected delay to grow after throttle: before %v, after %v", before, after)
	}
	if got := l.Multiplier(); got != 2 {
		t.Fatalf("expected multiplier 2, got %v", got)
	}
}

func TestAdaptive_SuccessDecaysToFloor(t *testing.T) {
	l, _ := newTestAdaptive(AdaptiveConfig{MinInterval: 100 * time.Millisecond, MaxConcurrent: 1, MaxMultiplier: 16})

	l.OnThrottle(0)
	high := l.Multiplier()
	l.OnSuccess()
	if got := l.Multiplier(); got >= high {
		t.Fatalf("expected multiplier below %v, got %v", high, got)
	}
	for i := 0; i < 50; i++ {
		l.OnSuccess()
	}
	if got := l.Multiplier(); got != 1 {
		t.Fatalf("expected multiplier floor 1, got %v", got)
	}
}

func TestAdaptive_MultiplierCapped(t *testing.T) {
	l, _ := newTestAdaptive(AdaptiveConfig{MinInterval: time.Millisecond, MaxConcurrent: 1, MaxMultiplier: 4})
	for i := 0; i < 10; i++ {
		l.OnThrottle(0)
	}
	if got := l.Multiplier(); got != 4 {
		t.Fatalf("expected multiplier capped at 4, got %v", got)
	}
}

func TestAdaptive_RetryAfterSetsCooldownFloor(t *testing.T) {
	l, clock := newTestAdaptive(AdaptiveConfig{MinInterval: 10 * time.Millisecond, MaxConcurrent: 1, MaxMultiplier: 16})

	l.OnThrottle(5 * time.Second)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	var total time.Duration
	for _, d := range clock.slept {
		total += d
	}
	if total < 5*time.Second {
		t.Fatalf("expected to wait out retry-after, waited %v", total)
	}
}

func TestAdaptive_ConsecutiveStartsSpaced(t *testing.T) {
	l, clock := newTestAdaptive(AdaptiveConfig{MinInterval: 200 * time.Millisecond, MaxConcurrent: 2, MaxMultiplier: 16})
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	l.Release()
	l.Release()

	if len(clock.slept) != 1 || clock.slept[0] != 200*time.Millisecond {
		t.Fatalf("expected second start 200ms after first, slept %v", clock.slept)
	}
}

func TestAdaptive_ConcurrencyPermit(t *testing.T) {
	l, _ := newTestAdaptive(AdaptiveConfig{MaxConcurrent: 1, MaxMultiplier: 1})

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("second acquire should block until release")
	}
	l.Release()
}
