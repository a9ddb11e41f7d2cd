package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	throttleFactor = 2.0
	decayFactor    = 0.9
)

type AdaptiveConfig struct {
	MinInterval   time.Duration // base spacing between call starts
	QPS           float64       // ceiling, <= 0 disables
	MaxConcurrent int64
	Jitter        time.Duration // upper bound of random delay added per call
	MaxMultiplier float64       // ceiling for the cooldown multiplier
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinInterval:   350 * time.Millisecond,
		QPS:           2,
		MaxConcurrent: 4,
		Jitter:        250 * time.Millisecond,
		MaxMultiplier: 16,
	}
}

// AdaptiveLimiter spaces out LLM calls. Call starts are at least
// MinInterval × multiplier apart and never before a server-imposed
// cooldown; the multiplier doubles on throttling and decays on success.
type AdaptiveLimiter struct {
	cfg AdaptiveConfig
	qps *rate.Limiter
	sem *semaphore.Weighted

	mu            sync.Mutex
	lastStart     time.Time
	multiplier    float64
	cooldownUntil time.Time

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

func NewAdaptiveLimiter(cfg AdaptiveConfig) *AdaptiveLimiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxMultiplier < 1 {
		cfg.MaxMultiplier = 1
	}
	limit := rate.Inf
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
	}
	return &AdaptiveLimiter{
		cfg:        cfg,
		qps:        rate.NewLimiter(limit, 1),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		multiplier: 1,
		now:        time.Now,
		sleep:      sleepCtx,
		jitter:     randomJitter,
	}
}

// Acquire waits for the caller's start slot and a concurrency permit.
// Every successful Acquire must be paired with Release.
func (l *AdaptiveLimiter) Acquire(ctx context.Context) error {
	start := l.reserveStart()
	if d := start.Sub(l.now()) + l.jitter(l.cfg.Jitter); d > 0 {
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
	if err := l.qps.Wait(ctx); err != nil {
		return err
	}
	return l.sem.Acquire(ctx, 1)
}

func (l *AdaptiveLimiter) Release() {
	l.sem.Release(1)
}

// reserveStart claims the next start slot so concurrent callers queue
// behind each other instead of all waking at the same instant.
func (l *AdaptiveLimiter) reserveStart() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := l.earliestStartLocked()
	if start.Before(now) {
		start = now
	}
	l.lastStart = start
	return start
}

func (l *AdaptiveLimiter) earliestStartLocked() time.Time {
	earliest := l.lastStart.Add(time.Duration(float64(l.cfg.MinInterval) * l.multiplier))
	if l.cooldownUntil.After(earliest) {
		earliest = l.cooldownUntil
	}
	return earliest
}

// OnThrottle escalates the cooldown after a 429/503. retryAfter, when the
// server supplied one, becomes a hard floor for the next start.
func (l *AdaptiveLimiter) OnThrottle(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.multiplier = min(l.multiplier*throttleFactor, l.cfg.MaxMultiplier)
	if retryAfter > 0 {
		if until := l.now().Add(retryAfter); until.After(l.cooldownUntil) {
			l.cooldownUntil = until
		}
	}
	metrics.LLMCooldownMultiplier.Set(l.multiplier)
}

func (l *AdaptiveLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.multiplier = max(l.multiplier*decayFactor, 1)
	metrics.LLMCooldownMultiplier.Set(l.multiplier)
}

// NextDelay is how long a call arriving now would wait before jitter.
func (l *AdaptiveLimiter) NextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(l.earliestStartLocked().Sub(l.now()), 0)
}

func (l *AdaptiveLimiter) Multiplier() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.multiplier
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}
