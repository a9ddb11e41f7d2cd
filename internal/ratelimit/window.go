// Package ratelimit throttles outbound calls: a fixed-window limiter for
// scrape destinations and an adaptive limiter for the LLM API.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const windowLength = 60 * time.Second

type WindowConfig struct {
	PerDomainPerMinute int
	SlowHostPerMinute  int // applies to SlowHosts instead of PerDomainPerMinute
	GlobalPerMinute    int
	SlowHosts          []string

	// Capacity bounds how many host windows are tracked; the least recently
	// used host is evicted beyond it. MaxAge evicts hosts idle that long and
	// is never shorter than one window.
	Capacity int
	MaxAge   time.Duration
}

func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		PerDomainPerMinute: 12,
		SlowHostPerMinute:  4,
		GlobalPerMinute:    50,
		Capacity:           1024,
		MaxAge:             time.Hour,
	}
}

// window counts requests in a fixed 60s window starting at startedAt.
type window struct {
	startedAt time.Time
	count     int
}

// wait returns how long until the window has room, rolling it over first
// when it has expired. A limit <= 0 means unlimited.
func (w *window) wait(now time.Time, limit int) time.Duration {
	if now.Sub(w.startedAt) >= windowLength {
		w.startedAt = now
		w.count = 0
	}
	if limit <= 0 || w.count < limit {
		return 0
	}
	return w.startedAt.Add(windowLength).Sub(now)
}

// WindowLimiter is a fixed-window throttle with one global window and one
// window per destination host. Worst case it admits twice a window's
// ceiling across a window boundary.
type WindowLimiter struct {
	cfg WindowConfig

	mu     sync.Mutex
	global window
	hosts  *expirable.LRU[string, *window]

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWindowLimiter(cfg WindowConfig) *WindowLimiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	cfg.MaxAge = max(cfg.MaxAge, windowLength)
	return &WindowLimiter{
		cfg:   cfg,
		hosts: expirable.NewLRU[string, *window](cfg.Capacity, nil, cfg.MaxAge),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Throttle blocks until both the global and the host window admit a request
// for rawURL, or ctx is done. It re-checks after every sleep since another
// worker may have taken the slot.
func (l *WindowLimiter) Throttle(ctx context.Context, rawURL string) error {
	host, err := hostOf(rawURL)
	if err != nil {
		return err
	}

	var waited time.Duration
	defer func() { metrics.RateLimitWait.Observe(waited.Seconds()) }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := l.reserve(host)
		if wait == 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

// reserve takes a slot in both windows under one lock, or returns how long
// the caller must wait before trying again.
func (l *WindowLimiter) reserve(host string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hw, ok := l.hosts.Get(host)
	if !ok {
		hw = &window{startedAt: now}
	}
	// Get does not renew the TTL; re-adding keeps a busy host's window alive.
	l.hosts.Add(host, hw)

	wait := max(l.global.wait(now, l.cfg.GlobalPerMinute), hw.wait(now, l.limitFor(host)))
	if wait > 0 {
		return wait
	}
	l.global.count++
	hw.count++
	return 0
}

func (l *WindowLimiter) limitFor(host string) int {
	for _, slow := range l.cfg.SlowHosts {
		if host == slow || strings.HasSuffix(host, "."+slow) {
			return l.cfg.SlowHostPerMinute
		}
	}
	return l.cfg.PerDomainPerMinute
}

// TrackedHosts reports how many host windows are currently held.
func (l *WindowLimiter) TrackedHosts() int {
	return l.hosts.Len()
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
