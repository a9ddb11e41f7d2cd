package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLimiter struct {
	acquired  int
	released  int
	throttles []time.Duration
	successes int
}

func (f *fakeLimiter) Acquire(context.Context) error { f.acquired++; return nil }
func (f *fakeLimiter) Release()                      { f.released++ }
func (f *fakeLimiter) OnThrottle(retryAfter time.Duration) {
	f.throttles = append(f.throttles, retryAfter)
}
func (f *fakeLimiter) OnSuccess() { f.successes++ }

// scriptedServer answers with the given status codes in order, then 200.
func scriptedServer(t *testing.T, statuses []int, header http.Header) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if n <= len(statuses) {
			for k, v := range header {
				w.Header()[k] = v
			}
			w.WriteHeader(statuses[n-1])
			fmt.Fprint(w, `{"error":"slow down"}`)
			return
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"{\"title\":\"ok\"}"}]}}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(endpoint, fallback string, limiter Limiter, maxRetries int) (*Client, *[]time.Duration) {
	c := NewClient(Config{
		Endpoint:         endpoint,
		FallbackEndpoint: fallback,
		APIKey:           "test-key",
		Model:            "gemini-test",
		MaxRetries:       maxRetries,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         time.Second,
		MaxRetryWindow:   time.Minute,
	}, limiter, slog.Default())
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	c.jitter = func(time.Duration) time.Duration { return 0 }
	return c, &slept
}

func TestGenerate_Success(t *testing.T) {
	srv, calls := scriptedServer(t, nil, nil)
	lim := &fakeLimiter{}
	c, _ := newTestClient(srv.URL, "", lim, 3)

	text, err := c.GenerateJSON(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != `{"title":"ok"}` {
		t.Fatalf("unexpected text %q", text)
	}
	if calls.Load() != 1 || lim.successes != 1 || lim.acquired != lim.released {
		t.Fatalf("calls=%d successes=%d acquired=%d released=%d", calls.Load(), lim.successes, lim.acquired, lim.released)
	}
	if got := c.Stats().Successes; got != 1 {
		t.Fatalf("expected 1 success, got %d", got)
	}
}

func TestGenerate_RetriesThrottleWithBackoff(t *testing.T) {
	srv, calls := scriptedServer(t, []int{429, 503}, nil)
	lim := &fakeLimiter{}
	c, slept := newTestClient(srv.URL, "", lim, 5)

	if _, err := c.Generate(context.Background(), "prompt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if len(lim.throttles) != 2 {
		t.Fatalf("expected 2 throttle signals, got %d", len(lim.throttles))
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("expected delays %v, got %v", want, *slept)
	}
	st := c.Stats()
	if st.Throttled429 != 1 || st.Throttled503 != 1 || st.Successes != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestGenerate_HonoursRetryAfter(t *testing.T) {
	srv, _ := scriptedServer(t, []int{429}, http.Header{"Retry-After": []string{"2"}})
	lim := &fakeLimiter{}
	c, slept := newTestClient(srv.URL, "", lim, 3)

	if _, err := c.Generate(context.Background(), "prompt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lim.throttles) != 1 || lim.throttles[0] != 2*time.Second {
		t.Fatalf("expected retry-after 2s passed to limiter, got %v", lim.throttles)
	}
	if len(*slept) != 1 || (*slept)[0] < 2*time.Second {
		t.Fatalf("expected to sleep at least 2s, got %v", *slept)
	}
}

func TestGenerate_ExhaustedThrottleIsDistinguished(t *testing.T) {
	srv, calls := scriptedServer(t, []int{429, 429, 429}, nil)
	c, _ := newTestClient(srv.URL, "", &fakeLimiter{}, 3)

	_, err := c.Generate(context.Background(), "prompt")
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestGenerate_FallbackAfterThrottle(t *testing.T) {
	primary, _ := scriptedServer(t, []int{429, 429}, nil)
	fallback, fbCalls := scriptedServer(t, nil, nil)
	c, _ := newTestClient(primary.URL, fallback.URL, &fakeLimiter{}, 2)

	text, err := c.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text == "" || fbCalls.Load() != 1 {
		t.Fatalf("expected fallback to answer once, calls=%d", fbCalls.Load())
	}
	if got := c.Stats().Fallbacks; got != 1 {
		t.Fatalf("expected 1 fallback, got %d", got)
	}
}

func TestGenerate_ClientErrorNotRetried(t *testing.T) {
	srv, calls := scriptedServer(t, []int{400}, nil)
	lim := &fakeLimiter{}
	c, _ := newTestClient(srv.URL, "", lim, 5)

	_, err := c.Generate(context.Background(), "prompt")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 400 {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if errors.Is(err, ErrThrottled) {
		t.Fatal("400 must not be reported as throttling")
	}
	if calls.Load() != 1 || len(lim.throttles) != 0 {
		t.Fatalf("expected a single call without throttling, calls=%d", calls.Load())
	}
	if got := c.Stats().Failures; got != 1 {
		t.Fatalf("expected 1 failure, got %d", got)
	}
}

func TestGenerate_BreakerOpensOnPrimary(t *testing.T) {
	srv, calls := scriptedServer(t, []int{503, 503, 503, 503, 503, 503, 503}, nil)
	c, _ := newTestClient(srv.URL, "", &fakeLimiter{}, 5)

	if _, err := c.Generate(context.Background(), "prompt"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	before := calls.Load()
	if _, err := c.Generate(context.Background(), "prompt"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled from open breaker, got %v", err)
	}
	if calls.Load() != before {
		t.Fatalf("open breaker should not reach the server")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{&StatusError{StatusCode: 502}, true},
		{&StatusError{StatusCode: 404}, false},
		{fmt.Errorf("read: %w", errUnexpectedEOF()), true},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestStripFences(t *testing.T) {
	if got := stripFences("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Fatalf("unexpected %q", got)
	}
	if got := stripFences(` {"a":1} `); got != `{"a":1}` {
		t.Fatalf("unexpected %q", got)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := retryAfter("3", now); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}
	if got := retryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now); got != 10*time.Second {
		t.Fatalf("expected 10s, got %v", got)
	}
	if got := retryAfter("", now); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func errUnexpectedEOF() error { return io.ErrUnexpectedEOF }

func TestGenerate_BackoffDefaultsWhenUnset(t *testing.T) {
	srv, _ := scriptedServer(t, []int{503, 503, 503}, nil)
	c := NewClient(Config{
		Endpoint:       srv.URL,
		APIKey:         "test-key",
		Model:          "gemini-test",
		MaxRetries:     4,
		MaxRetryWindow: time.Hour,
	}, &fakeLimiter{}, slog.Default())
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	c.jitter = func(time.Duration) time.Duration { return 0 }

	if _, err := c.Generate(context.Background(), "prompt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, slept)
		}
	}
}
