// Package llm calls a Gemini-style generateContent API with adaptive
// throttling, bounded retries and a fallback endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/metrics"
	"github.com/sony/gobreaker"
)

const maxErrorBody = 2048

// Limiter gates each HTTP attempt. Satisfied by *ratelimit.AdaptiveLimiter.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
	OnThrottle(retryAfter time.Duration)
	OnSuccess()
}

type Config struct {
	Endpoint         string
	FallbackEndpoint string
	APIKey           string
	Model            string
	FallbackModel    string

	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	MaxRetryWindow time.Duration
	Jitter         time.Duration
	Timeout        time.Duration
}

// Stats are running counters across all calls made by a Client.
type Stats struct {
	Successes    int64
	Throttled429 int64
	Throttled503 int64
	Failures     int64
	Fallbacks    int64
	LatencyTotal time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	successes    atomic.Int64
	throttled429 atomic.Int64
	throttled503 atomic.Int64
	failures     atomic.Int64
	fallbacks    atomic.Int64
	latencyNanos atomic.Int64

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

func NewClient(cfg Config, limiter Limiter, logger *slog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxRetryWindow <= 0 {
		cfg.MaxRetryWindow = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	cfg.MaxDelay = max(cfg.MaxDelay, cfg.InitialDelay)
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = cfg.Model
	}
	logger = logger.With("component", "llm_client")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-primary",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(isThrottle(err) || IsTransient(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
		jitter:  randomJitter,
	}
}

// Generate sends prompt to the primary endpoint, falling back once to the
// fallback endpoint when the primary stays throttled.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := c.generate(ctx, c.cfg.Endpoint, c.cfg.Model, prompt, true)
	if err == nil || !errors.Is(err, ErrThrottled) || c.cfg.FallbackEndpoint == "" {
		return text, err
	}

	c.logger.WarnContext(ctx, "primary endpoint throttled, trying fallback", "error", err)
	c.fallbacks.Add(1)
	text, fbErr := c.generate(ctx, c.cfg.FallbackEndpoint, c.cfg.FallbackModel, prompt, false)
	if fbErr != nil {
		return "", fmt.Errorf("fallback after %v: %w", err, fbErr)
	}
	return text, nil
}

// GenerateJSON is Generate with a JSON-only response and the model's code
// fences stripped.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	text, err := c.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return stripFences(text), nil
}

func (c *Client) generate(ctx context.Context, endpoint, model, prompt string, primary bool) (string, error) {
	deadline := c.now().Add(c.cfg.MaxRetryWindow)
	delay := c.cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		text, err := c.attempt(ctx, endpoint, model, prompt, primary)
		if err == nil {
			c.limiter.OnSuccess()
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %w", ErrThrottled, err)
		}
		lastErr = err

		throttled := isThrottle(err)
		if !throttled && !IsTransient(err) {
			return "", err
		}

		wait := delay + c.jitter(c.cfg.Jitter)
		if throttled {
			var se *StatusError
			errors.As(err, &se)
			c.limiter.OnThrottle(se.RetryAfter)
			wait = max(wait, se.RetryAfter)
		}
		delay = min(delay*2, c.cfg.MaxDelay)

		if attempt == c.cfg.MaxRetries || c.now().Add(wait).After(deadline) {
			break
		}
		c.logger.DebugContext(ctx, "retrying llm call", "attempt", attempt, "wait", wait, "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return "", err
		}
	}

	if isThrottle(lastErr) {
		return "", fmt.Errorf("%w: %w", ErrThrottled, lastErr)
	}
	return "", lastErr
}

// attempt makes one rate-limited HTTP call. The primary endpoint runs
// behind the circuit breaker.
func (c *Client) attempt(ctx context.Context, endpoint, model, prompt string, primary bool) (string, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	defer c.limiter.Release()

	label := "fallback"
	if primary {
		label = "primary"
	}
	start := c.now()
	var (
		text string
		err  error
	)
	if primary {
		var out any
		out, err = c.breaker.Execute(func() (any, error) {
			return c.call(ctx, endpoint, model, prompt)
		})
		if err == nil {
			text = out.(string)
		}
	} else {
		text, err = c.call(ctx, endpoint, model, prompt)
	}
	elapsed := c.now().Sub(start)
	c.latencyNanos.Add(int64(elapsed))
	metrics.LLMLatency.WithLabelValues(label).Observe(elapsed.Seconds())
	c.record(label, err)
	return text, err
}

func (c *Client) record(label string, err error) {
	outcome := "success"
	var se *StatusError
	switch {
	case err == nil:
		c.successes.Add(1)
	case errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests:
		c.throttled429.Add(1)
		outcome = "throttled_429"
	case errors.As(err, &se) && se.StatusCode == http.StatusServiceUnavailable:
		c.throttled503.Add(1)
		outcome = "throttled_503"
	default:
		c.failures.Add(1)
		outcome = "failure"
	}
	metrics.LLMRequestsTotal.WithLabelValues(label, outcome).Inc()
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (c *Client) call(ctx context.Context, endpoint, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{Temperature: 0, ResponseMimeType: "application/json"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	u := strings.TrimRight(endpoint, "/") + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("llm: response has no candidates")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

// Stats returns a snapshot of the running counters.
func (c *Client) Stats() Stats {
	return Stats{
		Successes:    c.successes.Load(),
		Throttled429: c.throttled429.Load(),
		Throttled503: c.throttled503.Load(),
		Failures:     c.failures.Load(),
		Fallbacks:    c.fallbacks.Load(),
		LatencyTotal: time.Duration(c.latencyNanos.Load()),
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
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

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}
