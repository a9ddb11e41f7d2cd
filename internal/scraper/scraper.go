// Package scraper fetches a composition page and extracts its metadata
// with the LLM client.
package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

const (
	maxBodyBytes  = 4 << 20
	maxPromptText = 24000
	userAgent     = "krithi-import/1.0 (+bulk import)"
)

// Extractor turns a prompt into a JSON document. Satisfied by *llm.Client.
type Extractor interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

// FetchError is a non-2xx response from the source site.
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

type HTTPScraper struct {
	client    *http.Client
	extractor Extractor
	timeout   time.Duration
	logger    *slog.Logger
}

func NewHTTPScraper(extractor Extractor, timeout time.Duration, logger *slog.Logger) *HTTPScraper {
	return &HTTPScraper{
		client:    &http.Client{}, // per-request timeout below
		extractor: extractor,
		timeout:   timeout,
		logger:    logger.With("component", "scraper"),
	}
}

type page struct {
	body     []byte
	checksum string
	duration time.Duration
}

// Scrape downloads rawURL, reduces it to visible text and asks the
// extractor for structured metadata. The returned Checksum is the SHA-256
// of the raw page body.
func (s *HTTPScraper) Scrape(ctx context.Context, rawURL string) (*domain.ScrapedMetadata, error) {
	p, err := s.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	text := ExtractText(p.body)
	if text == "" {
		return nil, fmt.Errorf("page %s has no visible text", rawURL)
	}
	if r := []rune(text); len(r) > maxPromptText {
		text = string(r[:maxPromptText])
	}

	out, err := s.extractor.GenerateJSON(ctx, buildPrompt(rawURL, text))
	if err != nil {
		return nil, fmt.Errorf("extract metadata: %w", err)
	}

	var meta domain.ScrapedMetadata
	if err := json.Unmarshal([]byte(out), &meta); err != nil {
		return nil, fmt.Errorf("decode extracted metadata: %w", err)
	}
	meta.Title = strings.TrimSpace(meta.Title)
	if meta.Title == "" {
		return nil, errors.New("extracted metadata has no title")
	}
	meta.Checksum = p.checksum

	s.logger.DebugContext(ctx, "scraped page", "url", rawURL, "bytes", len(p.body), "duration", p.duration)
	return &meta, nil
}

func (s *HTTPScraper) fetch(ctx context.Context, rawURL string) (*page, error) {
	start := time.Now()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes)) // drain for connection reuse
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	sum := sha256.Sum256(body)
	return &page{body: body, checksum: hex.EncodeToString(sum[:]), duration: time.Since(start)}, nil
}

func buildPrompt(rawURL, text string) string {
	var b strings.Builder
	b.WriteString("You extract metadata about one Carnatic music composition (krithi) from a web page.\n")
	b.WriteString("Return a single JSON object with keys: title, lyrics, composer, raga, tala, deity, temple, language.\n")
	b.WriteString("title is required. Use null for anything the page does not state. Do not translate or invent values.\n\n")
	b.WriteString("Source URL: ")
	b.WriteString(rawURL)
	b.WriteString("\n\nPage text:\n")
	b.WriteString(text)
	return b.String()
}
