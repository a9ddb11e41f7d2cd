package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const samplePage = `<!doctype html>
<html><head><title>Endaro Mahanubhavulu</title>
<style>body { color: red }</style>
<script>var tracking = "ignore me";</script></head>
<body>
  <h1>Endaro Mahanubhavulu</h1>
  <p>Raga: Sri &amp; Tala: Adi</p>
  <div>Composer:   Tyagaraja</div>
  <noscript>enable javascript</noscript>
</body></html>`

type fakeExtractor struct {
	prompt string
	out    string
	err    error
}

func (f *fakeExtractor) GenerateJSON(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.out, f.err
}

func TestExtractText_VisibleOnly(t *testing.T) {
	got := ExtractText([]byte(samplePage))
	want := "Endaro Mahanubhavulu\nEndaro Mahanubhavulu\nRaga: Sri & Tala: Adi\nComposer: Tyagaraja"
	if got != want {
		t.Fatalf("unexpected text:\n%q\nwant:\n%q", got, want)
	}
}

func TestScrape_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a user agent")
		}
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	ext := &fakeExtractor{out: `{"title":" Endaro Mahanubhavulu ","raga":"Sri","tala":"Adi","composer":"Tyagaraja","lyrics":null}`}
	s := NewHTTPScraper(ext, 5*time.Second, slog.Default())

	meta, err := s.Scrape(context.Background(), srv.URL+"/endaro")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Title != "Endaro Mahanubhavulu" {
		t.Fatalf("unexpected title %q", meta.Title)
	}
	if meta.Raga == nil || *meta.Raga != "Sri" || meta.Lyrics != nil {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	sum := sha256.Sum256([]byte(samplePage))
	if meta.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch")
	}
	if !strings.Contains(ext.prompt, "Composer: Tyagaraja") || strings.Contains(ext.prompt, "tracking") {
		t.Fatalf("prompt should carry visible text only:\n%s", ext.prompt)
	}
}

func TestScrape_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewHTTPScraper(&fakeExtractor{}, time.Second, slog.Default())
	_, err := s.Scrape(context.Background(), srv.URL)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusNotFound {
		t.Fatalf("expected FetchError 404, got %v", err)
	}
}

func TestScrape_ExtractionFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	cases := map[string]*fakeExtractor{
		"llm error":    {err: errors.New("quota")},
		"invalid json": {out: "not json"},
		"no title":     {out: `{"raga":"Sri"}`},
	}
	for name, ext := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewHTTPScraper(ext, time.Second, slog.Default())
			if _, err := s.Scrape(context.Background(), srv.URL); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
