package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

func TestParse_NormalizesHeaderAndValidates(t *testing.T) {
	in := "\ufeffKrithi , Ragam,URL\n" +
		"Endaro Mahanubhavulu,Sri,https://example.com/endaro\n" +
		",Kalyani,https://example.com/untitled\n" +
		"Vatapi Ganapatim,Hamsadhwani,ftp://example.com/vatapi\n" +
		"Nagumomu,Abheri,http://example.com/nagumomu\n"

	res, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 valid rows, got %d: %+v", len(res.Rows), res.Rows)
	}
	if res.Rows[0].Title != "Endaro Mahanubhavulu" || res.Rows[0].Raga != "Sri" || res.Rows[0].Line != 2 {
		t.Fatalf("unexpected first row %+v", res.Rows[0])
	}
	if res.Rows[0].Key() != "Endaro Mahanubhavulu|Sri" {
		t.Fatalf("unexpected key %q", res.Rows[0].Key())
	}
	if len(res.Skipped) != 2 || res.Skipped[0].Line != 3 || res.Skipped[1].Line != 4 {
		t.Fatalf("unexpected skipped rows %+v", res.Skipped)
	}
}

func TestParse_RaggedRows(t *testing.T) {
	in := "krithi,hyperlink,raga\nSamaja Varagamana,https://example.com/samaja\n"
	res, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0].Raga != "" {
		t.Fatalf("expected one row with empty raga, got %+v", res.Rows)
	}
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	if !errors.Is(err, domain.ErrManifestEmpty) {
		t.Fatalf("expected ErrManifestEmpty, got %v", err)
	}
}

func TestParse_MissingColumn(t *testing.T) {
	if _, err := Parse(strings.NewReader("krithi,raga\nA,B\n")); err == nil {
		t.Fatal("expected error for missing hyperlink column")
	}
}

func TestParseFile_Missing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.csv"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestDedupe_ByNormalizedHyperlink(t *testing.T) {
	rows := []Row{
		{Title: "A", Hyperlink: "https://Example.com/a/"},
		{Title: "A again", Hyperlink: "https://example.com:443/a#lyrics"},
		{Title: "B", Hyperlink: "https://example.com/b"},
	}
	out, dropped := Dedupe(rows)
	if dropped != 1 || len(out) != 2 {
		t.Fatalf("expected 2 rows and 1 dropped, got %d rows, %d dropped", len(out), dropped)
	}
	if out[0].Title != "A" {
		t.Fatalf("first occurrence should win, got %q", out[0].Title)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Example.COM/Path/":     "https://example.com/Path",
		"http://example.com:80/x?q=1#f": "http://example.com/x?q=1",
		"https://example.com:8443/x":    "https://example.com:8443/x",
		" https://example.com/x ":       "https://example.com/x",
	}
	for in, want := range cases {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}
