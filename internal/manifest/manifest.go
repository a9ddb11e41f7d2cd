// Package manifest reads bulk-import CSV manifests: one composition link
// per row with its title and raga.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/jszwec/csvutil"
)

// Row is one manifest entry after header normalization.
type Row struct {
	Title     string `csv:"krithi"`
	Raga      string `csv:"raga,omitempty"`
	Hyperlink string `csv:"hyperlink"`

	Line int `csv:"-"`
}

// Key identifies the composition a row points at.
func (r Row) Key() string {
	return r.Title + "|" + r.Raga
}

// RowError describes a row that was skipped during validation.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

type Result struct {
	Rows    []Row
	Skipped []RowError
}

var headerAliases = map[string]string{
	"krithi":    "krithi",
	"kriti":     "krithi",
	"title":     "krithi",
	"name":      "krithi",
	"raga":      "raga",
	"ragam":     "raga",
	"hyperlink": "hyperlink",
	"link":      "hyperlink",
	"url":       "hyperlink",
}

// ParseFile opens path and parses it. A missing file wraps os.ErrNotExist.
func ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a manifest. Header names are matched case-insensitively
// with a few aliases; krithi and hyperlink columns are required. Rows with
// no title or a non-http(s) link are skipped and reported, not fatal.
func Parse(r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	raw, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.ErrManifestEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header := normalizeHeader(raw)
	if err := requireColumns(header, "krithi", "hyperlink"); err != nil {
		return nil, err
	}

	dec, err := csvutil.NewDecoder(&paddedReader{r: cr, width: len(header)}, header...)
	if err != nil {
		return nil, fmt.Errorf("init decoder: %w", err)
	}

	res := &Result{}
	for line := 2; ; line++ {
		var row Row
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row.Line = line
		row.Title = strings.TrimSpace(row.Title)
		row.Raga = strings.TrimSpace(row.Raga)
		row.Hyperlink = strings.TrimSpace(row.Hyperlink)

		if reason := validate(row); reason != "" {
			res.Skipped = append(res.Skipped, RowError{Line: line, Reason: reason})
			continue
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func validate(row Row) string {
	if row.Title == "" && row.Hyperlink == "" {
		return "blank row"
	}
	if row.Title == "" {
		return "missing title"
	}
	u, err := url.Parse(row.Hyperlink)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Sprintf("invalid hyperlink %q", row.Hyperlink)
	}
	return ""
}

func normalizeHeader(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canonical, ok := headerAliases[h]; ok {
			h = canonical
		}
		out[i] = h
	}
	return out
}

func requireColumns(header []string, cols ...string) error {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	for _, c := range cols {
		if !present[c] {
			return fmt.Errorf("manifest header missing %q column (got %v)", c, header)
		}
	}
	return nil
}

// paddedReader squares ragged rows to the header width so short trailing
// columns decode as empty instead of failing the whole manifest.
type paddedReader struct {
	r     *csv.Reader
	width int
}

func (p *paddedReader) Read() ([]string, error) {
	rec, err := p.r.Read()
	if err != nil {
		return nil, err
	}
	switch {
	case len(rec) < p.width:
		rec = append(rec, make([]string, p.width-len(rec))...)
	case len(rec) > p.width:
		rec = rec[:p.width]
	}
	return rec, nil
}

// Dedupe keeps the first row per normalized hyperlink and reports how many
// rows were dropped.
func Dedupe(rows []Row) ([]Row, int) {
	seen := make(map[string]struct{}, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		k := NormalizeURL(r.Hyperlink)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, len(rows) - len(out)
}

// NormalizeURL canonicalizes a link for duplicate detection: lowercase
// scheme and host, no default port, no fragment, no trailing slash.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(u.Scheme == "http" && port == "80") && !(u.Scheme == "https" && port == "443") {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}
