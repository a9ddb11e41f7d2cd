package domain

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// ScrapedMetadata is what the scraping collaborator extracts from one page.
type ScrapedMetadata struct {
	Title    string  `json:"title"`
	Lyrics   *string `json:"lyrics,omitempty"`
	Composer *string `json:"composer,omitempty"`
	Raga     *string `json:"raga,omitempty"`
	Tala     *string `json:"tala,omitempty"`
	Deity    *string `json:"deity,omitempty"`
	Temple   *string `json:"temple,omitempty"`
	Language *string `json:"language,omitempty"`

	// Checksum is the SHA-256 of the fetched page body, not part of the
	// extracted metadata.
	Checksum string `json:"-"`
}

// ImportRequest persists one scraped record as a reviewable import.
// Submission is idempotent per SourceKey.
type ImportRequest struct {
	SourceKey string
	SourceURL string
	BatchID   string
	Metadata  ScrapedMetadata
}

type ImportStatus string

const (
	ImportPending  ImportStatus = "PENDING"
	ImportApproved ImportStatus = "APPROVED"
	ImportRejected ImportStatus = "REJECTED"
)

// ImportedKrithi is a reviewable record produced by the scrape stage.
type ImportedKrithi struct {
	ID        string
	SourceKey string
	SourceURL string
	BatchID   *string
	Status    ImportStatus
	Metadata  ScrapedMetadata

	Resolution   json.RawMessage
	Duplicates   json.RawMessage
	QualityScore *QualityScore

	ReviewedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Rank orders confidence tiers so the best candidate sorts first.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Candidate is one canonical entity a raw name may refer to.
type Candidate struct {
	EntityID   string     `json:"entityId"`
	Name       string     `json:"name"`
	Score      float64    `json:"score"`
	Confidence Confidence `json:"confidence"`
}

// Resolution maps the raw composer and raga names of an import to
// candidate canonical entities.
type Resolution struct {
	RawComposer        *string     `json:"rawComposer,omitempty"`
	RawRaga            *string     `json:"rawRaga,omitempty"`
	ComposerCandidates []Candidate `json:"composerCandidates"`
	RagaCandidates     []Candidate `json:"ragaCandidates"`
}

// Best returns the highest-confidence candidate, ties broken by score.
func Best(candidates []Candidate) *Candidate {
	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if best == nil ||
			c.Confidence.Rank() > best.Confidence.Rank() ||
			(c.Confidence.Rank() == best.Confidence.Rank() && c.Score > best.Score) {
			best = c
		}
	}
	return best
}

// DuplicateMatch is one existing record that may be the same composition.
type DuplicateMatch struct {
	ImportID string  `json:"importId"`
	Title    string  `json:"title"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score"`
}

type DuplicateReport struct {
	Matches []DuplicateMatch `json:"matches"`
}

type QualityTier string

const (
	TierExcellent QualityTier = "EXCELLENT"
	TierGood      QualityTier = "GOOD"
	TierFair      QualityTier = "FAIR"
	TierPoor      QualityTier = "POOR"
)

// QualityScore is the composite score of an import and its sub-scores,
// each in [0,1].
type QualityScore struct {
	Overall              float64     `json:"overall"`
	Completeness         float64     `json:"completeness"`
	ResolutionConfidence float64     `json:"resolutionConfidence"`
	SourceQuality        float64     `json:"sourceQuality"`
	ValidationScore      float64     `json:"validationScore"`
	Tier                 QualityTier `json:"tier"`
}

// NormalizeTitle lowercases and strips everything but letters and digits so
// transliteration spacing and punctuation differences compare equal.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
