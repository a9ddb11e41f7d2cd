package curation

import (
	"context"
	"math"
	"net/url"
	"strings"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

const (
	weightResolution   = 0.40
	weightCompleteness = 0.35
	weightSource       = 0.15
	weightValidation   = 0.10
)

// fieldWeights sum to 1. The title is mandatory and not scored.
var fieldWeights = []struct {
	weight float64
	get    func(m *domain.ScrapedMetadata) *string
}{
	{0.30, func(m *domain.ScrapedMetadata) *string { return m.Lyrics }},
	{0.20, func(m *domain.ScrapedMetadata) *string { return m.Composer }},
	{0.20, func(m *domain.ScrapedMetadata) *string { return m.Raga }},
	{0.15, func(m *domain.ScrapedMetadata) *string { return m.Tala }},
	{0.05, func(m *domain.ScrapedMetadata) *string { return m.Language }},
	{0.05, func(m *domain.ScrapedMetadata) *string { return m.Deity }},
	{0.05, func(m *domain.ScrapedMetadata) *string { return m.Temple }},
}

var confidenceValue = map[domain.Confidence]float64{
	domain.ConfidenceHigh:   1,
	domain.ConfidenceMedium: 0.6,
	domain.ConfidenceLow:    0.3,
}

// Scorer computes the composite quality score of an import.
type Scorer struct {
	trustedHosts []string
}

// NewScorer returns a scorer that gives full source credit to the given
// hosts and their subdomains.
func NewScorer(trustedHosts ...string) *Scorer {
	return &Scorer{trustedHosts: trustedHosts}
}

func (s *Scorer) Score(_ context.Context, imp *domain.ImportedKrithi, res *domain.Resolution) (*domain.QualityScore, error) {
	q := &domain.QualityScore{
		Completeness:         completeness(&imp.Metadata),
		ResolutionConfidence: resolutionConfidence(res),
		SourceQuality:        s.sourceQuality(imp.SourceURL),
		ValidationScore:      validation(&imp.Metadata),
	}
	q.Overall = round(weightResolution*q.ResolutionConfidence +
		weightCompleteness*q.Completeness +
		weightSource*q.SourceQuality +
		weightValidation*q.ValidationScore)
	q.Tier = tierFor(q.Overall)
	return q, nil
}

func completeness(m *domain.ScrapedMetadata) float64 {
	total := 0.0
	for _, f := range fieldWeights {
		if deref(f.get(m)) != "" {
			total += f.weight
		}
	}
	return round(total)
}

func resolutionConfidence(res *domain.Resolution) float64 {
	if res == nil {
		return 0
	}
	var sum float64
	if c := domain.Best(res.ComposerCandidates); c != nil {
		sum += confidenceValue[c.Confidence]
	}
	if c := domain.Best(res.RagaCandidates); c != nil {
		sum += confidenceValue[c.Confidence]
	}
	return round(sum / 2)
}

func (s *Scorer) sourceQuality(raw string) float64 {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return 0
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range s.trustedHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return 1
		}
	}
	if u.Scheme == "https" {
		return 0.7
	}
	return 0.5
}

// validation is the share of sanity checks the metadata passes.
func validation(m *domain.ScrapedMetadata) float64 {
	checks := []bool{
		len([]rune(m.Title)) >= 2 && len([]rune(m.Title)) <= 200,
		!strings.ContainsAny(m.Title, "<>{}"),
		deref(m.Lyrics) == "" || len([]rune(deref(m.Lyrics))) >= 40,
		!strings.Contains(deref(m.Lyrics), "</"),
		deref(m.Raga) == "" || !strings.EqualFold(deref(m.Raga), m.Title),
	}
	passed := 0
	for _, ok := range checks {
		if ok {
			passed++
		}
	}
	return round(float64(passed) / float64(len(checks)))
}

func tierFor(overall float64) domain.QualityTier {
	switch {
	case overall >= 0.9:
		return domain.TierExcellent
	case overall >= 0.75:
		return domain.TierGood
	case overall >= 0.5:
		return domain.TierFair
	default:
		return domain.TierPoor
	}
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
