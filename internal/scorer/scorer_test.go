package scorer

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-analyzer/internal/config"
	"github.com/sells-group/bid-analyzer/internal/model"
)

func newDefaultScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(DefaultRules())
	require.NoError(t, err)
	return s
}

func TestScore_TitleOnly(t *testing.T) {
	got := newDefaultScorer(t).Score("Hotel Lodging RFQ", 0)

	assert.Equal(t, 100, got.Score)
	assert.Equal(t, 0, got.RawRiskScore)
	assert.Equal(t, model.RiskLow, got.RiskLevel)
	assert.NotNil(t, got.Issues)
	assert.Empty(t, got.Issues)
	assert.Len(t, got.CategoryScores, 6)
	for name, v := range got.CategoryScores {
		assert.Zero(t, v, name)
	}
}

func TestScore_Levels(t *testing.T) {
	s := newDefaultScorer(t)

	tests := []struct {
		name      string
		text      string
		wantRaw   int
		wantLevel model.RiskLevel
		wantScore int
	}{
		{
			name:      "low",
			text:      "The hotel must provide rooms. Breakfast should be included.",
			wantRaw:   5 + 2,
			wantLevel: model.RiskLow,
			wantScore: 93,
		},
		{
			name:      "medium",
			text:      "URGENT: the vendor shall provide rooms and must hold a license. Insurance is required.",
			wantRaw:   10 + 3*5 + 3 + 4,
			wantLevel: model.RiskMedium,
			wantScore: 68,
		},
		{
			name:      "high uses floor",
			text:      strings.Repeat("This is critical and must be done. ", 5),
			wantRaw:   5*10 + 5*5,
			wantLevel: model.RiskHigh,
			wantScore: 30,
		},
		{
			name:      "whole words only",
			text:      "Mustard, shallots and criticality are not keywords.",
			wantRaw:   0,
			wantLevel: model.RiskLow,
			wantScore: 100,
		},
		{
			name:      "multi-word keyword across line break",
			text:      "Time is of the\nessence for liquidated   damages.",
			wantRaw:   10 + 4,
			wantLevel: model.RiskLow,
			wantScore: 86,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.text, 3)
			assert.Equal(t, tt.wantRaw, got.RawRiskScore)
			assert.Equal(t, tt.wantLevel, got.RiskLevel)
			assert.Equal(t, tt.wantScore, got.Score)
			assert.Equal(t, 3, got.RequirementCount)
		})
	}
}

func TestScore_BoundaryThresholds(t *testing.T) {
	s := newDefaultScorer(t)

	// 5 x must = 25: not above the medium threshold.
	got := s.Score(strings.Repeat("must ", 5), 0)
	assert.Equal(t, 25, got.RawRiskScore)
	assert.Equal(t, model.RiskLow, got.RiskLevel)
	assert.Equal(t, 75, got.Score)

	// 10 x must = 50: not above the high threshold.
	got = s.Score(strings.Repeat("must ", 10), 0)
	assert.Equal(t, model.RiskMedium, got.RiskLevel)
	assert.Equal(t, 50, got.Score)

	got = s.Score(strings.Repeat("must ", 11), 0)
	assert.Equal(t, model.RiskHigh, got.RiskLevel)
	assert.Equal(t, 45, got.Score)

	got = s.Score(strings.Repeat("must ", 20), 0)
	assert.Equal(t, 30, got.Score)
}

func TestScore_Issues(t *testing.T) {
	got := newDefaultScorer(t).Score("Vendor shall indemnify the government. Vendor shall carry insurance.", 2)

	require.Len(t, got.Issues, 2)
	assert.Contains(t, got.Issues[0], "Mandatory language appears 2 time(s)")
	assert.Contains(t, got.Issues[1], "Legal liability terms appear 2 time(s)")
	assert.Equal(t, 2, got.CategoryScores["mandatory_language"])
	assert.Equal(t, 2, got.CategoryScores["legal_liability"])
	assert.Equal(t, 10, got.CategoryPoints["mandatory_language"])
	assert.Equal(t, 8, got.CategoryPoints["legal_liability"])
}

func TestScore_CategoryScoresAreCounts(t *testing.T) {
	got := newDefaultScorer(t).Score("Vendor must comply. Vendor shall provide.", 0)

	assert.Equal(t, 2, got.CategoryScores["mandatory_language"])
	assert.Equal(t, 10, got.CategoryPoints["mandatory_language"])
	assert.Equal(t, 10, got.RawRiskScore)

	sum := 0
	for _, p := range got.CategoryPoints {
		sum += p
	}
	assert.Equal(t, got.RawRiskScore, sum)
}

func TestScore_Monotonic(t *testing.T) {
	s := newDefaultScorer(t)
	rng := rand.New(rand.NewSource(42))
	cats := DefaultCategories()

	for range 200 {
		counts := make([]int, len(cats))
		for i := range counts {
			counts[i] = rng.Intn(6)
		}
		base := s.Score(textFor(cats, counts), 0)

		bump := rng.Intn(len(cats))
		counts[bump]++
		more := s.Score(textFor(cats, counts), 0)

		assert.GreaterOrEqual(t, more.RawRiskScore, base.RawRiskScore)
		assert.LessOrEqual(t, more.Score, base.Score)
		assert.GreaterOrEqual(t, int(more.RiskLevel), int(base.RiskLevel))
	}
}

func textFor(cats []Category, counts []int) string {
	var sb strings.Builder
	for i, c := range cats {
		for range counts[i] {
			sb.WriteString(c.Keywords[0])
			sb.WriteString(". ")
		}
	}
	return sb.String()
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultRules()))

	tests := []struct {
		name   string
		mutate func(r *Rules)
		want   string
	}{
		{"no categories", func(r *Rules) { r.Categories = nil }, "at least one category"},
		{"zero weight", func(r *Rules) { r.Categories[0].Weight = 0 }, "weight must be > 0"},
		{"no keywords", func(r *Rules) { r.Categories[1].Keywords = nil }, "has no keywords"},
		{"empty keyword", func(r *Rules) { r.Categories[1].Keywords = []string{" "} }, "empty keyword"},
		{"duplicate", func(r *Rules) { r.Categories[1].Name = r.Categories[0].Name }, "duplicated"},
		{"thresholds", func(r *Rules) { r.MediumThreshold = 60 }, "medium_threshold must be < high_threshold"},
		{"floor order", func(r *Rules) { r.HighFloor = 80 }, "floors must satisfy"},
		{"floor range", func(r *Rules) { r.LowFloor = 120 }, "low_floor must be between 0 and 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := DefaultRules()
			tt.mutate(&r)
			err := ValidateConfig(r)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNew_RejectsInvalidRules(t *testing.T) {
	r := DefaultRules()
	r.Categories = nil
	_, err := New(r)
	assert.Error(t, err)
}

func TestRulesFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
categories:
  - name: lodging_risk
    weight: 7
    keywords: [attrition, "room block"]
    issue: "Lodging terms appear %d time(s)"
high_threshold: 40
`), 0o644))

	rules, err := RulesFromConfig(config.ScoringConfig{RulesPath: path, MediumThreshold: 20})
	require.NoError(t, err)
	require.Len(t, rules.Categories, 1)
	assert.Equal(t, 40, rules.HighThreshold)
	assert.Equal(t, 20, rules.MediumThreshold)
	assert.Equal(t, 30, rules.HighFloor)

	s, err := New(rules)
	require.NoError(t, err)
	got := s.Score("The room block carries an attrition clause.", 1)
	assert.Equal(t, 14, got.RawRiskScore)
	assert.Equal(t, []string{"Lodging terms appear 2 time(s)"}, got.Issues)
}

func TestRulesFromConfig_Errors(t *testing.T) {
	_, err := RulesFromConfig(config.ScoringConfig{RulesPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories: {"), 0o644))
	_, err = RulesFromConfig(config.ScoringConfig{RulesPath: path})
	assert.Error(t, err)

	_, err = RulesFromConfig(config.ScoringConfig{HighFloor: 90})
	assert.Error(t, err)
}

func TestCombinedText(t *testing.T) {
	docs := []model.Document{
		{Name: "a", RawText: "first"},
		{Name: "b", RawText: "  "},
		{Name: "c", RawText: "second"},
	}
	assert.Equal(t, "first\n\nsecond", CombinedText(docs))
}
