package scorer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sells-group/bid-analyzer/internal/model"
)

// Scorer computes compliance assessments. It holds only compiled,
// read-only state and is safe for concurrent use.
type Scorer struct {
	rules    Rules
	patterns []*regexp.Regexp
}

// New validates rules and compiles one matcher per category.
func New(rules Rules) (*Scorer, error) {
	if err := ValidateConfig(rules); err != nil {
		return nil, err
	}
	s := &Scorer{rules: rules}
	for _, c := range rules.Categories {
		s.patterns = append(s.patterns, keywordPattern(c.Keywords))
	}
	return s, nil
}

// keywordPattern matches any keyword as whole words, case-insensitively.
// Longer keywords are tried first; multi-word keywords match across any
// run of whitespace.
func keywordPattern(keywords []string) *regexp.Regexp {
	kws := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		words := strings.Fields(kw)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		kws = append(kws, strings.Join(words, `\s+`))
	}
	sort.SliceStable(kws, func(i, j int) bool { return len(kws[i]) > len(kws[j]) })
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(kws, "|") + `)\b`)
}

// Rules returns the scorer's rules.
func (s *Scorer) Rules() Rules {
	return s.rules
}

// Counts returns the keyword occurrences per category name.
func (s *Scorer) Counts(text string) map[string]int {
	counts := make(map[string]int, len(s.patterns))
	for i, re := range s.patterns {
		counts[s.rules.Categories[i].Name] = len(re.FindAllStringIndex(text, -1))
	}
	return counts
}

// Score assesses the combined document text. requirementCount is recorded
// on the assessment and does not affect the score.
func (s *Scorer) Score(text string, requirementCount int) model.ComplianceAssessment {
	counts := s.Counts(text)

	out := model.ComplianceAssessment{
		Issues:           []string{},
		CategoryScores:   make(map[string]int, len(s.rules.Categories)),
		CategoryPoints:   make(map[string]int, len(s.rules.Categories)),
		RequirementCount: requirementCount,
	}
	for _, c := range s.rules.Categories {
		n := counts[c.Name]
		points := n * c.Weight
		out.CategoryScores[c.Name] = n
		out.CategoryPoints[c.Name] = points
		out.RawRiskScore += points
		if n > 0 {
			out.Issues = append(out.Issues, issueText(c, n))
		}
	}

	out.RiskLevel = s.level(out.RawRiskScore)
	out.Score = clamp(max(s.floor(out.RiskLevel), 100-out.RawRiskScore), 0, 100)
	return out
}

func (s *Scorer) level(raw int) model.RiskLevel {
	switch {
	case raw > s.rules.HighThreshold:
		return model.RiskHigh
	case raw > s.rules.MediumThreshold:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func (s *Scorer) floor(l model.RiskLevel) int {
	switch l {
	case model.RiskHigh:
		return s.rules.HighFloor
	case model.RiskMedium:
		return s.rules.MediumFloor
	default:
		return s.rules.LowFloor
	}
}

func issueText(c Category, n int) string {
	if c.Issue == "" || !strings.Contains(c.Issue, "%d") {
		return fmt.Sprintf("%s: %d occurrence(s)", c.Name, n)
	}
	return fmt.Sprintf(c.Issue, n)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// CombinedText joins the text of every usable document.
func CombinedText(docs []model.Document) string {
	var parts []string
	for _, d := range docs {
		if d.Usable() {
			parts = append(parts, d.RawText)
		}
	}
	return strings.Join(parts, "\n\n")
}
