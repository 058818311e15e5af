package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sells-group/bid-analyzer/internal/model"
)

var (
	cueRe          = regexp.MustCompile(`(?i)\b(must|shall|required|requires|minimum|at least|no later than|mandatory|will provide|should)\b`)
	highPriorityRe = regexp.MustCompile(`(?i)\b(must|required)\b`)
	bulletRe       = regexp.MustCompile(`^\s*(?:[-*•·▪]|\(?[0-9a-zA-Z]{1,3}[.)])\s+`)
	wsRe           = regexp.MustCompile(`\s+`)
)

const (
	minSentenceLen = 12
	maxSentenceLen = 600
)

type categoryRule struct {
	category model.Category
	re       *regexp.Regexp
}

// categoryRules are checked in order; the first match wins.
var categoryRules = []categoryRule{
	{model.CategoryComplianceClause, regexp.MustCompile(`(?i)\b(far|dfars|clause|52\.\d{3}-\d+|section 508|certif\w*|comply|compliance|insurance|license[sd]?|ada|accessib\w*|tax[- ]exempt|security clearance)\b`)},
	{model.CategoryInvoicing, regexp.MustCompile(`(?i)\b(invoic\w*|payment|billing|bill|net 30|wawf|ipp|per diem rate|gsa rate|pricing|price)\b`)},
	{model.CategoryFoodBeverage, regexp.MustCompile(`(?i)\b(food|beverage|meals?|breakfast|lunch|dinner|catering|coffee|refreshments?|snacks?)\b`)},
	{model.CategoryAV, regexp.MustCompile(`(?i)\b(audio|visual|av|projectors?|screens?|microphones?|speakers?|wi-?fi|internet|a/v)\b`)},
	{model.CategoryCapacity, regexp.MustCompile(`(?i)\b(rooms?|room block|guests?|attendees?|participants?|capacity|occupancy|seating|beds?|sleeping|function space|meeting space|ballroom|breakout)\b`)},
	{model.CategoryDate, regexp.MustCompile(`(?i)\b(dates?|deadline|no later than|schedule|days?|nights?|january|february|march|april|may|june|july|august|september|october|november|december|\d{1,2}/\d{1,2}/\d{2,4})\b`)},
	{model.CategoryLocation, regexp.MustCompile(`(?i)\b(location|located|miles?|radius|within|downtown|venue|address|city|airport|proximity)\b`)},
}

// inferCategory maps requirement text onto a category by keyword.
func inferCategory(text string) model.Category {
	for _, r := range categoryRules {
		if r.re.MatchString(text) {
			return r.category
		}
	}
	return model.CategoryOther
}

// inferPriority is high for "must"/"required", medium otherwise.
func inferPriority(text string) model.Priority {
	if highPriorityRe.MatchString(text) {
		return model.PriorityHigh
	}
	return model.PriorityMedium
}

// Heuristic runs the keyword pass over one document. Every sentence carrying
// an obligation cue becomes a requirement.
func Heuristic(doc model.Document) []model.Requirement {
	var out []model.Requirement
	for _, s := range splitSentences(doc.RawText) {
		if !cueRe.MatchString(s) {
			continue
		}
		out = append(out, model.Requirement{
			Text:           s,
			Category:       inferCategory(s),
			Priority:       inferPriority(s),
			SourceDocument: doc.Name,
			Origin:         model.RequirementHeuristic,
		})
	}
	return out
}

// splitSentences breaks text at sentence terminators followed by space and
// at line starts that look like list bullets. Fragments are whitespace
// collapsed; very short ones are dropped and long ones truncated.
func splitSentences(text string) []string {
	var (
		out []string
		buf strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(wsRe.ReplaceAllString(buf.String(), " "))
		buf.Reset()
		if len(s) < minSentenceLen {
			return
		}
		if r := []rune(s); len(r) > maxSentenceLen {
			s = string(r[:maxSentenceLen])
		}
		out = append(out, s)
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" || bulletRe.MatchString(line) {
			flush()
			line = bulletRe.ReplaceAllString(line, "")
		}
		runes := []rune(line)
		for i, r := range runes {
			buf.WriteRune(r)
			if (r == '.' || r == '!' || r == '?' || r == ';') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
				flush()
			}
		}
		buf.WriteByte(' ')
	}
	flush()
	return out
}
