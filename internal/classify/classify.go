// Package classify assigns a document type to acquired documents from their
// filename and the start of their text.
package classify

import (
	"regexp"
	"strings"

	"github.com/sells-group/bid-analyzer/internal/model"
)

// PrefixLen is how much leading text is inspected.
const PrefixLen = 2000

type rule struct {
	class model.Classification
	re    *regexp.Regexp
}

func cues(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`\b(?:` + strings.Join(words, "|") + `)\b`)
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{model.ClassRFQ, cues(`rfq`, `rfp`, `rfi`, `request for quotes?`, `request for quotations?`, `request for proposals?`, `solicitation`, `combined synopsis`)},
	{model.ClassSOW, cues(`sow`, `pws`, `statement of work`, `performance work statement`, `scope of work`, `statement of objectives`)},
	{model.ClassContract, cues(`contract`, `agreement`, `terms and conditions`, `award`, `purchase order`, `sf ?1449`, `blanket purchase`)},
	{model.ClassCompliance, cues(`compliance`, `far`, `dfars`, `clauses?`, `certifications?`, `representations`, `wage determination`, `section 508`)},
	{model.ClassPerformance, cues(`performance`, `qasp`, `quality assurance`, `past performance`, `evaluation criteria`, `service level`)},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// normalize lowercases s and turns every run of non-alphanumerics into a
// single space, so "RFQ_Hotel-Lodging.pdf" reads as "rfq hotel lodging pdf".
func normalize(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(s), " "))
}

// Classify returns the first rule whose cues appear as whole words in either
// the filename or the first PrefixLen characters of text, or general.
func Classify(filename, text string) model.Classification {
	name := normalize(filename)
	if r := []rune(text); len(r) > PrefixLen {
		text = string(r[:PrefixLen])
	}
	prefix := normalize(text)

	for _, r := range rules {
		if r.re.MatchString(name) || r.re.MatchString(prefix) {
			return r.class
		}
	}
	return model.ClassGeneral
}
