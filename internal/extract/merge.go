package extract

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/bid-analyzer/internal/model"
)

// DefaultDedupPrefixLen is the number of normalized runes compared when
// deduplicating requirements.
const DefaultDedupPrefixLen = 60

// dedupKey normalizes text for duplicate detection: NFKC, lowercase, every
// run of punctuation or whitespace collapsed to one space, truncated to n
// runes.
func dedupKey(text string, n int) string {
	text = strings.ToLower(norm.NFKC.String(text))

	var sb strings.Builder
	space := false
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
			continue
		}
		space = true
	}

	key := []rune(sb.String())
	if n > 0 && len(key) > n {
		key = key[:n]
	}
	return string(key)
}

// Merge concatenates the pass outputs in the order given, drops duplicates
// and assigns codes REQ-001, REQ-002, ... in final order. The first
// occurrence of a key keeps its position; a later generative duplicate of a
// heuristic item replaces it there.
func Merge(prefixLen int, passes ...[]model.Requirement) []model.Requirement {
	if prefixLen <= 0 {
		prefixLen = DefaultDedupPrefixLen
	}

	out := []model.Requirement{}
	index := make(map[string]int)
	for _, pass := range passes {
		for _, r := range pass {
			r.Text = strings.TrimSpace(r.Text)
			key := dedupKey(r.Text, prefixLen)
			if key == "" {
				continue
			}
			i, seen := index[key]
			if !seen {
				index[key] = len(out)
				out = append(out, r)
				continue
			}
			if out[i].Origin == model.RequirementHeuristic && r.Origin == model.RequirementGenerative {
				out[i] = r
			}
		}
	}

	for i := range out {
		out[i].Code = fmt.Sprintf("REQ-%03d", i+1)
	}
	return out
}
