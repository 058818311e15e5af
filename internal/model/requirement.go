package model

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// Category is the subject area of a requirement.
type Category string

const (
	CategoryCapacity         Category = "capacity"
	CategoryDate             Category = "date"
	CategoryLocation         Category = "location"
	CategoryAV               Category = "av"
	CategoryFoodBeverage     Category = "food_beverage"
	CategoryInvoicing        Category = "invoicing"
	CategoryComplianceClause Category = "compliance_clause"
	CategoryOther            Category = "other"
)

// Categories returns every category in canonical order.
func Categories() []Category {
	return []Category{
		CategoryCapacity,
		CategoryDate,
		CategoryLocation,
		CategoryAV,
		CategoryFoodBeverage,
		CategoryInvoicing,
		CategoryComplianceClause,
		CategoryOther,
	}
}

// ParseCategory maps free-form category names, including common synonyms
// returned by generative extraction, onto the closed set. Unknown values
// become CategoryOther.
func ParseCategory(s string) Category {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	switch strings.Join(parts, "_") {
	case "capacity", "lodging", "rooms", "room_block", "function_space", "meeting_space":
		return CategoryCapacity
	case "date", "dates", "schedule", "timeline", "deadline":
		return CategoryDate
	case "location", "site", "venue":
		return CategoryLocation
	case "av", "audio_visual", "audiovisual", "audio_visual_equipment":
		return CategoryAV
	case "food_beverage", "f_b", "fb", "catering", "food_and_beverage":
		return CategoryFoodBeverage
	case "invoicing", "invoice", "billing", "payment":
		return CategoryInvoicing
	case "compliance_clause", "compliance_clauses", "compliance", "clause", "far", "edar":
		return CategoryComplianceClause
	default:
		return CategoryOther
	}
}

// Priority is an ordered requirement priority. Higher values are more urgent.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority converts a string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "med", "normal":
		return PriorityMedium, nil
	case "high", "critical":
		return PriorityHigh, nil
	}
	return 0, eris.Errorf("model: unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityLow || p > PriorityHigh {
		return nil, eris.Errorf("model: invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// RequirementOrigin records which extraction pass produced a requirement.
type RequirementOrigin string

const (
	RequirementHeuristic  RequirementOrigin = "heuristic"
	RequirementGenerative RequirementOrigin = "generative"
)

// Requirement is one obligation extracted from opportunity documents.
type Requirement struct {
	Code           string            `json:"code"`
	Text           string            `json:"text"`
	Category       Category          `json:"category"`
	Priority       Priority          `json:"priority"`
	SourceDocument string            `json:"source_document"`
	Origin         RequirementOrigin `json:"origin"`
}

// CountByCategory tallies requirements per category. Every category is
// present in the result, including those with zero requirements.
func CountByCategory(reqs []Requirement) map[Category]int {
	counts := make(map[Category]int, len(Categories()))
	for _, c := range Categories() {
		counts[c] = 0
	}
	for _, r := range reqs {
		counts[r.Category]++
	}
	return counts
}
