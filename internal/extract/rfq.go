package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-analyzer/internal/model"
)

// rfqKeys are the deep-pass categories in output order.
var rfqKeys = []string{
	"lodging",
	"function_space",
	"av",
	"food_beverage",
	"schedule",
	"invoicing",
	"compliance_clauses",
	"other",
}

type rfqItem struct {
	Requirement *string `json:"requirement"`
	Priority    string  `json:"priority"`
}

// rfqCategory maps a deep-pass key onto the requirement categories.
// Lodging items that are really about where the hotel is go to location.
func rfqCategory(key, text string) model.Category {
	switch key {
	case "lodging":
		if inferCategory(text) == model.CategoryLocation {
			return model.CategoryLocation
		}
		return model.CategoryCapacity
	case "function_space":
		return model.CategoryCapacity
	case "av":
		return model.CategoryAV
	case "food_beverage":
		return model.CategoryFoodBeverage
	case "schedule":
		return model.CategoryDate
	case "invoicing":
		return model.CategoryInvoicing
	case "compliance_clauses":
		return model.CategoryComplianceClause
	}
	return model.CategoryOther
}

// parseRFQ validates and decodes the deep-pass response. Every key must be
// present and hold an array, and every item needs a non-empty
// "requirement"; any violation rejects the whole response.
func parseRFQ(raw json.RawMessage, source string) ([]model.Requirement, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, eris.Wrapf(ErrParseFailure, "%s: rfq: %v", source, err)
	}

	var out []model.Requirement
	for _, key := range rfqKeys {
		val, ok := obj[key]
		if !ok {
			return nil, eris.Wrapf(ErrParseFailure, "%s: rfq: missing key %q", source, key)
		}
		var items []rfqItem
		if err := json.Unmarshal(val, &items); err != nil || (items == nil && strings.TrimSpace(string(val)) != "[]") {
			return nil, eris.Wrapf(ErrParseFailure, "%s: rfq: %q is not an array", source, key)
		}
		for i, it := range items {
			if it.Requirement == nil || strings.TrimSpace(*it.Requirement) == "" {
				return nil, eris.Wrapf(ErrParseFailure, "%s: rfq: %s[%d] has no requirement", source, key, i)
			}
			text := strings.TrimSpace(*it.Requirement)
			prio, err := model.ParsePriority(it.Priority)
			if err != nil {
				prio = inferPriority(text)
			}
			out = append(out, model.Requirement{
				Text:           text,
				Category:       rfqCategory(key, text),
				Priority:       prio,
				SourceDocument: source,
				Origin:         model.RequirementGenerative,
			})
		}
	}
	return out, nil
}
