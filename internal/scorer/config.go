// Package scorer implements the keyword-weighted compliance risk assessment.
package scorer

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/bid-analyzer/internal/config"
)

// Category is one row of the risk table: keywords counted in the combined
// document text, each occurrence worth Weight points.
type Category struct {
	Name     string   `yaml:"name"`
	Weight   int      `yaml:"weight"`
	Keywords []string `yaml:"keywords"`
	// Issue is a fmt template taking the occurrence count.
	Issue string `yaml:"issue"`
}

// Rules is the complete scorer configuration.
type Rules struct {
	Categories      []Category `yaml:"categories"`
	HighThreshold   int        `yaml:"high_threshold"`
	MediumThreshold int        `yaml:"medium_threshold"`
	HighFloor       int        `yaml:"high_floor"`
	MediumFloor     int        `yaml:"medium_floor"`
	LowFloor        int        `yaml:"low_floor"`
}

// DefaultCategories returns the built-in risk table.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:     "critical_urgency",
			Weight:   10,
			Keywords: []string{"immediately", "urgent", "critical", "asap", "emergency", "time is of the essence"},
			Issue:    "Critical or urgent language appears %d time(s); confirm the timeline is achievable",
		},
		{
			Name:     "mandatory_language",
			Weight:   5,
			Keywords: []string{"must", "shall", "required", "mandatory"},
			Issue:    "Mandatory language appears %d time(s); each is a pass/fail obligation",
		},
		{
			Name:     "advisory",
			Weight:   2,
			Keywords: []string{"should", "recommended", "encouraged", "preferred"},
			Issue:    "Advisory language appears %d time(s); these items may affect evaluation",
		},
		{
			Name:     "compliance_certification",
			Weight:   3,
			Keywords: []string{"certification", "certified", "certify", "accreditation", "compliance", "licensed", "license"},
			Issue:    "Certification or compliance terms appear %d time(s); verify documentation is on file",
		},
		{
			Name:     "financial_obligation",
			Weight:   4,
			Keywords: []string{"penalty", "penalties", "liquidated damages", "bond", "deposit", "surety", "attrition", "cancellation fee"},
			Issue:    "Financial obligations appear %d time(s); review penalties and deposits",
		},
		{
			Name:     "legal_liability",
			Weight:   4,
			Keywords: []string{"indemnify", "indemnification", "liability", "liable", "warranty", "termination for default", "insurance"},
			Issue:    "Legal liability terms appear %d time(s); review indemnity and insurance clauses",
		},
	}
}

// DefaultRules returns the built-in table with the default thresholds.
func DefaultRules() Rules {
	return Rules{
		Categories:      DefaultCategories(),
		HighThreshold:   50,
		MediumThreshold: 25,
		HighFloor:       30,
		MediumFloor:     50,
		LowFloor:        70,
	}
}

// RulesFromConfig builds Rules from the scoring config section. When
// RulesPath is set its categories replace the defaults; thresholds and
// floors always come from cfg unless zero.
func RulesFromConfig(cfg config.ScoringConfig) (Rules, error) {
	rules := DefaultRules()
	if cfg.RulesPath != "" {
		file, err := LoadRulesFile(cfg.RulesPath)
		if err != nil {
			return Rules{}, err
		}
		rules = file
	}
	setIfPositive(&rules.HighThreshold, cfg.HighThreshold)
	setIfPositive(&rules.MediumThreshold, cfg.MediumThreshold)
	setIfPositive(&rules.HighFloor, cfg.HighFloor)
	setIfPositive(&rules.MediumFloor, cfg.MediumFloor)
	setIfPositive(&rules.LowFloor, cfg.LowFloor)

	if err := ValidateConfig(rules); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

// LoadRulesFile reads a YAML rules file. Missing thresholds and floors
// take the defaults; a file without categories keeps the default table.
func LoadRulesFile(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, eris.Wrapf(err, "scorer: read rules %s", path)
	}
	var file Rules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Rules{}, eris.Wrapf(err, "scorer: parse rules %s", path)
	}

	rules := DefaultRules()
	if len(file.Categories) > 0 {
		rules.Categories = file.Categories
	}
	setIfPositive(&rules.HighThreshold, file.HighThreshold)
	setIfPositive(&rules.MediumThreshold, file.MediumThreshold)
	setIfPositive(&rules.HighFloor, file.HighFloor)
	setIfPositive(&rules.MediumFloor, file.MediumFloor)
	setIfPositive(&rules.LowFloor, file.LowFloor)
	return rules, nil
}

func setIfPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// ValidateConfig checks that Rules are internally consistent. Floors must be
// ordered high <= medium <= low so that the score never rises as risk grows.
func ValidateConfig(r Rules) error {
	var errs []string

	if len(r.Categories) == 0 {
		errs = append(errs, "at least one category is required")
	}
	seen := make(map[string]bool, len(r.Categories))
	for i, c := range r.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("category %d has no name", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("category %q is duplicated", name))
		}
		seen[name] = true
		if c.Weight <= 0 {
			errs = append(errs, fmt.Sprintf("category %q weight must be > 0", name))
		}
		if len(c.Keywords) == 0 {
			errs = append(errs, fmt.Sprintf("category %q has no keywords", name))
		}
		for _, kw := range c.Keywords {
			if strings.TrimSpace(kw) == "" {
				errs = append(errs, fmt.Sprintf("category %q has an empty keyword", name))
				break
			}
		}
	}

	if r.MediumThreshold < 0 {
		errs = append(errs, "medium_threshold must be >= 0")
	}
	if r.MediumThreshold >= r.HighThreshold {
		errs = append(errs, "medium_threshold must be < high_threshold")
	}
	for name, f := range map[string]int{"high_floor": r.HighFloor, "medium_floor": r.MediumFloor, "low_floor": r.LowFloor} {
		if f < 0 || f > 100 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 100", name))
		}
	}
	if r.HighFloor > r.MediumFloor || r.MediumFloor > r.LowFloor {
		errs = append(errs, "floors must satisfy high_floor <= medium_floor <= low_floor")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
