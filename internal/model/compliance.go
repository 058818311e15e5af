package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// RiskLevel is an ordered risk classification. Higher values are riskier.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return 0, eris.Errorf("model: unknown risk level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	if r < RiskLow || r > RiskHigh {
		return nil, eris.Errorf("model: invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ComplianceAssessment is the scorer's explainable risk summary.
// CategoryScores holds keyword counts per category; CategoryPoints holds
// the weighted contribution of each category to RawRiskScore.
type ComplianceAssessment struct {
	Score            int            `json:"score"`
	RawRiskScore     int            `json:"raw_risk_score"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	Issues           []string       `json:"issues"`
	CategoryScores   map[string]int `json:"category_scores"`
	CategoryPoints   map[string]int `json:"category_points"`
	RequirementCount int            `json:"requirement_count"`
}
