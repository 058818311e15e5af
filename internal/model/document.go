package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// DocumentOrigin records which acquisition tier produced a document.
type DocumentOrigin string

const (
	OriginResourceLink DocumentOrigin = "resource_link"
	OriginAttachment   DocumentOrigin = "attachment"
	OriginFreeText     DocumentOrigin = "free_text"
	OriginTitle        DocumentOrigin = "title"
)

// Classification is the document type assigned by the classifier.
type Classification string

const (
	ClassRFQ         Classification = "rfq"
	ClassSOW         Classification = "sow"
	ClassContract    Classification = "contract"
	ClassCompliance  Classification = "compliance"
	ClassPerformance Classification = "performance"
	ClassGeneral     Classification = "general"
)

// AllClassifications returns every classification in rule order.
func AllClassifications() []Classification {
	return []Classification{
		ClassRFQ,
		ClassSOW,
		ClassContract,
		ClassCompliance,
		ClassPerformance,
		ClassGeneral,
	}
}

// ParseClassification converts a string to a Classification.
func ParseClassification(s string) (Classification, error) {
	c := Classification(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ClassRFQ, ClassSOW, ClassContract, ClassCompliance, ClassPerformance, ClassGeneral:
		return c, nil
	}
	return "", eris.Errorf("model: unknown classification %q", s)
}

// Document is one source document acquired for an opportunity.
type Document struct {
	Name           string         `json:"name"`
	Origin         DocumentOrigin `json:"origin"`
	SourceURL      string         `json:"source_url,omitempty"`
	Path           string         `json:"path,omitempty"`
	RawText        string         `json:"raw_text"`
	PageCount      int            `json:"page_count"`
	Classification Classification `json:"classification,omitempty"`
	Requirements   []Requirement  `json:"extracted_requirements,omitempty"`
}

// Usable reports whether the document has any text to analyze.
func (d Document) Usable() bool {
	return strings.TrimSpace(d.RawText) != ""
}
