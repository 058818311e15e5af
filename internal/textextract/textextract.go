// Package textextract turns downloaded opportunity documents (PDF, Word,
// Excel, HTML, plain text) into plain text for classification and
// requirement extraction.
package textextract

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/config"
)

// ErrUnsupportedFormat is returned for files no extractor understands.
var ErrUnsupportedFormat = eris.New("textextract: unsupported format")

// Result is the text of one document.
type Result struct {
	Text      string
	PageCount int
}

// Extractor extracts text content from a local file.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Result, error)
}

// Format identifies a document type.
type Format string

// Supported formats.
const (
	FormatPDF     Format = "pdf"
	FormatDOCX    Format = "docx"
	FormatXLSX    Format = "xlsx"
	FormatHTML    Format = "html"
	FormatText    Format = "text"
	FormatZIP     Format = "zip"
	FormatUnknown Format = "unknown"
)

var extFormats = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".xlsx": FormatXLSX,
	".htm":  FormatHTML,
	".html": FormatHTML,
	".txt":  FormatText,
	".md":   FormatText,
	".csv":  FormatText,
	".zip":  FormatZIP,
}

// Detect returns the format of the file at path. The extension decides when
// it is known; otherwise the first bytes are sniffed, since SAM.gov
// download URLs often carry no extension.
func Detect(path string) Format {
	if f, ok := extFormats[strings.ToLower(filepath.Ext(path))]; ok {
		return f
	}

	fh, err := os.Open(path)
	if err != nil {
		return FormatUnknown
	}
	defer fh.Close() //nolint:errcheck

	head := make([]byte, 512)
	n, _ := io.ReadFull(fh, head)
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("%PDF")):
		return FormatPDF
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return sniffOfficeZIP(path)
	}

	ct := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return FormatHTML
	case strings.HasPrefix(ct, "text/"):
		return FormatText
	}
	return FormatUnknown
}

// sniffOfficeZIP tells Office Open XML documents apart from plain ZIP
// packages by their part names.
func sniffOfficeZIP(path string) Format {
	r, err := zip.OpenReader(path)
	if err != nil {
		return FormatUnknown
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		switch f.Name {
		case "word/document.xml":
			return FormatDOCX
		case "xl/workbook.xml":
			return FormatXLSX
		}
	}
	return FormatZIP
}

// Router dispatches to a per-format extractor.
type Router struct {
	extractors map[Format]Extractor
}

// NewRouter builds a Router with the given PDF extractor and the built-in
// Word, Excel, HTML and plain-text extractors.
func NewRouter(pdf Extractor) *Router {
	return &Router{extractors: map[Format]Extractor{
		FormatPDF:  pdf,
		FormatDOCX: DOCX{},
		FormatXLSX: Spreadsheet{},
		FormatHTML: HTML{},
		FormatText: Plain{},
	}}
}

// Extract implements Extractor.
func (r *Router) Extract(ctx context.Context, path string) (*Result, error) {
	format := Detect(path)
	ext, ok := r.extractors[format]
	if !ok || ext == nil {
		return nil, eris.Wrapf(ErrUnsupportedFormat, "%s (%s)", filepath.Base(path), format)
	}

	res, err := ext.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	res.Text = strings.TrimSpace(res.Text)

	zap.L().Debug("textextract: extracted",
		zap.String("file", filepath.Base(path)),
		zap.String("format", string(format)),
		zap.Int("chars", len(res.Text)),
		zap.Int("pages", res.PageCount),
	)
	return res, nil
}

// NewPDFExtractor creates the PDF extractor selected by config.
func NewPDFExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("textextract: mistral provider requires ocr.mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("textextract: unknown ocr provider %q", cfg.Provider)
	}
}
