package textextract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-analyzer/internal/fetcher"
)

// DOCX extracts paragraph text from Word documents.
type DOCX struct{}

// Extract walks word/document.xml, emitting <w:t> runs and breaking lines at
// paragraph ends. Page count is the number of explicit page breaks plus one.
func (DOCX) Extract(_ context.Context, path string) (*Result, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, eris.Wrapf(err, "textextract: open docx %s", path)
	}
	defer r.Close() //nolint:errcheck

	var doc *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return nil, eris.Errorf("textextract: %s has no word/document.xml", path)
	}

	rc, err := doc.Open()
	if err != nil {
		return nil, eris.Wrap(err, "textextract: open document.xml")
	}
	defer rc.Close() //nolint:errcheck

	var (
		sb     strings.Builder
		inText bool
		pages  = 1
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "textextract: parse document.xml")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				for _, a := range t.Attr {
					if a.Name.Local == "type" && a.Value == "page" {
						pages++
					}
				}
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return &Result{Text: sb.String(), PageCount: pages}, nil
}

// Spreadsheet extracts cell text from Excel workbooks, one sheet per page.
type Spreadsheet struct{}

// Extract implements Extractor.
func (Spreadsheet) Extract(_ context.Context, path string) (*Result, error) {
	sheets, err := fetcher.ReadXLSX(path)
	if err != nil {
		return nil, eris.Wrapf(err, "textextract: read workbook %s", path)
	}

	var sb strings.Builder
	for _, s := range sheets {
		sb.WriteString("## ")
		sb.WriteString(s.Name)
		sb.WriteByte('\n')
		for _, row := range s.Rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	return &Result{Text: sb.String(), PageCount: len(sheets)}, nil
}

// Plain reads text files as-is.
type Plain struct{}

// Extract implements Extractor.
func (Plain) Extract(_ context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "textextract: read %s", path)
	}
	return &Result{Text: strings.ToValidUTF8(string(data), ""), PageCount: 1}, nil
}
