package textextract

import (
	"archive/zip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/bid-analyzer/internal/config"
)

const documentXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>STATEMENT OF WORK</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">The contractor shall provide </w:t></w:r><w:r><w:t>40 rooms.</w:t></w:r></w:p>
<w:p><w:r><w:br w:type="page"/></w:r></w:p>
<w:p><w:r><w:t>Invoices must be submitted monthly.</w:t></w:r></w:p>
</w:body>
</w:document>`

func writeDOCX(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, content := range map[string]string{
		"[Content_Types].xml": `<Types/>`,
		"word/document.xml":   documentXML,
	} {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func writeXLSX(t *testing.T, path string) {
	t.Helper()
	wb := xlsx.NewFile()
	sheet, err := wb.AddSheet("Rooms")
	require.NoError(t, err)
	for _, vals := range [][]string{{"Night", "Rooms"}, {"March 1", "40"}} {
		row := sheet.AddRow()
		for _, v := range vals {
			row.AddCell().Value = v
		}
	}
	require.NoError(t, wb.Save(path))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()

	docx := filepath.Join(dir, "download")
	writeDOCX(t, docx)
	workbook := filepath.Join(dir, "sheet.bin")
	writeXLSX(t, workbook)

	plainZIP := filepath.Join(dir, "package")
	zf, err := os.Create(plainZIP)
	require.NoError(t, err)
	zw := zip.NewWriter(zf)
	_, err = zw.Create("RFQ.pdf")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, zf.Close())

	tests := []struct {
		name string
		path string
		want Format
	}{
		{"pdf extension", writeFile(t, dir, "RFQ.PDF", "anything"), FormatPDF},
		{"pdf sniffed", writeFile(t, dir, "file1", "%PDF-1.7\n..."), FormatPDF},
		{"docx sniffed", docx, FormatDOCX},
		{"xlsx sniffed", workbook, FormatXLSX},
		{"zip sniffed", plainZIP, FormatZIP},
		{"html sniffed", writeFile(t, dir, "file2", "<!DOCTYPE html><html><body>hi</body></html>"), FormatHTML},
		{"text sniffed", writeFile(t, dir, "file3", "The contractor shall provide rooms."), FormatText},
		{"binary", writeFile(t, dir, "file4", "\x00\x01\x02\x03\xff\xfe"), FormatUnknown},
		{"missing", filepath.Join(dir, "nope"), FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.path))
		})
	}
}

func TestDOCX_Extract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sow.docx")
	writeDOCX(t, path)

	res, err := DOCX{}.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "STATEMENT OF WORK\n")
	assert.Contains(t, res.Text, "The contractor shall provide 40 rooms.")
	assert.Contains(t, res.Text, "Invoices must be submitted monthly.")
	assert.Equal(t, 2, res.PageCount)
}

func TestSpreadsheet_Extract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.xlsx")
	writeXLSX(t, path)

	res, err := Spreadsheet{}.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "## Rooms\nNight\tRooms\nMarch 1\t40\n\n", res.Text)
	assert.Equal(t, 1, res.PageCount)
}

func TestHTMLToText(t *testing.T) {
	in := `<p>The vendor <b>must</b> provide&nbsp;AV support.</p><script>var x=1;</script><ul><li>Lodging</li><li>Meals</li></ul>`
	got := HTMLToText(in)
	assert.Contains(t, got, "The vendor must provide")
	assert.Contains(t, got, "AV support.")
	assert.Contains(t, got, "Lodging")
	assert.NotContains(t, got, "<")
	assert.NotContains(t, got, "var x")
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, LooksLikeHTML("<p>hello</p>"))
	assert.True(t, LooksLikeHTML("line<br/>break"))
	assert.False(t, LooksLikeHTML("rooms < 40 and > 10"))
	assert.False(t, LooksLikeHTML("plain text"))
}

func TestRouter(t *testing.T) {
	dir := t.TempDir()
	r := NewRouter(NewPdfToText("/nonexistent/pdftotext"))

	res, err := r.Extract(context.Background(), writeFile(t, dir, "notes.txt", "  Rooms required.  \n"))
	require.NoError(t, err)
	assert.Equal(t, "Rooms required.", res.Text)
	assert.Equal(t, 1, res.PageCount)

	res, err = r.Extract(context.Background(), writeFile(t, dir, "desc.html", "<html><body><p>Shall provide AV.</p></body></html>"))
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Shall provide AV.")

	_, err = r.Extract(context.Background(), writeFile(t, dir, "blob", "\x00\x01\x02\xff"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = r.Extract(context.Background(), writeFile(t, dir, "scan.pdf", "%PDF-1.4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftotext failed")
}

func TestPdfToText_Extract(t *testing.T) {
	dir := t.TempDir()
	fakeBin := writeFile(t, dir, "pdftotext", "#!/bin/sh\nprintf 'page one\\fpage two\\f'\n")
	require.NoError(t, os.Chmod(fakeBin, 0o755))

	res, err := NewPdfToText(fakeBin).Extract(context.Background(), "/tmp/dummy.pdf")
	require.NoError(t, err)
	assert.Equal(t, "page one\npage two\n", res.Text)
	assert.Equal(t, 2, res.PageCount)
}

func TestPdfToText_DefaultBin(t *testing.T) {
	assert.Equal(t, "pdftotext", NewPdfToText("").binPath)
}

func TestMistralOCR_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req mistralOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Contains(t, req.Document.DocumentURL, "data:application/pdf;base64,")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pages":[{"index":0,"markdown":"Page one"},{"index":1,"markdown":"Page two"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	path := writeFile(t, t.TempDir(), "scan.pdf", "%PDF-1.4 scanned")
	m := NewMistralOCR("test-key", "test-model")
	m.endpoint = srv.URL

	res, err := m.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Page one\n\nPage two", res.Text)
	assert.Equal(t, 2, res.PageCount)
}

func TestMistralOCR_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewMistralOCR("bad", "")
	m.endpoint = srv.URL
	_, err := m.Extract(context.Background(), writeFile(t, t.TempDir(), "a.pdf", "%PDF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral API returned 401")
}

func TestNewPDFExtractor(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.OCRConfig
		want    any
		wantErr string
	}{
		{name: "default", cfg: config.OCRConfig{}, want: &PdfToText{}},
		{name: "local", cfg: config.OCRConfig{Provider: "local", PdfToTextPath: "/usr/bin/pdftotext"}, want: &PdfToText{}},
		{name: "mistral", cfg: config.OCRConfig{Provider: "mistral", MistralKey: "k"}, want: &MistralOCR{}},
		{name: "mistral no key", cfg: config.OCRConfig{Provider: "mistral"}, wantErr: "requires ocr.mistral_api_key"},
		{name: "unknown", cfg: config.OCRConfig{Provider: "tesseract"}, wantErr: `unknown ocr provider "tesseract"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := NewPDFExtractor(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, ext)
		})
	}
}
