package acquire

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-analyzer/internal/config"
	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/textextract"
	"github.com/sells-group/bid-analyzer/pkg/sam"
)

type fakeFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
	calls map[string]int
}

func newFakeFetcher(files map[string]string) *fakeFetcher {
	f := &fakeFetcher{files: map[string][]byte{}, calls: map[string]int{}}
	for k, v := range files {
		f.files[k] = []byte(v)
	}
	return f
}

func (f *fakeFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	data, ok := f.files[url]
	if !ok {
		return nil, errors.New("unexpected status 404")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFetcher) DownloadToFile(ctx context.Context, url string, path string) (int64, error) {
	rc, err := f.Download(ctx, url)
	if err != nil {
		return 0, err
	}
	data, _ := io.ReadAll(rc)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	return int64(len(data)), os.WriteFile(path, data, 0o644)
}

type fakeSource struct {
	links      []string
	details    *sam.Details
	detailsErr error
	linkCalls  int
	detailCall int
}

func (s *fakeSource) FetchResourceLinks(context.Context, model.NaturalKey) ([]string, error) {
	s.linkCalls++
	return s.links, nil
}

func (s *fakeSource) FetchDetails(context.Context, model.NaturalKey) (*sam.Details, error) {
	s.detailCall++
	if s.detailsErr != nil {
		return nil, s.detailsErr
	}
	if s.details == nil {
		return &sam.Details{}, nil
	}
	return s.details, nil
}

func newCascade(t *testing.T, src OpportunitySource, f *fakeFetcher) *Cascade {
	t.Helper()
	return New(src, f, textextract.NewRouter(nil), nil, Options{DocumentDir: t.TempDir()})
}

func TestAcquire_ResourceLinks(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://sam.gov/files/RFQ.txt": "The hotel must provide 40 rooms.",
	})
	src := &fakeSource{}
	c := newCascade(t, src, f)

	res, err := c.Acquire(context.Background(), model.Opportunity{
		OpportunityID: "OPP-1",
		Title:         "Hotel Lodging RFQ",
		ResourceLinks: []string{"https://sam.gov/files/RFQ.txt", "https://sam.gov/files/missing.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, TierResourceLinks, res.Tier)
	require.Len(t, res.Documents, 1)

	doc := res.Documents[0]
	assert.Equal(t, "RFQ.txt", doc.Name)
	assert.Equal(t, model.OriginResourceLink, doc.Origin)
	assert.Equal(t, "The hotel must provide 40 rooms.", doc.RawText)
	assert.Equal(t, "https://sam.gov/files/RFQ.txt", doc.SourceURL)

	require.Len(t, res.Attempts, 1)
	assert.Len(t, res.Attempts[0].Errs, 1)
	assert.Zero(t, src.detailCall, "later tiers must not run")
	assert.Zero(t, src.linkCalls, "stored links are used as-is")
}

func TestAcquire_FetchesResourceLinksWhenNoneStored(t *testing.T) {
	f := newFakeFetcher(map[string]string{"https://sam.gov/files/SOW.txt": "Statement of work."})
	src := &fakeSource{links: []string{"https://sam.gov/files/SOW.txt"}}

	res, err := newCascade(t, src, f).Acquire(context.Background(), model.Opportunity{NoticeID: "N-1"})
	require.NoError(t, err)
	assert.Equal(t, TierResourceLinks, res.Tier)
	assert.Equal(t, 1, src.linkCalls)
}

func TestAcquire_AttachmentsTier(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://sam.gov/dl/1": "Invoices shall be submitted monthly.",
	})
	src := &fakeSource{details: &sam.Details{
		Title:       "Fetched Title",
		Attachments: []model.Attachment{{Name: "Invoice Terms.txt", URL: "https://sam.gov/dl/1"}},
	}}

	res, err := newCascade(t, src, f).Acquire(context.Background(), model.Opportunity{NoticeID: "N-1"})
	require.NoError(t, err)
	assert.Equal(t, TierAttachments, res.Tier)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "Invoice Terms.txt", res.Documents[0].Name)
	assert.Equal(t, model.OriginAttachment, res.Documents[0].Origin)
	assert.Equal(t, "Fetched Title", res.Title)
	require.Len(t, res.Attempts, 2)
	assert.Empty(t, res.Attempts[0].Documents)
}

func TestAcquire_FreeTextTier(t *testing.T) {
	src := &fakeSource{detailsErr: errors.New("sam: status 503")}
	opp := model.Opportunity{
		OpportunityID: "OPP-2",
		Title:         "Conference Support",
		FreeText: map[string]string{
			"objective":   "Support a 3-day conference.",
			"description": "https://api.sam.gov/prod/opportunities/v1/noticedesc?noticeid=abc",
			"summary":     "<p>Vendor <b>must</b> provide AV.</p>",
			"unrelated":   "ignored",
		},
	}

	res, err := newCascade(t, src, newFakeFetcher(nil)).Acquire(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, TierFreeText, res.Tier)
	require.Len(t, res.Documents, 1)

	doc := res.Documents[0]
	assert.Equal(t, model.OriginFreeText, doc.Origin)
	assert.Equal(t, "Vendor must provide AV.\n\nSupport a 3-day conference.", doc.RawText)
	assert.NotContains(t, doc.RawText, "noticedesc")

	// The details failure is recorded on the attachments tier, not fatal.
	require.Len(t, res.Attempts, 3)
	require.Len(t, res.Attempts[1].Errs, 1)
	assert.Contains(t, res.Attempts[1].Errs[0].Error(), "503")
}

func TestAcquire_DetailsFreeTextMerged(t *testing.T) {
	src := &fakeSource{details: &sam.Details{
		FreeText: map[string]string{"description": "Fetched description.", "synopsis": "Fetched synopsis."},
	}}
	opp := model.Opportunity{
		NoticeID: "N-3",
		FreeText: map[string]string{"synopsis": "Stored synopsis."},
	}

	res, err := newCascade(t, src, newFakeFetcher(nil)).Acquire(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, "Fetched description.\n\nStored synopsis.", res.Documents[0].RawText)
	assert.Equal(t, "Fetched synopsis.", src.details.FreeText["synopsis"], "details must not be mutated")
	assert.Equal(t, "Stored synopsis.", opp.FreeText["synopsis"])
}

func TestAcquire_TitleSurrogate(t *testing.T) {
	res, err := newCascade(t, nil, newFakeFetcher(nil)).Acquire(context.Background(), model.Opportunity{
		NoticeID: "N-4",
		Title:    "Hotel Lodging RFQ",
	})
	require.NoError(t, err)
	assert.Equal(t, TierTitle, res.Tier)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, model.OriginTitle, res.Documents[0].Origin)
	assert.Equal(t, "Hotel Lodging RFQ", res.Documents[0].RawText)
	assert.Len(t, res.Attempts, 4)
}

func TestAcquire_Exhausted(t *testing.T) {
	res, err := newCascade(t, &fakeSource{}, newFakeFetcher(nil)).Acquire(context.Background(), model.Opportunity{NoticeID: "N-5"})
	require.ErrorIs(t, err, ErrAcquisitionExhausted)
	require.NotNil(t, res)
	assert.Empty(t, res.Documents)
	assert.Len(t, res.Attempts, 4)
}

func TestAcquire_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newCascade(t, nil, newFakeFetcher(nil)).Acquire(ctx, model.Opportunity{NoticeID: "N-6", Title: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAcquisitionExhausted)
}

func TestAcquire_ReusesDownloadedFile(t *testing.T) {
	url := "https://sam.gov/files/RFQ.txt"
	f := newFakeFetcher(map[string]string{url: "Rooms required."})
	c := newCascade(t, nil, f)
	opp := model.Opportunity{NoticeID: "N-7", ResourceLinks: []string{url}}

	_, err := c.Acquire(context.Background(), opp)
	require.NoError(t, err)
	_, err = c.Acquire(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls[url])
}

func TestAcquire_ExpandsZIP(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"RFQ.txt":            "Request for quote. Vendor must provide 40 rooms.",
		"SOW.txt":            "Statement of work.",
		"__MACOSX/._RFQ.txt": "junk",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	url := "https://agency.gov/package.zip"
	f := &fakeFetcher{files: map[string][]byte{url: buf.Bytes()}, calls: map[string]int{}}

	res, err := newCascade(t, nil, f).Acquire(context.Background(), model.Opportunity{NoticeID: "N-8", ResourceLinks: []string{url}})
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)

	var names []string
	for _, d := range res.Documents {
		names = append(names, d.Name)
		assert.True(t, strings.HasPrefix(d.Name, "package.zip/"))
	}
	assert.ElementsMatch(t, []string{"package.zip/RFQ.txt", "package.zip/SOW.txt"}, names)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.AcquisitionConfig{
		DocumentDir:    "docs",
		FreeTextFields: []string{"description"},
		Concurrency:    9,
	})
	assert.Equal(t, "docs", opts.DocumentDir)
	assert.Equal(t, []string{"description"}, opts.FreeTextFields)
	assert.Equal(t, 9, opts.Concurrency)

	c := New(nil, nil, nil, nil, OptionsFromConfig(config.AcquisitionConfig{DocumentDir: "docs"}))
	assert.Equal(t, 4, c.opts.Concurrency)
}

func TestDerivedFilename(t *testing.T) {
	tests := []struct {
		name, url string
		want      string
	}{
		{"RFQ Hotel Lodging.pdf", "https://a/1", "RFQ_Hotel_Lodging-"},
		{"", "https://a/2", "document-"},
		{"../../etc/passwd", "https://a/3", "etc_passwd-"},
		{"report.PDF", "https://a/4", "report-"},
	}
	for _, tt := range tests {
		got := DerivedFilename(tt.name, tt.url)
		assert.True(t, strings.HasPrefix(got, tt.want), "%q -> %q", tt.name, got)
		assert.NotContains(t, got, "/")
	}

	a := DerivedFilename("RFQ.pdf", "https://a/1")
	assert.Equal(t, a, DerivedFilename("RFQ.pdf", "https://a/1"), "stable for the same url")
	assert.NotEqual(t, a, DerivedFilename("RFQ.pdf", "https://a/2"), "distinct per url")
	assert.True(t, strings.HasSuffix(a, ".pdf"))
	assert.True(t, strings.HasSuffix(DerivedFilename("report.PDF", "x"), ".pdf"))
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(a, "RFQ-"), ".pdf"), 8)
}

func TestNameFromURL(t *testing.T) {
	assert.Equal(t, "RFQ Hotel.pdf", nameFromURL("https://sam.gov/files/RFQ%20Hotel.pdf"))
	assert.Equal(t, "", nameFromURL("https://sam.gov/api/prod/opps/v3/opportunities/resources/files/abc/download"))
	assert.Equal(t, "", nameFromURL("https://sam.gov/"))
}
