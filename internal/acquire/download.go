package acquire

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bid-analyzer/internal/fetcher"
	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/textextract"
)

type downloadItem struct {
	name string
	url  string
}

// downloadAll downloads and extracts items with bounded concurrency. Output
// keeps input order; failures are appended to errs and do not stop the
// others.
func (c *Cascade) downloadAll(ctx context.Context, r *run, items []downloadItem, origin model.DocumentOrigin, errs []error) ([]model.Document, []error) {
	if len(items) == 0 {
		return nil, errs
	}

	docs := make([][]model.Document, len(items))
	itemErrs := make([][]error, len(items))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			docs[i], itemErrs[i] = c.download(gCtx, r, it, origin)
			return nil
		})
	}
	_ = g.Wait()

	var out []model.Document
	for i := range items {
		out = append(out, docs[i]...)
		errs = append(errs, itemErrs[i]...)
	}
	return out, errs
}

// download fetches one item (reusing a previous download when present),
// expands ZIP packages and extracts text.
func (c *Cascade) download(ctx context.Context, r *run, it downloadItem, origin model.DocumentOrigin) ([]model.Document, []error) {
	if !fetcher.IsDownloadable(it.url) {
		return nil, []error{eris.Errorf("acquire: not a downloadable url %q", it.url)}
	}

	name := it.name
	if name == "" {
		name = nameFromURL(it.url)
	}
	dest := filepath.Join(r.dir, DerivedFilename(name, it.url))

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		r.log.Debug("acquire: reusing downloaded file", zap.String("path", dest))
	} else {
		if _, err := c.fetch.DownloadToFile(ctx, it.url, dest); err != nil {
			return nil, []error{eris.Wrapf(err, "acquire: download %s", name)}
		}
	}

	if textextract.Detect(dest) == textextract.FormatZIP {
		return c.expandZIP(ctx, dest, name, it.url, origin)
	}

	doc, err := c.extract(ctx, dest, name, it.url, origin)
	if err != nil {
		return nil, []error{err}
	}
	return []model.Document{doc}, nil
}

func (c *Cascade) expandZIP(ctx context.Context, zipPath, name, sourceURL string, origin model.DocumentOrigin) ([]model.Document, []error) {
	members, err := fetcher.ExtractZIP(zipPath, strings.TrimSuffix(zipPath, filepath.Ext(zipPath))+"_files")
	var errs []error
	if err != nil {
		errs = append(errs, eris.Wrapf(err, "acquire: expand %s", name))
	}

	var docs []model.Document
	for _, m := range members {
		doc, err := c.extract(ctx, m, name+"/"+filepath.Base(m), sourceURL, origin)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errs
}

func (c *Cascade) extract(ctx context.Context, path, name, sourceURL string, origin model.DocumentOrigin) (model.Document, error) {
	res, err := c.extractor.Extract(ctx, path)
	if err != nil {
		return model.Document{}, eris.Wrapf(err, "acquire: extract %s", name)
	}
	doc := model.Document{
		Name:      name,
		Origin:    origin,
		SourceURL: sourceURL,
		Path:      path,
		RawText:   res.Text,
		PageCount: res.PageCount,
	}
	if !doc.Usable() {
		return model.Document{}, eris.Errorf("acquire: %s has no extractable text", name)
	}
	return doc, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const maxBaseLen = 80

// DerivedFilename returns "<sanitized-base>-<sha1(url)[:8]><ext>". The hash
// keeps two links with the same display name apart and makes re-runs land
// on the same file.
func DerivedFilename(name, rawURL string) string {
	sum := sha1.Sum([]byte(rawURL)) //nolint:gosec
	hash := hex.EncodeToString(sum[:])[:8]

	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 6 || unsafeChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := sanitize(strings.TrimSuffix(name, filepath.Ext(name)))
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	if base == "" {
		base = "document"
	}
	return base + "-" + hash + ext
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	return strings.Trim(s, "._-")
}

// nameFromURL uses the last path segment of a link as its display name.
func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "download" {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		return unescaped
	}
	return base
}

func opportunityDir(root string, key model.NaturalKey) string {
	slug := strings.ToLower(sanitize(key.String()))
	if slug == "" {
		slug = "unknown"
	}
	return filepath.Join(root, slug)
}
