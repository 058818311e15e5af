// Package fetcher downloads opportunity documents over HTTP and FTP and
// unpacks the archive and spreadsheet formats agencies attach to them.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading remote documents.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// ErrUnsupportedScheme is returned for URLs no fetcher can serve.
var ErrUnsupportedScheme = eris.New("fetcher: unsupported url scheme")

// Mux routes downloads to the HTTP or FTP fetcher by URL scheme.
type Mux struct {
	http Fetcher
	ftp  Fetcher
}

// NewMux creates a scheme router. ftp may be nil to reject ftp:// links.
func NewMux(httpFetcher, ftpFetcher Fetcher) *Mux {
	return &Mux{http: httpFetcher, ftp: ftpFetcher}
}

func (m *Mux) route(rawURL string) (Fetcher, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if m.http != nil {
			return m.http, nil
		}
	case "ftp":
		if m.ftp != nil {
			return m.ftp, nil
		}
	}
	return nil, eris.Wrapf(ErrUnsupportedScheme, "scheme %q", u.Scheme)
}

// Download implements Fetcher.
func (m *Mux) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := m.route(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile implements Fetcher.
func (m *Mux) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	f, err := m.route(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, path)
}

// IsDownloadable reports whether s looks like a URL one of the fetchers can
// retrieve.
func IsDownloadable(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return true
	}
	return false
}

// writeFile copies r into path through a temporary sibling and renames it
// into place, so an interrupted download never leaves a file that looks
// complete. maxBytes <= 0 means unlimited.
func writeFile(path string, r io.Reader, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrap(err, "create directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}

	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	if maxBytes > 0 && n > maxBytes {
		return n, eris.Errorf("file exceeds %d byte limit", maxBytes)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return n, eris.Wrap(err, "rename file")
	}
	return n, nil
}
