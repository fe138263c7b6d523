package toolforge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const downloadBufSize = 32 * 1024

func newHttpClient() *http.Client {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	// dl.google.com and the GitHub release CDN are sometimes slow to finish
	// the handshake; the default is 10s.
	transport.TLSHandshakeTimeout = 30 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Minute, // the NDK alone is close to a gigabyte
	}
}

// Downloader streams a URL to a file and reports integer percentages.
type Downloader struct {
	Client *http.Client
}

// NewDownloader returns a downloader with the default HTTP client.
func NewDownloader() *Downloader {
	return &Downloader{Client: newHttpClient()}
}

// Download writes the body of url to dest. With a known Content-Length,
// onPercent receives every new percentage (non-decreasing, clamped to 100);
// without one it only receives 100 at the end. Every failure is a
// *NetworkError and whatever was written so far stays on disk.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string, onPercent func(int)) error {
	client := d.Client
	if client == nil {
		client = newHttpClient()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &NetworkError{URL: rawURL, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &NetworkError{URL: rawURL, Err: fmt.Errorf("download failed with status: %s", resp.Status)}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &NetworkError{URL: rawURL, Err: err}
	}
	out, err := os.Create(dest)
	if err != nil {
		return &NetworkError{URL: rawURL, Err: fmt.Errorf("failed to create destination file %s: %w", dest, err)}
	}

	debugf("Downloading %s -> %s (%d bytes)\n", rawURL, dest, resp.ContentLength)
	if _, err := copyWithProgress(out, resp.Body, resp.ContentLength, onPercent); err != nil {
		out.Close()
		return &NetworkError{URL: rawURL, Err: err}
	}
	if err := out.Close(); err != nil {
		return &NetworkError{URL: rawURL, Err: err}
	}
	return nil
}

// copyWithProgress copies src to dst through a fixed buffer. total <= 0 means
// the length is unknown.
func copyWithProgress(dst io.Writer, src io.Reader, total int64, onPercent func(int)) (int64, error) {
	emit := percentEmitter(onPercent)
	buf := make([]byte, downloadBufSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if total > 0 {
				emit(int(written * 100 / total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, rerr
		}
	}
	emit(100)
	return written, nil
}

// percentEmitter wraps fn so it only sees values that are new, never lower
// than the last one and never above 100.
func percentEmitter(fn func(int)) func(int) {
	last := -1
	return func(p int) {
		if fn == nil {
			return
		}
		if p > 100 {
			p = 100
		}
		if p <= last {
			return
		}
		last = p
		fn(p)
	}
}

// ArchiveMirror is a secondary source tried before the origin URL.
type ArchiveMirror interface {
	DownloadToFile(ctx context.Context, key, dest string, onPercent func(int)) error
}

// Fetcher keeps downloaded toolchain archives in a cache directory so a failed
// extraction or a reinstall does not hit the network again.
type Fetcher struct {
	CacheDir   string
	Downloader *Downloader
	Mirror     ArchiveMirror // optional
}

// NewFetcher returns a fetcher caching under dir.
func NewFetcher(dir string, mirror ArchiveMirror) *Fetcher {
	return &Fetcher{CacheDir: dir, Downloader: NewDownloader(), Mirror: mirror}
}

// cacheName derives a stable file name for url: a short hash of the full URL
// (two releases can share a basename) followed by the basename.
func cacheName(rawURL, name string) string {
	return hashString(rawURL)[:16] + "-" + name
}

func urlBase(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		if u.Host != "" {
			return u.Host
		}
		return "download"
	}
	return base
}

// Fetch returns the cached archive for url, downloading it first when
// missing. name overrides the file name taken from the URL; digest, when
// set, is a BLAKE3 hex digest the file must match.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, name, digest string, onPercent func(int)) (string, error) {
	emit := percentEmitter(onPercent)
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", f.CacheDir, err)
	}
	if name == "" {
		name = urlBase(rawURL)
	}
	absPath := filepath.Join(f.CacheDir, cacheName(rawURL, name))

	if f.cached(absPath, digest) {
		debugf("Using cached %s\n", absPath)
		emit(100)
		return absPath, nil
	}

	lockPath := absPath + ".lock"
	lFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Waits while another process is downloading the same archive.
	if err := flockContext(ctx, lFile, lockPath); err != nil {
		return "", fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// DOUBLE CHECK: the holder of the lock may have finished it for us.
	if f.cached(absPath, digest) {
		debugf("File %s appeared after acquiring lock, skipping download.\n", absPath)
		emit(100)
		return absPath, nil
	}

	part := absPath + ".part"
	_ = os.Remove(part)

	fetched := false
	if f.Mirror != nil {
		if err := f.Mirror.DownloadToFile(ctx, name, part, emit); err != nil {
			debugf("mirror miss for %s: %v, falling back to %s\n", name, err, rawURL)
		} else {
			fetched = true
		}
	}
	if !fetched {
		dl := f.Downloader
		if dl == nil {
			dl = NewDownloader()
		}
		if err := dl.Download(ctx, rawURL, part, emit); err != nil {
			return "", err
		}
	}

	if err := verifyDigest(part, digest); err != nil {
		_ = os.Remove(part)
		return "", &NetworkError{URL: rawURL, Err: err}
	}
	if err := os.Rename(part, absPath); err != nil {
		return "", &NetworkError{URL: rawURL, Err: err}
	}
	return absPath, nil
}

// cached reports a complete cache entry. A file failing its digest is removed.
func (f *Fetcher) cached(absPath, digest string) bool {
	if _, err := os.Stat(absPath); err != nil {
		return false
	}
	if err := verifyDigest(absPath, digest); err != nil {
		warnf("%v, downloading again\n", err)
		_ = os.Remove(absPath)
		return false
	}
	return true
}

// Evict removes every cached archive. Lock files are left alone.
func (f *Fetcher) Evict() error {
	entries, err := os.ReadDir(f.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".lock" {
			continue
		}
		if err := os.Remove(filepath.Join(f.CacheDir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}
	return nil
}
