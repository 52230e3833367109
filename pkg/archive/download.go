// Package archive stores remote media on local disk and keeps the archived
// files' modification times aligned with the message that referenced them.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/k2angel/watcher/pkg/logger"
)

// FetchError is returned when a media URL could not be downloaded.
// StatusCode is zero for transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Result describes a file written by Download.
type Result struct {
	Path   string
	Bytes  int64
	SHA256 string
}

// DownloadOptions holds optional parameters for a Downloader.
type DownloadOptions struct {
	HTTPClient   *http.Client
	Timeout      time.Duration
	ExtraHeaders map[string]string
	// BaseDir is only used to shorten paths in log lines.
	BaseDir string
}

type Downloader struct {
	client  *http.Client
	headers map[string]string
	baseDir string
}

func NewDownloader(opts DownloadOptions) *Downloader {
	client := opts.HTTPClient
	if client == nil {
		if opts.Timeout == 0 {
			opts.Timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Downloader{
		client:  client,
		headers: opts.ExtraHeaders,
		baseDir: opts.BaseDir,
	}
}

// Download fetches rawURL and writes the body to dest. The body is staged in
// a temporary file next to dest and renamed into place only once complete,
// so dest is either the full new content or untouched.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, &FetchError{URL: rawURL, Err: err}
	}
	for key, value := range d.headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("create archive directory: %w", err)
	}

	size, sum, err := writeAtomic(dest, resp.Body)
	if err != nil {
		// A body that breaks off mid-stream is a fetch failure.
		var serr *streamError
		if errors.As(err, &serr) {
			return Result{}, &FetchError{URL: rawURL, Err: err}
		}
		return Result{}, err
	}

	logger.InfoCF("archive", "Saved media", map[string]interface{}{
		"host":  hostOf(rawURL),
		"path":  d.rel(dest),
		"bytes": size,
	})
	return Result{Path: dest, Bytes: size, SHA256: sum}, nil
}

type streamError struct{ err error }

func (e *streamError) Error() string { return "read body: " + e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

// writeAtomic copies src into a temp file in dest's directory, hashing as it
// goes, then renames it over dest.
func writeAtomic(dest string, src io.Reader) (int64, string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), readerOnly{src})
	if err != nil {
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return 0, "", fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, "", fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// readerOnly tags read failures so they can be told apart from write failures.
type readerOnly struct{ r io.Reader }

func (r readerOnly) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &streamError{err: err}
	}
	return n, err
}

func (d *Downloader) rel(path string) string {
	if d.baseDir == "" {
		return path
	}
	if r, err := filepath.Rel(d.baseDir, path); err == nil {
		return r
	}
	return path
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
