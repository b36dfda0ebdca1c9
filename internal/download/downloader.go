// Package download fetches the base installer ISO from the vendor
// mirror, with checksum verification and resume-free atomic staging.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrChecksumMismatch reports a downloaded image whose digest does
// not match the expected value. The partial download is removed.
var ErrChecksumMismatch = errors.New("download: checksum mismatch")

// isoURLPattern restricts downloads to versioned installer images on
// the vendor's enterprise mirror.
var isoURLPattern = regexp.MustCompile(`^https://enterprise\.proxmox\.com/iso/proxmox-ve_[\d.]+.*\.iso$`)

// ValidateURL reports whether url names a fetchable installer image.
func ValidateURL(url string) error {
	if !isoURLPattern.MatchString(url) {
		return fmt.Errorf("download: url %q is not a recognized installer image", url)
	}
	return nil
}

// Downloader fetches ISOs into a destination directory.
type Downloader struct {
	client *http.Client
	dir    string
}

// New creates a Downloader writing into dir.
func New(dir string) *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: 30 * time.Minute},
		dir:    dir,
	}
}

// localPath returns where the image for url lives on disk.
func (d *Downloader) localPath(url string) string {
	return filepath.Join(d.dir, filepath.Base(url))
}

// NeedsDownload reports whether the image for url must be fetched.
// An existing file counts only when its checksum sidecar matches the
// expected digest; anything else forces a re-fetch.
func (d *Downloader) NeedsDownload(url, wantSHA256 string) (bool, string) {
	path := d.localPath(url)
	if _, err := os.Stat(path); err != nil {
		return true, path
	}
	sidecar, err := os.ReadFile(path + ".sha256")
	if err != nil {
		return true, path
	}
	if !strings.EqualFold(strings.TrimSpace(string(sidecar)), wantSHA256) {
		return true, path
	}
	return false, path
}

// Fetch downloads url into the destination directory, verifies its
// sha256 against wantSHA256 and writes the checksum sidecar. progress
// is called with bytes received and the total (-1 when unknown); it
// may be nil. On mismatch the file is deleted and ErrChecksumMismatch
// returned.
func (d *Downloader) Fetch(ctx context.Context, url, wantSHA256 string, progress func(done, total int64)) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: fetching %s: unexpected status %s", url, resp.Status)
	}

	final := d.localPath(url)
	partial := final + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	counter := &progressWriter{total: resp.ContentLength, report: progress}
	_, err = io.Copy(io.MultiWriter(out, hasher, counter), resp.Body)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("download: writing %s: %w", partial, err)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, wantSHA256) {
		os.Remove(partial)
		return "", fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, wantSHA256)
	}

	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return "", err
	}
	if err := os.WriteFile(final+".sha256", []byte(got+"\n"), 0o644); err != nil {
		return "", err
	}

	log.Printf("Downloaded %s (%s)", filepath.Base(final), got[:12])
	return final, nil
}

// Ensure returns the local path of a verified image, fetching it only
// when the cached copy is absent or stale.
func (d *Downloader) Ensure(ctx context.Context, url, wantSHA256 string, progress func(done, total int64)) (string, error) {
	if err := ValidateURL(url); err != nil {
		return "", err
	}
	need, path := d.NeedsDownload(url, wantSHA256)
	if !need {
		log.Printf("Using cached base image %s", filepath.Base(path))
		return path, nil
	}
	return d.Fetch(ctx, url, wantSHA256, progress)
}

type progressWriter struct {
	done   int64
	total  int64
	report func(done, total int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if w.report != nil {
		w.report(w.done, w.total)
	}
	return len(p), nil
}
