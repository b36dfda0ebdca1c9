// Package cache is a content-addressed store for build inputs plus
// path bookkeeping for final artifacts. Small payloads are stored
// under their sha256 digest and deduplicated; final images are large
// and uniquely named, so they are tracked by job id only. A versioned
// JSON manifest indexes everything and is replaced wholesale via
// rename on every mutation, so a crash never leaves a corrupt index —
// at worst an orphaned blob.
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const manifestVersion = 1

// manifest is the persisted cache index.
type manifest struct {
	Version    int               `json:"version"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
	ByJob      map[string]string `json:"by_job"`       // job id -> digest
	ByHash     map[string]string `json:"by_hash"`      // digest -> blob path
	FinalByJob map[string]string `json:"final_by_job"` // job id -> artifact path
}

func newManifest() *manifest {
	now := time.Now().Unix()
	return &manifest{
		Version:    manifestVersion,
		CreatedAt:  now,
		UpdatedAt:  now,
		ByJob:      map[string]string{},
		ByHash:     map[string]string{},
		FinalByJob: map[string]string{},
	}
}

// Cache manages the on-disk store rooted at a single directory:
// <root>/data/<sha256> for blobs, <root>/manifest.json for the index.
type Cache struct {
	root         string
	dataDir      string
	manifestPath string

	mu       sync.Mutex
	manifest *manifest
}

// New opens or initializes a cache rooted at dir. A manifest with an
// unexpected version or one that fails to parse is reinitialized.
func New(dir string) (*Cache, error) {
	c := &Cache{
		root:         dir,
		dataDir:      filepath.Join(dir, "data"),
		manifestPath: filepath.Join(dir, "manifest.json"),
	}
	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating data directory: %w", err)
	}
	if err := c.loadManifest(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) loadManifest() error {
	raw, err := os.ReadFile(c.manifestPath)
	if os.IsNotExist(err) {
		c.manifest = newManifest()
		return c.persistManifest()
	}
	if err != nil {
		return fmt.Errorf("cache: reading manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil || m.Version != manifestVersion {
		log.Printf("Cache manifest unreadable or version mismatch, reinitializing (err: %v, version: %d)", err, m.Version)
		c.manifest = newManifest()
		return c.persistManifest()
	}

	// seed missing maps from older writes
	if m.ByJob == nil {
		m.ByJob = map[string]string{}
	}
	if m.ByHash == nil {
		m.ByHash = map[string]string{}
	}
	if m.FinalByJob == nil {
		m.FinalByJob = map[string]string{}
	}
	c.manifest = &m
	return nil
}

// persistManifest writes the manifest atomically: temp file in the
// cache root, then rename over the target. Callers hold c.mu.
func (c *Cache) persistManifest() error {
	c.manifest.UpdatedAt = time.Now().Unix()
	out, err := json.MarshalIndent(c.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encoding manifest: %w", err)
	}
	tmp := c.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("cache: writing manifest temp file: %w", err)
	}
	if err := os.Rename(tmp, c.manifestPath); err != nil {
		return fmt.Errorf("cache: replacing manifest: %w", err)
	}
	return nil
}

// Put stores data under its content digest, links jobID to it, and
// returns the digest and blob path. Identical bytes stored under a
// second job id reuse the existing blob.
func (c *Cache) Put(jobID string, data []byte) (string, string, error) {
	digest := fmt.Sprintf("%x", sha256.Sum256(data))
	dest := filepath.Join(c.dataDir, digest)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(dest); os.IsNotExist(err) {
		tmp := dest + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return "", "", fmt.Errorf("cache: writing blob: %w", err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return "", "", fmt.Errorf("cache: placing blob: %w", err)
		}
	}

	c.manifest.ByJob[jobID] = digest
	c.manifest.ByHash[digest] = dest
	if err := c.persistManifest(); err != nil {
		return "", "", err
	}
	return digest, dest, nil
}

// GetPath returns the blob path linked to jobID, if the mapping and
// the blob both exist.
func (c *Cache) GetPath(jobID string) (string, bool) {
	c.mu.Lock()
	digest, ok := c.manifest.ByJob[jobID]
	path := c.manifest.ByHash[digest]
	c.mu.Unlock()

	if !ok || path == "" {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// ReadBytes returns the payload bytes linked to jobID.
func (c *Cache) ReadBytes(jobID string) ([]byte, error) {
	path, ok := c.GetPath(jobID)
	if !ok {
		return nil, fmt.Errorf("cache: no payload for job %s", jobID)
	}
	return os.ReadFile(path)
}

// Digest returns the content digest linked to jobID.
func (c *Cache) Digest(jobID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	digest, ok := c.manifest.ByJob[jobID]
	return digest, ok
}

// Delete removes the job's payload mapping. When no other job
// references the same digest, the blob and its hash mapping are
// removed as well.
func (c *Cache) Delete(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	digest, ok := c.manifest.ByJob[jobID]
	delete(c.manifest.ByJob, jobID)
	delete(c.manifest.FinalByJob, jobID)
	if !ok {
		return c.persistManifest()
	}

	stillReferenced := false
	for _, d := range c.manifest.ByJob {
		if d == digest {
			stillReferenced = true
			break
		}
	}
	if !stillReferenced {
		if path, ok := c.manifest.ByHash[digest]; ok {
			delete(c.manifest.ByHash, digest)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Printf("Failed to delete cached blob %s: %v", path, err)
			}
		}
	}
	return c.persistManifest()
}

// SetFinalArtifactPath records the produced image's location for a
// job. Final artifacts are uniquely named, so they are tracked by
// path rather than content digest.
func (c *Cache) SetFinalArtifactPath(jobID, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifest.FinalByJob[jobID] = path
	return c.persistManifest()
}

// GetFinalArtifactPath returns the produced image's location, if
// recorded and still present on disk.
func (c *Cache) GetFinalArtifactPath(jobID string) (string, bool) {
	c.mu.Lock()
	path, ok := c.manifest.FinalByJob[jobID]
	c.mu.Unlock()

	if !ok {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Mismatch is a stored blob whose current content hash diverges from
// its recorded digest.
type Mismatch struct {
	Recorded string `json:"recorded"`
	Actual   string `json:"actual"`
}

// IntegrityReport is the result of an IntegrityCheck sweep.
type IntegrityReport struct {
	Mismatches []Mismatch `json:"mismatches"`
	Missing    []string   `json:"missing"`
}

// IntegrityCheck re-hashes stored blobs and reports divergence from
// their recorded digests. sample limits how many blobs are checked;
// zero or negative checks all of them. This is an explicit
// maintenance sweep, not enforced on reads.
func (c *Cache) IntegrityCheck(sample int) (*IntegrityReport, error) {
	c.mu.Lock()
	type item struct{ digest, path string }
	items := make([]item, 0, len(c.manifest.ByHash))
	for digest, path := range c.manifest.ByHash {
		items = append(items, item{digest, path})
	}
	c.mu.Unlock()

	if sample > 0 && sample < len(items) {
		items = items[:sample]
	}

	report := &IntegrityReport{Mismatches: []Mismatch{}, Missing: []string{}}
	for _, it := range items {
		data, err := os.ReadFile(it.path)
		if os.IsNotExist(err) {
			report.Missing = append(report.Missing, it.digest)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cache: reading blob %s: %w", it.path, err)
		}
		actual := fmt.Sprintf("%x", sha256.Sum256(data))
		if actual != it.digest {
			report.Mismatches = append(report.Mismatches, Mismatch{Recorded: it.digest, Actual: actual})
		}
	}
	return report, nil
}

// BlobCount returns the number of content-addressed blobs on disk.
func (c *Cache) BlobCount() (int, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
