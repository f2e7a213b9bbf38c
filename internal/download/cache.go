// Package download streams remote image artifacts into a local
// content-addressed cache, deduplicating concurrent requests for the same
// artifact and verifying integrity as bytes arrive.
package download

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"boardflash-agent/internal/verify"
	"boardflash-agent/pkg/log"
)

// tempPrefix marks in-progress downloads inside the cache directory. A crash
// mid-download leaves only such a file behind, never a corrupted final entry.
const tempPrefix = ".partial-"

// Cache is a content-addressed artifact store: files are named by the
// lowercase hex sha256 of their contents. Entries are only ever created by
// an atomic rename within the cache directory, so readers never observe a
// half-written entry.
type Cache struct {
	dir string
}

// NewCache creates the cache directory if needed and removes any temporary
// files a previous crash may have left behind.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Err: fmt.Errorf("failed to create cache directory: %w", err)}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &StorageError{Err: err}
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			stale := filepath.Join(dir, e.Name())
			if err := os.Remove(stale); err != nil {
				log.Warn("failed to remove stale partial download", "path", stale, "error", err)
			}
		}
	}

	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the final location an artifact with the given checksum would
// occupy, whether or not it exists.
func (c *Cache) Path(sha256Hex string) string {
	return filepath.Join(c.dir, strings.ToLower(sha256Hex))
}

// Contains reports whether an entry for the given checksum exists, without
// re-reading its contents. Serving bytes still goes through Get, which
// re-verifies the digest.
func (c *Cache) Contains(sha256Hex string) bool {
	info, err := os.Stat(c.Path(sha256Hex))
	return err == nil && info.Mode().IsRegular()
}

// Get returns the path of a cached artifact whose digest equals the given
// checksum. The entry's bytes are re-hashed before being served; an entry
// that fails verification is evicted, never returned.
func (c *Cache) Get(sha256Hex string) (string, bool) {
	path := c.Path(sha256Hex)
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	d := verify.NewDigest()
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	if err := d.Verify(sha256Hex); err != nil {
		log.Warn("evicting corrupted cache entry", "path", path, "error", err)
		_ = os.Remove(path)
		return "", false
	}
	return path, true
}

// TempFile creates a temporary download target on the same filesystem as
// the cache so the final rename is atomic.
func (c *Cache) TempFile() (*os.File, error) {
	f, err := os.CreateTemp(c.dir, tempPrefix+"*")
	if err != nil {
		return nil, &StorageError{Err: fmt.Errorf("failed to create temporary file: %w", err)}
	}
	return f, nil
}

// Commit atomically promotes a fully written, verified temporary file to its
// content-addressed location.
func (c *Cache) Commit(tmpPath, sha256Hex string) (string, error) {
	final := c.Path(sha256Hex)
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return "", &StorageError{Err: fmt.Errorf("failed to commit cache entry: %w", err)}
	}
	return final, nil
}
