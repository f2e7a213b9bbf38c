package download

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c
}

func put(t *testing.T, c *Cache, data []byte) string {
	t.Helper()
	sha := sha256hex(data)
	if err := os.WriteFile(c.Path(sha), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return sha
}

func TestCacheGetServesVerifiedEntry(t *testing.T) {
	c := newTestCache(t)
	data := []byte("image contents")
	sha := put(t, c, data)

	path, ok := c.Get(sha)
	if !ok {
		t.Fatal("expected cache hit")
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != string(data) {
		t.Fatalf("served wrong bytes: %q, %v", got, err)
	}
}

func TestCacheGetIsCaseInsensitiveOnChecksum(t *testing.T) {
	c := newTestCache(t)
	data := []byte("image contents")
	sha := put(t, c, data)

	upper := make([]byte, len(sha))
	for i := range sha {
		upper[i] = sha[i]
		if sha[i] >= 'a' && sha[i] <= 'f' {
			upper[i] = sha[i] - 'a' + 'A'
		}
	}

	if _, ok := c.Get(string(upper)); !ok {
		t.Fatal("expected hit for uppercase checksum")
	}
}

func TestCacheContainsProbesWithoutHashing(t *testing.T) {
	c := newTestCache(t)
	data := []byte("image contents")
	sha := put(t, c, data)

	if !c.Contains(sha) {
		t.Fatal("expected probe hit for existing entry")
	}
	if !c.Contains(strings.ToUpper(sha)) {
		t.Fatal("probe must be case-insensitive on the checksum")
	}
	if c.Contains(sha256hex([]byte("never stored"))) {
		t.Fatal("probe hit for absent entry")
	}
}

func TestCacheGetEvictsTamperedEntry(t *testing.T) {
	c := newTestCache(t)
	data := []byte("pristine image")
	sha := put(t, c, data)

	// Corrupt the entry on disk behind the cache's back.
	if err := os.WriteFile(c.Path(sha), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(sha); ok {
		t.Fatal("tampered entry must not be served")
	}
	if _, err := os.Stat(c.Path(sha)); !os.IsNotExist(err) {
		t.Fatal("tampered entry must be evicted from disk")
	}
}

func TestCacheCommitPromotesTempFile(t *testing.T) {
	c := newTestCache(t)
	data := []byte("downloaded bytes")
	sha := sha256hex(data)

	tmp, err := c.TempFile()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.Write(data); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	final, err := c.Commit(tmp.Name(), sha)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if final != c.Path(sha) {
		t.Fatalf("unexpected final path %s", final)
	}
	if _, ok := c.Get(sha); !ok {
		t.Fatal("committed entry must be retrievable")
	}
}

func TestNewCacheRemovesStalePartials(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"leftover")
	if err := os.WriteFile(stale, []byte("half a download"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewCache(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale partial file must be removed on startup")
	}
}
