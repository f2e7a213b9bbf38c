// Package verify implements streaming integrity verification of image
// artifacts against their catalog-declared sha256 checksums.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"boardflash-agent/pkg/progress"
)

// copyBufSize matches the fixed buffer used for device I/O elsewhere so
// hashing never becomes the component with different memory behavior.
const copyBufSize = 32 * 1024

// ChecksumMismatchError reports that computed and declared digests differ.
// It is a distinct kind from transport errors because the user action
// differs: a mismatch means the source or catalog data is stale or
// untrusted, not that a retry will help.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("sha256 mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Digest computes a sha256 over bytes as they pass through, so verification
// happens at download or write time instead of a separate re-read pass.
type Digest struct {
	h hash.Hash
	n int64
}

// NewDigest creates an empty streaming digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write feeds bytes into the digest. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	d.h.Write(p)
	d.n += int64(len(p))
	return len(p), nil
}

// Sum returns the lowercase hex encoding of the digest so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size returns the number of bytes hashed so far.
func (d *Digest) Size() int64 {
	return d.n
}

// Verify compares the digest against a declared checksum and returns a
// ChecksumMismatchError when they differ.
func (d *Digest) Verify(expected string) error {
	if !Equal(d.Sum(), expected) {
		return &ChecksumMismatchError{Expected: normalize(expected), Actual: d.Sum()}
	}
	return nil
}

// Equal compares two hex-encoded digests. The comparison is exact
// byte-for-byte on the decoded value and therefore case-insensitive on the
// hex encoding; a digest differing in any byte never matches.
func Equal(a, b string) bool {
	return normalize(a) != "" && normalize(a) == normalize(b)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, err := hex.DecodeString(s); err != nil || len(s) != sha256.Size*2 {
		return ""
	}
	return s
}

// Sum hashes everything readable from r, reporting progress against total
// and honoring cancellation at chunk boundaries. It returns the lowercase
// hex digest and the byte count.
func Sum(ctx context.Context, r io.Reader, total int64, sink progress.Func) (string, int64, error) {
	if sink == nil {
		sink = func(int64, int64) {}
	}

	d := NewDigest()
	buf := make([]byte, copyBufSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", d.Size(), err
		}

		n, err := r.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
			sink(d.Size(), total)
		}
		if err == io.EOF {
			return d.Sum(), d.Size(), nil
		}
		if err != nil {
			return "", d.Size(), err
		}
	}
}
