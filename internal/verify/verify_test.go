package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestEqualIsCaseInsensitive(t *testing.T) {
	sum := sha256hex([]byte("hello"))

	if !Equal(sum, strings.ToUpper(sum)) {
		t.Fatal("expected case-insensitive match")
	}
	if !Equal(sum, "  "+sum+"\n") {
		t.Fatal("expected surrounding whitespace to be ignored")
	}
}

func TestEqualRejectsDifferingDigest(t *testing.T) {
	a := sha256hex([]byte("a"))
	b := sha256hex([]byte("b"))

	if Equal(a, b) {
		t.Fatal("differing digests must not match")
	}
}

func TestEqualRejectsMalformedDigest(t *testing.T) {
	sum := sha256hex([]byte("x"))

	if Equal("", "") {
		t.Fatal("empty digests must not match")
	}
	if Equal(sum[:10], sum[:10]) {
		t.Fatal("truncated digests must not match")
	}
	if Equal("zz"+sum[2:], "zz"+sum[2:]) {
		t.Fatal("non-hex digests must not match")
	}
}

func TestDigestVerify(t *testing.T) {
	d := NewDigest()
	d.Write([]byte("some image bytes"))

	if err := d.Verify(sha256hex([]byte("some image bytes"))); err != nil {
		t.Fatalf("expected match, got %v", err)
	}

	err := d.Verify(sha256hex([]byte("other bytes")))
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ChecksumMismatchError, got %v", err)
	}
	if mismatch.Actual != d.Sum() {
		t.Fatalf("mismatch error carries wrong actual digest")
	}
}

func TestSumHashesWholeReader(t *testing.T) {
	data := []byte(strings.Repeat("payload", 10_000))

	var updates int
	sum, n, err := Sum(context.Background(), strings.NewReader(string(data)), int64(len(data)),
		func(done, total int64) { updates++ })
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("expected %d bytes, got %d", len(data), n)
	}
	if sum != sha256hex(data) {
		t.Fatal("digest mismatch")
	}
	if updates == 0 {
		t.Fatal("expected progress updates")
	}
}

func TestSumHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Sum(ctx, strings.NewReader("data"), 4, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
