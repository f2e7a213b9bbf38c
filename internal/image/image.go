// Package image opens OS image files for flashing, transparently
// decompressing xz-compressed images.
package image

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

// xzMagic is the xz container signature.
var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// Image is an open, readable image source. Size is zero when the
// uncompressed size is unknown (compressed images), so consumers must treat
// a zero total as indeterminate progress.
type Image struct {
	r    io.Reader
	f    *os.File
	size int64
}

// Open opens a local image file. Compressed images are detected by their
// magic bytes, not their extension.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}

	magic := make([]byte, len(xzMagic))
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	if n == len(xzMagic) && bytes.Equal(magic, xzMagic) {
		xr, err := xz.NewReader(bufio.NewReaderSize(f, 64*1024))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open xz image: %w", err)
		}
		return &Image{r: xr, f: f}, nil
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Image{r: f, f: f, size: info.Size()}, nil
}

// Read implements io.Reader over the (decompressed) image bytes.
func (i *Image) Read(p []byte) (int, error) {
	return i.r.Read(p)
}

// Size returns the number of readable bytes, or zero when unknown.
func (i *Image) Size() int64 {
	return i.size
}

// Close releases the underlying file.
func (i *Image) Close() error {
	return i.f.Close()
}
