package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"boardflash-agent/internal/image"
	"boardflash-agent/internal/verify"
	"boardflash-agent/pkg/log"
)

const (
	// sdBufSize bounds the copy buffer so memory use is independent of
	// image size.
	sdBufSize = 32 * 1024
	// sectorSize is the alignment unit for raw block device writes.
	sectorSize = 512
)

// SdCard writes an image to a raw block device by direct copy. Erase is
// implicit in write, so the Erasing stage is skipped. After writing it
// re-reads the written range and compares digests; with verification
// disabled the result is reported as unverified, never as plain success.
type SdCard struct {
	verify bool

	// partitions is swapped in tests to simulate host mounts.
	partitions func() ([]disk.PartitionStat, error)
}

// NewSdCard creates the SD card variant.
func NewSdCard(verifyAfterWrite bool) *SdCard {
	return &SdCard{
		verify: verifyAfterWrite,
		partitions: func() ([]disk.PartitionStat, error) {
			return disk.Partitions(false)
		},
	}
}

// Flash implements the Flasher capability for raw block devices.
func (s *SdCard) Flash(ctx context.Context, img *image.Image, target Target, sink Sink) (Result, error) {
	sink.stage(StageConnecting)

	if err := s.checkNotHostVolume(target.Path); err != nil {
		return Result{}, err
	}

	dev, err := os.OpenFile(target.Path, os.O_RDWR, 0)
	if err != nil {
		return Result{}, classifyOpenError(target.Path, err)
	}
	defer dev.Close()

	sink.stage(StageWriting)

	written, digest, err := s.write(ctx, img, dev, sink)
	if err != nil {
		return Result{}, err
	}

	if err := dev.Sync(); err != nil {
		return Result{}, fmt.Errorf("failed to sync device: %w", err)
	}

	if !s.verify {
		log.Warn("post-write verification disabled by configuration", "target", target.Path)
		sink.stage(StageDone)
		return Result{Verified: false, BytesWritten: written}, nil
	}

	sink.stage(StageVerifying)
	if err := s.verifyWritten(ctx, dev, written, digest, sink); err != nil {
		return Result{}, err
	}

	sink.stage(StageDone)
	return Result{Verified: true, BytesWritten: written}, nil
}

// write copies the image to the device sector-aligned, hashing the source
// bytes as they flow so verification does not re-read the image.
func (s *SdCard) write(ctx context.Context, img *image.Image, dev *os.File, sink Sink) (int64, *verify.Digest, error) {
	d := verify.NewDigest()
	buf := make([]byte, sdBufSize)
	total := img.Size()
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, nil, err
		}

		n, readErr := io.ReadFull(img, buf)
		if n > 0 {
			d.Write(buf[:n])

			chunk := buf[:n]
			if rem := n % sectorSize; rem != 0 {
				// Pad the final chunk to a sector boundary; the padding is
				// not part of the image digest.
				padded := n + sectorSize - rem
				for i := n; i < padded; i++ {
					buf[i] = 0
				}
				chunk = buf[:padded]
			}

			if _, err := dev.Write(chunk); err != nil {
				return written, nil, fmt.Errorf("failed to write to device: %w", err)
			}
			written += int64(n)
			sink.report(written, total)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return written, d, nil
		}
		if readErr != nil {
			return written, nil, fmt.Errorf("failed to read image: %w", readErr)
		}
	}
}

// verifyWritten re-reads the written range from the device and compares
// its digest with the source digest.
func (s *SdCard) verifyWritten(ctx context.Context, dev *os.File, written int64, d *verify.Digest, sink Sink) error {
	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind device: %w", err)
	}

	actual, _, err := verify.Sum(ctx, io.LimitReader(dev, written), written, sink.report)
	if err != nil {
		return err
	}

	if !verify.Equal(actual, d.Sum()) {
		return &VerificationFailedError{Expected: d.Sum(), Actual: actual}
	}
	return nil
}

// checkNotHostVolume refuses targets that back the host's own root or boot
// volume. This is a safety invariant, not a UX nicety: a match is fatal
// regardless of privileges.
func (s *SdCard) checkNotHostVolume(targetPath string) error {
	parts, err := s.partitions()
	if err != nil {
		// Being unable to inspect mounts is not a license to write blindly.
		return fmt.Errorf("failed to inspect host mounts: %w", err)
	}

	for _, p := range parts {
		if p.Mountpoint != "/" && !strings.HasPrefix(p.Mountpoint, "/boot") {
			continue
		}
		if strings.HasPrefix(p.Device, targetPath) || p.Device == targetPath {
			log.Error("refusing to write to host volume", "target", targetPath, "mountpoint", p.Mountpoint)
			return ErrProtectedTarget
		}
	}
	return nil
}

func classifyOpenError(target string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &DeviceNotFoundError{Target: target, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &PermissionDeniedError{Target: target, Err: err}
	default:
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
}
