package flasher

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"boardflash-agent/internal/image"
	"boardflash-agent/pkg/backoff"
	"boardflash-agent/pkg/log"
)

const (
	// bcfFrameSize is the fixed payload size of one transfer frame. The
	// radio co-processor acknowledges each frame individually.
	bcfFrameSize = 1024
	// bcfMaxLinkRetries bounds reconnect attempts after a dropped link.
	bcfMaxLinkRetries = 3
)

// FrameTransport is the link layer under the BeagleConnect Freedom
// bootloader protocol. Implementations return ProtocolError for NACKs and
// malformed responses, and TransportInterruptedError for link drops; the
// flasher retries only the latter.
type FrameTransport interface {
	// Connect opens the link to the peripheral identified by target.
	Connect(ctx context.Context, target string) error
	// EnterBootloader performs the device-specific handshake that switches
	// the co-processor into its bootloader.
	EnterBootloader(ctx context.Context) error
	// Erase invalidates the current firmware so a partial transfer can
	// never boot.
	Erase(ctx context.Context) error
	// SendFrame transfers one fixed-size frame and waits for its ack.
	SendFrame(ctx context.Context, index uint32, payload []byte) error
	// FirmwareCRC asks the device for the CRC32 it computed over the
	// received firmware.
	FirmwareCRC(ctx context.Context) (uint32, error)
	// Reboot leaves the bootloader and starts the new firmware.
	Reboot(ctx context.Context) error
	// Disconnect closes the link. Safe to call when not connected.
	Disconnect()
}

// BeagleConnectFreedom flashes the radio co-processor over a BLE GATT
// bootloader service. The transfer resumes from the last acknowledged frame
// after a link drop; a protocol NACK aborts the transfer, which must then
// be restarted from scratch.
type BeagleConnectFreedom struct {
	transport FrameTransport
	verify    bool
}

// NewBeagleConnectFreedom creates the BCF variant over the given transport.
func NewBeagleConnectFreedom(t FrameTransport, verifyAfterWrite bool) *BeagleConnectFreedom {
	return &BeagleConnectFreedom{transport: t, verify: verifyAfterWrite}
}

// Flash implements the Flasher capability.
func (b *BeagleConnectFreedom) Flash(ctx context.Context, img *image.Image, target Target, sink Sink) (Result, error) {
	// Co-processor firmware is small; buffering it makes frame resumption
	// trivial even when the source stream is not seekable.
	data, err := io.ReadAll(img)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read image: %w", err)
	}

	sink.stage(StageConnecting)
	if err := b.transport.Connect(ctx, target.Path); err != nil {
		return Result{}, err
	}
	defer b.transport.Disconnect()

	if err := b.transport.EnterBootloader(ctx); err != nil {
		return Result{}, err
	}

	sink.stage(StageErasing)
	if err := b.transport.Erase(ctx); err != nil {
		return Result{}, err
	}

	sink.stage(StageWriting)
	if err := b.sendFrames(ctx, data, target, sink); err != nil {
		return Result{}, err
	}

	result := Result{BytesWritten: int64(len(data))}
	if b.verify {
		sink.stage(StageVerifying)
		deviceCRC, err := b.transport.FirmwareCRC(ctx)
		if err != nil {
			return Result{}, err
		}
		wantCRC := crc32.ChecksumIEEE(data)
		if deviceCRC != wantCRC {
			return Result{}, &VerificationFailedError{
				Expected: fmt.Sprintf("%08x", wantCRC),
				Actual:   fmt.Sprintf("%08x", deviceCRC),
			}
		}
		result.Verified = true
	} else {
		log.Warn("post-transfer verification disabled by configuration", "target", target.Path)
	}

	if err := b.transport.Reboot(ctx); err != nil {
		return Result{}, err
	}

	sink.stage(StageDone)
	return result, nil
}

// sendFrames streams the firmware in fixed-size frames. After a link drop
// the transfer reconnects with backoff and resumes from the frame after the
// last acknowledged one, not from frame zero.
func (b *BeagleConnectFreedom) sendFrames(ctx context.Context, data []byte, target Target, sink Sink) error {
	frames := (len(data) + bcfFrameSize - 1) / bcfFrameSize
	bo := backoff.New(500*time.Millisecond, 5*time.Second)
	linkRetries := 0

	for idx := 0; idx < frames; {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := idx * bcfFrameSize
		end := start + bcfFrameSize
		if end > len(data) {
			end = len(data)
		}

		err := b.transport.SendFrame(ctx, uint32(idx), data[start:end])
		if err == nil {
			idx++
			linkRetries = 0
			bo.Reset()
			sink.report(int64(end), int64(len(data)))
			continue
		}

		var interrupted *TransportInterruptedError
		if !errors.As(err, &interrupted) {
			// NACK or malformed response: not retried within this transfer.
			return err
		}

		linkRetries++
		if linkRetries > bcfMaxLinkRetries {
			return interrupted
		}
		log.Warn("link dropped, resuming transfer",
			"target", target.Path, "frame", idx, "attempt", linkRetries)

		select {
		case <-time.After(bo.Next()):
		case <-ctx.Done():
			return ctx.Err()
		}

		b.transport.Disconnect()
		if err := b.transport.Connect(ctx, target.Path); err != nil {
			return err
		}
		if err := b.transport.EnterBootloader(ctx); err != nil {
			return err
		}
		// Resume at idx: the frame was never acknowledged.
	}
	return nil
}
