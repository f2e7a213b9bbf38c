package flasher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"boardflash-agent/internal/image"
	"boardflash-agent/pkg/backoff"
	"boardflash-agent/pkg/log"
)

// MSP430 BSL command set, carried over the shared serial framing.
const (
	mspCmdHandshake = 0x10
	mspCmdMassErase = 0x15
	mspCmdWriteData = 0x18
	mspCmdChecksum  = 0x26
	mspCmdReset     = 0x40

	mspPageSize    = 256
	mspBaudRate    = 9600
	mspMaxAttempts = 3
)

// Msp430Usb flashes MSP430-class boards through their serial BSL. The
// protocol has no resume point, so an interrupted transfer restarts from
// scratch, bounded by mspMaxAttempts.
type Msp430Usb struct {
	open portOpener
}

// NewMsp430Usb creates the MSP430 variant.
func NewMsp430Usb() *Msp430Usb {
	return &Msp430Usb{open: openSerialPort}
}

// Flash implements the Flasher capability.
func (m *Msp430Usb) Flash(ctx context.Context, img *image.Image, target Target, sink Sink) (Result, error) {
	data, err := readImage(img)
	if err != nil {
		return Result{}, err
	}

	bo := backoff.New(time.Second, 10*time.Second)
	for attempt := 1; ; attempt++ {
		result, err := m.flashOnce(ctx, data, target, sink)
		if err == nil {
			return result, nil
		}

		var interrupted *TransportInterruptedError
		if !errors.As(err, &interrupted) || attempt >= mspMaxAttempts {
			return Result{}, err
		}

		log.Warn("transfer interrupted, restarting from scratch",
			"target", target.Path, "attempt", attempt)
		select {
		case <-time.After(bo.Next()):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func (m *Msp430Usb) flashOnce(ctx context.Context, data []byte, target Target, sink Sink) (Result, error) {
	sink.stage(StageConnecting)
	link, err := openLink(target.Path, mspBaudRate, m.open)
	if err != nil {
		return Result{}, err
	}
	defer link.close()

	if _, err := link.command(ctx, "handshake", mspCmdHandshake, nil, false); err != nil {
		return Result{}, err
	}

	sink.stage(StageErasing)
	if _, err := link.command(ctx, "mass erase", mspCmdMassErase, nil, false); err != nil {
		return Result{}, err
	}

	sink.stage(StageWriting)
	total := int64(len(data))
	for off := 0; off < len(data); off += mspPageSize {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		end := off + mspPageSize
		if end > len(data) {
			end = len(data)
		}
		payload := make([]byte, 4+end-off)
		binary.LittleEndian.PutUint32(payload, uint32(off/mspPageSize))
		copy(payload[4:], data[off:end])

		if _, err := link.command(ctx, "write page", mspCmdWriteData, payload, false); err != nil {
			return Result{}, err
		}
		sink.report(int64(end), total)
	}

	sink.stage(StageVerifying)
	reply, err := link.command(ctx, "checksum", mspCmdChecksum, nil, true)
	if err != nil {
		return Result{}, err
	}
	if len(reply) < 2 {
		return Result{}, &ProtocolError{Op: "checksum", Detail: "short checksum response"}
	}
	deviceSum := binary.LittleEndian.Uint16(reply[:2])
	wantSum := crc16(data)
	if deviceSum != wantSum {
		return Result{}, &VerificationFailedError{
			Expected: fmt.Sprintf("%04x", wantSum),
			Actual:   fmt.Sprintf("%04x", deviceSum),
		}
	}

	// The reset drops the link, so a failed ack here is not an error.
	if _, err := link.command(ctx, "reset", mspCmdReset, nil, false); err != nil {
		log.Debug("reset not acknowledged, device likely already rebooting", "error", err)
	}

	sink.stage(StageDone)
	return Result{Verified: true, BytesWritten: total}, nil
}
