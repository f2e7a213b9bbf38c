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

// MSPM0 bootloader command set, carried over the shared serial framing.
const (
	pbCmdHandshake  = 0x12
	pbCmdErase      = 0x20
	pbCmdWritePage  = 0x22
	pbCmdChecksum   = 0x28
	pbCmdReadEeprom = 0x2A
	pbCmdWriteEepr  = 0x2B
	pbCmdReset      = 0x42

	pbPageSize       = 1024
	pbBaudRate       = 115200
	pbMaxLinkRetries = 3
)

// Pb2Mspm0 flashes the PocketBeagle 2 MSPM0 co-processor over its serial
// bootloader. Pages are acknowledged individually, so an interrupted
// transfer resumes from the page after the last acknowledged one. The
// variant can optionally preserve the board's EEPROM calibration data
// across the erase.
type Pb2Mspm0 struct {
	open          portOpener
	persistEEPROM bool
}

// NewPb2Mspm0 creates the MSPM0 variant.
func NewPb2Mspm0(persistEEPROM bool) *Pb2Mspm0 {
	return &Pb2Mspm0{open: openSerialPort, persistEEPROM: persistEEPROM}
}

// Flash implements the Flasher capability.
func (p *Pb2Mspm0) Flash(ctx context.Context, img *image.Image, target Target, sink Sink) (Result, error) {
	data, err := readImage(img)
	if err != nil {
		return Result{}, err
	}

	sink.stage(StageConnecting)
	link, err := p.connect(ctx, target.Path)
	if err != nil {
		return Result{}, err
	}
	defer func() { link.close() }()

	var eeprom []byte
	if p.persistEEPROM {
		eeprom, err = link.command(ctx, "read eeprom", pbCmdReadEeprom, nil, true)
		if err != nil {
			return Result{}, err
		}
		log.Debug("preserved eeprom contents", "bytes", len(eeprom))
	}

	sink.stage(StageErasing)
	if _, err := link.command(ctx, "erase", pbCmdErase, nil, false); err != nil {
		return Result{}, err
	}

	sink.stage(StageWriting)
	link, err = p.writePages(ctx, link, data, target, sink)
	if err != nil {
		return Result{}, err
	}

	sink.stage(StageVerifying)
	reply, err := link.command(ctx, "checksum", pbCmdChecksum, nil, true)
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

	if p.persistEEPROM && len(eeprom) > 0 {
		if _, err := link.command(ctx, "restore eeprom", pbCmdWriteEepr, eeprom, false); err != nil {
			return Result{}, err
		}
	}

	if _, err := link.command(ctx, "reset", pbCmdReset, nil, false); err != nil {
		log.Debug("reset not acknowledged, device likely already rebooting", "error", err)
	}

	sink.stage(StageDone)
	return Result{Verified: true, BytesWritten: int64(len(data))}, nil
}

func (p *Pb2Mspm0) connect(ctx context.Context, target string) (*serialLink, error) {
	link, err := openLink(target, pbBaudRate, p.open)
	if err != nil {
		return nil, err
	}
	if _, err := link.command(ctx, "handshake", pbCmdHandshake, nil, false); err != nil {
		link.close()
		return nil, err
	}
	return link, nil
}

// writePages streams pages with per-page acks. On a link drop it reconnects
// with backoff and resumes at the unacknowledged page. It returns the link
// in use when it finishes, which may differ from the one it was given.
func (p *Pb2Mspm0) writePages(ctx context.Context, link *serialLink, data []byte, target Target, sink Sink) (*serialLink, error) {
	pages := (len(data) + pbPageSize - 1) / pbPageSize
	total := int64(len(data))
	bo := backoff.New(500*time.Millisecond, 5*time.Second)
	linkRetries := 0

	for idx := 0; idx < pages; {
		if err := ctx.Err(); err != nil {
			return link, err
		}

		start := idx * pbPageSize
		end := start + pbPageSize
		if end > len(data) {
			end = len(data)
		}
		payload := make([]byte, 4+end-start)
		binary.LittleEndian.PutUint32(payload, uint32(idx))
		copy(payload[4:], data[start:end])

		_, err := link.command(ctx, "write page", pbCmdWritePage, payload, false)
		if err == nil {
			idx++
			linkRetries = 0
			bo.Reset()
			sink.report(int64(end), total)
			continue
		}

		var interrupted *TransportInterruptedError
		if !errors.As(err, &interrupted) {
			return link, err
		}

		linkRetries++
		if linkRetries > pbMaxLinkRetries {
			return link, interrupted
		}
		log.Warn("link dropped, resuming transfer",
			"target", target.Path, "page", idx, "attempt", linkRetries)

		select {
		case <-time.After(bo.Next()):
		case <-ctx.Done():
			return link, ctx.Err()
		}

		link.close()
		next, err := p.connect(ctx, target.Path)
		if err != nil {
			return link, err
		}
		link = next
		// Resume at idx: the page was never acknowledged.
	}
	return link, nil
}
