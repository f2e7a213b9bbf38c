package flasher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.bug.st/serial"

	"boardflash-agent/internal/image"
)

// Wire framing shared by the serial bootloaders: a sync byte, a
// little-endian payload length, the command and payload, then a CRC16 over
// command and payload. The device answers every frame with a single ack
// byte, optionally followed by a response frame in the same format.
const (
	slSync = 0x80

	slAckOK      = 0x00
	slAckNack    = 0xA0
	slAckBadCRC  = 0xA1
	slAckUnknown = 0xA2

	slReadTimeout = 2 * time.Second
)

// portOpener is swapped in tests to substitute a fake port.
type portOpener func(path string, mode *serial.Mode) (serial.Port, error)

func openSerialPort(path string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(path, mode)
}

// SerialDestinations enumerates the host's serial ports as flash targets.
func SerialDestinations() ([]Target, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	sort.Strings(ports)

	targets := make([]Target, 0, len(ports))
	for _, p := range ports {
		targets = append(targets, Target{Name: p, Path: p})
	}
	return targets, nil
}

// serialLink frames commands over an open serial port.
type serialLink struct {
	port serial.Port
}

func openLink(target string, baud int, open portOpener) (*serialLink, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := open(target, mode)
	if err != nil {
		return nil, classifySerialOpenError(target, err)
	}
	if err := port.SetReadTimeout(slReadTimeout); err != nil {
		port.Close()
		return nil, &TransportInterruptedError{Op: "open", Err: err}
	}
	return &serialLink{port: port}, nil
}

func (l *serialLink) close() {
	if l.port != nil {
		_ = l.port.Close()
		l.port = nil
	}
}

// command sends one frame and consumes the ack byte. When wantReply is true
// it also reads a response frame and returns its payload.
func (l *serialLink) command(ctx context.Context, op string, cmd byte, payload []byte, wantReply bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 6+len(payload))
	frame = append(frame, slSync)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(1+len(payload)))
	frame = append(frame, cmd)
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, crc16(frame[3:]))

	if _, err := l.port.Write(frame); err != nil {
		return nil, &TransportInterruptedError{Op: op, Err: err}
	}

	ack := make([]byte, 1)
	if err := l.readFull(op, ack); err != nil {
		return nil, err
	}
	switch ack[0] {
	case slAckOK:
	case slAckNack, slAckBadCRC, slAckUnknown:
		return nil, &ProtocolError{Op: op, Detail: fmt.Sprintf("device answered 0x%02x", ack[0])}
	default:
		return nil, &ProtocolError{Op: op, Detail: fmt.Sprintf("unexpected ack byte 0x%02x", ack[0])}
	}

	if !wantReply {
		return nil, nil
	}
	return l.readReply(op)
}

func (l *serialLink) readReply(op string) ([]byte, error) {
	header := make([]byte, 3)
	if err := l.readFull(op, header); err != nil {
		return nil, err
	}
	if header[0] != slSync {
		return nil, &ProtocolError{Op: op, Detail: fmt.Sprintf("bad sync byte 0x%02x", header[0])}
	}
	length := binary.LittleEndian.Uint16(header[1:3])
	if length == 0 {
		return nil, &ProtocolError{Op: op, Detail: "empty response frame"}
	}

	body := make([]byte, int(length)+2)
	if err := l.readFull(op, body); err != nil {
		return nil, err
	}
	want := binary.LittleEndian.Uint16(body[length:])
	if crc16(body[:length]) != want {
		return nil, &ProtocolError{Op: op, Detail: "response checksum mismatch"}
	}
	return body[:length], nil
}

// readFull treats a read timeout as a link interruption: the serial port
// returns zero bytes without an error when the deadline passes.
func (l *serialLink) readFull(op string, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := l.port.Read(buf[got:])
		if err != nil {
			return &TransportInterruptedError{Op: op, Err: err}
		}
		if n == 0 {
			return &TransportInterruptedError{Op: op, Err: fmt.Errorf("read timed out after %s", slReadTimeout)}
		}
		got += n
	}
	return nil
}

func classifySerialOpenError(target string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return &DeviceNotFoundError{Target: target, Err: err}
		case serial.PermissionDenied:
			return &PermissionDeniedError{Target: target, Err: err}
		case serial.PortBusy:
			return ErrTargetBusy
		}
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &DeviceNotFoundError{Target: target, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &PermissionDeniedError{Target: target, Err: err}
	}
	return &TransportInterruptedError{Op: "open", Err: err}
}

// crc16 is CRC-16/CCITT-FALSE, the polynomial both bootloaders use for
// frame and image checksums.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// readImage buffers an image into memory. Bootloader firmware is small, and
// buffering lets an interrupted transfer restart or resume without a
// seekable source.
func readImage(img *image.Image) ([]byte, error) {
	data, err := io.ReadAll(img)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image is empty")
	}
	return data, nil
}
