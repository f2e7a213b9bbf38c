package flasher

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"boardflash-agent/pkg/log"
)

// GATT layout of the BCF bootloader service. The literal UUIDs and opcodes
// come from the board's bootloader firmware.
var (
	bcfServiceUUID = mustUUID("f000ffc0-0451-4000-b000-000000000000")
	bcfControlUUID = mustUUID("f000ffc1-0451-4000-b000-000000000000")
	bcfDataUUID    = mustUUID("f000ffc2-0451-4000-b000-000000000000")
	bcfStatusUUID  = mustUUID("f000ffc3-0451-4000-b000-000000000000")
)

const (
	bcfOpEnterBootloader = 0x01
	bcfOpErase           = 0x02
	bcfOpGetCRC          = 0x03
	bcfOpReboot          = 0x04

	bcfAckOK   = 0x00
	bcfAckNack = 0x01

	bleScanTimeout = 10 * time.Second
	bleAckTimeout  = 5 * time.Second
)

type bleStatus struct {
	code  byte
	frame uint32
	extra []byte
}

// BleTransport drives the bootloader GATT service with tinygo's bluetooth
// stack. One instance owns at most one connection.
type BleTransport struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	device  bluetooth.Device
	control bluetooth.DeviceCharacteristic
	data    bluetooth.DeviceCharacteristic
	status  <-chan bleStatus
	open    bool
}

// NewBleTransport creates a transport over the default host adapter.
func NewBleTransport() *BleTransport {
	return &BleTransport{adapter: bluetooth.DefaultAdapter}
}

// Connect scans for the peripheral with the given address and subscribes to
// the bootloader status characteristic.
func (t *BleTransport) Connect(ctx context.Context, target string) error {
	if err := t.adapter.Enable(); err != nil {
		return &DeviceNotFoundError{Target: target, Err: fmt.Errorf("bluetooth adapter unavailable: %w", err)}
	}

	addr, err := t.scan(ctx, target)
	if err != nil {
		return err
	}

	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return &TransportInterruptedError{Op: "connect", Err: err}
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bcfServiceUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return &ProtocolError{Op: "service discovery", Detail: "bootloader service not found"}
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bcfControlUUID, bcfDataUUID, bcfStatusUUID})
	if err != nil || len(chars) != 3 {
		device.Disconnect()
		return &ProtocolError{Op: "characteristic discovery", Detail: "bootloader characteristics not found"}
	}

	statusCh := make(chan bleStatus, 8)
	err = chars[2].EnableNotifications(func(buf []byte) {
		if len(buf) < 5 {
			return
		}
		st := bleStatus{
			code:  buf[0],
			frame: binary.LittleEndian.Uint32(buf[1:5]),
		}
		if len(buf) > 5 {
			st.extra = append([]byte(nil), buf[5:]...)
		}
		select {
		case statusCh <- st:
		default:
		}
	})
	if err != nil {
		device.Disconnect()
		return &ProtocolError{Op: "notification setup", Detail: err.Error()}
	}

	t.mu.Lock()
	t.device = device
	t.control = chars[0]
	t.data = chars[1]
	t.status = statusCh
	t.open = true
	t.mu.Unlock()

	log.Debug("connected to BCF bootloader", "address", target)
	return nil
}

func (t *BleTransport) scan(ctx context.Context, target string) (bluetooth.Address, error) {
	var (
		found bluetooth.Address
		ok    bool
	)

	done := make(chan struct{})
	timer := time.AfterFunc(bleScanTimeout, func() { _ = t.adapter.StopScan() })
	defer timer.Stop()

	go func() {
		defer close(done)
		_ = t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.Address.String() == target {
				found = result.Address
				ok = true
				_ = a.StopScan()
			}
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = t.adapter.StopScan()
		<-done
		return bluetooth.Address{}, ctx.Err()
	}

	if !ok {
		return bluetooth.Address{}, &DeviceNotFoundError{
			Target: target,
			Err:    fmt.Errorf("peripheral did not advertise within %s", bleScanTimeout),
		}
	}
	return found, nil
}

// EnterBootloader performs the mode-switch handshake.
func (t *BleTransport) EnterBootloader(ctx context.Context) error {
	return t.command(ctx, "enter bootloader", bcfOpEnterBootloader)
}

// Erase invalidates the current firmware image.
func (t *BleTransport) Erase(ctx context.Context) error {
	return t.command(ctx, "erase", bcfOpErase)
}

// SendFrame writes one data frame and waits for its acknowledgment.
func (t *BleTransport) SendFrame(ctx context.Context, index uint32, payload []byte) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return &TransportInterruptedError{Op: "send frame", Err: fmt.Errorf("not connected")}
	}
	data := t.data
	status := t.status
	t.mu.Unlock()

	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, index)
	copy(frame[4:], payload)

	if _, err := data.WriteWithoutResponse(frame); err != nil {
		return &TransportInterruptedError{Op: "send frame", Err: err}
	}

	st, err := t.awaitStatus(ctx, status, "send frame")
	if err != nil {
		return err
	}
	if st.code == bcfAckNack {
		return &ProtocolError{Op: "send frame", Detail: fmt.Sprintf("device rejected frame %d", st.frame)}
	}
	if st.frame != index {
		return &ProtocolError{Op: "send frame", Detail: fmt.Sprintf("ack for frame %d, expected %d", st.frame, index)}
	}
	return nil
}

// FirmwareCRC queries the CRC32 the device computed over the received image.
func (t *BleTransport) FirmwareCRC(ctx context.Context) (uint32, error) {
	t.mu.Lock()
	control := t.control
	status := t.status
	open := t.open
	t.mu.Unlock()
	if !open {
		return 0, &TransportInterruptedError{Op: "firmware crc", Err: fmt.Errorf("not connected")}
	}

	if _, err := control.WriteWithoutResponse([]byte{bcfOpGetCRC}); err != nil {
		return 0, &TransportInterruptedError{Op: "firmware crc", Err: err}
	}

	st, err := t.awaitStatus(ctx, status, "firmware crc")
	if err != nil {
		return 0, err
	}
	if st.code != bcfAckOK || len(st.extra) < 4 {
		return 0, &ProtocolError{Op: "firmware crc", Detail: "device did not report a checksum"}
	}
	return binary.LittleEndian.Uint32(st.extra[:4]), nil
}

// Reboot starts the newly written firmware. The device drops the link as a
// side effect, so no acknowledgment is expected.
func (t *BleTransport) Reboot(ctx context.Context) error {
	t.mu.Lock()
	control := t.control
	open := t.open
	t.mu.Unlock()
	if !open {
		return &TransportInterruptedError{Op: "reboot", Err: fmt.Errorf("not connected")}
	}

	_, err := control.WriteWithoutResponse([]byte{bcfOpReboot})
	if err != nil {
		log.Debug("reboot write failed, device likely already resetting", "error", err)
	}
	return nil
}

// Disconnect closes the link.
func (t *BleTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		_ = t.device.Disconnect()
		t.open = false
	}
}

func (t *BleTransport) command(ctx context.Context, op string, opcode byte) error {
	t.mu.Lock()
	control := t.control
	status := t.status
	open := t.open
	t.mu.Unlock()
	if !open {
		return &TransportInterruptedError{Op: op, Err: fmt.Errorf("not connected")}
	}

	if _, err := control.WriteWithoutResponse([]byte{opcode}); err != nil {
		return &TransportInterruptedError{Op: op, Err: err}
	}

	st, err := t.awaitStatus(ctx, status, op)
	if err != nil {
		return err
	}
	if st.code != bcfAckOK {
		return &ProtocolError{Op: op, Detail: fmt.Sprintf("device answered 0x%02x", st.code)}
	}
	return nil
}

func (t *BleTransport) awaitStatus(ctx context.Context, status <-chan bleStatus, op string) (bleStatus, error) {
	select {
	case st, ok := <-status:
		if !ok {
			return bleStatus{}, &TransportInterruptedError{Op: op, Err: fmt.Errorf("link closed")}
		}
		return st, nil
	case <-time.After(bleAckTimeout):
		return bleStatus{}, &TransportInterruptedError{Op: op, Err: fmt.Errorf("no acknowledgment within %s", bleAckTimeout)}
	case <-ctx.Done():
		return bleStatus{}, ctx.Err()
	}
}

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
