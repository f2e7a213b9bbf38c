package flasher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"boardflash-agent/internal/image"
)

// fakeFrameTransport is a scriptable in-memory bootloader peer.
type fakeFrameTransport struct {
	connects int
	erases   int
	reboots  int

	frames map[uint32][]byte
	sent   []uint32

	// dropAtFrame, when set, interrupts the link once at that frame index.
	dropAtFrame  uint32
	dropArmed    bool
	alwaysDrop   bool
	nackAtFrame  uint32
	nackArmed    bool
	reportCRC    func() uint32
	connectErr   error
	disconnected int
}

func newFakeFrameTransport() *fakeFrameTransport {
	t := &fakeFrameTransport{frames: make(map[uint32][]byte)}
	t.reportCRC = func() uint32 { return crc32.ChecksumIEEE(t.assemble()) }
	return t
}

func (f *fakeFrameTransport) assemble() []byte {
	var buf bytes.Buffer
	for i := uint32(0); ; i++ {
		payload, ok := f.frames[i]
		if !ok {
			break
		}
		buf.Write(payload)
	}
	return buf.Bytes()
}

func (f *fakeFrameTransport) Connect(ctx context.Context, target string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *fakeFrameTransport) EnterBootloader(ctx context.Context) error { return nil }

func (f *fakeFrameTransport) Erase(ctx context.Context) error {
	f.erases++
	return nil
}

func (f *fakeFrameTransport) SendFrame(ctx context.Context, index uint32, payload []byte) error {
	if f.dropArmed && index == f.dropAtFrame {
		if !f.alwaysDrop {
			f.dropArmed = false
		}
		return &TransportInterruptedError{Op: "send frame", Err: fmt.Errorf("link reset by peer")}
	}
	if f.nackArmed && index == f.nackAtFrame {
		f.nackArmed = false
		return &ProtocolError{Op: "send frame", Detail: "device rejected frame"}
	}
	f.frames[index] = append([]byte(nil), payload...)
	f.sent = append(f.sent, index)
	return nil
}

func (f *fakeFrameTransport) FirmwareCRC(ctx context.Context) (uint32, error) {
	return f.reportCRC(), nil
}

func (f *fakeFrameTransport) Reboot(ctx context.Context) error {
	f.reboots++
	return nil
}

func (f *fakeFrameTransport) Disconnect() { f.disconnected++ }

func bcfImage(t *testing.T, size int) ([]byte, *image.Image) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := image.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { img.Close() })
	return data, img
}

func TestBcfFlashHappyPath(t *testing.T) {
	data, img := bcfImage(t, 5*bcfFrameSize+100)
	transport := newFakeFrameTransport()
	b := NewBeagleConnectFreedom(transport, true)

	var stages []Stage
	result, err := b.Flash(context.Background(), img, Target{Path: "AA:BB:CC:DD:EE:FF"},
		Sink{OnStage: func(st Stage) { stages = append(stages, st) }})
	if err != nil {
		t.Fatalf("flash failed: %v", err)
	}

	if !result.Verified || result.BytesWritten != int64(len(data)) {
		t.Fatalf("unexpected result %+v", result)
	}
	if !bytes.Equal(transport.assemble(), data) {
		t.Fatal("device received different firmware")
	}
	if transport.erases != 1 || transport.reboots != 1 {
		t.Fatalf("erases=%d reboots=%d", transport.erases, transport.reboots)
	}

	want := []Stage{StageConnecting, StageErasing, StageWriting, StageVerifying, StageDone}
	if len(stages) != len(want) {
		t.Fatalf("stage sequence %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage %d: expected %s, got %s", i, want[i], stages[i])
		}
	}
}

func TestBcfFlashResumesAfterLinkDrop(t *testing.T) {
	data, img := bcfImage(t, 10*bcfFrameSize)
	transport := newFakeFrameTransport()
	// Drop the link at 40% of the transfer.
	transport.dropAtFrame = 4
	transport.dropArmed = true

	b := NewBeagleConnectFreedom(transport, true)
	result, err := b.Flash(context.Background(), img, Target{Path: "AA:BB:CC:DD:EE:FF"}, Sink{})
	if err != nil {
		t.Fatalf("flash failed: %v", err)
	}
	if !result.Verified {
		t.Fatal("expected verified result")
	}

	if transport.connects != 2 {
		t.Fatalf("expected one reconnect, got %d connects", transport.connects)
	}
	if !bytes.Equal(transport.assemble(), data) {
		t.Fatal("resumed transfer assembled different firmware")
	}
	// Frames 0..3 were acknowledged before the drop and must not be resent.
	for i, idx := range transport.sent {
		if uint32(i) != idx {
			t.Fatalf("frame order %v", transport.sent)
		}
	}
}

func TestBcfFlashGivesUpAfterRepeatedDrops(t *testing.T) {
	_, img := bcfImage(t, 4*bcfFrameSize)
	transport := newFakeFrameTransport()
	transport.dropAtFrame = 1
	transport.dropArmed = true
	transport.alwaysDrop = true

	b := NewBeagleConnectFreedom(transport, true)
	_, err := b.Flash(context.Background(), img, Target{Path: "AA:BB:CC:DD:EE:FF"}, Sink{})

	var interrupted *TransportInterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("expected TransportInterruptedError, got %v", err)
	}
	if transport.connects != 1+bcfMaxLinkRetries {
		t.Fatalf("expected %d connects, got %d", 1+bcfMaxLinkRetries, transport.connects)
	}
}

func TestBcfFlashNackAbortsTransfer(t *testing.T) {
	_, img := bcfImage(t, 4*bcfFrameSize)
	transport := newFakeFrameTransport()
	transport.nackAtFrame = 2
	transport.nackArmed = true

	b := NewBeagleConnectFreedom(transport, true)
	_, err := b.Flash(context.Background(), img, Target{Path: "AA:BB:CC:DD:EE:FF"}, Sink{})

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if transport.connects != 1 {
		t.Fatalf("a NACK must not trigger reconnects, got %d connects", transport.connects)
	}
}

func TestBcfFlashDetectsCRCMismatch(t *testing.T) {
	_, img := bcfImage(t, 2*bcfFrameSize)
	transport := newFakeFrameTransport()
	transport.reportCRC = func() uint32 { return 0xDEADBEEF }

	b := NewBeagleConnectFreedom(transport, true)
	_, err := b.Flash(context.Background(), img, Target{Path: "AA:BB:CC:DD:EE:FF"}, Sink{})

	var failed *VerificationFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected VerificationFailedError, got %v", err)
	}
	if transport.reboots != 0 {
		t.Fatal("a failed verification must not reboot into the firmware")
	}
}

func TestBcfFlashUnverifiedWhenDisabled(t *testing.T) {
	_, img := bcfImage(t, bcfFrameSize)
	transport := newFakeFrameTransport()
	transport.reportCRC = func() uint32 {
		panic("verification must not query the device when disabled")
	}

	b := NewBeagleConnectFreedom(transport, false)
	result, err := b.Flash(context.Background(), img, Target{Path: "AA:BB:CC:DD:EE:FF"}, Sink{})
	if err != nil {
		t.Fatalf("flash failed: %v", err)
	}
	if result.Verified {
		t.Fatal("result must be unverified")
	}
}

func TestBcfFlashConnectFailure(t *testing.T) {
	_, img := bcfImage(t, bcfFrameSize)
	transport := newFakeFrameTransport()
	transport.connectErr = &DeviceNotFoundError{Target: "AA:BB:CC:DD:EE:FF", Err: errors.New("no advertisement")}

	b := NewBeagleConnectFreedom(transport, true)
	_, err := b.Flash(context.Background(), img, Target{Path: "AA:BB:CC:DD:EE:FF"}, Sink{})

	var notFound *DeviceNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected DeviceNotFoundError, got %v", err)
	}
}
