package flasher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"

	"boardflash-agent/internal/image"
)

func noMounts() ([]disk.PartitionStat, error) { return nil, nil }

func testImage(t *testing.T, data []byte) *image.Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := image.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

func testDevice(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSdCardFlashWritesAndVerifies(t *testing.T) {
	data := bytes.Repeat([]byte("sector content! "), 100) // 1600 bytes, not sector aligned
	img := testImage(t, data)
	devPath := testDevice(t, 4096)

	s := &SdCard{verify: true, partitions: noMounts}

	var stages []Stage
	sink := Sink{OnStage: func(st Stage) { stages = append(stages, st) }}

	result, err := s.Flash(context.Background(), img, Target{Path: devPath}, sink)
	if err != nil {
		t.Fatalf("flash failed: %v", err)
	}
	if !result.Verified || result.BytesWritten != int64(len(data)) {
		t.Fatalf("unexpected result %+v", result)
	}

	written, err := os.ReadFile(devPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written[:len(data)], data) {
		t.Fatal("device content differs from image")
	}
	// The final chunk is padded to a sector boundary with zeros.
	padded := (len(data) + sectorSize - 1) / sectorSize * sectorSize
	for _, b := range written[len(data):padded] {
		if b != 0 {
			t.Fatal("sector padding must be zeroed")
		}
	}

	want := []Stage{StageConnecting, StageWriting, StageVerifying, StageDone}
	if len(stages) != len(want) {
		t.Fatalf("stage sequence %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage %d: expected %s, got %s", i, want[i], stages[i])
		}
	}
}

func TestSdCardFlashSkipsErasingStage(t *testing.T) {
	img := testImage(t, []byte("tiny"))
	s := &SdCard{verify: true, partitions: noMounts}

	var stages []Stage
	_, err := s.Flash(context.Background(), img, Target{Path: testDevice(t, 512)},
		Sink{OnStage: func(st Stage) { stages = append(stages, st) }})
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range stages {
		if st == StageErasing {
			t.Fatal("raw copy must not report an erasing stage")
		}
	}
}

func TestSdCardFlashUnverifiedResult(t *testing.T) {
	img := testImage(t, []byte("unverified payload"))
	s := &SdCard{verify: false, partitions: noMounts}

	result, err := s.Flash(context.Background(), img, Target{Path: testDevice(t, 512)}, Sink{})
	if err != nil {
		t.Fatalf("flash failed: %v", err)
	}
	if result.Verified {
		t.Fatal("result must be unverified when verification is disabled")
	}
}

func TestSdCardRefusesHostVolume(t *testing.T) {
	img := testImage(t, []byte("data"))
	s := &SdCard{verify: true, partitions: func() ([]disk.PartitionStat, error) {
		return []disk.PartitionStat{
			{Device: "/dev/nvme0n1p2", Mountpoint: "/"},
			{Device: "/dev/nvme0n1p1", Mountpoint: "/boot/firmware"},
		}, nil
	}}

	for _, target := range []string{"/dev/nvme0n1", "/dev/nvme0n1p1"} {
		_, err := s.Flash(context.Background(), img, Target{Path: target}, Sink{})
		if !errors.Is(err, ErrProtectedTarget) {
			t.Fatalf("target %s: expected ErrProtectedTarget, got %v", target, err)
		}
	}
}

func TestSdCardFailsWhenMountsUnreadable(t *testing.T) {
	img := testImage(t, []byte("data"))
	s := &SdCard{verify: true, partitions: func() ([]disk.PartitionStat, error) {
		return nil, fmt.Errorf("proc unavailable")
	}}

	if _, err := s.Flash(context.Background(), img, Target{Path: "/dev/sdz"}, Sink{}); err == nil {
		t.Fatal("unreadable mount table must fail the flash")
	}
}

func TestSdCardMissingDevice(t *testing.T) {
	img := testImage(t, []byte("data"))
	s := &SdCard{verify: true, partitions: noMounts}

	_, err := s.Flash(context.Background(), img, Target{Path: filepath.Join(t.TempDir(), "absent")}, Sink{})
	var notFound *DeviceNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected DeviceNotFoundError, got %v", err)
	}
}

func TestSdCardHonorsCancellation(t *testing.T) {
	img := testImage(t, bytes.Repeat([]byte("x"), 64*1024))
	s := &SdCard{verify: true, partitions: noMounts}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Flash(ctx, img, Target{Path: testDevice(t, 64*1024)}, Sink{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
