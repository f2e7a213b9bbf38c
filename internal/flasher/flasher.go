// Package flasher implements the per-device-family write engines behind a
// single capability contract. Each variant handles device discovery,
// erase/write and post-write verification for one board family; the
// registry dispatches the catalog's flasher discriminator to the right
// variant and enforces exclusive ownership of physical targets.
package flasher

import (
	"context"
	"fmt"
	"sync"

	"boardflash-agent/internal/catalog"
	"boardflash-agent/internal/config"
	"boardflash-agent/internal/image"
	"boardflash-agent/pkg/progress"
)

// Stage is the shared state machine shape across variants. Any stage can
// transition to failed or cancelled; Erasing is skipped for variants where
// erase is implicit in write.
type Stage string

const (
	StageIdle       Stage = "Idle"
	StageConnecting Stage = "Connecting"
	StageErasing    Stage = "Erasing"
	StageWriting    Stage = "Writing"
	StageVerifying  Stage = "Verifying"
	StageDone       Stage = "Done"
)

// Target identifies the physical destination of a flash: a block device
// path, a BLE peripheral address or a serial port path.
type Target struct {
	Name string
	Path string
	Size int64
}

// Result reports how a flash concluded. Verified is false when post-write
// verification was skipped by configuration; such a job is completed but
// unverified, never plain success.
type Result struct {
	Verified     bool
	BytesWritten int64
}

// Sink receives stage transitions and write progress from a running flash.
// Either callback may be nil.
type Sink struct {
	OnStage    func(Stage)
	OnProgress progress.Func
}

func (s Sink) stage(st Stage) {
	if s.OnStage != nil {
		s.OnStage(st)
	}
}

func (s Sink) report(done, total int64) {
	if s.OnProgress != nil {
		s.OnProgress(done, total)
	}
}

// Flasher is the capability every backend variant implements: write the
// image to the target, verify it, report progress, honor cancellation.
type Flasher interface {
	// Flash writes img to target. The returned result is only meaningful
	// when err is nil.
	Flash(ctx context.Context, img *image.Image, target Target, sink Sink) (Result, error)
}

// Registry holds the closed set of flasher variants and tracks which
// physical targets are currently owned by active jobs.
type Registry struct {
	flashers map[catalog.Flasher]Flasher

	mu   sync.Mutex
	busy map[string]struct{}
}

// NewRegistry creates a registry with all supported variants wired to the
// given configuration.
func NewRegistry(cfg config.FlasherConfig) *Registry {
	return &Registry{
		flashers: map[catalog.Flasher]Flasher{
			catalog.FlasherSdCard:               NewSdCard(cfg.Verify),
			catalog.FlasherBeagleConnectFreedom: NewBeagleConnectFreedom(NewBleTransport(), cfg.Verify),
			catalog.FlasherMsp430Usb:            NewMsp430Usb(),
			catalog.FlasherPb2Mspm0:             NewPb2Mspm0(cfg.PersistEEPROM),
		},
	}
}

// Get returns the variant for the given catalog discriminator.
func (r *Registry) Get(kind catalog.Flasher) (Flasher, bool) {
	f, ok := r.flashers[kind]
	return f, ok
}

// Register replaces the variant for kind. Used by tests to substitute fake
// transports.
func (r *Registry) Register(kind catalog.Flasher, f Flasher) {
	r.flashers[kind] = f
}

// DestinationsFor enumerates the plausible flash targets for a backend
// variant. BeagleConnect Freedom boards are addressed directly by their
// advertised BLE address, so they have no enumerable destination list.
func DestinationsFor(kind catalog.Flasher) ([]Target, error) {
	switch kind {
	case catalog.FlasherSdCard:
		return SdCardDestinations()
	case catalog.FlasherMsp430Usb, catalog.FlasherPb2Mspm0:
		return SerialDestinations()
	case catalog.FlasherBeagleConnectFreedom:
		return nil, fmt.Errorf("BeagleConnect Freedom targets are addressed by their advertised BLE address")
	}
	return nil, fmt.Errorf("unknown flasher %q (expected SdCard, BeagleConnectFreedom, Msp430Usb or Pb2Mspm0)", kind)
}

// AcquireTarget claims exclusive ownership of a physical target for the
// duration of a job. The returned release function gives it back; a second
// claim while the first is live fails with ErrTargetBusy.
func (r *Registry) AcquireTarget(path string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy == nil {
		r.busy = make(map[string]struct{})
	}
	if _, taken := r.busy[path]; taken {
		return nil, ErrTargetBusy
	}
	r.busy[path] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.busy, path)
		})
	}
	return release, nil
}
