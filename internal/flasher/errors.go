package flasher

import (
	"errors"
	"fmt"
)

// ErrTargetBusy is returned when a second job tries to open a physical
// target that is already owned by an active job.
var ErrTargetBusy = errors.New("target busy: another flashing job owns this device")

// ErrProtectedTarget is returned when the target backs the host's own root
// or boot volume. Writing to it would destroy the running system, so the
// refusal is unconditional.
var ErrProtectedTarget = errors.New("target is the host root or boot volume")

// DeviceNotFoundError indicates the target identifier did not resolve to an
// openable device.
type DeviceNotFoundError struct {
	Target string
	Err    error
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s: %v", e.Target, e.Err)
}

func (e *DeviceNotFoundError) Unwrap() error { return e.Err }

// PermissionDeniedError indicates the process lacks the elevated access a
// raw device requires.
type PermissionDeniedError struct {
	Target string
	Err    error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied opening %s: %v", e.Target, e.Err)
}

func (e *PermissionDeniedError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed handshake or response from the device
// bootloader. It is never retried within a transfer; the whole transfer must
// be restarted.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Detail)
}

// TransportInterruptedError indicates the physical link dropped mid
// transfer. It is retryable; variants whose protocol supports resumption
// continue from the last acknowledged unit.
type TransportInterruptedError struct {
	Op  string
	Err error
}

func (e *TransportInterruptedError) Error() string {
	return fmt.Sprintf("transport interrupted during %s: %v", e.Op, e.Err)
}

func (e *TransportInterruptedError) Unwrap() error { return e.Err }

// VerificationFailedError indicates the written content does not match the
// source. It is always fatal for the job and never downgraded to success.
type VerificationFailedError struct {
	Expected string
	Actual   string
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("post-write verification failed: expected %s, got %s", e.Expected, e.Actual)
}
