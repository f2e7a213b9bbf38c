// Package orchestrator runs complete flashing jobs: resolve the artifact,
// download or reuse it from the cache, hand it to the right flasher variant
// and broadcast a single ordered stream of status events per job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"boardflash-agent/internal/catalog"
	"boardflash-agent/internal/download"
	"boardflash-agent/internal/flasher"
	"boardflash-agent/internal/image"
	"boardflash-agent/pkg/events"
	"boardflash-agent/pkg/log"
	"boardflash-agent/pkg/progress"
)

// Status is the externally visible lifecycle of a job. A job moves forward
// only; every terminal status is emitted exactly once.
type Status string

const (
	StatusCreated     Status = "Created"
	StatusDownloading Status = "Downloading"
	StatusConnecting  Status = "Connecting"
	StatusErasing     Status = "Erasing"
	StatusWriting     Status = "Writing"
	StatusVerifying   Status = "Verifying"
	StatusCustomizing Status = "Customizing"

	StatusCompleted Status = "Completed"
	// StatusCompletedUnverified marks a job whose write succeeded but whose
	// post-write verification was disabled by configuration.
	StatusCompletedUnverified Status = "CompletedUnverified"
	StatusFailed              Status = "Failed"
	StatusCancelled           Status = "Cancelled"
)

// Terminal reports whether the status ends a job.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedUnverified, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Event is one update on a job's event stream. Percent is the merged
// download-plus-flash progress on a 0..100 scale. Detail carries the failure
// explanation for StatusFailed.
type Event struct {
	JobID   uuid.UUID
	Status  Status
	Percent int64
	Detail  string
}

// PatchFunc customizes the written target after a successful flash, for
// example by writing a boot-time configuration file to its first partition.
type PatchFunc func(ctx context.Context, target flasher.Target) error

// Request describes one flashing job.
type Request struct {
	Entry  *catalog.Entry
	Device *catalog.Device
	Target flasher.Target
	Patch  PatchFunc
}

// Progress split between the download and flash phases. A cache hit skips
// the download phase, so flashing spans the whole scale.
const (
	downloadShare = 40.0
	writeEnd      = 85.0
)

// Job is one tracked flashing run.
type Job struct {
	ID      uuid.UUID
	Request Request

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  Status
	percent int64
	err     error
}

// Status returns the job's current status and, for failed jobs, its error.
func (j *Job) Status() (Status, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.err
}

// Wait blocks until the job reaches a terminal status.
func (j *Job) Wait(ctx context.Context) (Status, error) {
	select {
	case <-j.done:
		return j.Status()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Orchestrator coordinates downloads and flashers and owns the job table.
type Orchestrator struct {
	downloads *download.Manager
	flashers  *flasher.Registry
	bus       *events.Bus[Event]

	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

// New creates an orchestrator over the given download manager and flasher
// registry.
func New(downloads *download.Manager, flashers *flasher.Registry) *Orchestrator {
	return &Orchestrator{
		downloads: downloads,
		flashers:  flashers,
		bus:       events.NewBus[Event](32),
		jobs:      make(map[uuid.UUID]*Job),
	}
}

// Subscribe returns a channel of job events and an unsubscribe function.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.bus.Subscribe()
}

// Job returns the job with the given ID.
func (o *Orchestrator) Job(id uuid.UUID) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	return j, ok
}

// Cancel requests cooperative cancellation of a running job. The job
// observes it at its next chunk or frame boundary.
func (o *Orchestrator) Cancel(id uuid.UUID) bool {
	j, ok := o.Job(id)
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Shutdown cancels all running jobs, waits for them to settle and closes the
// event stream.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	jobs := make([]*Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
	for _, j := range jobs {
		<-j.done
	}
	o.bus.Shutdown()
}

// Start validates the request, claims the target and runs the job in the
// background. The returned job is already visible on the event stream.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	release, err := o.flashers.AcquireTarget(req.Target.Path)
	if err != nil {
		return nil, err
	}

	backend, ok := o.flashers.Get(req.Device.Flasher)
	if !ok {
		release()
		return nil, fmt.Errorf("no flasher backend for %q", req.Device.Flasher)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &Job{
		ID:      uuid.New(),
		Request: req,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  StatusCreated,
	}

	o.mu.Lock()
	o.jobs[j.ID] = j
	o.mu.Unlock()

	o.emit(j, StatusCreated, 0, "")

	go func() {
		defer close(j.done)
		defer release()
		defer o.forget(j.ID)
		o.run(jobCtx, j, backend)
	}()

	return j, nil
}

func validate(req Request) error {
	if req.Entry == nil || req.Device == nil {
		return fmt.Errorf("request needs both an image entry and a device")
	}
	if !req.Entry.IsLeaf() {
		return fmt.Errorf("catalog entry %q is not a flashable image", req.Entry.Name)
	}
	if err := req.Entry.Validate(); err != nil {
		return err
	}
	if !req.Device.Flasher.Known() {
		return fmt.Errorf("device %q requires unsupported flasher %q", req.Device.Name, req.Device.Flasher)
	}
	if req.Target.Path == "" {
		return fmt.Errorf("request has no target")
	}
	return nil
}

// run drives one job to a terminal status. Every exit path emits exactly one
// terminal event.
func (o *Orchestrator) run(ctx context.Context, j *Job, backend flasher.Flasher) {
	req := j.Request

	// writeBegan flips once the backend starts mutating the target. A
	// cancellation after that point has left the device in an unknown state,
	// so it is reported as a failure, never as a clean cancel.
	var writeBegan atomic.Bool

	fail := func(err error) {
		if errors.Is(err, context.Canceled) && !writeBegan.Load() {
			log.Info("job cancelled", "job", j.ID)
			o.finish(j, StatusCancelled, err, "")
			return
		}
		detail := err.Error()
		if errors.Is(err, context.Canceled) {
			detail = "cancelled mid-write, target may be unbootable"
		}
		log.Error("job failed", "job", j.ID, "error", err)
		o.finish(j, StatusFailed, err, detail)
	}

	report := func(pct int64) {
		j.mu.Lock()
		if pct > j.percent {
			j.percent = pct
		}
		status, percent := j.status, j.percent
		j.mu.Unlock()
		o.bus.Publish(Event{JobID: j.ID, Status: status, Percent: percent})
	}
	parent := func(done, total int64) { report(done) }

	// A cache hit collapses the download phase so flashing fills the whole
	// progress scale.
	flashLo := downloadShare
	if o.downloads.Cache().Contains(req.Entry.SHA256) {
		flashLo = 0
	}

	o.emit(j, StatusDownloading, 0, "")
	path, err := o.downloads.Acquire(ctx, req.Entry.URL, req.Entry.SHA256,
		progress.Scale(parent, 0, flashLo))
	if err != nil {
		fail(err)
		return
	}

	img, err := image.Open(path)
	if err != nil {
		fail(err)
		return
	}
	defer img.Close()

	stageLo, stageHi := flashLo, writeEnd
	var stageMu sync.Mutex
	sink := flasher.Sink{
		OnStage: func(st flasher.Stage) {
			stageMu.Lock()
			switch st {
			case flasher.StageWriting:
				writeBegan.Store(true)
				stageLo, stageHi = flashLo, writeEnd
			case flasher.StageVerifying:
				stageLo, stageHi = writeEnd, 100
			}
			stageMu.Unlock()

			if status, ok := stageStatus(st); ok {
				o.emit(j, status, -1, "")
			}
		},
		OnProgress: func(done, total int64) {
			stageMu.Lock()
			lo, hi := stageLo, stageHi
			stageMu.Unlock()
			progress.Scale(parent, lo, hi)(done, total)
		},
	}

	result, err := backend.Flash(ctx, img, req.Target, sink)
	if err != nil {
		fail(err)
		return
	}

	if req.Patch != nil {
		o.emit(j, StatusCustomizing, -1, "")
		if err := req.Patch(ctx, req.Target); err != nil {
			fail(fmt.Errorf("customization failed: %w", err))
			return
		}
	}

	log.Info("job completed", "job", j.ID,
		"bytes", result.BytesWritten, "verified", result.Verified)
	if result.Verified {
		o.finish(j, StatusCompleted, nil, "")
	} else {
		o.finish(j, StatusCompletedUnverified, nil, "")
	}
}

func stageStatus(st flasher.Stage) (Status, bool) {
	switch st {
	case flasher.StageConnecting:
		return StatusConnecting, true
	case flasher.StageErasing:
		return StatusErasing, true
	case flasher.StageWriting:
		return StatusWriting, true
	case flasher.StageVerifying:
		return StatusVerifying, true
	}
	return "", false
}

// forget drops a settled job from the table so it does not accumulate for
// the life of the agent.
func (o *Orchestrator) forget(id uuid.UUID) {
	o.mu.Lock()
	delete(o.jobs, id)
	o.mu.Unlock()
}

// emit updates the job status and publishes an event. A negative percent
// repeats the job's last reported percent so the merged progress scale
// never regresses across stage transitions.
func (o *Orchestrator) emit(j *Job, status Status, pct int64, detail string) {
	j.mu.Lock()
	j.status = status
	if pct >= 0 {
		j.percent = pct
	} else {
		pct = j.percent
	}
	j.mu.Unlock()

	o.bus.Publish(Event{JobID: j.ID, Status: status, Percent: pct, Detail: detail})
}

func (o *Orchestrator) finish(j *Job, status Status, err error, detail string) {
	j.mu.Lock()
	j.status = status
	j.err = err
	if status == StatusCompleted || status == StatusCompletedUnverified {
		j.percent = 100
	}
	pct := j.percent
	j.mu.Unlock()

	o.bus.Publish(Event{JobID: j.ID, Status: status, Percent: pct, Detail: detail})
}
