// Package agent wires the configuration, catalog, download manager, flasher
// registry and orchestrator into one long-running service.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"boardflash-agent/internal/catalog"
	"boardflash-agent/internal/config"
	"boardflash-agent/internal/download"
	"boardflash-agent/internal/flasher"
	"boardflash-agent/internal/orchestrator"
	"boardflash-agent/pkg/files"
	"boardflash-agent/pkg/log"
)

// Agent owns the long-lived services behind the flashing workflow.
type Agent struct {
	cfg       *config.Config
	downloads *download.Manager
	flashers  *flasher.Registry
	orch      *orchestrator.Orchestrator
	watcher   *files.Watcher

	mu       sync.RWMutex
	catalog  *catalog.Catalog
	resolver *catalog.Resolver
}

// New creates an agent from the given configuration. The local catalog is
// loaded eagerly; the remote overlay is applied later by Run so that startup
// works offline.
func New(cfg *config.Config) (*Agent, error) {
	cache, err := download.NewCache(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open image cache: %w", err)
	}

	downloads := download.NewManager(cache, download.Options{
		Retries:          cfg.Download.Retries,
		RoundTripTimeout: cfg.Download.RoundTripTimeout,
		ProgressInterval: cfg.Download.ProgressInterval,
	})

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	a := &Agent{
		cfg:       cfg,
		downloads: downloads,
		flashers:  flasher.NewRegistry(cfg.Flasher),
	}
	a.orch = orchestrator.New(downloads, a.flashers)
	a.setCatalog(cat)
	return a, nil
}

// Run applies the remote catalog overlay, starts the catalog file watcher
// and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.CatalogURL != "" {
		if err := a.refreshRemoteCatalog(ctx); err != nil {
			// The local catalog keeps the agent usable offline.
			log.Warn("remote catalog unavailable, using local catalog only", "error", err)
		}
	}

	a.watcher = files.NewWatcher(a.cfg.CatalogPath, func(path string) {
		cat, err := catalog.Load(path)
		if err != nil {
			log.Error("failed to reload catalog", "path", path, "error", err)
			return
		}
		a.setCatalog(cat)
		log.Info("catalog reloaded", "path", path)
	})
	if err := a.watcher.Start(ctx); err != nil {
		log.Warn("catalog watcher not started", "error", err)
	}

	log.Info("agent running",
		"catalog", a.cfg.CatalogPath, "cache", a.cfg.CacheDir)
	<-ctx.Done()
	return nil
}

// Close stops background work and cancels running jobs.
func (a *Agent) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.orch.Shutdown()
}

// Catalog returns the current catalog snapshot.
func (a *Agent) Catalog() *catalog.Catalog {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.catalog
}

// Resolve returns the flashable images compatible with the device
// advertising the given tag.
func (a *Agent) Resolve(ctx context.Context, deviceTag string) (*catalog.Resolution, error) {
	a.mu.RLock()
	resolver := a.resolver
	a.mu.RUnlock()
	return resolver.Resolve(ctx, deviceTag)
}

// Destinations enumerates the plausible flash targets for a backend variant.
func (a *Agent) Destinations(kind catalog.Flasher) ([]flasher.Target, error) {
	return flasher.DestinationsFor(kind)
}

// Flash starts a flashing job and returns its handle.
func (a *Agent) Flash(ctx context.Context, req orchestrator.Request) (*orchestrator.Job, error) {
	return a.orch.Start(ctx, req)
}

// Cancel requests cancellation of a running job.
func (a *Agent) Cancel(id string) bool {
	jid, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return a.orch.Cancel(jid)
}

// Events returns the job event stream and an unsubscribe function.
func (a *Agent) Events() (<-chan orchestrator.Event, func()) {
	return a.orch.Subscribe()
}

func (a *Agent) setCatalog(cat *catalog.Catalog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.catalog = cat
	a.resolver = catalog.NewResolver(cat, a.downloads)
}

func (a *Agent) refreshRemoteCatalog(ctx context.Context) error {
	var remote catalog.Catalog
	if err := a.downloads.FetchJSON(ctx, a.cfg.CatalogURL, &remote); err != nil {
		return err
	}

	a.mu.Lock()
	merged := a.catalog.Merge(&remote)
	a.catalog = merged
	a.resolver = catalog.NewResolver(merged, a.downloads)
	a.mu.Unlock()

	log.Info("remote catalog merged",
		"url", a.cfg.CatalogURL, "devices", len(merged.Devices), "entries", len(merged.OsList))
	return nil
}
