package files

import (
	"context"
	"os"
	"sync"
	"time"

	"boardflash-agent/pkg/log"
)

// Watcher polls a file for modification-time changes and calls a callback
// when it is modified. Polling keeps the implementation portable across the
// filesystems catalog files may live on.
type Watcher struct {
	filePath string
	lastMod  time.Time
	interval time.Duration
	onChange func(string)
	stopCh   chan struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for filePath that invokes onChange with the
// path every time the file's modification time advances.
func NewWatcher(filePath string, onChange func(string)) *Watcher {
	return &Watcher{
		filePath: filePath,
		interval: 5 * time.Second,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the file for changes.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.filePath)
	if err != nil {
		return log.Errorf("failed to stat %s: %v", w.filePath, err)
	}
	w.lastMod = info.ModTime()

	w.wg.Add(1)
	go w.watchLoop(ctx)
	log.Debug("file watcher started", "path", w.filePath)
	return nil
}

// Stop stops watching the file. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopCh:
		return
	default:
		close(w.stopCh)
	}

	w.wg.Wait()
	log.Debug("file watcher stopped", "path", w.filePath)
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkForChanges()
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) checkForChanges() {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.filePath)
	if err != nil {
		log.Warn("failed to stat watched file", "path", w.filePath, "error", err)
		return
	}

	if info.ModTime().After(w.lastMod) {
		log.Info("watched file changed", "path", w.filePath)
		w.lastMod = info.ModTime()
		if w.onChange != nil {
			w.onChange(w.filePath)
		}
	}
}

// SetInterval overrides the polling interval. Intended for tests.
func (w *Watcher) SetInterval(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interval = interval
}
