package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"boardflash-agent/internal/verify"
	"boardflash-agent/internal/version"
	"boardflash-agent/pkg/backoff"
	"boardflash-agent/pkg/log"
	"boardflash-agent/pkg/progress"
)

const chunkSize = 32 * 1024

// Options tunes the download manager.
type Options struct {
	// Retries bounds internal retry attempts for network errors.
	Retries int
	// RoundTripTimeout applies to connection setup and response headers of
	// each request, never to the streaming body of a healthy transfer.
	RoundTripTimeout time.Duration
	// ProgressInterval coalesces progress callbacks.
	ProgressInterval time.Duration
}

// Manager streams remote artifacts into the cache. A process-wide table of
// in-flight transfers keyed by (URL, checksum) guarantees at most one
// concurrent fetch per artifact: later callers subscribe to the running
// transfer and share its terminal result.
type Manager struct {
	cache  *Cache
	client *http.Client
	opts   Options

	mu       sync.Mutex
	inflight map[string]*transfer
}

// NewManager creates a download manager over the given cache.
func NewManager(cache *Cache, opts Options) *Manager {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RoundTripTimeout <= 0 {
		opts.RoundTripTimeout = 30 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = progress.DefaultInterval
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.RoundTripTimeout,
		}).DialContext,
		ResponseHeaderTimeout: opts.RoundTripTimeout,
		TLSHandshakeTimeout:   opts.RoundTripTimeout,
	}

	return &Manager{
		cache:    cache,
		client:   &http.Client{Transport: transport},
		opts:     opts,
		inflight: make(map[string]*transfer),
	}
}

// Cache exposes the underlying content-addressed store.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Acquire returns the local path of the artifact at url whose sha256 equals
// expectedSHA256, downloading it into the cache if necessary. A cache hit
// returns immediately without network access. Progress is delivered to sink
// as (bytes received, total bytes if known) at a bounded rate.
//
// Cancellation is cooperative: it is checked at chunk boundaries, removes
// the temporary file and unblocks every subscriber with the cancellation
// error. A transfer that has already read its last chunk completes normally
// even if cancellation arrives concurrently.
func (m *Manager) Acquire(ctx context.Context, url, expectedSHA256 string, sink progress.Func) (string, error) {
	expectedSHA256 = strings.ToLower(strings.TrimSpace(expectedSHA256))

	if path, ok := m.cache.Get(expectedSHA256); ok {
		log.Debug("cache hit", "url", url, "sha256", expectedSHA256)
		if sink != nil {
			if info, err := os.Stat(path); err == nil {
				sink(info.Size(), info.Size())
			}
		}
		return path, nil
	}

	key := url + "\x00" + expectedSHA256

	m.mu.Lock()
	t, ok := m.inflight[key]
	if ok {
		// Subscribe to the running transfer instead of starting a second one.
		m.mu.Unlock()
		t.attach(progress.Coalesce(sink, m.opts.ProgressInterval))
		return t.wait(ctx)
	}

	t = newTransfer(key)
	m.inflight[key] = t
	m.mu.Unlock()

	t.attach(progress.Coalesce(sink, m.opts.ProgressInterval))

	go func() {
		path, err := m.run(ctx, url, expectedSHA256, t)

		m.mu.Lock()
		delete(m.inflight, t.key)
		m.mu.Unlock()

		t.finish(path, err)
	}()

	return t.wait(ctx)
}

// FetchJSON downloads a small document without caching it and decodes it
// into v. Used for sub-catalogs and the remote catalog overlay.
func (m *Manager) FetchJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &NetworkError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}

// run performs the actual transfer, retrying transient network failures
// with exponential backoff. Checksum mismatches and storage errors are
// never retried.
func (m *Manager) run(ctx context.Context, url, expectedSHA256 string, t *transfer) (string, error) {
	b := backoff.New(time.Second, 30*time.Second)

	var lastErr error
	for attempt := 0; attempt <= m.opts.Retries; attempt++ {
		if attempt > 0 {
			log.Info("retrying download", "url", url, "attempt", attempt+1)
			select {
			case <-time.After(b.Next()):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		path, err := m.fetchOnce(ctx, url, expectedSHA256, t)
		if err == nil {
			return path, nil
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (m *Manager) fetchOnce(ctx context.Context, url, expectedSHA256 string, t *transfer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &NetworkError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	tmp, err := m.cache.TempFile()
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	discard := func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0 // unknown
	}

	d := verify.NewDigest()
	buf := make([]byte, chunkSize)
	var received int64

	for {
		// Cooperative cancellation, checked at chunk boundaries only. A
		// transfer past its last chunk completes normally.
		if err := ctx.Err(); err != nil {
			discard()
			return "", err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := tmp.Write(buf[:n]); err != nil {
				discard()
				return "", &StorageError{Err: err}
			}
			d.Write(buf[:n])
			received += int64(n)
			t.report(received, total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			discard()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &NetworkError{URL: url, Err: readErr}
		}
		// All declared bytes have arrived: the buffer is finished, so a
		// cancellation from here on no longer aborts verification.
		if total > 0 && received >= total {
			break
		}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", &StorageError{Err: err}
	}

	// Verified against the catalog checksum before the entry becomes
	// visible; mismatching data is discarded, never cached.
	if err := d.Verify(expectedSHA256); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	path, err := m.cache.Commit(tmpPath, expectedSHA256)
	if err != nil {
		return "", err
	}

	t.report(received, received)
	log.Info("artifact downloaded", "url", url, "bytes", received, "sha256", expectedSHA256)
	return path, nil
}

// transfer is one in-flight download with its attached subscribers.
type transfer struct {
	key  string
	done chan struct{}

	mu        sync.Mutex
	sinks     []progress.Func
	lastDone  int64
	lastTotal int64

	path string
	err  error
}

func newTransfer(key string) *transfer {
	return &transfer{key: key, done: make(chan struct{})}
}

func (t *transfer) attach(sink progress.Func) {
	if sink == nil {
		return
	}
	t.mu.Lock()
	t.sinks = append(t.sinks, sink)
	done, total := t.lastDone, t.lastTotal
	t.mu.Unlock()

	if done > 0 {
		sink(done, total)
	}
}

func (t *transfer) report(done, total int64) {
	t.mu.Lock()
	t.lastDone, t.lastTotal = done, total
	sinks := append([]progress.Func(nil), t.sinks...)
	t.mu.Unlock()

	for _, s := range sinks {
		s(done, total)
	}
}

func (t *transfer) finish(path string, err error) {
	t.path = path
	t.err = err
	close(t.done)
}

// wait blocks until the transfer reaches a terminal result. All subscribers
// observe the same outcome; a subscriber whose own context is cancelled
// unblocks early without affecting the shared transfer.
func (t *transfer) wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
		return t.path, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
