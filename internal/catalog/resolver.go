package catalog

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"boardflash-agent/pkg/log"
)

// DefaultMaxDepth bounds how many levels of subitems_url indirection the
// resolver will follow. A catalog chaining remote branches deeper than this
// is treated as malformed rather than fetched without bound.
const DefaultMaxDepth = 3

// Fetcher retrieves a remote sub-catalog document and decodes it into v.
// It is implemented by the download manager.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string, v any) error
}

// BranchError records a branch whose remote children could not be fetched
// or parsed. Sibling branches stay usable.
type BranchError struct {
	Branch string
	URL    string
	Err    error
}

func (e BranchError) Error() string {
	return fmt.Sprintf("catalog branch %q (%s): %v", e.Branch, e.URL, e.Err)
}

func (e BranchError) Unwrap() error { return e.Err }

// Resolution is the outcome of resolving the catalog for one device tag.
type Resolution struct {
	// Leaves are the compatible flashable entries, in catalog order.
	Leaves []*Entry
	// BranchErrors lists subtrees that were skipped because their remote
	// children could not be loaded.
	BranchErrors []BranchError
}

// Resolver walks the OS list, expanding remote branches lazily and
// memoizing each fetched sub-catalog for its own lifetime so a URL is
// fetched at most once per session.
type Resolver struct {
	catalog  *Catalog
	fetcher  Fetcher
	maxDepth int

	mu    sync.Mutex
	memo  map[string]memoEntry
	group singleflight.Group
}

type memoEntry struct {
	subitems []*Entry
	err      error
}

// NewResolver creates a resolver over the given catalog. fetcher may be nil
// if the catalog contains no subitems_url branches.
func NewResolver(catalog *Catalog, fetcher Fetcher) *Resolver {
	return &Resolver{
		catalog:  catalog,
		fetcher:  fetcher,
		maxDepth: DefaultMaxDepth,
		memo:     make(map[string]memoEntry),
	}
}

// SetMaxDepth overrides the remote-expansion depth bound. Intended for tests.
func (r *Resolver) SetMaxDepth(depth int) {
	r.maxDepth = depth
}

// Resolve returns all leaf entries compatible with the given device tag.
// Remote branches are expanded as they are encountered; a branch whose fetch
// fails is reported in the resolution rather than failing the whole walk.
func (r *Resolver) Resolve(ctx context.Context, deviceTag string) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Resolution{}
	r.prefetch(ctx, r.catalog.OsList)
	for _, entry := range r.catalog.OsList {
		r.walk(ctx, entry, deviceTag, 0, res)
	}
	return res, nil
}

// prefetch warms the memo for all top-level remote branches in parallel so
// a catalog with several remote subtrees does not expand serially.
func (r *Resolver) prefetch(ctx context.Context, entries []*Entry) {
	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		if entry.SubitemsURL == "" {
			continue
		}
		url := entry.SubitemsURL
		g.Go(func() error {
			r.fetchSubitems(ctx, url)
			return nil // fetch errors are memoized, not propagated
		})
	}
	_ = g.Wait()
}

func (r *Resolver) walk(ctx context.Context, entry *Entry, deviceTag string, depth int, res *Resolution) {
	if err := entry.Validate(); err != nil {
		log.Warn("skipping malformed catalog entry", "entry", entry.Name, "error", err)
		return
	}

	if entry.IsLeaf() {
		if entry.CompatibleWith(deviceTag) {
			res.Leaves = append(res.Leaves, entry)
		}
		return
	}

	children := entry.Subitems
	if entry.SubitemsURL != "" {
		if depth >= r.maxDepth {
			res.BranchErrors = append(res.BranchErrors, BranchError{
				Branch: entry.Name,
				URL:    entry.SubitemsURL,
				Err:    fmt.Errorf("remote expansion exceeds maximum depth %d", r.maxDepth),
			})
			return
		}

		fetched, err := r.fetchSubitems(ctx, entry.SubitemsURL)
		if err != nil {
			res.BranchErrors = append(res.BranchErrors, BranchError{
				Branch: entry.Name,
				URL:    entry.SubitemsURL,
				Err:    err,
			})
			return
		}
		children = fetched
	}

	for _, child := range children {
		r.walk(ctx, child, deviceTag, depth+1, res)
	}
}

// fetchSubitems loads the children behind a subitems_url, memoizing both
// successes and failures for the resolver's lifetime. Concurrent callers for
// the same URL share one fetch.
func (r *Resolver) fetchSubitems(ctx context.Context, url string) ([]*Entry, error) {
	r.mu.Lock()
	if m, ok := r.memo[url]; ok {
		r.mu.Unlock()
		return m.subitems, m.err
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(url, func() (any, error) {
		var subitems []*Entry
		var err error
		if r.fetcher == nil {
			err = fmt.Errorf("no fetcher configured for remote branch")
		} else {
			err = r.fetcher.FetchJSON(ctx, url, &subitems)
		}
		if err != nil {
			err = fmt.Errorf("failed to fetch sub-catalog: %w", err)
			log.Warn("sub-catalog fetch failed", "url", url, "error", err)
		}

		r.mu.Lock()
		r.memo[url] = memoEntry{subitems: subitems, err: err}
		r.mu.Unlock()
		return subitems, err
	})

	subitems, _ := v.([]*Entry)
	return subitems, err
}
