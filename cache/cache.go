// Package cache manages the bounded local content cache. Each item's content
// moves through a small state machine: absent, downloading, downloaded. A
// failed download reverts to absent and may be retried. Local writes add a
// second track: content staged for upload stays pinned until the backend has
// accepted it. No partially written file is ever visible under the cache
// path; downloads stage under the temp path and move in with a rename.
package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/domain"
	"github.com/filebridge/filebridge/store/metadb"
	"github.com/filebridge/filebridge/telemetry"
)

// Config holds cache configuration.
type Config struct {
	// CachePath is the directory holding downloaded content, one file per
	// item keyed by its identifier.
	CachePath string

	// TempPath is the directory holding staged writes. It must live on the
	// same filesystem as CachePath so staged files can be moved in with a
	// rename.
	TempPath string

	// MaxSize is the cache size budget in bytes. When exceeded, the least
	// recently fetched evictable content is removed until under budget.
	// Zero means no limit.
	MaxSize int64

	// UploadWorkers bounds concurrent uploads. Default is 4.
	UploadWorkers int
}

// DefaultUploadWorkers bounds concurrent uploads when not configured.
const DefaultUploadWorkers = 4

// entry tracks the in-memory state of one cached item.
type entry struct {
	size      int64
	fetchedAt time.Time

	// pendingUpload pins the content until the backend accepts it.
	pendingUpload bool
}

// Cache is the content cache. It is safe for concurrent use.
type Cache struct {
	config   Config
	registry *domain.Registry
	db       metadb.MetaDB
	logger   *slog.Logger
	now      func() time.Time

	downloads singleflight.Group
	uploads   *pool.Pool
	uploadWG  sync.WaitGroup

	mu      sync.Mutex
	entries map[filebridge.ItemID]*entry
	refs    map[filebridge.ItemID]int
	total   int64
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for cache events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache and recovers its state from the cache directory.
func New(registry *domain.Registry, db metadb.MetaDB, cfg Config, opts ...Option) (*Cache, error) {
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = DefaultUploadWorkers
	}

	c := &Cache{
		config:   cfg,
		registry: registry,
		db:       db,
		logger:   slog.Default(),
		now:      time.Now,
		uploads:  pool.New().WithMaxGoroutines(cfg.UploadWorkers),
		entries:  make(map[filebridge.ItemID]*entry),
		refs:     make(map[filebridge.ItemID]int),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, dir := range []string{cfg.CachePath, cfg.TempPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	if err := c.recover(); err != nil {
		return nil, err
	}
	return c, nil
}

// recover rebuilds the in-memory index from files already under the cache
// path, so a restart does not lose or re-download cached content.
func (c *Cache) recover() error {
	dirents, err := os.ReadDir(c.config.CachePath)
	if err != nil {
		return fmt.Errorf("scanning cache directory: %w", err)
	}
	var pending []filebridge.ItemID
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(de.Name())
		if err != nil {
			c.logger.Warn("ignoring foreign file in cache directory", "name", de.Name())
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		id := filebridge.ItemID(raw)
		e := &entry{size: info.Size(), fetchedAt: info.ModTime()}
		// Content that never reached the backend keeps its pin across
		// restarts; evicting it would destroy the only copy.
		if item, derr := c.db.Get(context.Background(), id); derr == nil && !item.Uploaded {
			e.pendingUpload = true
			pending = append(pending, id)
		}
		c.entries[id] = e
		c.total += info.Size()
	}
	if len(c.entries) > 0 {
		c.logger.Info("recovered cached content", "items", len(c.entries), "bytes", c.total)
	}
	telemetry.SetCacheSize(context.Background(), c.total)

	for _, id := range pending {
		c.logger.Info("resuming interrupted upload", "id", id)
		if err := c.EnqueueUpload(id); err != nil {
			c.logger.Warn("could not resume upload", "id", id, "error", err)
		}
	}
	return nil
}

// contentPath is where an item's content lives once downloaded. Identifiers
// are base64-encoded so the mapping is invertible during recovery.
func (c *Cache) contentPath(id filebridge.ItemID) string {
	return filepath.Join(c.config.CachePath, base64.RawURLEncoding.EncodeToString([]byte(id)))
}

// Content is a leased view of cached content. The content stays pinned
// against eviction until Release is called.
type Content struct {
	Path string
	Size int64

	release func()
	once    sync.Once
}

// Release unpins the content. It is safe to call more than once.
func (ct *Content) Release() {
	ct.once.Do(ct.release)
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// acquireCached returns a pinned view of already-downloaded content, or nil.
// Fetching counts as recency for eviction ordering.
func (c *Cache) acquireCached(id filebridge.ItemID) *Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	e.fetchedAt = c.now()
	c.refs[id]++
	return &Content{
		Path:    c.contentPath(id),
		Size:    e.size,
		release: func() { c.unref(id) },
	}
}

func (c *Cache) unref(id filebridge.ItemID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[id] > 1 {
		c.refs[id]--
		return
	}
	delete(c.refs, id)
}

// Fetch returns the item's content, downloading it if absent. Concurrent
// fetches for the same identifier share one download: every caller observes
// the same downloaded content or the same failure. A caller whose context
// expires abandons the wait without cancelling the download for others.
func (c *Cache) Fetch(ctx context.Context, id filebridge.ItemID) (*Content, error) {
	if c.isClosed() {
		return nil, filebridge.ErrShuttingDown
	}

	if ct := c.acquireCached(id); ct != nil {
		return ct, nil
	}

	ch := c.downloads.DoChan(string(id), func() (any, error) {
		// Detached context: no single caller's cancellation stops the
		// download for everyone else.
		return nil, c.download(context.WithoutCancel(ctx), id)
	})

	select {
	case res := <-ch:
		c.downloads.Forget(string(id))
		if res.Err != nil {
			return nil, res.Err
		}
		if ct := c.acquireCached(id); ct != nil {
			return ct, nil
		}
		return nil, fmt.Errorf("content for %q: %w", id, filebridge.ErrNotFound)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// download pulls content from the backend into the cache. On any failure the
// item reverts to absent: no entry is recorded and no file appears under the
// cache path.
func (c *Cache) download(ctx context.Context, id filebridge.ItemID) error {
	start := c.now()

	item, err := c.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Type.IsContainer() {
		return fmt.Errorf("fetch %q: is a container: %w", id, filebridge.ErrSyncConflict)
	}

	domainID, path, ok := id.Split()
	if !ok {
		return fmt.Errorf("fetch %q: %w", id, filebridge.ErrNotFound)
	}

	lease, err := c.registry.Acquire(domainID)
	if err != nil {
		return err
	}
	defer lease.Release()

	rc, err := lease.Backend().Get(ctx, path)
	if err != nil {
		telemetry.RecordDownload(ctx, domainID, "error", c.now().Sub(start), 0)
		return fmt.Errorf("fetching %q: %w", id, err)
	}
	defer rc.Close()

	size, err := c.commitStaged(ctx, id, rc)
	if err != nil {
		telemetry.RecordDownload(ctx, domainID, "error", c.now().Sub(start), 0)
		return err
	}

	item.Downloaded = true
	item.Size = &size
	item.FetchedAt = time.Time{}
	if err := c.db.Put(ctx, item); err != nil {
		return err
	}

	telemetry.RecordDownload(ctx, domainID, "success", c.now().Sub(start), size)
	c.logger.Debug("downloaded content", "id", id, "bytes", size)
	c.maybeEvict(ctx)
	return nil
}

// commitStaged stages content under the temp path, verifies the staged bytes
// against the digest computed while writing, then moves the file into the
// cache path with a rename.
func (c *Cache) commitStaged(_ context.Context, id filebridge.ItemID, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(c.config.TempPath, ".tmp-"+uuid.NewString()+"-*")
	if err != nil {
		return 0, fmt.Errorf("creating staging file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hw := filebridge.NewHashingWriter(tmp)
	if _, err := io.Copy(hw, r); err != nil {
		return 0, fmt.Errorf("staging content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("syncing staged content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing staged content: %w", err)
	}

	if err := verifyStaged(tmpPath, hw.Sum(), hw.BytesWritten()); err != nil {
		return 0, err
	}

	if err := os.Rename(tmpPath, c.contentPath(id)); err != nil {
		return 0, fmt.Errorf("committing staged content: %w", err)
	}
	success = true

	size := hw.BytesWritten()
	c.mu.Lock()
	if old, ok := c.entries[id]; ok {
		c.total -= old.size
	}
	c.entries[id] = &entry{size: size, fetchedAt: c.now()}
	c.total += size
	total := c.total
	c.mu.Unlock()

	telemetry.SetCacheSize(context.Background(), total)
	return size, nil
}

// verifyStaged re-reads the staged file and compares its digest with the one
// computed during the write. A mismatch means the staging write was torn.
func verifyStaged(path string, want filebridge.Hash, wantSize int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("verifying staged content: %w", err)
	}
	defer f.Close()

	got, n, err := filebridge.HashReader(f)
	if err != nil {
		return fmt.Errorf("verifying staged content: %w", err)
	}
	if n != wantSize || got != want {
		return fmt.Errorf("staged content verification failed: wrote %d bytes (%s), read back %d bytes (%s)",
			wantSize, want, n, got)
	}
	return nil
}

// Store places locally written content into the cache and pins it for
// upload. The caller is responsible for enqueueing the upload.
func (c *Cache) Store(ctx context.Context, id filebridge.ItemID, r io.Reader) (int64, error) {
	if c.isClosed() {
		return 0, filebridge.ErrShuttingDown
	}

	size, err := c.commitStaged(ctx, id, r)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.pendingUpload = true
	}
	c.mu.Unlock()

	c.maybeEvict(ctx)
	return size, nil
}

// Evict removes an item's downloaded content at the host's request. Content
// that is referenced or pending upload cannot be evicted.
func (c *Cache) Evict(ctx context.Context, id filebridge.ItemID) error {
	item, err := c.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if !item.Capabilities.Has(filebridge.CapEvict) {
		return fmt.Errorf("evict %q: not permitted: %w", id, filebridge.ErrSyncConflict)
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	switch {
	case !ok:
		c.mu.Unlock()
		return fmt.Errorf("content for %q: %w", id, filebridge.ErrNotFound)
	case e.pendingUpload:
		c.mu.Unlock()
		return fmt.Errorf("evict %q: upload pending: %w", id, filebridge.ErrSyncConflict)
	case c.refs[id] > 0:
		c.mu.Unlock()
		return fmt.Errorf("evict %q: content in use: %w", id, filebridge.ErrSyncConflict)
	}
	c.removeLocked(id, e)
	total := c.total
	c.mu.Unlock()

	item.Downloaded = false
	item.FetchedAt = time.Time{}
	if err := c.db.Put(ctx, item); err != nil {
		return err
	}

	telemetry.RecordEviction(ctx, 1, e.size)
	telemetry.SetCacheSize(ctx, total)
	return nil
}

// removeLocked deletes the content file and drops the entry. Caller holds mu.
func (c *Cache) removeLocked(id filebridge.ItemID, e *entry) {
	_ = os.Remove(c.contentPath(id))
	delete(c.entries, id)
	c.total -= e.size
}

// Invalidate discards cached content for removed items, regardless of
// references or capabilities. Used when the items themselves are deleted.
func (c *Cache) Invalidate(ctx context.Context, ids ...filebridge.ItemID) {
	c.mu.Lock()
	for _, id := range ids {
		if e, ok := c.entries[id]; ok {
			c.removeLocked(id, e)
			delete(c.refs, id)
		}
	}
	total := c.total
	c.mu.Unlock()
	telemetry.SetCacheSize(ctx, total)
}

// PurgeDomain discards all cached content belonging to a domain.
func (c *Cache) PurgeDomain(ctx context.Context, domainID string) {
	c.mu.Lock()
	var ids []filebridge.ItemID
	for id := range c.entries {
		if id.Domain() == domainID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	if len(ids) > 0 {
		c.Invalidate(ctx, ids...)
		c.logger.Debug("purged domain content", "domain", domainID, "items", len(ids))
	}
}

// Size returns the total bytes currently cached.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Downloaded reports whether the item's content is present in the cache.
func (c *Cache) Downloaded(id filebridge.ItemID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Close drains pending uploads and stops the cache. After Close every
// operation fails with filebridge.ErrShuttingDown.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.uploadWG.Wait()
		c.uploads.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
