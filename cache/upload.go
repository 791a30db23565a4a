package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/telemetry"
)

// EnqueueUpload schedules the item's cached content for upload to the
// backend. The content stays pinned against eviction until the backend
// accepts it. Uploads run on a bounded worker pool.
func (c *Cache) EnqueueUpload(id filebridge.ItemID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return filebridge.ErrShuttingDown
	}
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("content for %q: %w", id, filebridge.ErrNotFound)
	}
	e.pendingUpload = true
	c.uploadWG.Add(1)
	c.mu.Unlock()

	c.uploads.Go(func() {
		defer c.uploadWG.Done()
		c.upload(context.Background(), id)
	})
	return nil
}

func (c *Cache) upload(ctx context.Context, id filebridge.ItemID) {
	start := c.now()

	domainID, path, ok := id.Split()
	if !ok {
		c.logger.Error("upload dropped: identifier has no domain", "id", id)
		return
	}

	err := c.uploadOnce(ctx, id, domainID, path)
	if err != nil {
		// The content stays pinned; the item remains not-uploaded until a
		// later mutation retries it.
		telemetry.RecordUpload(ctx, domainID, "error", c.now().Sub(start))
		c.logger.Warn("upload failed", "id", id, "error", err)
		return
	}

	telemetry.RecordUpload(ctx, domainID, "success", c.now().Sub(start))
	c.logger.Debug("uploaded content", "id", id)
}

func (c *Cache) uploadOnce(ctx context.Context, id filebridge.ItemID, domainID, path string) error {
	lease, err := c.registry.Acquire(domainID)
	if err != nil {
		return err
	}
	defer lease.Release()

	f, err := os.Open(c.contentPath(id))
	if err != nil {
		return fmt.Errorf("opening cached content: %w", err)
	}
	defer f.Close()

	entry, err := lease.Backend().Put(ctx, path, f)
	if err != nil {
		return err
	}

	item, err := c.db.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Uploaded = true
	item.Version = entry.Version
	item.Modified = entry.Modified
	// Stamp at commit time: an enumeration refresh interleaving between the
	// read above and this write must not out-fresh the flag update.
	item.FetchedAt = time.Time{}
	if err := c.db.Put(ctx, item); err != nil {
		return err
	}

	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.pendingUpload = false
	}
	c.mu.Unlock()
	return nil
}

// Flush waits until every enqueued upload has completed or failed.
func (c *Cache) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.uploadWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
