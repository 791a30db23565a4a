package cache

import (
	"context"
	"sort"
	"time"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/telemetry"
)

// maybeEvict brings the cache back under its size budget. Candidates are
// ordered least recently fetched first; content that is referenced, pending
// upload, or lacks the evict capability is skipped.
func (c *Cache) maybeEvict(ctx context.Context) {
	if c.config.MaxSize <= 0 {
		return
	}

	type candidate struct {
		id filebridge.ItemID
		at time.Time
	}

	c.mu.Lock()
	if c.total <= c.config.MaxSize {
		c.mu.Unlock()
		return
	}
	candidates := make([]candidate, 0, len(c.entries))
	for id, e := range c.entries {
		if e.pendingUpload || c.refs[id] > 0 {
			continue
		}
		candidates = append(candidates, candidate{id: id, at: e.fetchedAt})
	}
	c.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].at.Before(candidates[j].at)
	})

	var evicted int
	var freed int64
	for _, cand := range candidates {
		if c.Size() <= c.config.MaxSize {
			break
		}

		item, err := c.db.Get(ctx, cand.id)
		if err == nil && !item.Capabilities.Has(filebridge.CapEvict) {
			continue
		}

		c.mu.Lock()
		e, ok := c.entries[cand.id]
		if !ok || e.pendingUpload || c.refs[cand.id] > 0 {
			c.mu.Unlock()
			continue
		}
		c.removeLocked(cand.id, e)
		c.mu.Unlock()

		if item != nil {
			item.Downloaded = false
			item.FetchedAt = time.Time{}
			_ = c.db.Put(ctx, item)
		}

		evicted++
		freed += e.size
		c.logger.Debug("evicted content", "id", cand.id, "bytes", e.size)
	}

	if evicted > 0 {
		telemetry.RecordEviction(ctx, int64(evicted), freed)
		telemetry.SetCacheSize(ctx, c.Size())
	}
}
