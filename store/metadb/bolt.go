package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/filebridge/filebridge"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened item store", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketItems, bucketChildren} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing item store")
	return b.db.Close()
}

// Get returns the freshest known metadata for an identifier.
func (b *BoltDB) Get(_ context.Context, id filebridge.ItemID) (*filebridge.Item, error) {
	var item *filebridge.Item
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketItems).Get([]byte(id))
		if val == nil {
			return fmt.Errorf("item %q: %w", id, filebridge.ErrNotFound)
		}
		var it filebridge.Item
		if err := json.Unmarshal(val, &it); err != nil {
			return fmt.Errorf("decoding item %q: %w", id, err)
		}
		item = &it
		return nil
	})
	return item, err
}

// Put upserts metadata for an item.
func (b *BoltDB) Put(_ context.Context, item *filebridge.Item) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.putLocked(tx, item)
	})
}

// PutBatch upserts a whole enumeration batch in one transaction.
func (b *BoltDB) PutBatch(_ context.Context, items []*filebridge.Item) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, item := range items {
			if err := b.putLocked(tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) putLocked(tx *bbolt.Tx, item *filebridge.Item) error {
	if item.ID == "" {
		return fmt.Errorf("item has empty identifier")
	}
	if item.FetchedAt.IsZero() {
		item.FetchedAt = b.now()
	}

	itemsB := tx.Bucket(bucketItems)
	childrenB := tx.Bucket(bucketChildren)

	// A newer entry wins; an older enumeration result must not clobber the
	// state written by a mutation in the same logical session.
	if prev := itemsB.Get([]byte(item.ID)); prev != nil {
		var old filebridge.Item
		if err := json.Unmarshal(prev, &old); err == nil {
			if old.FetchedAt.After(item.FetchedAt) {
				return nil
			}
			// Keep the child index consistent across renames/moves.
			if old.ParentID != item.ParentID || old.Filename != item.Filename {
				if err := childrenB.Delete(makeChildKey(old.ParentID, old.Filename)); err != nil {
					return err
				}
			}
		}
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding item %q: %w", item.ID, err)
	}
	if err := itemsB.Put([]byte(item.ID), data); err != nil {
		return err
	}
	return childrenB.Put(makeChildKey(item.ParentID, item.Filename), []byte(item.ID))
}

// Delete removes an item and all its descendants.
func (b *BoltDB) Delete(_ context.Context, id filebridge.ItemID) ([]filebridge.ItemID, error) {
	var removed []filebridge.ItemID
	err := b.db.Update(func(tx *bbolt.Tx) error {
		itemsB := tx.Bucket(bucketItems)
		if itemsB.Get([]byte(id)) == nil {
			return fmt.Errorf("item %q: %w", id, filebridge.ErrNotFound)
		}

		var walk func(filebridge.ItemID) error
		walk = func(cur filebridge.ItemID) error {
			childrenB := tx.Bucket(bucketChildren)
			prefix := childKeyPrefix(cur)
			c := childrenB.Cursor()
			var childIDs []filebridge.ItemID
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				childIDs = append(childIDs, filebridge.ItemID(v))
			}
			for _, childID := range childIDs {
				if err := walk(childID); err != nil {
					return err
				}
			}
			if err := b.removeOne(tx, cur); err != nil {
				return err
			}
			removed = append(removed, cur)
			return nil
		}
		return walk(id)
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("deleted item tree", "id", id, "removed", len(removed))
	return removed, nil
}

func (b *BoltDB) removeOne(tx *bbolt.Tx, id filebridge.ItemID) error {
	itemsB := tx.Bucket(bucketItems)
	val := itemsB.Get([]byte(id))
	if val == nil {
		return nil
	}
	var it filebridge.Item
	if err := json.Unmarshal(val, &it); err == nil {
		if err := tx.Bucket(bucketChildren).Delete(makeChildKey(it.ParentID, it.Filename)); err != nil {
			return err
		}
	}
	return itemsB.Delete([]byte(id))
}

// Children returns up to limit children of parent ordered by filename.
func (b *BoltDB) Children(_ context.Context, parent filebridge.ItemID, after string, limit int) ([]*filebridge.Item, bool, error) {
	var items []*filebridge.Item
	var more bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		itemsB := tx.Bucket(bucketItems)
		childrenB := tx.Bucket(bucketChildren)

		prefix := childKeyPrefix(parent)
		c := childrenB.Cursor()

		start := prefix
		if after != "" {
			// Seek strictly past the cursor filename.
			start = append(makeChildKey(parent, after), 0)
		}

		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if limit > 0 && len(items) == limit {
				more = true
				return nil
			}
			val := itemsB.Get(v)
			if val == nil {
				// Dangling index entry; skip rather than invent an item.
				continue
			}
			var it filebridge.Item
			if err := json.Unmarshal(val, &it); err != nil {
				return fmt.Errorf("decoding item %q: %w", v, err)
			}
			items = append(items, &it)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return items, more, nil
}

// LookupChild finds the child of parent with the given filename.
func (b *BoltDB) LookupChild(_ context.Context, parent filebridge.ItemID, filename string) (*filebridge.Item, error) {
	var item *filebridge.Item
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketChildren).Get(makeChildKey(parent, filename))
		if id == nil {
			return fmt.Errorf("child %q of %q: %w", filename, parent, filebridge.ErrNotFound)
		}
		val := tx.Bucket(bucketItems).Get(id)
		if val == nil {
			return fmt.Errorf("child %q of %q: %w", filename, parent, filebridge.ErrNotFound)
		}
		var it filebridge.Item
		if err := json.Unmarshal(val, &it); err != nil {
			return fmt.Errorf("decoding item %q: %w", id, err)
		}
		item = &it
		return nil
	})
	return item, err
}

// PurgeDomain removes every item belonging to a domain.
func (b *BoltDB) PurgeDomain(_ context.Context, domainID string) ([]filebridge.ItemID, error) {
	prefix := []byte(domainID + ":")
	var removed []filebridge.ItemID
	err := b.db.Update(func(tx *bbolt.Tx) error {
		itemsB := tx.Bucket(bucketItems)
		childrenB := tx.Bucket(bucketChildren)

		c := itemsB.Cursor()
		var ids []filebridge.ItemID
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, filebridge.ItemID(k))
		}
		for _, id := range ids {
			if err := b.removeOne(tx, id); err != nil {
				return err
			}
			removed = append(removed, id)
		}

		// Sweep any child index entries keyed under the domain's parents.
		cc := childrenB.Cursor()
		var stale [][]byte
		for k, _ := cc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cc.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := childrenB.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("purged domain items", "domain", domainID, "removed", len(removed))
	return removed, nil
}
