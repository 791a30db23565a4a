// Package metadb provides the item metadata store, backed by bbolt. It owns
// the identifier space: every identifier it serves originated from a prior
// enumeration, fetch, or create — the store never invents identifiers.
package metadb

import (
	"context"

	"github.com/filebridge/filebridge"
)

// MetaDB is the authoritative local view of identifier to metadata. Entries
// are cache entries subject to invalidation; the backend remains the source
// of truth.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Get returns the freshest known metadata for an identifier.
	// Returns filebridge.ErrNotFound for unknown identifiers.
	Get(ctx context.Context, id filebridge.ItemID) (*filebridge.Item, error)

	// Put upserts metadata for an item, keeping the parent/child index
	// consistent. Newer entries overwrite older ones by freshness marker; a
	// put with a cleared marker is a local mutation, stamped at commit time,
	// and always lands.
	Put(ctx context.Context, item *filebridge.Item) error

	// PutBatch upserts a whole enumeration batch in one transaction.
	PutBatch(ctx context.Context, items []*filebridge.Item) error

	// Delete removes an item and all its descendants, returning every
	// removed identifier so cached content can be invalidated.
	Delete(ctx context.Context, id filebridge.ItemID) ([]filebridge.ItemID, error)

	// Children returns up to limit children of parent ordered by filename,
	// starting strictly after the given filename. more reports whether
	// further children remain.
	Children(ctx context.Context, parent filebridge.ItemID, after string, limit int) (items []*filebridge.Item, more bool, err error)

	// LookupChild finds the child of parent with the given filename.
	// Returns filebridge.ErrNotFound if no such sibling exists.
	LookupChild(ctx context.Context, parent filebridge.ItemID, filename string) (*filebridge.Item, error)

	// PurgeDomain removes every item belonging to a domain, returning the
	// removed identifiers.
	PurgeDomain(ctx context.Context, domainID string) ([]filebridge.ItemID, error)
}

// New creates a MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
