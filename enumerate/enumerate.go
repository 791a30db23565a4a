// Package enumerate serves paginated directory listings. A listing is a chain
// of pages linked by opaque continuation tokens; the chain offers eventual
// consistency, not snapshot isolation. Over a container that does not change
// mid-chain, threading tokens yields every child exactly once in filename
// order. Items mutated while a chain is open may appear in zero, one, or both
// of the pages surrounding the mutation.
package enumerate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/backend"
	"github.com/filebridge/filebridge/domain"
	"github.com/filebridge/filebridge/store/metadb"
	"github.com/filebridge/filebridge/telemetry"
)

// DefaultPageSize is the number of items per page when not configured.
const DefaultPageSize = 100

// Enumerator pages through container listings, refreshing the item store
// from the backend at the start of each chain.
type Enumerator struct {
	registry *domain.Registry
	db       metadb.MetaDB
	logger   *slog.Logger
	now      func() time.Time
	pageSize int
}

// Option configures an Enumerator.
type Option func(*Enumerator)

// WithLogger sets the logger for enumeration events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enumerator) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Enumerator) {
		e.now = now
	}
}

// WithPageSize sets the maximum number of items per page.
func WithPageSize(n int) Option {
	return func(e *Enumerator) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// New creates an Enumerator over the given registry and item store.
func New(registry *domain.Registry, db metadb.MetaDB, opts ...Option) *Enumerator {
	e := &Enumerator{
		registry: registry,
		db:       db,
		logger:   slog.Default(),
		now:      time.Now,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// resolveContainer maps the host's container identifier into the canonical
// domain-scoped form. The host addresses the domain root as "root".
func resolveContainer(domainID string, container filebridge.ItemID) filebridge.ItemID {
	if container == filebridge.RootContainerID || container == "" {
		return filebridge.ItemID(domainID + ":")
	}
	return container
}

// Enumerate returns one page of the container's children. An empty token
// starts a new chain: the container is refreshed from the backend first, then
// pages are served from the item store. The returned token continues the
// chain; an empty token in the page signals exhaustion.
func (e *Enumerator) Enumerate(ctx context.Context, domainID string, container filebridge.ItemID, rawToken string) (*filebridge.Page, error) {
	container = resolveContainer(domainID, container)
	if container.Domain() != domainID {
		return nil, fmt.Errorf("container %q does not belong to domain %q: %w", container, domainID, filebridge.ErrNotFound)
	}

	var tok token
	if rawToken == "" {
		if err := e.refresh(ctx, domainID, container); err != nil {
			return nil, err
		}
		tok = token{Seq: uuid.NewString(), Container: container}
	} else {
		var err error
		tok, err = decodeToken(rawToken)
		if err != nil {
			return nil, err
		}
		if tok.Container != container {
			return nil, fmt.Errorf("enumeration token was issued for container %q, not %q: %w", tok.Container, container, filebridge.ErrStaleVersion)
		}
	}

	items, more, err := e.db.Children(ctx, container, tok.After, e.pageSize)
	if err != nil {
		return nil, err
	}

	page := &filebridge.Page{Items: items}
	if more && len(items) > 0 {
		page.NextToken = encodeToken(token{
			Seq:       tok.Seq,
			Container: container,
			After:     items[len(items)-1].Filename,
		})
	}

	telemetry.RecordEnumerationPage(ctx, domainID)
	e.logger.Debug("served enumeration page",
		"domain", domainID, "container", container, "items", len(items), "more", more)
	return page, nil
}

// refresh pulls the container's current listing from the backend into the
// item store. Children no longer present remotely are removed, except items
// with a pending upload, which the cache still owns.
func (e *Enumerator) refresh(ctx context.Context, domainID string, container filebridge.ItemID) error {
	lease, err := e.registry.Acquire(domainID)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, path, _ := container.Split()

	seen := make(map[string]struct{})
	cursor := ""
	for {
		listing, err := lease.Backend().List(ctx, path, cursor, 0)
		if err != nil {
			return fmt.Errorf("listing %q: %w", container, err)
		}

		batch := make([]*filebridge.Item, 0, len(listing.Entries))
		for _, entry := range listing.Entries {
			item := e.itemFromEntry(ctx, domainID, container, entry)
			batch = append(batch, item)
			seen[entry.Name] = struct{}{}
		}
		if err := e.db.PutBatch(ctx, batch); err != nil {
			return err
		}

		if !listing.HasMore {
			break
		}
		cursor = listing.Cursor
	}

	return e.dropVanished(ctx, container, seen)
}

// itemFromEntry converts a backend entry into item metadata, carrying over
// the cache's Downloaded/Uploaded state from any existing record.
func (e *Enumerator) itemFromEntry(ctx context.Context, domainID string, container filebridge.ItemID, entry backend.Entry) *filebridge.Item {
	item := &filebridge.Item{
		ID:        filebridge.MakeItemID(domainID, entry.Path),
		ParentID:  container,
		Filename:  entry.Name,
		Type:      entry.Type,
		Size:      entry.Size,
		Version:   entry.Version,
		Modified:  entry.Modified,
		Uploaded:  true,
		FetchedAt: e.now(),
	}
	if entry.Writable {
		item.Capabilities = filebridge.DefaultCapabilities(entry.Type)
	} else {
		item.Capabilities = filebridge.ReadOnlyCapabilities()
	}

	if prev, err := e.db.Get(ctx, item.ID); err == nil {
		item.Downloaded = prev.Downloaded
		if !prev.Uploaded {
			item.Uploaded = false
		}
	}
	return item
}

func (e *Enumerator) dropVanished(ctx context.Context, container filebridge.ItemID, seen map[string]struct{}) error {
	after := ""
	for {
		children, more, err := e.db.Children(ctx, container, after, e.pageSize)
		if err != nil {
			return err
		}
		for _, child := range children {
			after = child.Filename
			if _, ok := seen[child.Filename]; ok {
				continue
			}
			if !child.Uploaded {
				// Created locally, upload still in flight.
				continue
			}
			if _, err := e.db.Delete(ctx, child.ID); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
	}
}
