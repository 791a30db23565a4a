package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/backend"
)

// CreateItem creates a file or directory under parent. Directory creation
// ignores content. File creation with content stages the bytes locally,
// returns with Uploaded=false, and uploads in the background; the item is
// visible to ItemGet and enumeration before the upload completes.
func (m *Manager) CreateItem(ctx context.Context, domainID string, parent filebridge.ItemID, filename string, typ filebridge.ItemType, content io.Reader) (*filebridge.Item, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	if err := backend.ValidateName(filename); err != nil {
		return nil, err
	}
	if strings.HasPrefix(filename, ".") {
		// Leading-dot names collide with host-reserved identifiers.
		return nil, fmt.Errorf("%w: %q is reserved", filebridge.ErrInvalidName, filename)
	}

	parent = resolveID(domainID, parent)
	parentPath, err := m.containerPath(ctx, domainID, parent)
	if err != nil {
		return nil, err
	}

	if _, err := m.db.LookupChild(ctx, parent, filename); err == nil {
		return nil, fmt.Errorf("%q already has a child %q: %w", parent, filename, filebridge.ErrExists)
	} else if !errors.Is(err, filebridge.ErrNotFound) {
		return nil, err
	}

	path := backend.JoinPath(parentPath, filename)
	id := filebridge.MakeItemID(domainID, path)

	if typ.IsContainer() {
		return m.createDirectory(ctx, domainID, id, parent, filename, path)
	}
	return m.createFile(ctx, domainID, id, parent, filename, path, content)
}

// containerPath resolves a container identifier to its backend path,
// verifying it exists and can hold children.
func (m *Manager) containerPath(ctx context.Context, domainID string, parent filebridge.ItemID) (string, error) {
	if parent.Domain() != domainID {
		return "", fmt.Errorf("container %q: %w", parent, filebridge.ErrNotFound)
	}
	if parent.IsRoot() {
		return "", nil
	}
	item, err := m.db.Get(ctx, parent)
	if err != nil {
		return "", err
	}
	if !item.Type.IsContainer() {
		return "", fmt.Errorf("%q is not a container: %w", parent, filebridge.ErrSyncConflict)
	}
	_, path, _ := parent.Split()
	return path, nil
}

func (m *Manager) createDirectory(ctx context.Context, domainID string, id, parent filebridge.ItemID, filename, path string) (*filebridge.Item, error) {
	lease, err := m.registry.Acquire(domainID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	entry, err := lease.Backend().Mkdir(ctx, path)
	if err != nil {
		return nil, err
	}

	item := &filebridge.Item{
		ID:           id,
		ParentID:     parent,
		Filename:     filename,
		Type:         filebridge.TypeDirectory,
		Capabilities: filebridge.DirectoryCapabilities(),
		Version:      entry.Version,
		Modified:     entry.Modified,
		Uploaded:     true,
	}
	if err := m.db.Put(ctx, item); err != nil {
		return nil, err
	}
	m.logger.Debug("created directory", "id", id)
	return item.Clone(), nil
}

func (m *Manager) createFile(ctx context.Context, domainID string, id, parent filebridge.ItemID, filename, path string, content io.Reader) (*filebridge.Item, error) {
	item := &filebridge.Item{
		ID:           id,
		ParentID:     parent,
		Filename:     filename,
		Type:         filebridge.TypeFile,
		Capabilities: filebridge.FileCapabilities(),
	}

	if content == nil {
		// No content to stage: create the empty file on the backend now.
		lease, err := m.registry.Acquire(domainID)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		entry, err := lease.Backend().Put(ctx, path, strings.NewReader(""))
		if err != nil {
			return nil, err
		}
		size := int64(0)
		item.Size = &size
		item.Version = entry.Version
		item.Modified = entry.Modified
		item.Uploaded = true
		if err := m.db.Put(ctx, item); err != nil {
			return nil, err
		}
		m.logger.Debug("created empty file", "id", id)
		return item.Clone(), nil
	}

	// Content goes into the cache first so the item is readable immediately;
	// the upload happens in the background.
	item.Uploaded = false
	if err := m.db.Put(ctx, item); err != nil {
		return nil, err
	}

	size, err := m.cache.Store(ctx, id, content)
	if err != nil {
		if _, derr := m.db.Delete(ctx, id); derr != nil {
			m.logger.Warn("orphaned item record after failed staging", "id", id, "error", derr)
		}
		return nil, err
	}

	item.Size = &size
	item.Downloaded = true
	if err := m.db.Put(ctx, item); err != nil {
		return nil, err
	}

	if err := m.cache.EnqueueUpload(id); err != nil {
		return nil, err
	}

	m.logger.Debug("created file", "id", id, "bytes", size)
	return item.Clone(), nil
}

// DeleteItem removes an item and all descendants. The backend is asked
// first; a backend that rejects the deletion leaves the local state intact.
func (m *Manager) DeleteItem(ctx context.Context, domainID string, id filebridge.ItemID) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	id = resolveID(domainID, id)
	if id.IsRoot() {
		return fmt.Errorf("cannot delete the domain root: %w", filebridge.ErrSyncConflict)
	}
	if id.Domain() != domainID {
		return fmt.Errorf("item %q: %w", id, filebridge.ErrNotFound)
	}

	item, err := m.db.Get(ctx, id)
	if err != nil {
		return err
	}
	if !item.Capabilities.Has(filebridge.CapDelete) {
		return fmt.Errorf("delete %q: not permitted: %w", id, filebridge.ErrSyncConflict)
	}

	lease, err := m.registry.Acquire(domainID)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, path, _ := id.Split()
	if err := lease.Backend().Delete(ctx, path); err != nil {
		switch {
		case errors.Is(err, filebridge.ErrNotFound):
			// Already gone remotely; still drop the local record.
		case filebridge.Retryable(err):
			// Transient, already retried by the backend decorator.
			return err
		default:
			return fmt.Errorf("backend rejected deletion of %q: %w: %w", id, filebridge.ErrSyncConflict, err)
		}
	}

	removed, err := m.db.Delete(ctx, id)
	if err != nil {
		return err
	}
	m.cache.Invalidate(ctx, removed...)

	m.logger.Debug("deleted item", "id", id, "removed", len(removed))
	return nil
}
