// Package boundary is the host-facing call surface of the engine. Every
// operation is synchronous, returns a stable status code instead of a Go
// error, and hands out deep copies: no structure returned here shares memory
// with the engine. Each returned structure carries a Release that the host
// must call exactly once when done with it.
package boundary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/domain"
	"github.com/filebridge/filebridge/provider"
)

// surface holds the process-wide engine instance. Init and Shutdown are
// exactly-once: a second Init fails, and every call after Shutdown fails.
type surface struct {
	mu       sync.RWMutex
	manager  *provider.Manager
	shutDown bool
}

var defaultSurface surface

func (s *surface) init(cfg provider.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutDown {
		return filebridge.ErrShuttingDown
	}
	if s.manager != nil {
		return fmt.Errorf("engine already initialized: %w", filebridge.ErrExists)
	}
	m, err := provider.New(cfg)
	if err != nil {
		return err
	}
	s.manager = m
	return nil
}

func (s *surface) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutDown {
		return nil
	}
	s.shutDown = true
	if s.manager == nil {
		return nil
	}
	err := s.manager.Shutdown(context.Background())
	s.manager = nil
	return err
}

func (s *surface) get() (*provider.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutDown {
		return nil, filebridge.ErrShuttingDown
	}
	if s.manager == nil {
		return nil, filebridge.ErrNotInitialized
	}
	return s.manager, nil
}

// ProviderInit starts the engine over the given directories. It succeeds at
// most once per process; a second call fails. Calls after ProviderShutdown
// also fail.
func ProviderInit(storagePath, cachePath, tempPath string) filebridge.Code {
	return defaultSurface.providerInit(storagePath, cachePath, tempPath)
}

func (s *surface) providerInit(storagePath, cachePath, tempPath string) filebridge.Code {
	err := s.init(provider.Config{
		StoragePath: storagePath,
		CachePath:   cachePath,
		TempPath:    tempPath,
	})
	return filebridge.StatusOf(err)
}

// ProviderShutdown stops the engine, draining in-flight work. It is safe to
// call more than once; only the first call does the work.
func ProviderShutdown() filebridge.Code {
	return filebridge.StatusOf(defaultSurface.shutdown())
}

// DomainAdd registers a backend domain. config is an opaque JSON blob passed
// through to the backend adapter.
func DomainAdd(id, displayName, backendType string, config []byte) filebridge.Code {
	return defaultSurface.domainAdd(id, displayName, backendType, config)
}

func (s *surface) domainAdd(id, displayName, backendType string, config []byte) filebridge.Code {
	m, err := s.get()
	if err != nil {
		return filebridge.StatusOf(err)
	}
	err = m.DomainAdd(context.Background(), domain.Domain{
		ID:          id,
		DisplayName: displayName,
		BackendType: backendType,
		Config:      json.RawMessage(config),
		Enabled:     true,
	})
	return filebridge.StatusOf(err)
}

// DomainRemove unregisters a domain. When it returns success, no operation
// against the domain is running and everything it owned has been purged.
func DomainRemove(id string) filebridge.Code {
	return defaultSurface.domainRemove(id)
}

func (s *surface) domainRemove(id string) filebridge.Code {
	m, err := s.get()
	if err != nil {
		return filebridge.StatusOf(err)
	}
	return filebridge.StatusOf(m.DomainRemove(context.Background(), id))
}

// ItemInfo is the caller-owned view of one item.
type ItemInfo struct {
	Item filebridge.Item

	once sync.Once
}

// Release frees the structure. It must be called exactly once; further calls
// are ignored.
func (i *ItemInfo) Release() {
	i.once.Do(func() {})
}

// ItemGet returns the freshest known metadata for an identifier.
func ItemGet(domainID, itemID string) (*ItemInfo, filebridge.Code) {
	return defaultSurface.itemGet(domainID, itemID)
}

func (s *surface) itemGet(domainID, itemID string) (*ItemInfo, filebridge.Code) {
	m, err := s.get()
	if err != nil {
		return nil, filebridge.StatusOf(err)
	}
	item, err := m.ItemGet(context.Background(), domainID, filebridge.ItemID(itemID))
	if err != nil {
		return nil, filebridge.StatusOf(err)
	}
	return &ItemInfo{Item: *item.Clone()}, filebridge.StatusSuccess
}

// PageInfo is the caller-owned view of one enumeration page. An empty
// NextToken means the chain is exhausted.
type PageInfo struct {
	Items     []filebridge.Item
	NextToken string

	once sync.Once
}

// Release frees the structure. It must be called exactly once; further calls
// are ignored.
func (p *PageInfo) Release() {
	p.once.Do(func() {})
}

// EnumerateItems returns one page of a container's children. Pass an empty
// token to start a chain and thread the returned token to continue it.
func EnumerateItems(domainID, containerID, token string) (*PageInfo, filebridge.Code) {
	return defaultSurface.enumerateItems(domainID, containerID, token)
}

func (s *surface) enumerateItems(domainID, containerID, token string) (*PageInfo, filebridge.Code) {
	m, err := s.get()
	if err != nil {
		return nil, filebridge.StatusOf(err)
	}
	page, err := m.Enumerate(context.Background(), domainID, filebridge.ItemID(containerID), token)
	if err != nil {
		return nil, filebridge.StatusOf(err)
	}
	info := &PageInfo{NextToken: page.NextToken, Items: make([]filebridge.Item, 0, len(page.Items))}
	for _, item := range page.Items {
		info.Items = append(info.Items, *item.Clone())
	}
	return info, filebridge.StatusSuccess
}

// ContentInfo is the caller-owned view of fetched content. The file at Path
// stays available until Release is called.
type ContentInfo struct {
	Path string
	Size int64

	release func()
	once    sync.Once
}

// Release unpins the content. It must be called exactly once; further calls
// are ignored.
func (c *ContentInfo) Release() {
	c.once.Do(c.release)
}

// FetchContents downloads an item's content if needed and returns the local
// path holding it. Concurrent calls for the same item share one download.
func FetchContents(domainID, itemID string) (*ContentInfo, filebridge.Code) {
	return defaultSurface.fetchContents(domainID, itemID)
}

func (s *surface) fetchContents(domainID, itemID string) (*ContentInfo, filebridge.Code) {
	m, err := s.get()
	if err != nil {
		return nil, filebridge.StatusOf(err)
	}
	ct, err := m.FetchContents(context.Background(), domainID, filebridge.ItemID(itemID))
	if err != nil {
		return nil, filebridge.StatusOf(err)
	}
	return &ContentInfo{Path: ct.Path, Size: ct.Size, release: ct.Release}, filebridge.StatusSuccess
}

// CreateItem creates a file or directory under parentID. Directory creation
// ignores contents. File creation with contents returns before the upload
// completes, with Uploaded=false on the returned item.
func CreateItem(domainID, parentID, filename string, itemType uint32, contents []byte) (*ItemInfo, filebridge.Code) {
	return defaultSurface.createItem(domainID, parentID, filename, itemType, contents)
}

func (s *surface) createItem(domainID, parentID, filename string, itemType uint32, contents []byte) (*ItemInfo, filebridge.Code) {
	m, err := s.get()
	if err != nil {
		return nil, filebridge.StatusOf(err)
	}

	var r io.Reader
	if contents != nil {
		r = bytes.NewReader(contents)
	}
	item, err := m.CreateItem(context.Background(), domainID, filebridge.ItemID(parentID),
		filename, filebridge.ItemType(itemType), r)
	if err != nil {
		return nil, filebridge.StatusOf(err)
	}
	return &ItemInfo{Item: *item.Clone()}, filebridge.StatusSuccess
}

// DeleteItem removes an item and all its descendants.
func DeleteItem(domainID, itemID string) filebridge.Code {
	return defaultSurface.deleteItem(domainID, itemID)
}

func (s *surface) deleteItem(domainID, itemID string) filebridge.Code {
	m, err := s.get()
	if err != nil {
		return filebridge.StatusOf(err)
	}
	return filebridge.StatusOf(m.DeleteItem(context.Background(), domainID, filebridge.ItemID(itemID)))
}

// EvictContents discards an item's downloaded content.
func EvictContents(domainID, itemID string) filebridge.Code {
	return defaultSurface.evictContents(domainID, itemID)
}

func (s *surface) evictContents(domainID, itemID string) filebridge.Code {
	m, err := s.get()
	if err != nil {
		return filebridge.StatusOf(err)
	}
	return filebridge.StatusOf(m.EvictContents(context.Background(), domainID, filebridge.ItemID(itemID)))
}
