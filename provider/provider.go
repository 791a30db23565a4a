// Package provider assembles the sync engine: the domain registry, the item
// store, the enumeration service, and the content cache, behind one manager
// whose operations the boundary layer exposes to the host.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/cache"
	"github.com/filebridge/filebridge/domain"
	"github.com/filebridge/filebridge/enumerate"
	"github.com/filebridge/filebridge/store/metadb"
)

const itemsDBFile = "items.db"

// Config holds the engine configuration.
type Config struct {
	// StoragePath holds domain configuration and the item database.
	StoragePath string

	// CachePath holds downloaded content.
	CachePath string

	// TempPath holds staged writes, on the same filesystem as CachePath.
	TempPath string

	// MaxCacheSize bounds the content cache in bytes. Zero means no limit.
	MaxCacheSize int64

	// PageSize bounds enumeration pages. Zero means the default.
	PageSize int

	// UploadWorkers bounds concurrent uploads. Zero means the default.
	UploadWorkers int

	// OperationTimeout bounds every boundary operation. A call that cannot
	// complete in time fails as server-unreachable. Default is 30s.
	OperationTimeout time.Duration
}

// DefaultOperationTimeout bounds boundary operations when not configured.
const DefaultOperationTimeout = 30 * time.Second

// Manager is the engine facade. All methods are safe for concurrent use and
// synchronous: they return only once the work is done or has failed.
type Manager struct {
	config     Config
	logger     *slog.Logger
	registry   *domain.Registry
	db         metadb.MetaDB
	enumerator *enumerate.Enumerator
	cache      *cache.Cache

	mu     sync.Mutex
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates and starts an engine over the given paths.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}

	m := &Manager{
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	db := metadb.New(metadb.WithLogger(m.logger))
	if err := db.Open(filepath.Join(cfg.StoragePath, itemsDBFile)); err != nil {
		return nil, err
	}
	m.db = db

	registry, err := domain.New(cfg.StoragePath,
		domain.WithLogger(m.logger),
		domain.WithPurge(m.purgeDomain),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	m.registry = registry

	ct, err := cache.New(registry, db, cache.Config{
		CachePath:     cfg.CachePath,
		TempPath:      cfg.TempPath,
		MaxSize:       cfg.MaxCacheSize,
		UploadWorkers: cfg.UploadWorkers,
	}, cache.WithLogger(m.logger))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	m.cache = ct

	m.enumerator = enumerate.New(registry, db,
		enumerate.WithLogger(m.logger),
		enumerate.WithPageSize(cfg.PageSize),
	)

	m.logger.Info("engine started",
		"storage", cfg.StoragePath, "cache", cfg.CachePath, "max_cache_size", cfg.MaxCacheSize)
	return m, nil
}

// purgeDomain is the registry's removal hook: it runs after the domain is
// sealed and drained, and must leave no item or cached byte behind.
func (m *Manager) purgeDomain(ctx context.Context, domainID string) error {
	removed, err := m.db.PurgeDomain(ctx, domainID)
	if err != nil {
		return err
	}
	m.cache.PurgeDomain(ctx, domainID)
	m.logger.Debug("purged domain", "domain", domainID, "items", len(removed))
	return nil
}

// opContext bounds one boundary operation.
func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.config.OperationTimeout)
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return filebridge.ErrShuttingDown
	}
	return nil
}

// DomainAdd registers a new domain.
func (m *Manager) DomainAdd(ctx context.Context, d domain.Domain) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.registry.Add(ctx, d)
}

// DomainRemove unregisters a domain and purges everything it owned.
func (m *Manager) DomainRemove(ctx context.Context, id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.registry.Remove(ctx, id)
}

// Domains lists the registered domains.
func (m *Manager) Domains() []domain.Domain {
	return m.registry.List()
}

// resolveID maps the host's identifier into the canonical domain-scoped
// form. The host addresses each domain's root as "root".
func resolveID(domainID string, id filebridge.ItemID) filebridge.ItemID {
	if id == filebridge.RootContainerID || id == "" {
		return filebridge.ItemID(domainID + ":")
	}
	return id
}

// ItemGet returns the freshest known metadata for an identifier. The root
// container is synthesized from the domain configuration; every other
// identifier must have been produced by a prior enumeration or mutation.
func (m *Manager) ItemGet(ctx context.Context, domainID string, id filebridge.ItemID) (*filebridge.Item, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	id = resolveID(domainID, id)
	if id.IsReserved() {
		return nil, fmt.Errorf("identifier %q is reserved: %w", id, filebridge.ErrNotFound)
	}
	if id.Domain() != domainID {
		return nil, fmt.Errorf("item %q: %w", id, filebridge.ErrNotFound)
	}

	if id.IsRoot() {
		d, ok := m.registry.Get(domainID)
		if !ok {
			return nil, fmt.Errorf("domain %q: %w", domainID, filebridge.ErrNotFound)
		}
		return &filebridge.Item{
			ID:           id,
			ParentID:     filebridge.RootContainerID,
			Filename:     d.DisplayName,
			Type:         filebridge.TypeDirectory,
			Capabilities: filebridge.DirectoryCapabilities().Without(filebridge.CapTrash | filebridge.CapDelete | filebridge.CapRename | filebridge.CapReparent),
			Uploaded:     true,
		}, nil
	}

	item, err := m.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return item.Clone(), nil
}

// Enumerate returns one page of a container's children.
func (m *Manager) Enumerate(ctx context.Context, domainID string, container filebridge.ItemID, token string) (*filebridge.Page, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	page, err := m.enumerator.Enumerate(ctx, domainID, container, token)
	if err != nil {
		return nil, err
	}
	return page.Clone(), nil
}

// FetchContents downloads an item's content if needed and returns a pinned
// view of it. The caller must Release the returned content.
func (m *Manager) FetchContents(ctx context.Context, domainID string, id filebridge.ItemID) (*cache.Content, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	id = resolveID(domainID, id)
	if id.Domain() != domainID || id.IsRoot() {
		return nil, fmt.Errorf("item %q: %w", id, filebridge.ErrNotFound)
	}
	return m.cache.Fetch(ctx, id)
}

// EvictContents discards an item's downloaded content at the host's request.
func (m *Manager) EvictContents(ctx context.Context, domainID string, id filebridge.ItemID) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.cache.Evict(ctx, resolveID(domainID, id))
}

// Shutdown stops the engine: pending uploads drain, in-flight operations
// complete, and further calls fail. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var firstErr error
	if err := m.cache.Close(ctx); err != nil {
		firstErr = err
	}
	if err := m.registry.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	m.logger.Info("engine stopped")
	return firstErr
}
