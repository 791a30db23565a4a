// Package domain tracks the configured backend domains and their lifecycle.
// A domain is one configured backend connection exposed as a virtual root.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/backend"
)

const domainsFile = "domains.json"

// Domain describes one configured backend connection.
type Domain struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	BackendType string          `json:"backend_type"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     bool            `json:"enabled"`
	AddedAt     time.Time       `json:"added_at"`
}

// PurgeFunc is called during Remove, after the domain is sealed against new
// operations and all in-flight operations have drained. It must invalidate
// every item and cached content belonging to the domain.
type PurgeFunc func(ctx context.Context, domainID string) error

// handle pairs a domain with its live backend and the in-flight gate used to
// make removal a barrier.
type handle struct {
	domain  Domain
	backend backend.Backend

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// seal marks the handle closed so no new leases are granted, then waits for
// in-flight operations to drain.
func (h *handle) seal() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.inflight.Wait()
}

// Registry tracks configured domains. Registration persists atomically to
// the storage path; concurrent readers never observe partial domain state.
type Registry struct {
	storagePath string
	logger      *slog.Logger
	purge       PurgeFunc

	mu      sync.RWMutex
	handles map[string]*handle
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for registry events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithPurge sets the invalidation hook run while removing a domain.
func WithPurge(purge PurgeFunc) Option {
	return func(r *Registry) {
		r.purge = purge
	}
}

// New creates a registry rooted at storagePath and loads any persisted
// domain configuration.
func New(storagePath string, opts ...Option) (*Registry, error) {
	r := &Registry{
		storagePath: storagePath,
		logger:      slog.Default(),
		handles:     make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(filepath.Join(r.storagePath, domainsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading domain config: %w", err)
	}

	var domains []Domain
	if err := json.Unmarshal(data, &domains); err != nil {
		return fmt.Errorf("parsing domain config: %w", err)
	}

	for _, d := range domains {
		h, err := r.openHandle(d)
		if err != nil {
			r.logger.Warn("skipping persisted domain", "domain", d.ID, "error", err)
			continue
		}
		r.handles[d.ID] = h
	}
	r.logger.Debug("loaded domains", "count", len(r.handles))
	return nil
}

// save persists the domain list with a temp file and rename so readers of
// the storage path never see partial state.
func (r *Registry) save() error {
	r.mu.RLock()
	domains := make([]Domain, 0, len(r.handles))
	for _, h := range r.handles {
		domains = append(domains, h.domain)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(domains, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding domain config: %w", err)
	}

	tmp, err := os.CreateTemp(r.storagePath, ".tmp-domains-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing domain config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing domain config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(r.storagePath, domainsFile)); err != nil {
		return fmt.Errorf("replacing domain config: %w", err)
	}
	success = true
	return nil
}

func (r *Registry) openHandle(d Domain) (*handle, error) {
	raw, err := backend.Open(d.BackendType, d.Config)
	if err != nil {
		return nil, err
	}
	b := backend.NewRetrying(
		backend.NewInstrumented(raw, d.ID),
		backend.WithRetryLogger(r.logger),
	)
	return &handle{domain: d, backend: b}, nil
}

// Add registers a new domain. It fails with filebridge.ErrExists if the
// identifier is already registered.
func (r *Registry) Add(ctx context.Context, d Domain) error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty domain identifier", filebridge.ErrInvalidName)
	}
	if d.AddedAt.IsZero() {
		d.AddedAt = time.Now()
	}

	h, err := r.openHandle(d)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return filebridge.ErrShuttingDown
	}
	if _, ok := r.handles[d.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("domain %q: %w", d.ID, filebridge.ErrExists)
	}
	r.handles[d.ID] = h
	r.mu.Unlock()

	if err := r.save(); err != nil {
		r.mu.Lock()
		delete(r.handles, d.ID)
		r.mu.Unlock()
		return err
	}

	r.logger.Info("domain added", "domain", d.ID, "backend_type", d.BackendType)
	return nil
}

// Remove unregisters a domain. Removal is a barrier: once it returns, no
// operation against the domain can be running or can start, and every item
// and cached byte belonging to it has been invalidated. It fails with
// filebridge.ErrNotFound if the identifier is not registered.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("domain %q: %w", id, filebridge.ErrNotFound)
	}
	delete(r.handles, id)
	r.mu.Unlock()

	// Drain in-flight operations before invalidating anything they might
	// still be touching.
	h.seal()

	if r.purge != nil {
		if err := r.purge(ctx, id); err != nil {
			return fmt.Errorf("purging domain %q: %w", id, err)
		}
	}

	if err := r.save(); err != nil {
		return err
	}

	r.logger.Info("domain removed", "domain", id)
	return nil
}

// Get returns the domain configuration for id.
func (r *Registry) Get(id string) (Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return Domain{}, false
	}
	return h.domain, true
}

// List returns all registered domains.
func (r *Registry) List() []Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	domains := make([]Domain, 0, len(r.handles))
	for _, h := range r.handles {
		domains = append(domains, h.domain)
	}
	return domains
}

// Lease grants access to a domain's backend while blocking the removal
// barrier. Callers must Release when the operation completes.
type Lease struct {
	domain  Domain
	backend backend.Backend
	release func()
	once    sync.Once
}

// Backend returns the domain's backend adapter.
func (l *Lease) Backend() backend.Backend { return l.backend }

// Domain returns the leased domain's configuration.
func (l *Lease) Domain() Domain { return l.domain }

// Release ends the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Acquire obtains a lease on the domain's backend. It fails with
// filebridge.ErrNotFound for unregistered domains and with
// filebridge.ErrShuttingDown once removal has begun.
func (r *Registry) Acquire(id string) (*Lease, error) {
	r.mu.RLock()
	h, ok := r.handles[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, filebridge.ErrShuttingDown
	}
	if !ok {
		return nil, fmt.Errorf("domain %q: %w", id, filebridge.ErrNotFound)
	}
	if !h.domain.Enabled {
		return nil, fmt.Errorf("domain %q is disabled: %w", id, filebridge.ErrUnavailable)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, filebridge.ErrShuttingDown
	}
	h.inflight.Add(1)
	h.mu.Unlock()

	return &Lease{
		domain:  h.domain,
		backend: h.backend,
		release: h.inflight.Done,
	}, nil
}

// Close seals every domain and waits for in-flight operations to drain.
// The registry grants no further leases afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, h := range handles {
			h.seal()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
