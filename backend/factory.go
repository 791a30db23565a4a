package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/filebridge/filebridge"
)

// Factory constructs a Backend from an opaque JSON configuration blob.
type Factory func(config json.RawMessage) (Backend, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend type available to Open. Later registrations for
// the same type replace earlier ones.
func Register(backendType string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[backendType] = f
}

// Open constructs a backend for the given type tag. Unknown types yield an
// offline placeholder whose operations fail until a real adapter is
// registered; the domain stays configured either way.
func Open(backendType string, config json.RawMessage) (Backend, error) {
	factoryMu.RLock()
	f, ok := factories[backendType]
	factoryMu.RUnlock()
	if !ok {
		return &Placeholder{backendType: backendType}, nil
	}
	b, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", backendType, err)
	}
	return b, nil
}

func init() {
	Register("memory", func(json.RawMessage) (Backend, error) {
		return NewMemory(), nil
	})
	Register("localfs", func(config json.RawMessage) (Backend, error) {
		var cfg struct {
			Root string `json:"root"`
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("parsing localfs config: %w", err)
			}
		}
		if cfg.Root == "" {
			return nil, fmt.Errorf("localfs config missing root")
		}
		return NewLocalFS(cfg.Root)
	})
}

// Placeholder is the backend used for domains whose type has no registered
// adapter. Every operation reports the backend as unavailable.
type Placeholder struct {
	backendType string
}

func (p *Placeholder) unavailable(op string) error {
	return fmt.Errorf("%s: no adapter for backend type %q: %w", op, p.backendType, filebridge.ErrUnavailable)
}

func (p *Placeholder) Stat(ctx context.Context, path string) (*Entry, error) {
	return nil, p.unavailable("stat")
}

func (p *Placeholder) List(ctx context.Context, path, cursor string, limit int) (*Listing, error) {
	return nil, p.unavailable("list")
}

func (p *Placeholder) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, p.unavailable("get")
}

func (p *Placeholder) Put(ctx context.Context, path string, r io.Reader) (*Entry, error) {
	return nil, p.unavailable("put")
}

func (p *Placeholder) Mkdir(ctx context.Context, path string) (*Entry, error) {
	return nil, p.unavailable("mkdir")
}

func (p *Placeholder) Delete(ctx context.Context, path string) error {
	return p.unavailable("delete")
}
