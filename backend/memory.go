package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/filebridge/filebridge"
)

// DefaultListLimit is the batch size used when List is called with limit 0.
const DefaultListLimit = 100

type memObject struct {
	data     []byte
	dir      bool
	modified time.Time
}

// Memory is an in-process backend holding a full object tree. It serves as
// the authoritative fake remote in tests and as the engine's built-in
// "memory" backend type.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	now     func() time.Time

	// failure injection for tests
	failErr   error
	failCount int
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMemoryNow sets the time function for deterministic tests.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory backend with a root directory.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		objects: map[string]*memObject{"": {dir: true}},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.objects[""].modified = m.now()
	return m
}

// FailNext makes the next n operations fail with err. Used by tests to
// exercise retry and error translation paths.
func (m *Memory) FailNext(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	m.failCount = n
}

func (m *Memory) takeFailure() error {
	if m.failCount > 0 {
		m.failCount--
		return m.failErr
	}
	return nil
}

func (m *Memory) entryLocked(path string, obj *memObject) *Entry {
	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		name = path[idx+1:]
	}
	e := &Entry{
		Path:     path,
		Name:     name,
		Modified: obj.modified,
		Writable: true,
	}
	if obj.dir {
		e.Type = filebridge.TypeDirectory
	} else {
		size := int64(len(obj.data))
		e.Size = &size
		// Content-derived version, in the manner of an ETag.
		e.Version = filebridge.HashBytes(obj.data).String()
	}
	return e
}

// Stat returns metadata for the object at path.
func (m *Memory) Stat(ctx context.Context, path string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	obj, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("stat %q: %w", path, filebridge.ErrNotFound)
	}
	return m.entryLocked(path, obj), nil
}

// List returns children of the directory at path ordered by name. The cursor
// is the name of the last entry returned in the previous batch.
func (m *Memory) List(ctx context.Context, path, cursor string, limit int) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	obj, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("list %q: %w", path, filebridge.ErrNotFound)
	}
	if !obj.dir {
		return nil, fmt.Errorf("list %q: not a directory: %w", path, filebridge.ErrSyncConflict)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	prefix := path
	if prefix != "" {
		prefix += "/"
	}

	var names []string
	for p := range m.objects {
		if p == "" || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)

	listing := &Listing{}
	for _, name := range names {
		if cursor != "" && name <= cursor {
			continue
		}
		if len(listing.Entries) == limit {
			listing.HasMore = true
			listing.Cursor = listing.Entries[len(listing.Entries)-1].Name
			break
		}
		child := prefix + name
		listing.Entries = append(listing.Entries, *m.entryLocked(child, m.objects[child]))
	}
	return listing, nil
}

// Get opens the content of the file at path.
func (m *Memory) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	obj, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", path, filebridge.ErrNotFound)
	}
	if obj.dir {
		return nil, fmt.Errorf("get %q: is a directory: %w", path, filebridge.ErrSyncConflict)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Put writes the full content of the file at path.
func (m *Memory) Put(ctx context.Context, path string, r io.Reader) (*Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if name := pathName(path); name != "" {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
	}
	parent, ok := m.objects[parentPath(path)]
	if !ok || !parent.dir {
		return nil, fmt.Errorf("put %q: parent: %w", path, filebridge.ErrNotFound)
	}
	obj, ok := m.objects[path]
	if ok && obj.dir {
		return nil, fmt.Errorf("put %q: is a directory: %w", path, filebridge.ErrSyncConflict)
	}
	if !ok {
		obj = &memObject{}
		m.objects[path] = obj
	}
	obj.data = data
	obj.modified = m.now()
	return m.entryLocked(path, obj), nil
}

// Mkdir creates a directory at path.
func (m *Memory) Mkdir(ctx context.Context, path string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if name := pathName(path); name != "" {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
	}
	if _, ok := m.objects[path]; ok {
		return nil, fmt.Errorf("mkdir %q: %w", path, filebridge.ErrExists)
	}
	parent, ok := m.objects[parentPath(path)]
	if !ok || !parent.dir {
		return nil, fmt.Errorf("mkdir %q: parent: %w", path, filebridge.ErrNotFound)
	}
	obj := &memObject{dir: true, modified: m.now()}
	m.objects[path] = obj
	return m.entryLocked(path, obj), nil
}

// Delete removes the object at path, recursively for directories.
func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("delete root: %w", filebridge.ErrSyncConflict)
	}
	obj, ok := m.objects[path]
	if !ok {
		return fmt.Errorf("delete %q: %w", path, filebridge.ErrNotFound)
	}
	delete(m.objects, path)
	if obj.dir {
		prefix := path + "/"
		for p := range m.objects {
			if strings.HasPrefix(p, prefix) {
				delete(m.objects, p)
			}
		}
	}
	return nil
}

func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func pathName(path string) string {
	idx := strings.LastIndex(path, "/")
	return path[idx+1:]
}
