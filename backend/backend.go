// Package backend defines the adapter seam between the sync engine and a
// remote storage service. Implementations must be safe for concurrent use.
package backend

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/filebridge/filebridge"
)

// MaxNameLen is the longest filename accepted by any backend.
const MaxNameLen = 255

// Entry is the backend-native view of one remote object.
type Entry struct {
	// Path is the backend-relative path, "" for the backend root.
	Path string

	// Name is the final path element.
	Name string

	Type     filebridge.ItemType
	Size     *int64
	Version  string
	Modified time.Time

	// Writable reports whether the backend permits content writes to
	// this object. The item store narrows capabilities accordingly.
	Writable bool
}

// Listing is one batch of a directory listing. A non-empty Cursor means more
// entries remain; pass it back to List to continue.
type Listing struct {
	Entries []Entry
	Cursor  string
	HasMore bool
}

// Backend exposes the remote operations the engine needs. Failures are
// reported through the filebridge sentinel errors so the translator can map
// them onto the fixed taxonomy.
type Backend interface {
	// Stat returns metadata for the object at path.
	// Returns filebridge.ErrNotFound if it does not exist.
	Stat(ctx context.Context, path string) (*Entry, error)

	// List returns one batch of children of the directory at path, ordered
	// by name. cursor threads batches; limit bounds the batch size
	// (0 means backend default).
	List(ctx context.Context, path, cursor string, limit int) (*Listing, error)

	// Get opens the content of the file at path.
	// The caller must close the returned ReadCloser.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Put writes the full content of the file at path, creating it if
	// absent, and returns the resulting entry.
	Put(ctx context.Context, path string, r io.Reader) (*Entry, error)

	// Mkdir creates a directory at path.
	// Returns filebridge.ErrExists if an object is already there.
	Mkdir(ctx context.Context, path string) (*Entry, error)

	// Delete removes the object at path, recursively for directories.
	// Returns filebridge.ErrNotFound if it does not exist.
	Delete(ctx context.Context, path string) error
}

// ValidateName applies the naming rules shared by all backends. Individual
// backends may reject further names via Put/Mkdir.
func ValidateName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("%w: %q", filebridge.ErrInvalidName, name)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: name exceeds %d bytes", filebridge.ErrInvalidName, MaxNameLen)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains reserved characters", filebridge.ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 {
			return fmt.Errorf("%w: %q contains control characters", filebridge.ErrInvalidName, name)
		}
	}
	return nil
}

// JoinPath appends a name to a backend-relative directory path.
func JoinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
