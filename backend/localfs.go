package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/filebridge/filebridge"
)

// LocalFS implements Backend over a local directory tree. It is used for the
// built-in "localfs" backend type and for integration tests. Writes are
// atomic using a temp file and rename pattern.
type LocalFS struct {
	root string
}

// NewLocalFS creates a filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewLocalFS(root string) (*LocalFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &LocalFS{root: absRoot}, nil
}

// Root returns the root directory path.
func (l *LocalFS) Root() string {
	return l.root
}

func (l *LocalFS) resolve(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("%w: path %q escapes the root", filebridge.ErrInvalidName, path)
	}
	return filepath.Join(l.root, filepath.FromSlash(path)), nil
}

func (l *LocalFS) entryFor(path string, info os.FileInfo) *Entry {
	e := &Entry{
		Path:     path,
		Name:     info.Name(),
		Modified: info.ModTime(),
		Version:  strconv.FormatInt(info.ModTime().UnixNano(), 10),
		Writable: info.Mode().Perm()&0o200 != 0,
	}
	if path == "" {
		e.Name = ""
	}
	switch {
	case info.IsDir():
		e.Type = filebridge.TypeDirectory
	case info.Mode()&os.ModeSymlink != 0:
		e.Type = filebridge.TypeSymlink
	default:
		size := info.Size()
		e.Size = &size
	}
	return e
}

// Stat returns metadata for the object at path.
func (l *LocalFS) Stat(ctx context.Context, path string) (*Entry, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %q: %w", path, filebridge.ErrNotFound)
		}
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	return l.entryFor(path, info), nil
}

// List returns children of the directory at path ordered by name.
func (l *LocalFS) List(ctx context.Context, path, cursor string, limit int) (*Listing, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("list %q: %w", path, filebridge.ErrNotFound)
		}
		return nil, fmt.Errorf("list %q: %w", path, err)
	}
	sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name() < dirents[j].Name() })

	listing := &Listing{}
	for _, de := range dirents {
		name := de.Name()
		// Staged writes must never appear in a listing.
		if strings.HasPrefix(name, ".tmp-") {
			continue
		}
		if cursor != "" && name <= cursor {
			continue
		}
		if len(listing.Entries) == limit {
			listing.HasMore = true
			listing.Cursor = listing.Entries[len(listing.Entries)-1].Name
			break
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		listing.Entries = append(listing.Entries, *l.entryFor(JoinPath(path, name), info))
	}
	return listing, nil
}

// Get opens the content of the file at path.
func (l *LocalFS) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("get %q: %w", path, filebridge.ErrNotFound)
		}
		return nil, fmt.Errorf("get %q: %w", path, err)
	}
	return f, nil
}

// Put writes the full content of the file at path using atomic write.
func (l *LocalFS) Put(ctx context.Context, path string, r io.Reader) (*Entry, error) {
	if err := ValidateName(pathName(path)); err != nil {
		return nil, err
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(full)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("put %q: parent: %w", path, filebridge.ErrNotFound)
		}
		return nil, fmt.Errorf("put %q: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return nil, fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		return nil, fmt.Errorf("renaming temp file: %w", err)
	}
	success = true

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat after put: %w", err)
	}
	return l.entryFor(path, info), nil
}

// Mkdir creates a directory at path.
func (l *LocalFS) Mkdir(ctx context.Context, path string) (*Entry, error) {
	if err := ValidateName(pathName(path)); err != nil {
		return nil, err
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(full); err == nil {
		return nil, fmt.Errorf("mkdir %q: %w", path, filebridge.ErrExists)
	}
	if err := os.Mkdir(full, 0o755); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("mkdir %q: parent: %w", path, filebridge.ErrNotFound)
		}
		return nil, fmt.Errorf("mkdir %q: %w", path, err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat after mkdir: %w", err)
	}
	return l.entryFor(path, info), nil
}

// Delete removes the object at path, recursively for directories.
func (l *LocalFS) Delete(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("delete root: %w", filebridge.ErrSyncConflict)
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %q: %w", path, filebridge.ErrNotFound)
		}
		return fmt.Errorf("delete %q: %w", path, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete %q: %w", path, err)
	}
	return nil
}
