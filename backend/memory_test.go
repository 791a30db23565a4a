package backend

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filebridge/filebridge"
)

func TestMemoryPutGetStat(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	entry, err := m.Put(ctx, "a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, "a.txt", entry.Name)
	require.Equal(t, filebridge.TypeFile, entry.Type)
	require.NotNil(t, entry.Size)
	require.Equal(t, int64(5), *entry.Size)

	rc, err := m.Get(ctx, "a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "hello", string(data))

	stat, err := m.Stat(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, entry.Version, stat.Version)
}

func TestMemoryVersionAdvancesOnWrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.Put(ctx, "a.txt", strings.NewReader("v1"))
	require.NoError(t, err)
	second, err := m.Put(ctx, "a.txt", strings.NewReader("v2"))
	require.NoError(t, err)
	require.NotEqual(t, first.Version, second.Version)
}

func TestMemoryStatNotFound(t *testing.T) {
	m := NewMemory()

	_, err := m.Stat(context.Background(), "missing")
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestMemoryMkdirAndNesting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Mkdir(ctx, "docs")
	require.NoError(t, err)
	_, err = m.Mkdir(ctx, "docs")
	require.ErrorIs(t, err, filebridge.ErrExists)

	_, err = m.Put(ctx, "docs/inner.txt", strings.NewReader("x"))
	require.NoError(t, err)

	// No parent, no file.
	_, err = m.Put(ctx, "ghost/file.txt", strings.NewReader("x"))
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestMemoryListOrderingAndCursor(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, name := range []string{"c.txt", "a.txt", "b.txt", "d.txt"} {
		_, err := m.Put(ctx, name, strings.NewReader("x"))
		require.NoError(t, err)
	}

	listing, err := m.List(ctx, "", "", 3)
	require.NoError(t, err)
	require.True(t, listing.HasMore)
	require.Len(t, listing.Entries, 3)
	require.Equal(t, "a.txt", listing.Entries[0].Name)
	require.Equal(t, "c.txt", listing.Entries[2].Name)

	listing, err = m.List(ctx, "", listing.Cursor, 3)
	require.NoError(t, err)
	require.False(t, listing.HasMore)
	require.Len(t, listing.Entries, 1)
	require.Equal(t, "d.txt", listing.Entries[0].Name)
}

func TestMemoryListExcludesNestedEntries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Mkdir(ctx, "docs")
	require.NoError(t, err)
	_, err = m.Put(ctx, "docs/deep.txt", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = m.Put(ctx, "top.txt", strings.NewReader("x"))
	require.NoError(t, err)

	listing, err := m.List(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 2)
	require.Equal(t, "docs", listing.Entries[0].Name)
	require.Equal(t, "top.txt", listing.Entries[1].Name)
}

func TestMemoryDeleteRecursive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Mkdir(ctx, "docs")
	require.NoError(t, err)
	_, err = m.Put(ctx, "docs/inner.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "docs"))
	_, err = m.Stat(ctx, "docs/inner.txt")
	require.ErrorIs(t, err, filebridge.ErrNotFound)

	require.ErrorIs(t, m.Delete(ctx, "docs"), filebridge.ErrNotFound)
}

func TestMemoryRejectsInvalidNames(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Put(ctx, "bad\x00name", strings.NewReader("x"))
	require.ErrorIs(t, err, filebridge.ErrInvalidName)
	_, err = m.Mkdir(ctx, strings.Repeat("x", 300))
	require.ErrorIs(t, err, filebridge.ErrInvalidName)
}

func TestMemoryFailureInjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.FailNext(filebridge.ErrUnavailable, 2)
	_, err := m.Stat(ctx, "")
	require.ErrorIs(t, err, filebridge.ErrUnavailable)
	_, err = m.Stat(ctx, "")
	require.ErrorIs(t, err, filebridge.ErrUnavailable)

	// Exhausted.
	_, err = m.Stat(ctx, "")
	require.NoError(t, err)
}
