package provider_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filebridge/filebridge"
	"github.com/filebridge/filebridge/backend"
	"github.com/filebridge/filebridge/domain"
	"github.com/filebridge/filebridge/provider"
)

type providerEnv struct {
	manager *provider.Manager
	mem     *backend.Memory
}

func newProviderEnv(t *testing.T) *providerEnv {
	t.Helper()
	ctx := context.Background()

	mem := backend.NewMemory()
	backendType := "memtest-" + t.Name()
	backend.Register(backendType, func(json.RawMessage) (backend.Backend, error) {
		return mem, nil
	})

	m, err := provider.New(provider.Config{
		StoragePath: t.TempDir(),
		CachePath:   t.TempDir(),
		TempPath:    t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})

	require.NoError(t, m.DomainAdd(ctx, domain.Domain{
		ID:          "d1",
		DisplayName: "My Drive",
		BackendType: backendType,
		Enabled:     true,
	}))

	return &providerEnv{manager: m, mem: mem}
}

func TestItemGetRootSynthesized(t *testing.T) {
	env := newProviderEnv(t)

	item, err := env.manager.ItemGet(context.Background(), "d1", filebridge.RootContainerID)
	require.NoError(t, err)
	require.Equal(t, filebridge.ItemID("d1:"), item.ID)
	require.Equal(t, "My Drive", item.Filename)
	require.Equal(t, filebridge.TypeDirectory, item.Type)
	require.True(t, item.Capabilities.Has(filebridge.CapEnumerateContent))
	require.False(t, item.Capabilities.Has(filebridge.CapDelete))
}

func TestItemGetUnknown(t *testing.T) {
	env := newProviderEnv(t)

	_, err := env.manager.ItemGet(context.Background(), "d1", "d1:nope.txt")
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestItemGetReservedIdentifier(t *testing.T) {
	env := newProviderEnv(t)

	_, err := env.manager.ItemGet(context.Background(), "d1", ".trash")
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestCreateFileThenGet(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	item, err := env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
		"note.txt", filebridge.TypeFile, strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, filebridge.ItemID("d1:note.txt"), item.ID)
	require.False(t, item.Uploaded)
	require.True(t, item.Downloaded)
	require.NotNil(t, item.Size)
	require.Equal(t, int64(5), *item.Size)

	// The mutation is visible before the upload completes.
	got, err := env.manager.ItemGet(ctx, "d1", item.ID)
	require.NoError(t, err)
	require.Equal(t, "note.txt", got.Filename)

	// The background upload eventually lands on the backend.
	require.Eventually(t, func() bool {
		got, err := env.manager.ItemGet(ctx, "d1", item.ID)
		return err == nil && got.Uploaded
	}, 5*time.Second, 10*time.Millisecond)

	rc, err := env.mem.Get(ctx, "note.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "hello", string(data))
}

func TestCreateEmptyFile(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	item, err := env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
		"empty.txt", filebridge.TypeFile, nil)
	require.NoError(t, err)
	require.True(t, item.Uploaded)

	entry, err := env.mem.Stat(ctx, "empty.txt")
	require.NoError(t, err)
	require.NotNil(t, entry.Size)
	require.Equal(t, int64(0), *entry.Size)
}

func TestCreateDirectoryIgnoresContents(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	item, err := env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
		"docs", filebridge.TypeDirectory, strings.NewReader("ignored"))
	require.NoError(t, err)
	require.Equal(t, filebridge.TypeDirectory, item.Type)
	require.True(t, item.Uploaded)
	require.True(t, item.Capabilities.Has(filebridge.CapAddSubitem))

	entry, err := env.mem.Stat(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, filebridge.TypeDirectory, entry.Type)
}

func TestCreateNested(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	parent, err := env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
		"docs", filebridge.TypeDirectory, nil)
	require.NoError(t, err)

	child, err := env.manager.CreateItem(ctx, "d1", parent.ID,
		"inner.txt", filebridge.TypeFile, nil)
	require.NoError(t, err)
	require.Equal(t, filebridge.ItemID("d1:docs/inner.txt"), child.ID)
	require.Equal(t, parent.ID, child.ParentID)
}

func TestCreateInvalidFilename(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "a/b", ".hidden", strings.Repeat("x", 300)} {
		_, err := env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
			name, filebridge.TypeFile, nil)
		require.ErrorIs(t, err, filebridge.ErrInvalidName, "name %q", name)
	}
}

func TestCreateSiblingCollision(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	_, err := env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
		"taken.txt", filebridge.TypeFile, nil)
	require.NoError(t, err)

	_, err = env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
		"taken.txt", filebridge.TypeFile, nil)
	require.ErrorIs(t, err, filebridge.ErrExists)
}

func TestCreateUnknownParent(t *testing.T) {
	env := newProviderEnv(t)

	_, err := env.manager.CreateItem(context.Background(), "d1", "d1:ghost",
		"x.txt", filebridge.TypeFile, nil)
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestDeleteRecursive(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	dir, err := env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
		"docs", filebridge.TypeDirectory, nil)
	require.NoError(t, err)
	inner, err := env.manager.CreateItem(ctx, "d1", dir.ID,
		"inner.txt", filebridge.TypeFile, nil)
	require.NoError(t, err)

	require.NoError(t, env.manager.DeleteItem(ctx, "d1", dir.ID))

	_, err = env.manager.ItemGet(ctx, "d1", dir.ID)
	require.ErrorIs(t, err, filebridge.ErrNotFound)
	_, err = env.manager.ItemGet(ctx, "d1", inner.ID)
	require.ErrorIs(t, err, filebridge.ErrNotFound)

	_, err = env.mem.Stat(ctx, "docs")
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestDeleteUnknown(t *testing.T) {
	env := newProviderEnv(t)

	err := env.manager.DeleteItem(context.Background(), "d1", "d1:nope.txt")
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestDeleteRootRejected(t *testing.T) {
	env := newProviderEnv(t)

	err := env.manager.DeleteItem(context.Background(), "d1", filebridge.RootContainerID)
	require.ErrorIs(t, err, filebridge.ErrSyncConflict)
}

func TestFetchContentsRoundTrip(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	_, err := env.mem.Put(ctx, "remote.txt", strings.NewReader("remote bytes"))
	require.NoError(t, err)

	page, err := env.manager.Enumerate(ctx, "d1", filebridge.RootContainerID, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	ct, err := env.manager.FetchContents(ctx, "d1", page.Items[0].ID)
	require.NoError(t, err)
	defer ct.Release()

	data, err := os.ReadFile(ct.Path)
	require.NoError(t, err)
	require.Equal(t, "remote bytes", string(data))
}

func TestDomainRemovePurgesEverything(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	_, err := env.mem.Put(ctx, "file.txt", strings.NewReader("bytes"))
	require.NoError(t, err)

	page, err := env.manager.Enumerate(ctx, "d1", filebridge.RootContainerID, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	id := page.Items[0].ID

	ct, err := env.manager.FetchContents(ctx, "d1", id)
	require.NoError(t, err)
	ct.Release()

	require.NoError(t, env.manager.DomainRemove(ctx, "d1"))

	_, err = env.manager.ItemGet(ctx, "d1", id)
	require.ErrorIs(t, err, filebridge.ErrNotFound)
	_, err = env.manager.Enumerate(ctx, "d1", filebridge.RootContainerID, "")
	require.ErrorIs(t, err, filebridge.ErrNotFound)
	_, err = env.manager.FetchContents(ctx, "d1", id)
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestDomainRemoveUnknown(t *testing.T) {
	env := newProviderEnv(t)

	err := env.manager.DomainRemove(context.Background(), "ghost")
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestDomainAddDuplicate(t *testing.T) {
	env := newProviderEnv(t)

	err := env.manager.DomainAdd(context.Background(), domain.Domain{
		ID:          "d1",
		BackendType: "memory",
		Enabled:     true,
	})
	require.ErrorIs(t, err, filebridge.ErrExists)
}

func TestShutdownBlocksFurtherCalls(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.Shutdown(ctx))
	require.NoError(t, env.manager.Shutdown(ctx))

	_, err := env.manager.ItemGet(ctx, "d1", filebridge.RootContainerID)
	require.ErrorIs(t, err, filebridge.ErrShuttingDown)
	err = env.manager.DomainAdd(ctx, domain.Domain{ID: "d2", BackendType: "memory"})
	require.ErrorIs(t, err, filebridge.ErrShuttingDown)
}

// stalledBackend parks every listing until the caller's deadline expires.
type stalledBackend struct {
	backend.Backend
}

func (s *stalledBackend) List(ctx context.Context, path, cursor string, limit int) (*backend.Listing, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOperationTimeoutSurfacesServerUnreachable(t *testing.T) {
	ctx := context.Background()

	backendType := "stalled-" + t.Name()
	backend.Register(backendType, func(json.RawMessage) (backend.Backend, error) {
		return &stalledBackend{Backend: backend.NewMemory()}, nil
	})

	m, err := provider.New(provider.Config{
		StoragePath:      t.TempDir(),
		CachePath:        t.TempDir(),
		TempPath:         t.TempDir(),
		OperationTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	require.NoError(t, m.DomainAdd(ctx, domain.Domain{
		ID:          "d1",
		BackendType: backendType,
		Enabled:     true,
	}))

	// The call must come back on its own, bounded by the internal timeout.
	start := time.Now()
	_, err = m.Enumerate(ctx, "d1", filebridge.RootContainerID, "")
	require.Error(t, err)
	require.Equal(t, filebridge.CodeServerUnreachable, filebridge.StatusOf(err))
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestShutdownDrainsUploads(t *testing.T) {
	env := newProviderEnv(t)
	ctx := context.Background()

	item, err := env.manager.CreateItem(ctx, "d1", filebridge.RootContainerID,
		"draft.txt", filebridge.TypeFile, strings.NewReader("pending bytes"))
	require.NoError(t, err)

	require.NoError(t, env.manager.Shutdown(ctx))

	// The upload finished before shutdown returned.
	rc, err := env.mem.Get(ctx, item.ID.Name())
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "pending bytes", string(data))
}
