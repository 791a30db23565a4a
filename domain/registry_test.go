package domain

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filebridge/filebridge"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := New(dir, opts...)
	require.NoError(t, err)
	return r, dir
}

func memDomain(id string) Domain {
	return Domain{
		ID:          id,
		DisplayName: "Domain " + id,
		BackendType: "memory",
		Enabled:     true,
	}
}

func TestRegistryAddGetList(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, memDomain("d1")))
	require.NoError(t, r.Add(ctx, memDomain("d2")))

	d, ok := r.Get("d1")
	require.True(t, ok)
	require.Equal(t, "Domain d1", d.DisplayName)
	require.False(t, d.AddedAt.IsZero())

	require.Len(t, r.List(), 2)

	_, ok = r.Get("ghost")
	require.False(t, ok)
}

func TestRegistryAddDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, memDomain("d1")))
	require.ErrorIs(t, r.Add(ctx, memDomain("d1")), filebridge.ErrExists)
}

func TestRegistryAddEmptyID(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.ErrorIs(t, r.Add(context.Background(), memDomain("")), filebridge.ErrInvalidName)
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, r.Add(ctx, memDomain("d1")))

	reopened, err := New(dir)
	require.NoError(t, err)
	d, ok := reopened.Get("d1")
	require.True(t, ok)
	require.Equal(t, "memory", d.BackendType)
	require.True(t, d.Enabled)
}

func TestRegistryRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, memDomain("d1")))
	require.NoError(t, r.Remove(ctx, "d1"))

	_, ok := r.Get("d1")
	require.False(t, ok)

	require.ErrorIs(t, r.Remove(ctx, "d1"), filebridge.ErrNotFound)
}

func TestRegistryRemoveRunsPurge(t *testing.T) {
	var purged atomic.Value
	r, _ := newTestRegistry(t, WithPurge(func(ctx context.Context, domainID string) error {
		purged.Store(domainID)
		return nil
	}))
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, memDomain("d1")))
	require.NoError(t, r.Remove(ctx, "d1"))
	require.Equal(t, "d1", purged.Load())
}

func TestRegistryRemoveWaitsForLeases(t *testing.T) {
	purgeRan := make(chan struct{})
	r, _ := newTestRegistry(t, WithPurge(func(ctx context.Context, domainID string) error {
		close(purgeRan)
		return nil
	}))
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, memDomain("d1")))

	lease, err := r.Acquire("d1")
	require.NoError(t, err)

	removeDone := make(chan error, 1)
	go func() {
		removeDone <- r.Remove(ctx, "d1")
	}()

	// Removal must not purge while the lease is held.
	select {
	case <-purgeRan:
		t.Fatal("purge ran while a lease was held")
	case <-time.After(50 * time.Millisecond):
	}

	lease.Release()
	require.NoError(t, <-removeDone)
	<-purgeRan
}

func TestRegistryAcquire(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, memDomain("d1")))

	lease, err := r.Acquire("d1")
	require.NoError(t, err)
	require.Equal(t, "d1", lease.Domain().ID)
	require.NotNil(t, lease.Backend())
	lease.Release()
	lease.Release() // idempotent

	_, err = r.Acquire("ghost")
	require.ErrorIs(t, err, filebridge.ErrNotFound)
}

func TestRegistryAcquireDisabledDomain(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	d := memDomain("d1")
	d.Enabled = false
	require.NoError(t, r.Add(ctx, d))

	_, err := r.Acquire("d1")
	require.ErrorIs(t, err, filebridge.ErrUnavailable)
}

func TestRegistryClose(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, memDomain("d1")))
	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))

	_, err := r.Acquire("d1")
	require.ErrorIs(t, err, filebridge.ErrShuttingDown)
	require.ErrorIs(t, r.Add(ctx, memDomain("d2")), filebridge.ErrShuttingDown)
}

func TestRegistryCloseTimesOutOnHeldLease(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, memDomain("d1")))
	lease, err := r.Acquire("d1")
	require.NoError(t, err)
	defer lease.Release()

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Close(timeoutCtx), context.DeadlineExceeded)
}

func TestRegistryUnknownBackendTypeAccepted(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	d := memDomain("d1")
	d.BackendType = "dropbox"
	require.NoError(t, r.Add(ctx, d))

	lease, err := r.Acquire("d1")
	require.NoError(t, err)
	defer lease.Release()

	_, err = lease.Backend().Stat(ctx, "")
	require.ErrorIs(t, err, filebridge.ErrUnavailable)
}
