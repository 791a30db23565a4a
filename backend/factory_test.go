package backend

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filebridge/filebridge"
)

func TestOpenMemory(t *testing.T) {
	b, err := Open("memory", nil)
	require.NoError(t, err)
	_, ok := b.(*Memory)
	require.True(t, ok)
}

func TestOpenLocalFS(t *testing.T) {
	root := filepath.Join(t.TempDir(), "drive")
	cfg, err := json.Marshal(map[string]string{"root": root})
	require.NoError(t, err)

	b, err := Open("localfs", cfg)
	require.NoError(t, err)
	l, ok := b.(*LocalFS)
	require.True(t, ok)
	require.Equal(t, root, l.Root())
}

func TestOpenLocalFSMissingRoot(t *testing.T) {
	_, err := Open("localfs", nil)
	require.Error(t, err)
}

func TestOpenUnknownTypeYieldsPlaceholder(t *testing.T) {
	b, err := Open("dropbox", nil)
	require.NoError(t, err)

	// The placeholder keeps the domain configured but offline.
	ctx := context.Background()
	_, serr := b.Stat(ctx, "")
	require.ErrorIs(t, serr, filebridge.ErrUnavailable)
	_, serr = b.List(ctx, "", "", 0)
	require.ErrorIs(t, serr, filebridge.ErrUnavailable)
	require.ErrorIs(t, b.Delete(ctx, "x"), filebridge.ErrUnavailable)
}

func TestRegisterOverride(t *testing.T) {
	mem := NewMemory()
	Register("custom-"+t.Name(), func(json.RawMessage) (Backend, error) {
		return mem, nil
	})

	b, err := Open("custom-"+t.Name(), nil)
	require.NoError(t, err)
	require.Same(t, mem, b)
}
