package filebridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeItemID(t *testing.T) {
	require.Equal(t, ItemID("d1:docs/readme.md"), MakeItemID("d1", "docs/readme.md"))
	require.Equal(t, ItemID("d1:docs/readme.md"), MakeItemID("d1", "/docs/readme.md"))
	require.Equal(t, ItemID("d1:"), MakeItemID("d1", ""))
}

func TestItemIDSplit(t *testing.T) {
	domain, path, ok := ItemID("d1:docs/readme.md").Split()
	require.True(t, ok)
	require.Equal(t, "d1", domain)
	require.Equal(t, "docs/readme.md", path)

	_, _, ok = ItemID("root").Split()
	require.False(t, ok)
	_, _, ok = ItemID(":path-without-domain").Split()
	require.False(t, ok)
}

func TestItemIDIsRoot(t *testing.T) {
	require.True(t, ItemID("root").IsRoot())
	require.True(t, ItemID("d1:").IsRoot())
	require.False(t, ItemID("d1:docs").IsRoot())
	require.False(t, ItemID("").IsRoot())
}

func TestItemIDIsReserved(t *testing.T) {
	require.True(t, ItemID(".trash").IsReserved())
	require.True(t, ItemID(".workingset").IsReserved())
	require.False(t, ItemID("d1:docs").IsReserved())
	require.False(t, ItemID("root").IsReserved())
}

func TestItemIDParent(t *testing.T) {
	require.Equal(t, ItemID("d1:docs"), ItemID("d1:docs/readme.md").Parent())
	require.Equal(t, ItemID("d1:"), ItemID("d1:top.txt").Parent())
	require.Equal(t, ItemID("root"), ItemID("root").Parent())
}

func TestItemIDName(t *testing.T) {
	require.Equal(t, "readme.md", ItemID("d1:docs/readme.md").Name())
	require.Equal(t, "top.txt", ItemID("d1:top.txt").Name())
}

func TestItemTypeIsContainer(t *testing.T) {
	require.False(t, TypeFile.IsContainer())
	require.True(t, TypeDirectory.IsContainer())
	require.False(t, TypeSymlink.IsContainer())
	require.True(t, TypePackage.IsContainer())
}

func TestCapabilityBitPositions(t *testing.T) {
	// The bit positions are a wire contract with the host.
	require.Equal(t, Capabilities(1), CapRead)
	require.Equal(t, Capabilities(2), CapWrite)
	require.Equal(t, Capabilities(1<<9), CapPlay)
}

func TestDefaultCapabilities(t *testing.T) {
	file := DefaultCapabilities(TypeFile)
	require.True(t, file.Has(CapRead|CapWrite|CapDelete|CapEvict))
	require.False(t, file.Has(CapAddSubitem))
	require.False(t, file.Has(CapEnumerateContent))

	dir := DefaultCapabilities(TypeDirectory)
	require.True(t, dir.Has(CapAddSubitem|CapEnumerateContent))
	require.False(t, dir.Has(CapWrite))
	require.False(t, dir.Has(CapEvict))
}

func TestCapabilitiesWithWithout(t *testing.T) {
	caps := FileCapabilities().Without(CapWrite | CapDelete)
	require.False(t, caps.Has(CapWrite))
	require.True(t, caps.Has(CapRead))

	caps = caps.With(CapPlay)
	require.True(t, caps.Has(CapPlay))
}

func TestItemClone(t *testing.T) {
	size := int64(42)
	item := &Item{
		ID:       "d1:a.txt",
		Filename: "a.txt",
		Size:     &size,
	}

	dup := item.Clone()
	require.Equal(t, item, dup)

	// The clone owns its own size.
	*dup.Size = 99
	require.Equal(t, int64(42), *item.Size)

	require.Nil(t, (*Item)(nil).Clone())
}

func TestPageClone(t *testing.T) {
	page := &Page{
		Items:     []*Item{{ID: "d1:a.txt"}, {ID: "d1:b.txt"}},
		NextToken: "tok",
	}

	dup := page.Clone()
	require.Equal(t, page, dup)

	dup.Items[0].Filename = "changed"
	require.Empty(t, page.Items[0].Filename)
}

func TestItemSizeKnown(t *testing.T) {
	item := &Item{}
	_, known := item.SizeKnown()
	require.False(t, known)

	size := int64(7)
	item.Size = &size
	got, known := item.SizeKnown()
	require.True(t, known)
	require.Equal(t, int64(7), got)
}
