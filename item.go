// Package filebridge provides the core types for the filebridge sync engine:
// item identifiers, item metadata, capability sets, and enumeration pages.
package filebridge

import (
	"fmt"
	"strings"
	"time"
)

// RootContainerID is the identifier the host uses for the domain root.
const RootContainerID = "root"

// ItemID identifies an item across all domains. The canonical form is
// "<domain>:<path>" with a forward-slash path relative to the domain root.
// Identifiers beginning with "." are reserved for the host.
type ItemID string

// MakeItemID builds an identifier from a domain identifier and a
// backend-relative path.
func MakeItemID(domain, path string) ItemID {
	return ItemID(domain + ":" + strings.TrimPrefix(path, "/"))
}

// IsRoot reports whether the identifier denotes the domain root container.
func (id ItemID) IsRoot() bool {
	return string(id) == RootContainerID || strings.HasSuffix(string(id), ":")
}

// IsReserved reports whether the identifier is a host-reserved name such as
// ".trash" or ".workingset".
func (id ItemID) IsReserved() bool {
	return strings.HasPrefix(string(id), ".")
}

// Split separates the identifier into its domain and path parts.
// It returns ok=false for identifiers that do not carry a domain prefix,
// such as "root".
func (id ItemID) Split() (domain, path string, ok bool) {
	domain, path, ok = strings.Cut(string(id), ":")
	if !ok || domain == "" {
		return "", "", false
	}
	return domain, path, true
}

// Domain returns the owning domain identifier, or "" for identifiers
// without a domain prefix.
func (id ItemID) Domain() string {
	domain, _, ok := id.Split()
	if !ok {
		return ""
	}
	return domain
}

// Parent returns the identifier of the containing item. The parent of a
// top-level entry is the domain root ("<domain>:").
func (id ItemID) Parent() ItemID {
	domain, path, ok := id.Split()
	if !ok {
		return RootContainerID
	}
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ItemID(domain + ":")
	}
	return ItemID(domain + ":" + path[:idx])
}

// Name returns the final path element.
func (id ItemID) Name() string {
	_, path, ok := id.Split()
	if !ok {
		return string(id)
	}
	idx := strings.LastIndex(path, "/")
	return path[idx+1:]
}

func (id ItemID) String() string { return string(id) }

// ItemType classifies an item. The values are part of the host contract and
// must not be renumbered.
type ItemType uint32

const (
	TypeFile      ItemType = 0
	TypeDirectory ItemType = 1
	TypeSymlink   ItemType = 2
	TypePackage   ItemType = 3
)

func (t ItemType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypePackage:
		return "package"
	default:
		return fmt.Sprintf("itemtype(%d)", uint32(t))
	}
}

// IsContainer reports whether items of this type can hold children.
func (t ItemType) IsContainer() bool {
	return t == TypeDirectory || t == TypePackage
}

// Capabilities is a set of operations permitted on an item, expressed as a
// bitmask. The bit positions are part of the host contract.
type Capabilities uint64

const (
	CapRead             Capabilities = 1 << 0
	CapWrite            Capabilities = 1 << 1
	CapReparent         Capabilities = 1 << 2
	CapRename           Capabilities = 1 << 3
	CapTrash            Capabilities = 1 << 4
	CapDelete           Capabilities = 1 << 5
	CapEvict            Capabilities = 1 << 6
	CapAddSubitem       Capabilities = 1 << 7
	CapEnumerateContent Capabilities = 1 << 8
	CapPlay             Capabilities = 1 << 9
)

// FileCapabilities is the default capability set for a regular file.
func FileCapabilities() Capabilities {
	return CapRead | CapWrite | CapReparent | CapRename | CapTrash | CapDelete | CapEvict
}

// DirectoryCapabilities is the default capability set for a container.
func DirectoryCapabilities() Capabilities {
	return CapRead | CapReparent | CapRename | CapTrash | CapDelete | CapAddSubitem | CapEnumerateContent
}

// ReadOnlyCapabilities is the capability set for items the backend reports
// as unwritable.
func ReadOnlyCapabilities() Capabilities {
	return CapRead | CapEvict | CapEnumerateContent
}

// Has reports whether every capability in want is present.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// With returns the set extended by extra.
func (c Capabilities) With(extra Capabilities) Capabilities {
	return c | extra
}

// Without returns the set with removed cleared.
func (c Capabilities) Without(removed Capabilities) Capabilities {
	return c &^ removed
}

// DefaultCapabilities returns the capability set appropriate for a type.
// Container-only capabilities are never granted to non-containers.
func DefaultCapabilities(t ItemType) Capabilities {
	if t.IsContainer() {
		return DirectoryCapabilities()
	}
	return FileCapabilities()
}

// Item is the engine's cached view of one remote object. The backend remains
// authoritative; an Item is a cache entry subject to invalidation.
type Item struct {
	ID           ItemID       `json:"id"`
	ParentID     ItemID       `json:"parent_id"`
	Filename     string       `json:"filename"`
	Type         ItemType     `json:"type"`
	Size         *int64       `json:"size,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string       `json:"version,omitempty"`
	Downloaded   bool         `json:"downloaded"`
	Uploaded     bool         `json:"uploaded"`
	Modified     time.Time    `json:"modified,omitempty"`

	// FetchedAt is the freshness marker: when this metadata was last
	// confirmed against the backend.
	FetchedAt time.Time `json:"fetched_at"`
}

// SizeKnown returns the item size and whether it is known. Directory sizes
// are typically unknown.
func (it *Item) SizeKnown() (int64, bool) {
	if it.Size == nil {
		return 0, false
	}
	return *it.Size, true
}

// Clone returns a deep copy. The boundary layer hands clones to the caller
// so the engine never shares memory across the call surface.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	dup := *it
	if it.Size != nil {
		size := *it.Size
		dup.Size = &size
	}
	return &dup
}

// Page is one batch of an enumeration: an ordered slice of items plus an
// opaque continuation token. An empty token signals exhaustion.
type Page struct {
	Items     []*Item
	NextToken string
}

// Clone returns a deep copy of the page and all items in it.
func (p *Page) Clone() *Page {
	if p == nil {
		return nil
	}
	dup := &Page{NextToken: p.NextToken}
	if p.Items != nil {
		dup.Items = make([]*Item, len(p.Items))
		for i, it := range p.Items {
			dup.Items[i] = it.Clone()
		}
	}
	return dup
}
