package metadb

import "github.com/filebridge/filebridge"

// Bucket names for bbolt storage.
var (
	// items: identifier -> Item JSON
	bucketItems = []byte("items")

	// children: parent identifier + separator + filename -> identifier.
	// The key ordering gives stable, filename-sorted enumeration within
	// one parent.
	bucketChildren = []byte("children")
)

// makeChildKey creates a key for the children index.
// Format: [parent][separator][filename]
func makeChildKey(parent filebridge.ItemID, filename string) []byte {
	p := string(parent)
	key := make([]byte, len(p)+1+len(filename))
	copy(key, p)
	key[len(p)] = 0 // null separator
	copy(key[len(p)+1:], filename)
	return key
}

// childKeyPrefix is the common prefix of all child keys under one parent.
func childKeyPrefix(parent filebridge.ItemID) []byte {
	p := string(parent)
	key := make([]byte, len(p)+1)
	copy(key, p)
	key[len(p)] = 0
	return key
}
