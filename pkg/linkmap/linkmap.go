// Package linkmap implements the Hard-link Map: a compact inode-to-destination-path registry, populated by the Copy
// Engine whenever a source file has link count >1, and consulted so that
// every subsequent source inode sharing that link group becomes a hard link
// in the destination rather than a second physical copy.
//
// Lifetime is exactly one promise evaluation; callers create a
// fresh Map per recursive copy and discard it on completion.
package linkmap

// Map is an inode-to-destination-path registry. The zero value is not
// ready for use; call New.
type Map struct {
	entries map[uint64]string
}

// New returns an empty Map sized for one promise evaluation.
func New() *Map {
	return &Map{entries: make(map[uint64]string)}
}

// Lookup returns the destination path already materialized for inode, and
// whether one was recorded.
func (m *Map) Lookup(inode uint64) (string, bool) {
	path, ok := m.entries[inode]
	return path, ok
}

// Record associates inode with destinationPath, called the first time a
// multiply-linked source inode is materialized in the destination.
func (m *Map) Record(inode uint64, destinationPath string) {
	m.entries[inode] = destinationPath
}

// Len reports the number of distinct inodes recorded, used in tests and
// diagnostics.
func (m *Map) Len() int {
	return len(m.entries)
}
