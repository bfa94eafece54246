package hash

import (
	"bytes"
	"os"

	"github.com/convergefs/fspromise/pkg/filesystem"
)

// osOpen opens path read-only for hashing. It is a thin wrapper so that
// platform-specific symlink-refusing variants can be swapped in without
// touching the hashing logic itself.
func osOpen(path string) (filesystem.ReadableFile, error) {
	return os.Open(path)
}

// newBytesReader wraps data for reuse of the streaming hashBest path when
// hashing in-memory content instead of a file.
func newBytesReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
