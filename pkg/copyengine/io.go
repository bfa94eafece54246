package copyengine

import "os"

// osReadlink reads a local symbolic link's target, split out so the remote
// and local paths in materializeLink read identically.
func osReadlink(path string) (string, error) {
	return os.Readlink(path)
}
