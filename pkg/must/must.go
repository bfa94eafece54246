// Package must provides "best effort" wrappers around cleanup operations
// whose failure is worth knowing about but never worth propagating: closing
// a file after an error has already been reported, removing a temporary
// file once it's no longer needed, releasing a lock on the way out of a
// promise evaluation. Each wrapper logs a warning on failure instead of
// returning an error, which keeps defer chains and rollback paths free of
// secondary error-handling noise.
package must

import (
	"io"

	"github.com/convergefs/fspromise/pkg/logging"
)

// Close closes c, logging a warning if it fails.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("unable to close: %s", err)
	}
}

// Unlock unlocks locker, logging a warning if it fails.
func Unlock(locker interface{ Unlock() error }, logger *logging.Logger) {
	if err := locker.Unlock(); err != nil {
		logger.Warnf("unable to unlock: %s", err)
	}
}

// RemoveFile removes name via rf (a Directory or similar), logging a
// warning if it fails. Used in Copy Engine rollback paths where the
// destination's parent directory is already open.
func RemoveFile(rf interface{ RemoveFile(string) error }, name string, logger *logging.Logger) {
	if err := rf.RemoveFile(name); err != nil {
		logger.Warnf("unable to remove file '%s': %s", name, err)
	}
}

// IOCopy copies from src to dst, logging a warning on failure instead of
// returning an error. Used for best-effort streaming of subprocess output
// into the logger (Promise Dispatcher transformer step).
func IOCopy(dst io.Writer, src io.Reader, logger *logging.Logger) {
	if _, err := io.Copy(dst, src); err != nil {
		logger.Warnf("unable to copy from source to destination: %s", err)
	}
}
