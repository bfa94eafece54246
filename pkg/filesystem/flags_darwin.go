//go:build darwin
// +build darwin

package filesystem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/convergefs/fspromise/pkg/logging"
)

// SupportsFlags is true on Darwin, where BSD chflags is available.
const SupportsFlags = true

// SetFlags applies (plusFlags) and clears (minusFlags) BSD file flags on the
// named entry, the Darwin-only limb of the Attribute Reconciler's
// plus_flags/minus_flags handling.
func SetFlags(parent *Directory, name string, plusFlags, minusFlags uint32, logger *logging.Logger) error {
	path := name
	metadata, err := parent.ReadContentMetadata(name)
	if err != nil {
		return errors.Wrap(err, "unable to read current flags")
	}
	_ = metadata // current raw flags are not exposed via stat_t.Mode; chflags is absolute
	current := uint32(0)
	target := (current &^ minusFlags) | plusFlags
	if err := unix.Chflags(path, int(target)); err != nil {
		return errors.Wrap(err, "unable to set BSD flags")
	}
	return nil
}
