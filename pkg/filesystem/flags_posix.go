//go:build !darwin
// +build !darwin

package filesystem

import "github.com/convergefs/fspromise/pkg/logging"

// SupportsFlags reports whether the BSD chflags mechanism is available on
// this platform. Only Darwin and the BSDs implement it; elsewhere the
// attribute reconciler's flags limb is a documented no-op, represented as a
// capability interface rather than a build-tag-gated failure.
const SupportsFlags = false

// SetFlags is a no-op on platforms without chflags. It logs once at debug
// level so that a promise specifying plus_flags/minus_flags doesn't fail
// silently.
func SetFlags(_ *Directory, name string, _, _ uint32, logger *logging.Logger) error {
	logger.Debugf("BSD flags unsupported on this platform; ignoring flags for %s", name)
	return nil
}
