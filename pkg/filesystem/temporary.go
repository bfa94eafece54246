package filesystem

// The following constants define the on-disk naming convention the engine
// uses to mark in-flight writes, backups, disabled objects, and rotated
// logs.
const (
	// NewFileSuffix is appended to a destination's temporary write target
	// during Write-Replace: writes land at "<dest><NewFileSuffix>" followed
	// by the numeric counter CreateTemporaryFile appends (e.g. "dest.cfnew0")
	// before being renamed over the real destination.
	NewFileSuffix = ".cfnew"

	// SavedFileSuffix marks the default (non-timestamped) backup of a
	// destination's prior content, created before Write-Replace commits.
	SavedFileSuffix = ".cfsaved"

	// DefaultDisabledSuffix is the suffix the Name Reconciler appends to a
	// disabled object's name when the promise doesn't specify one.
	DefaultDisabledSuffix = ".cfdisabled"
)
