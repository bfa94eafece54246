package filesystem

import (
	"time"

	"golang.org/x/sys/unix"
)

// Metadata encodes the subset of POSIX stat_t information the engine needs
// in order to drive comparison, attribute reconciliation, hard-link
// preservation, and traversal boundary checks.
type Metadata struct {
	// Name is the base name of the filesystem entry.
	Name string
	// Mode is the raw mode (type bits and permission bits) of the entry.
	Mode Mode
	// Size is the size of the entry in bytes, as reported by stat. For
	// directories and special files this is not meaningful for comparison.
	Size uint64
	// ModificationTime is the entry's mtime.
	ModificationTime time.Time
	// ChangeTime is the entry's ctime, consulted by the ATIME and
	// CHECKSUM/HASH comparators.
	ChangeTime time.Time
	// DeviceID is the device on which the entry resides (st_dev). Used to
	// enforce traversal device boundaries (xdev) and hard-link scoping.
	DeviceID uint64
	// FileID is the entry's inode number (st_ino). Combined with DeviceID it
	// uniquely identifies the underlying file for hard-link preservation.
	FileID uint64
	// Link count (st_nlink). A value greater than one indicates the source
	// file may already be linked elsewhere and is a candidate for hard-link
	// preservation.
	Nlink uint64
	// OwnerID is the owning user ID (st_uid).
	OwnerID int
	// GroupID is the owning group ID (st_gid).
	GroupID int
	// DeviceNumber is the raw device number (st_rdev), relevant only when
	// Mode identifies a block or character device.
	DeviceNumber uint64
}

// metadataFromStat converts a raw unix.Stat_t (as returned by fstatat et al.)
// into a Metadata record.
func metadataFromStat(name string, stat *unix.Stat_t) *Metadata {
	return &Metadata{
		Name:             name,
		Mode:             Mode(stat.Mode),
		Size:             uint64(stat.Size),
		ModificationTime: time.Unix(stat.Mtim.Unix()),
		ChangeTime:       time.Unix(stat.Ctim.Unix()),
		DeviceID:         uint64(stat.Dev),
		FileID:           uint64(stat.Ino),
		Nlink:            uint64(stat.Nlink),
		OwnerID:          int(stat.Uid),
		GroupID:          int(stat.Gid),
		DeviceNumber:     uint64(stat.Rdev),
	}
}

// IsDirectory reports whether the entry is a directory.
func (m *Metadata) IsDirectory() bool { return m.Mode.IsDirectory() }

// IsSymbolicLink reports whether the entry is a symbolic link.
func (m *Metadata) IsSymbolicLink() bool { return m.Mode.IsSymbolicLink() }

// IsRegular reports whether the entry is a regular file.
func (m *Metadata) IsRegular() bool { return m.Mode.IsRegular() }

// IsRootOwnedSetuidOrSetgid reports whether the entry is owned by root and
// carries the setuid or setgid bit, the condition that triggers the
// Attribute Reconciler's one-shot watchlist alert.
func (m *Metadata) IsRootOwnedSetuidOrSetgid() bool {
	return m.OwnerID == 0 && m.Mode&(ModeSetuid|ModeSetgid) != 0
}
