package filesystem

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ensureValidName verifies that name is a single path component: not ".",
// not "..", and free of path separators. Every Directory method that takes a
// name (rather than a path) calls this first, which is what makes the
// *at-based implementation below immune to the traversal tricks a path-based
// implementation is vulnerable to.
func ensureValidName(name string) error {
	if name == "." {
		return errors.New("name is a reference to the directory itself")
	} else if name == ".." {
		return errors.New("name is a reference to the parent directory")
	} else if strings.IndexByte(name, '/') != -1 {
		return errors.New("path separator appears in name")
	}
	return nil
}

// Directory represents an open directory descriptor and provides operations
// on its contents that are anchored to that descriptor rather than to a
// path. This is the push/pop protocol's building block: a
// Directory obtained by opening "child" within a parent cannot be retargeted
// by a later rename of "child" elsewhere in the namespace, because all
// subsequent operations reference the open descriptor, not the name used to
// obtain it.
type Directory struct {
	descriptor int
	file       *os.File
}

// Descriptor returns the raw file descriptor underlying the directory. It
// must not be used after Close and must not be closed independently.
func (d *Directory) Descriptor() int {
	return d.descriptor
}

// Close closes the directory.
func (d *Directory) Close() error {
	return d.file.Close()
}

// OpenDirectoryByPath opens the directory at an absolute or relative path,
// the entry point for descriptor-based work on a path: the converge command
// opens the parent of the promiser path (and of a local copy source) this
// way, as does the Copy Engine's local stat of a path; the Traversal Engine
// thereafter descends exclusively via OpenDirectory.
func OpenDirectoryByPath(path string) (*Directory, error) {
	descriptor, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(descriptor, &stat); err != nil {
		unix.Close(descriptor)
		return nil, errors.Wrap(err, "unable to query directory metadata")
	}
	if Mode(stat.Mode)&ModeTypeMask != ModeTypeDirectory {
		unix.Close(descriptor)
		return nil, errors.New("path is not a directory")
	}
	return &Directory{descriptor: descriptor, file: os.NewFile(uintptr(descriptor), path)}, nil
}

// Identity returns the (device, inode) pair of the directory itself, as
// captured by fstat on the open descriptor. The Traversal Engine saves this
// immediately after a descent and compares it against a fresh Identity call
// after returning from a subtree; there is no chdir involved, but the check
// remains meaningful as a defense against the descriptor itself having been
// invalidated.
func (d *Directory) Identity() (dev, ino uint64, err error) {
	var stat unix.Stat_t
	if err := unix.Fstat(d.descriptor, &stat); err != nil {
		return 0, 0, err
	}
	return uint64(stat.Dev), uint64(stat.Ino), nil
}

// CreateDirectory creates a subdirectory with user-only permissions; the
// caller applies the promised permissions afterward via SetPermissions.
func (d *Directory) CreateDirectory(name string) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	return unix.Mkdirat(d.descriptor, name, 0700)
}

// maximumTemporaryFileRetries bounds the search for a free temporary name.
const maximumTemporaryFileRetries = 256

// CreateTemporaryFile creates a new exclusive, user-only-readable file whose
// name starts with prefix, used by the Copy Engine for the ".cfnew"
// in-flight write target.
func (d *Directory) CreateTemporaryFile(prefix string) (string, WritableFile, error) {
	for i := 0; i < maximumTemporaryFileRetries; i++ {
		name := prefix + strconv.Itoa(i)
		descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
		if err == nil {
			return name, os.NewFile(uintptr(descriptor), name), nil
		}
		if !os.IsExist(err) {
			return "", nil, errors.Wrap(err, "unable to create temporary file")
		}
	}
	return "", nil, errors.New("exhausted candidate temporary file names")
}

// CreateOrTruncateFile opens name for writing, creating it if absent and
// truncating it to zero length if present, used by the Name Reconciler's
// Truncate/Rotate operations.
func (d *Directory) CreateOrTruncateFile(name string) (WritableFile, error) {
	if err := ensureValidName(name); err != nil {
		return nil, err
	}
	descriptor, err := unix.Openat(d.descriptor, name, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0644)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(descriptor), name), nil
}

// CreateSymbolicLink creates a symbolic link named name pointing at target.
func (d *Directory) CreateSymbolicLink(name, target string) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	return unix.Symlinkat(target, d.descriptor, name)
}

// CreateFIFO recreates a named pipe, used when the Copy Engine materializes
// a FIFO source entry.
func (d *Directory) CreateFIFO(name string, mode Mode) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	return unix.Mknodat(d.descriptor, name, uint32(mode&ModeTypeMask|mode.Permissions()), 0)
}

// CreateDevice recreates a block or character device node.
func (d *Directory) CreateDevice(name string, mode Mode, rdev uint64) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	return unix.Mknodat(d.descriptor, name, uint32(mode&ModeTypeMask|mode.Permissions()), int(rdev))
}

// SetPermissions sets ownership (if non-nil and not both components -1) and
// then permission bits (if non-zero after masking) on the named entry,
// never following a symbolic link at that name.
func (d *Directory) SetPermissions(name string, ownership *OwnershipSpecification, mode Mode) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	if ownership != nil && (ownership.OwnerID != -1 || ownership.GroupID != -1) {
		if err := unix.Fchownat(d.descriptor, name, ownership.OwnerID, ownership.GroupID, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return errors.Wrap(err, "unable to set ownership")
		}
	}
	if bits := mode & ModePermissionsMask; bits != 0 || mode&(ModeSetuid|ModeSetgid|ModeSticky) != 0 {
		full := mode & (ModePermissionsMask | ModeSetuid | ModeSetgid | ModeSticky)
		// fchmodat does not support AT_SYMLINK_NOFOLLOW on Linux; open the
		// entry with O_NOFOLLOW and fchmod the resulting descriptor instead,
		// which achieves the same "never chmod across a symlink" guarantee.
		descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			if err == unix.ELOOP {
				// The target is itself a symbolic link; there is nothing to
				// chmod, which matches POSIX chmod semantics for symlinks.
				return nil
			}
			return errors.Wrap(err, "unable to open entry for permission change")
		}
		chmodErr := unix.Fchmod(descriptor, uint32(full))
		unix.Close(descriptor)
		if chmodErr != nil {
			return errors.Wrap(chmodErr, "unable to set permission bits")
		}
	}
	return nil
}

// open is the shared implementation behind OpenDirectory and OpenFile.
func (d *Directory) open(name string, wantDirectory bool) (int, *os.File, error) {
	if !(wantDirectory && name == ".") {
		if err := ensureValidName(name); err != nil {
			return -1, nil, err
		}
	}
	descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(descriptor, &stat); err != nil {
		unix.Close(descriptor)
		return -1, nil, errors.Wrap(err, "unable to query metadata")
	}
	expected := ModeTypeFile
	if wantDirectory {
		expected = ModeTypeDirectory
	}
	if Mode(stat.Mode)&ModeTypeMask != expected {
		unix.Close(descriptor)
		return -1, nil, errors.New("entry is not of the expected type")
	}
	return descriptor, os.NewFile(uintptr(descriptor), name), nil
}

// OpenDirectory opens the subdirectory name, refusing to follow a symbolic
// link in its place. Passing "." reopens the directory itself.
func (d *Directory) OpenDirectory(name string) (*Directory, error) {
	descriptor, file, err := d.open(name, true)
	if err != nil {
		return nil, err
	}
	return &Directory{descriptor: descriptor, file: file}, nil
}

// OpenDirectoryFollowingLink opens name, following it if it is a symbolic
// link to a directory. Unlike OpenDirectory, this does not refuse symbolic
// links — it exists solely for recursion.travlinks (spec.md §4.6), where the
// caller has already vetted the link's owner and deliberately wants to
// descend through it. There is no pre-follow identity to compare the open
// result against (the link's own dev/ino describe the link, not whatever it
// points to), so the only safety check available is the post-open type
// check, same as open() applies to every other entry.
func (d *Directory) OpenDirectoryFollowingLink(name string) (*Directory, error) {
	if err := ensureValidName(name); err != nil {
		return nil, err
	}
	descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(descriptor, &stat); err != nil {
		unix.Close(descriptor)
		return nil, errors.Wrap(err, "unable to query metadata")
	}
	if Mode(stat.Mode)&ModeTypeMask != ModeTypeDirectory {
		unix.Close(descriptor)
		return nil, errors.New("entry is not of the expected type")
	}
	return &Directory{descriptor: descriptor, file: os.NewFile(uintptr(descriptor), name)}, nil
}

// OpenFile opens the regular file name for reading.
func (d *Directory) OpenFile(name string) (ReadableFile, error) {
	_, file, err := d.open(name, false)
	return file, err
}

// ReadContentNames lists the directory's entries, excluding "." and "..".
func (d *Directory) ReadContentNames() ([]string, error) {
	names, err := d.file.Readdirnames(0)
	if err != nil {
		return nil, err
	}
	if _, err := unix.Seek(d.descriptor, 0, 0); err != nil {
		return nil, errors.Wrap(err, "unable to reset directory read position")
	}
	filtered := names[:0]
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		filtered = append(filtered, name)
	}
	return filtered, nil
}

// ReadContentMetadata reads lstat-equivalent metadata for the named entry
// without following a trailing symbolic link.
func (d *Directory) ReadContentMetadata(name string) (*Metadata, error) {
	if err := ensureValidName(name); err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstatat(d.descriptor, name, &stat, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, err
	}
	return metadataFromStat(name, &stat), nil
}

// ReadContents lists the directory and returns metadata for each entry,
// silently skipping entries that disappear between the listing and the
// metadata query — an inherent race when processing directory content
// concurrently with other mutators of the same directory.
func (d *Directory) ReadContents() ([]*Metadata, error) {
	names, err := d.ReadContentNames()
	if err != nil {
		return nil, errors.Wrap(err, "unable to read directory content names")
	}
	results := make([]*Metadata, 0, len(names))
	for _, name := range names {
		metadata, err := d.ReadContentMetadata(name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(err, "unable to read content metadata")
		}
		results = append(results, metadata)
	}
	return results, nil
}

// readlinkInitialBufferSize is the starting buffer size for ReadSymbolicLink.
const readlinkInitialBufferSize = 128

// ReadSymbolicLink reads the target of the symbolic link named name.
func (d *Directory) ReadSymbolicLink(name string) (string, error) {
	if err := ensureValidName(name); err != nil {
		return "", err
	}
	for size := readlinkInitialBufferSize; ; size *= 2 {
		buffer := make([]byte, size)
		count, err := unix.Readlinkat(d.descriptor, name, buffer)
		if err != nil {
			return "", &os.PathError{Op: "readlinkat", Path: name, Err: err}
		}
		if count < size {
			return string(buffer[:count]), nil
		}
	}
}

// SymbolicLinkTargetExists reports whether the symbolic link named name
// resolves to an entry that exists, without itself becoming vulnerable to
// the race it is checking for: a failed open due to a dangling target is
// distinguished from every other failure, which is reported as an error.
func (d *Directory) SymbolicLinkTargetExists(name string) (bool, error) {
	if err := ensureValidName(name); err != nil {
		return false, err
	}
	descriptor, err := unix.Openat(d.descriptor, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err == nil {
		unix.Close(descriptor)
		return true, nil
	}
	if err == unix.ENOENT {
		return false, nil
	}
	return false, err
}

// RemoveDirectory removes the (empty) subdirectory named name.
func (d *Directory) RemoveDirectory(name string) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	return unix.Unlinkat(d.descriptor, name, unix.AT_REMOVEDIR)
}

// RemoveFile unlinks the entry named name (regular file, FIFO, device,
// socket, or symbolic link).
func (d *Directory) RemoveFile(name string) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	return unix.Unlinkat(d.descriptor, name, 0)
}

// HardLink creates a new hard link named name inside the directory pointing
// at the already-materialized destination path existingPath. Used by the
// Copy Engine's hard-link preservation step.
func (d *Directory) HardLink(name, existingPath string) error {
	if err := ensureValidName(name); err != nil {
		return err
	}
	return unix.Linkat(unix.AT_FDCWD, existingPath, d.descriptor, name, 0)
}

// Rename performs an atomic rename from one location to another. Either
// location may be specified by directory-relative name (with a non-nil
// Directory) or by an absolute/relative path (with a nil Directory).
func Rename(sourceDirectory *Directory, sourceNameOrPath string, targetDirectory *Directory, targetNameOrPath string) error {
	if sourceDirectory != nil {
		if err := ensureValidName(sourceNameOrPath); err != nil {
			return errors.Wrap(err, "source name invalid")
		}
	}
	if targetDirectory != nil {
		if err := ensureValidName(targetNameOrPath); err != nil {
			return errors.Wrap(err, "target name invalid")
		}
	}
	var sourceDescriptor, targetDescriptor int = unix.AT_FDCWD, unix.AT_FDCWD
	if sourceDirectory != nil {
		sourceDescriptor = sourceDirectory.descriptor
	}
	if targetDirectory != nil {
		targetDescriptor = targetDirectory.descriptor
	}
	return unix.Renameat(sourceDescriptor, sourceNameOrPath, targetDescriptor, targetNameOrPath)
}

// IsCrossDeviceError reports whether err represents a cross-device rename
// failure (EXDEV). No package in the engine calls it; the Copy Engine's
// backup rename has no copy-then-remove fallback.
func IsCrossDeviceError(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
