// Package traversal implements the Traversal Engine: a depth-limited recursive walk built on the push/pop
// protocol of pkg/filesystem.Directory, with symlink-race defense,
// device-boundary enforcement, and include/exclude directory filtering.
package traversal

import (
	"fmt"
	"path"

	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/logging"
	"github.com/convergefs/fspromise/pkg/must"
	"github.com/convergefs/fspromise/pkg/promise"
)

// recursionLimit is CF_RECURSION_LIMIT from spec.md §4.6: a hard ceiling
// independent of any configured recursion.depth.
const recursionLimit = 100

// ErrSecurityAlert is returned when the push/pop re-verification detects
// that a directory's identity changed between lstat and descent — the
// "SERIOUS SECURITY ALERT" condition of spec.md §4.6 — and aborts the
// entire traversal.
var ErrSecurityAlert = errors.New("directory identity changed between lstat and descent: possible symlink race")

// LeafVisitor is invoked for every entry the traversal reaches, after any
// recursion into it has completed. parent is the
// already-open, race-verified directory containing name.
type LeafVisitor func(parent *filesystem.Directory, name string, metadata *filesystem.Metadata, path string) (promise.Outcome, string, error)

// Walker drives one recursive traversal rooted at a single directory.
type Walker struct {
	Logger        *logging.Logger
	Recursion     promise.RecursionAttributes
	RootDeviceID  uint64
	EffectiveUID  int
	Visit         LeafVisitor
}

// Walk traverses root (already open) down to Recursion.Depth (bounded by
// recursionLimit regardless of configuration), invoking Visit on every
// entry. rootPath is the filesystem path of root, used to build full paths
// for reporting.
func (w *Walker) Walk(root *filesystem.Directory, rootPath string) ([]promise.Result, error) {
	w.RootDeviceID = 0
	if dev, _, err := root.Identity(); err == nil {
		w.RootDeviceID = dev
	}

	var results []promise.Result
	if w.Recursion.IncludeBaseDir {
		results = append(results, promise.NewResult(rootPath, promise.Noop, "base directory included", ""))
	}

	depthLimit := w.Recursion.Depth
	if depthLimit <= 0 || depthLimit > recursionLimit {
		depthLimit = recursionLimit
	}

	err := w.walk(root, rootPath, 0, depthLimit, &results)
	return results, err
}

func (w *Walker) walk(dir *filesystem.Directory, dirPath string, depth, depthLimit int, results *[]promise.Result) error {
	entries, err := dir.ReadContents()
	if err != nil {
		return errors.Wrap(err, "unable to read directory contents")
	}

	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		entryPath := path.Join(dirPath, entry.Name)

		if entry.IsDirectory() && w.excluded(entry.Name) {
			continue
		}

		if entry.Mode.IsSymbolicLink() {
			if !w.Recursion.Travlinks {
				w.killGhostLink(dir, entry.Name, entryPath)
				outcome, message, err := w.Visit(dir, entry.Name, entry, entryPath)
				if err != nil {
					return err
				}
				*results = append(*results, promise.NewResult(entryPath, outcome, message, ""))
				continue
			}
			if entry.OwnerID != 0 && entry.OwnerID != w.EffectiveUID {
				*results = append(*results, promise.NewResult(entryPath, promise.Denied,
					fmt.Sprintf("refusing to follow symbolic link %q owned by uid %d", entryPath, entry.OwnerID), ""))
				continue
			}
		}

		if w.Recursion.Xdev && entry.DeviceID != w.RootDeviceID {
			continue
		}

		if entry.IsDirectory() || (entry.Mode.IsSymbolicLink() && w.Recursion.Travlinks) {
			if depth < depthLimit {
				if err := w.descend(dir, entry, entryPath, depth, depthLimit, results); err != nil {
					return err
				}
				continue
			}
		}

		outcome, message, err := w.Visit(dir, entry.Name, entry, entryPath)
		if err != nil {
			return err
		}
		*results = append(*results, promise.NewResult(entryPath, outcome, message, ""))
	}
	return nil
}

// descend implements the push/pop protocol of spec.md §4.6: capture the
// expected identity from the parent's lstat, open the subdirectory, and
// re-verify its fstat identity matches before trusting anything read
// through it. The one exception is a travlinks-followed symbolic link
// (entry.Mode.IsSymbolicLink()): its own lstat identity describes the link,
// not the directory it points to, so there is no pre-follow identity to
// re-verify against — the link's owner was already vetted by the caller,
// and the post-open directory-type check is the only safety net left, same
// as CFEngine's own travlinks implementation.
func (w *Walker) descend(parent *filesystem.Directory, entry *filesystem.Metadata, entryPath string, depth, depthLimit int, results *[]promise.Result) error {
	followingLink := entry.Mode.IsSymbolicLink()

	var child *filesystem.Directory
	var err error
	if followingLink {
		child, err = parent.OpenDirectoryFollowingLink(entry.Name)
		if err != nil {
			return errors.Wrapf(err, "unable to follow symbolic link %q", entryPath)
		}
	} else {
		child, err = parent.OpenDirectory(entry.Name)
		if err != nil {
			return errors.Wrapf(err, "unable to open subdirectory %q", entryPath)
		}
	}
	defer must.Close(child, w.Logger)

	expectedDev, expectedIno := entry.DeviceID, entry.FileID
	actualDev, actualIno, err := child.Identity()
	if err != nil {
		return errors.Wrapf(err, "unable to verify identity of %q after descent", entryPath)
	}
	if !followingLink && (actualDev != expectedDev || actualIno != expectedIno) {
		return errors.Wrapf(ErrSecurityAlert, "at %q", entryPath)
	}
	if followingLink {
		expectedDev, expectedIno = actualDev, actualIno
	}

	if err := w.walk(child, entryPath, depth+1, depthLimit, results); err != nil {
		return err
	}

	// Re-verify once more on the way back out, matching spec.md §3's "after
	// any chdir into a subdirectory... re-stats '.' and refuses to continue
	// if (st_dev, st_ino) differ." For a followed link, expectedDev/Ino were
	// set from the post-open fstat above, so this still catches the
	// directory being swapped out from under the open descriptor during the
	// walk, just not catch a symlink retarget prior to the initial open.
	returnDev, returnIno, err := child.Identity()
	if err != nil {
		return errors.Wrapf(err, "unable to re-verify identity of %q before returning", entryPath)
	}
	if returnDev != expectedDev || returnIno != expectedIno {
		return errors.Wrapf(ErrSecurityAlert, "at %q (post-descent)", entryPath)
	}

	outcome, message, visitErr := w.Visit(parent, entry.Name, entry, entryPath)
	if visitErr != nil {
		return visitErr
	}
	*results = append(*results, promise.NewResult(entryPath, outcome, message, ""))
	return nil
}

// killGhostLink removes a dangling symbolic link encountered as a leaf
// (travlinks off), per spec.md §4.6.
func (w *Walker) killGhostLink(parent *filesystem.Directory, name, entryPath string) {
	exists, err := parent.SymbolicLinkTargetExists(name)
	if err != nil || exists {
		return
	}
	if err := parent.RemoveFile(name); err != nil {
		w.Logger.Warnf("unable to remove dangling symbolic link %q: %s", entryPath, err)
		return
	}
	w.Logger.Debugf("removed dangling symbolic link %q", entryPath)
}

func (w *Walker) excluded(name string) bool {
	for _, pattern := range w.Recursion.ExcludeDirs {
		if matched, _ := path.Match(pattern, name); matched {
			return true
		}
	}
	if len(w.Recursion.IncludeDirs) == 0 {
		return false
	}
	for _, pattern := range w.Recursion.IncludeDirs {
		if matched, _ := path.Match(pattern, name); matched {
			return false
		}
	}
	return true
}
