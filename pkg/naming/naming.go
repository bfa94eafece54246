// Package naming implements the Name Reconciler: the mutually exclusive Rename / Disable / Rotate / Truncate / Delete
// operations on a file object, built on the race-safe directory operations
// of pkg/filesystem (Rename, RemoveFile, RemoveDirectory, CreateTemporaryFile)
// rather than path-based os.Rename/os.Remove, so that name reconciliation
// participates in the same push/pop-protected traversal as everything else.
package naming

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/promise"
)

// Outcome reports what a name-reconciliation operation did, in the engine's
// shared vocabulary.
type Outcome = promise.Outcome

// Reconcile applies the single active name operation on attrs.Rename /
// attrs.Delete against name within parent, returning the resulting outcome.
// At most one of rename.newname / rename.disable / rename.rotate /
// delete.enabled may be set; Reconcile does not itself enforce mutual
// exclusion (the promise parser is expected to), but honors whichever is
// set in the documented priority: rename > disable > rotate > delete.
func Reconcile(parent *filesystem.Directory, name string, attrs promise.Attributes, dryRun bool) (promise.Outcome, string, error) {
	rename := attrs.Rename
	transaction := attrs.Transaction
	switch {
	case rename.NewName != "":
		return renameTo(parent, name, rename.NewName, transaction, dryRun)
	case rename.Disable:
		return disable(parent, name, rename, transaction, dryRun)
	case rename.Rotate > 0:
		return rotate(parent, name, rename.Rotate, transaction, dryRun)
	case attrs.Touch && !attrs.Delete.Enabled:
		return truncateOrCreate(parent, name, transaction, dryRun)
	case attrs.Delete.Enabled:
		return deleteEntry(parent, name, attrs.Delete.Rmdirs, transaction, dryRun)
	default:
		return promise.Noop, "no name operation configured", nil
	}
}

func renameTo(parent *filesystem.Directory, name, newName string, transaction promise.TransactionAttributes, dryRun bool) (promise.Outcome, string, error) {
	if _, err := parent.ReadContentMetadata(newName); err == nil {
		return promise.Warn, fmt.Sprintf("rename target %q already exists", newName), nil
	}
	if outcome, message, proceed := transaction.FixGate(dryRun, fmt.Sprintf("rename to %q", newName)); !proceed {
		return outcome, message, nil
	}
	if err := filesystem.Rename(parent, name, parent, newName); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to rename")
	}
	return promise.Change, fmt.Sprintf("renamed to %q", newName), nil
}

const defaultDisableSuffix = filesystem.DefaultDisabledSuffix

func disable(parent *filesystem.Directory, name string, rename promise.RenameAttributes, transaction promise.TransactionAttributes, dryRun bool) (promise.Outcome, string, error) {
	metadata, err := parent.ReadContentMetadata(name)
	if err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to stat entry to disable")
	}

	if metadata.IsSymbolicLink() {
		if outcome, message, proceed := transaction.FixGate(dryRun, "unlink symbolic link to disable it"); !proceed {
			return outcome, message, nil
		}
		if err := parent.RemoveFile(name); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to unlink symbolic link")
		}
		return promise.Change, "disabled symbolic link by unlinking", nil
	}

	suffix := rename.DisableSuffix
	if suffix == "" {
		suffix = defaultDisableSuffix
	}
	archiveName := name + suffix
	if _, err := parent.ReadContentMetadata(archiveName); err == nil {
		return promise.Warn, fmt.Sprintf("disable archive target %q already exists", archiveName), nil
	}

	mode := filesystem.ModePermissionUserRead | filesystem.ModePermissionUserWrite
	if !rename.Minus.Same || !rename.Plus.Same {
		mode = (metadata.Mode.Permissions() &^ rename.Minus.Bits) | rename.Plus.Bits
	}
	if outcome, message, proceed := transaction.FixGate(dryRun, fmt.Sprintf("disable to %q", archiveName)); !proceed {
		return outcome, message, nil
	}
	if err := filesystem.Rename(parent, name, parent, archiveName); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to rename to disable archive")
	}
	if err := parent.SetPermissions(archiveName, filesystem.NoOwnershipChange, mode); err != nil {
		return promise.Warn, "disabled but unable to set archive permissions", nil
	}
	return promise.Change, fmt.Sprintf("disabled to %q", archiveName), nil
}

// rotate cascades name.n-1 -> name.n, ..., name -> name.0, leaving a new
// empty file at name.
func rotate(parent *filesystem.Directory, name string, n int, transaction promise.TransactionAttributes, dryRun bool) (promise.Outcome, string, error) {
	if _, err := parent.ReadContentMetadata(name); err != nil {
		return promise.Noop, "nothing to rotate", nil
	}

	if outcome, message, proceed := transaction.FixGate(dryRun, fmt.Sprintf("rotate %q through %d slots", name, n)); !proceed {
		return outcome, message, nil
	}

	// Cascade from the oldest retained slot downward so no rename
	// overwrites a name it hasn't yet relocated.
	oldestName := rotatedName(name, n)
	if _, err := parent.ReadContentMetadata(oldestName); err == nil {
		if err := parent.RemoveFile(oldestName); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to remove oldest rotation")
		}
	}
	for i := n - 1; i >= 0; i-- {
		from := rotatedName(name, i)
		to := rotatedName(name, i+1)
		if _, err := parent.ReadContentMetadata(from); err != nil {
			continue
		}
		if err := filesystem.Rename(parent, from, parent, to); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to cascade rotation")
		}
	}
	if err := filesystem.Rename(parent, name, parent, rotatedName(name, 0)); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to rotate current file")
	}
	if _, err := createEmpty(parent, name); err != nil {
		return promise.Fail, "", err
	}
	return promise.Change, fmt.Sprintf("rotated %q through %d slots", name, n), nil
}

func rotatedName(name string, index int) string {
	return name + "." + strconv.Itoa(index)
}

func truncateOrCreate(parent *filesystem.Directory, name string, transaction promise.TransactionAttributes, dryRun bool) (promise.Outcome, string, error) {
	if _, statErr := parent.ReadContentMetadata(name); statErr == nil {
		return promise.Noop, "already present", nil
	}
	if outcome, message, proceed := transaction.FixGate(dryRun, "create empty file"); !proceed {
		return outcome, message, nil
	}
	if _, err := createEmpty(parent, name); err != nil {
		return promise.Fail, "", err
	}
	return promise.Change, "created empty file", nil
}

func createEmpty(parent *filesystem.Directory, name string) (existed bool, err error) {
	if _, statErr := parent.ReadContentMetadata(name); statErr == nil {
		existed = true
	}
	file, err := parent.CreateOrTruncateFile(name)
	if err != nil {
		return existed, errors.Wrap(err, "unable to create/truncate file")
	}
	if err := file.Close(); err != nil {
		return existed, errors.Wrap(err, "unable to close truncated file")
	}
	return existed, nil
}

func deleteEntry(parent *filesystem.Directory, name string, rmdirs bool, transaction promise.TransactionAttributes, dryRun bool) (promise.Outcome, string, error) {
	metadata, err := parent.ReadContentMetadata(name)
	if err != nil {
		return promise.Noop, "already absent", nil
	}
	if metadata.IsDirectory() {
		if !rmdirs {
			return promise.Warn, "refusing to delete directory without rmdirs", nil
		}
		if outcome, message, proceed := transaction.FixGate(dryRun, "remove directory"); !proceed {
			return outcome, message, nil
		}
		if err := parent.RemoveDirectory(name); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to remove directory")
		}
		return promise.Change, "removed directory", nil
	}
	if outcome, message, proceed := transaction.FixGate(dryRun, "remove file"); !proceed {
		return outcome, message, nil
	}
	if err := parent.RemoveFile(name); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to remove file")
	}
	return promise.Change, "removed file", nil
}
