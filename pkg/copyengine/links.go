package copyengine

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/promise"
)

// materializeLink implements Link Materialization: resolve
// the source link's target, decide the destination link path according to
// link_type, and idempotently create it via one of the Verify* variants.
func (e *Engine) materializeLink(sourcePath string, sourceMeta *filesystem.Metadata, destinationDir *filesystem.Directory, destinationName string, attrs promise.Attributes) (promise.Outcome, string, error) {
	target, err := e.readLinkTarget(sourcePath)
	if err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to read source link target")
	}

	linkType := attrs.Copy.LinkType
	if linkType == promise.LinkNone {
		linkType = promise.LinkSymbolic
	}

	switch linkType {
	case promise.LinkSymbolic:
		return e.verifyLink(destinationDir, destinationName, target, attrs.Transaction)
	case promise.LinkRelative:
		relative := makeRelative(target, filepath.Dir(sourcePath))
		return e.verifyLink(destinationDir, destinationName, relative, attrs.Transaction)
	case promise.LinkAbsolute:
		absolute := makeAbsolute(target, filepath.Dir(sourcePath))
		return e.verifyLink(destinationDir, destinationName, absolute, attrs.Transaction)
	case promise.LinkHard:
		return e.verifyHardLink(destinationDir, destinationName, target, attrs.Transaction)
	default:
		return promise.Fail, "", errors.Errorf("unknown link type %d", linkType)
	}
}

func (e *Engine) readLinkTarget(sourcePath string) (string, error) {
	if e.Connection != nil {
		return e.Connection.Readlink(sourcePath)
	}
	return osReadlink(sourcePath)
}

// resolveCopyLinksTarget implements the copy_links half of Link
// Materialization (spec.md §4.5): given a symbolic-link source whose name
// matched copy_links, follow it one level and return the target's path and
// metadata so the caller copies the target's content instead of
// materializing a link.
func (e *Engine) resolveCopyLinksTarget(sourcePath string) (string, *filesystem.Metadata, error) {
	target, err := e.readLinkTarget(sourcePath)
	if err != nil {
		return "", nil, errors.Wrap(err, "unable to read copy_links source target")
	}
	resolved := makeAbsolute(target, filepath.Dir(sourcePath))
	meta, err := e.statPath(resolved)
	if err != nil {
		return "", nil, errors.Wrap(err, "unable to stat copy_links target")
	}
	return resolved, meta, nil
}

func (e *Engine) statPath(path string) (*filesystem.Metadata, error) {
	if e.Connection != nil {
		return e.Connection.Stat(path)
	}
	parent, leaf := filesystem.SplitParentAndName(path)
	dir, err := filesystem.OpenDirectoryByPath(parent)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	return dir.ReadContentMetadata(leaf)
}

// makeRelative rewrites an absolute link target to be relative to base, the
// RELATIVE link_type transform.
func makeRelative(target, base string) string {
	if !filepath.IsAbs(target) {
		return target
	}
	if relative, err := filepath.Rel(base, target); err == nil {
		return relative
	}
	return target
}

// makeAbsolute rewrites a relative link target to be absolute by prefixing
// base, the ABSOLUTE link_type transform.
func makeAbsolute(target, base string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Clean(filepath.Join(base, target))
}

// verifyLink implements VerifyLink/VerifyRelativeLink/VerifyAbsoluteLink:
// idempotently remove a conflicting object and create a symbolic link with
// the given target.
func (e *Engine) verifyLink(destinationDir *filesystem.Directory, destinationName, target string, transaction promise.TransactionAttributes) (promise.Outcome, string, error) {
	existing, err := destinationDir.ReadContentMetadata(destinationName)
	if err == nil {
		if existing.IsSymbolicLink() {
			currentTarget, readErr := destinationDir.ReadSymbolicLink(destinationName)
			if readErr == nil && currentTarget == target {
				return promise.Noop, "symbolic link already correct", nil
			}
		}
		if outcome, message, proceed := transaction.FixGate(e.DryRun, "replace existing entry with symbolic link"); !proceed {
			return outcome, message, nil
		}
		if err := destinationDir.RemoveFile(destinationName); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to remove conflicting destination entry")
		}
	}
	if outcome, message, proceed := transaction.FixGate(e.DryRun, "create symbolic link"); !proceed {
		return outcome, message, nil
	}
	if err := destinationDir.CreateSymbolicLink(destinationName, target); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to create symbolic link")
	}
	return promise.Change, "created symbolic link to " + target, nil
}

// verifyHardLink implements VerifyHardLink: idempotently remove a
// conflicting object and create a hard link to existingPath.
func (e *Engine) verifyHardLink(destinationDir *filesystem.Directory, destinationName, existingPath string, transaction promise.TransactionAttributes) (promise.Outcome, string, error) {
	if existing, err := destinationDir.ReadContentMetadata(destinationName); err == nil {
		_ = existing
		if outcome, message, proceed := transaction.FixGate(e.DryRun, "replace existing entry with hard link"); !proceed {
			return outcome, message, nil
		}
		if err := destinationDir.RemoveFile(destinationName); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to remove conflicting destination entry")
		}
	}
	if outcome, message, proceed := transaction.FixGate(e.DryRun, "create hard link"); !proceed {
		return outcome, message, nil
	}
	if err := destinationDir.HardLink(destinationName, existingPath); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to create hard link")
	}
	return promise.Change, "created hard link to " + existingPath, nil
}

// isDotOrDotDot reports whether name is "." or "..", used by Purge to avoid
// ever attempting to remove a directory's own navigation entries.
func isDotOrDotDot(name string) bool {
	return name == "." || name == ".." || strings.TrimSpace(name) == ""
}
