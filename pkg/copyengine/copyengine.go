// Package copyengine implements the Copy Engine: copy_one and its Write-Replace and Link Materialization sub-protocols,
// hard-link preservation, purge, and auto-define publication.
//
// Destination-side operations go through pkg/filesystem.Directory (opened by
// the Traversal Engine/Promise Dispatcher via the push/pop protocol) so that
// every write, rename, and unlink is anchored to an already-verified
// directory descriptor rather than a path that could be swapped out from
// under the engine between check and use.
package copyengine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/attributes"
	"github.com/convergefs/fspromise/pkg/comparison"
	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/hash"
	"github.com/convergefs/fspromise/pkg/linkmap"
	"github.com/convergefs/fspromise/pkg/logging"
	"github.com/convergefs/fspromise/pkg/must"
	"github.com/convergefs/fspromise/pkg/promise"
	"github.com/convergefs/fspromise/pkg/remote"
)

// SingleCopyCache is the process-wide set of destination paths already
// overwritten once this run; satisfied by pkg/dispatch's
// AgentState.
type SingleCopyCache interface {
	Contains(path string) bool
	Add(path string)
}

// Engine bundles the Copy Engine's run-scoped collaborators.
type Engine struct {
	Logger      *logging.Logger
	InodeMap    *linkmap.Map
	SingleCopy  SingleCopyCache
	Connection  remote.Connection
	EvalContext promise.EvalContext
	DryRun      bool

	// StartTime is the agent's start epoch (unix seconds), threaded through
	// from dispatch.AgentState so that TIMESTAMP backup names are stable for
	// the duration of a single run rather than drifting with wall-clock time.
	StartTime int64

	// AutoDefinePatterns are regexes matched against a successfully written
	// destination path; on a match, a class named auto_<canonified path> is
	// published via EvalContext.
	AutoDefinePatterns []AutoDefinePattern
}

// AutoDefinePattern pairs a compiled matcher with nothing else; kept as its
// own type so callers can swap in any matcher (e.g. filepath.Match-backed or
// regexp-backed) without this package depending on a specific one.
type AutoDefinePattern interface {
	MatchString(path string) bool
}

// CopyOne performs the copy_one operation for a single source
// entry. sourcePath is the full path to the source entry (local, or a
// remote path meaningful to e.Connection); destinationDir/destinationName
// locate the destination within the already-open, race-verified directory.
func (e *Engine) CopyOne(sourcePath string, sourceMeta *filesystem.Metadata, destinationDir *filesystem.Directory, destinationName, destinationPath string, attrs promise.Attributes) (promise.Outcome, string, error) {
	e.Logger.Debug("copy_one ", sourcePath, " -> ", destinationPath)

	// Step 1: pre-checks.
	if attrs.Copy.SingleCopy && e.SingleCopy != nil && e.SingleCopy.Contains(destinationPath) {
		return promise.Noop, "destination already reconciled this run (single_copy)", nil
	}
	if !matchesSelection(sourcePath, sourceMeta, attrs.Select) {
		return promise.Noop, "excluded by selection predicate", nil
	}
	if sourceMeta.IsSymbolicLink() && matchesAny(attrs.Copy.CopyLinks, filepath.Base(sourcePath)) {
		resolvedPath, resolvedMeta, err := e.resolveCopyLinksTarget(sourcePath)
		if err != nil {
			return promise.Fail, "", err
		}
		if resolvedMeta.IsDirectory() {
			if _, err := destinationDir.ReadContentMetadata(destinationName); err == nil {
				e.noteSingleCopy(attrs, destinationPath)
				return promise.Noop, fmt.Sprintf("copy_links target %q already materialized as a directory", resolvedPath), nil
			}
			verb := fmt.Sprintf("create directory for copy_links target %q", resolvedPath)
			if outcome, message, proceed := attrs.Transaction.FixGate(e.DryRun, verb); !proceed {
				e.noteSingleCopy(attrs, destinationPath)
				return outcome, message, nil
			}
			if err := destinationDir.CreateDirectory(destinationName); err != nil {
				return promise.Fail, "", errors.Wrap(err, "unable to create destination directory for copy_links target")
			}
			e.noteSingleCopy(attrs, destinationPath)
			return promise.Change, fmt.Sprintf("copy_links resolved %q to directory %q; recurse the traversal engine into it to copy contents", sourcePath, resolvedPath), nil
		}
		sourcePath, sourceMeta = resolvedPath, resolvedMeta
	} else if matchesAny(attrs.Copy.LinkInstead, filepath.Base(sourcePath)) {
		outcome, message, err := e.materializeLink(sourcePath, sourceMeta, destinationDir, destinationName, attrs)
		e.noteSingleCopy(attrs, destinationPath)
		return outcome, message, err
	}

	// Step 2: destination classification.
	destinationMeta, destErr := destinationDir.ReadContentMetadata(destinationName)
	destinationExists := destErr == nil
	if destinationExists && destinationMeta.IsSymbolicLink() && !sourceMeta.IsSymbolicLink() {
		if attrs.Copy.TypeCheck {
			e.Logger.Warnf("destination %q is a symbolic link but source is not; replacing", destinationPath)
		}
		if outcome, message, proceed := attrs.Transaction.FixGate(e.DryRun, fmt.Sprintf("replace mismatched symbolic link at %q", destinationPath)); !proceed {
			e.noteSingleCopy(attrs, destinationPath)
			return outcome, message, nil
		}
		if err := destinationDir.RemoveFile(destinationName); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to remove mismatched destination symbolic link")
		}
		destinationExists = false
		destinationMeta = nil
	}

	// Step 3: size-window gate.
	if attrs.Copy.MaxSize > 0 && (sourceMeta.Size < attrs.Copy.MinSize || sourceMeta.Size > attrs.Copy.MaxSize) {
		return promise.Noop, "source size outside configured min_size/max_size window", nil
	}

	// Step 4: hard-link preservation.
	if sourceMeta.Nlink > 1 && e.InodeMap != nil {
		if recordedDest, ok := e.InodeMap.Lookup(sourceMeta.FileID); ok {
			if outcome, message, proceed := attrs.Transaction.FixGate(e.DryRun, fmt.Sprintf("hard link to already-copied inode at %q", recordedDest)); !proceed {
				e.noteSingleCopy(attrs, destinationPath)
				return outcome, message, nil
			}
			if destinationExists {
				if err := destinationDir.RemoveFile(destinationName); err != nil {
					return promise.Fail, "", errors.Wrap(err, "unable to remove destination before hard-linking")
				}
			}
			if err := destinationDir.HardLink(destinationName, recordedDest); err != nil {
				return promise.Fail, "", errors.Wrap(err, "unable to create hard link")
			}
			e.noteSingleCopy(attrs, destinationPath)
			return promise.Change, fmt.Sprintf("hard linked to already-copied inode at %q", recordedDest), nil
		}
	}

	// Step 6: destination exists & up-to-date check (done ahead of
	// materialization so that an up-to-date regular file short-circuits
	// straight into attribute reconciliation territory; non-regular kinds
	// always materialize, since Comparison Oracle semantics are defined
	// only for regular file content).
	if destinationExists && sourceMeta.IsRegular() && destinationMeta.IsRegular() {
		stale, err := comparison.IsStale(comparison.Input{
			SourcePath:      sourcePath,
			DestinationPath: destinationPath,
			Source:          sourceMeta,
			Destination:     destinationMeta,
			Compare:         attrs.Copy.Compare,
			HashAlgorithm:   attrs.Change.Hash,
			Connection:      e.Connection,
		})
		if err != nil {
			return promise.Fail, "", err
		}
		if !stale && !attrs.Copy.ForceUpdate {
			e.noteSingleCopy(attrs, destinationPath)
			return promise.Noop, "destination already up to date", nil
		}
	}

	// Step 5: materialize per source kind.
	var outcome promise.Outcome
	var message string
	var err error
	switch {
	case sourceMeta.IsRegular():
		outcome, message, err = e.writeReplace(sourcePath, sourceMeta, destinationDir, destinationName, destinationPath, attrs)
	case sourceMeta.IsSymbolicLink():
		outcome, message, err = e.materializeLink(sourcePath, sourceMeta, destinationDir, destinationName, attrs)
	case sourceMeta.Mode&filesystem.ModeTypeMask == filesystem.ModeTypeFIFO:
		outcome, message, err = e.materializeFIFO(destinationDir, destinationName, sourceMeta, attrs.Transaction)
	case sourceMeta.Mode&(filesystem.ModeTypeBlockDevice|filesystem.ModeTypeCharacterDevice) != 0:
		outcome, message, err = e.materializeDevice(destinationDir, destinationName, sourceMeta, attrs.Transaction)
	default:
		return promise.Warn, fmt.Sprintf("unsupported source entry kind for %q", sourcePath), nil
	}
	if err != nil {
		return promise.Fail, "", err
	}

	if outcome == promise.Change && sourceMeta.Nlink > 1 && e.InodeMap != nil {
		e.InodeMap.Record(sourceMeta.FileID, destinationPath)
	}
	if outcome == promise.Change {
		e.runAutoDefine(destinationPath)
	}
	e.noteSingleCopy(attrs, destinationPath)
	return outcome, message, nil
}

func (e *Engine) noteSingleCopy(attrs promise.Attributes, destinationPath string) {
	if attrs.Copy.SingleCopy && e.SingleCopy != nil {
		e.SingleCopy.Add(destinationPath)
	}
}

func (e *Engine) runAutoDefine(destinationPath string) {
	for _, pattern := range e.AutoDefinePatterns {
		if pattern.MatchString(destinationPath) {
			if e.EvalContext != nil {
				e.EvalContext.DefineClass("auto_" + canonify(destinationPath))
			}
		}
	}
}

func canonify(path string) string {
	out := make([]rune, 0, len(path))
	for _, r := range path {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

func matchesSelection(sourcePath string, meta *filesystem.Metadata, predicate promise.SelectPredicate) bool {
	if !predicate.Enabled {
		return true
	}
	if predicate.MaxSize > 0 && (meta.Size < predicate.MinSize || meta.Size > predicate.MaxSize) {
		return false
	}
	now := time.Now()
	if predicate.OlderThan > 0 && now.Sub(meta.ModificationTime) < predicate.OlderThan {
		return false
	}
	if predicate.NewerThan > 0 && now.Sub(meta.ModificationTime) > predicate.NewerThan {
		return false
	}
	if predicate.OwnerID != nil && meta.OwnerID != *predicate.OwnerID {
		return false
	}
	if len(predicate.Types) > 0 {
		matched := false
		for _, t := range predicate.Types {
			if meta.Mode&filesystem.ModeTypeMask == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if predicate.Regex != "" {
		matched, err := regexp.MatchString(predicate.Regex, filepath.Base(sourcePath))
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// writeReplace implements the Write-Replace protocol for regular
// files.
func (e *Engine) writeReplace(sourcePath string, sourceMeta *filesystem.Metadata, destinationDir *filesystem.Directory, destinationName, destinationPath string, attrs promise.Attributes) (promise.Outcome, string, error) {
	if outcome, message, proceed := attrs.Transaction.FixGate(e.DryRun, fmt.Sprintf("write %q", destinationPath)); !proceed {
		return outcome, message, nil
	}

	temporaryName, temporaryFile, err := destinationDir.CreateTemporaryFile(destinationName + filesystem.NewFileSuffix)
	if err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to create temporary write target")
	}
	written, copyErr := e.streamInto(temporaryFile, sourcePath)
	closeErr := temporaryFile.Close()
	if copyErr != nil {
		must.RemoveFile(destinationDir, temporaryName, e.Logger)
		return promise.Fail, "", errors.Wrap(copyErr, "unable to stream source content")
	}
	if closeErr != nil {
		must.RemoveFile(destinationDir, temporaryName, e.Logger)
		return promise.Fail, "", errors.Wrap(closeErr, "unable to close temporary write target")
	}
	if written != int64(sourceMeta.Size) {
		must.RemoveFile(destinationDir, temporaryName, e.Logger)
		return promise.Fail, "", errors.Errorf("written size %d does not match source size %d", written, sourceMeta.Size)
	}

	backupName := ""
	if attrs.Copy.Backup != promise.BackupNone {
		if existingMeta, err := destinationDir.ReadContentMetadata(destinationName); err == nil {
			backupName = backupNameFor(destinationName, attrs.Copy.Backup, e.StartTime, existingMeta.ChangeTime)
			if _, err := destinationDir.ReadContentMetadata(backupName); err == nil {
				if err := destinationDir.RemoveFile(backupName); err != nil {
					must.RemoveFile(destinationDir, temporaryName, e.Logger)
					return promise.Fail, "", errors.Wrap(err, "unable to clear existing backup target")
				}
			}
			if err := filesystem.Rename(destinationDir, destinationName, destinationDir, backupName); err != nil {
				must.RemoveFile(destinationDir, temporaryName, e.Logger)
				return promise.Fail, "", errors.Wrap(err, "unable to create backup")
			}
		}
	}

	restoreBackup := func() {
		if backupName != "" {
			_ = filesystem.Rename(destinationDir, backupName, destinationDir, destinationName)
		}
	}

	if attrs.Copy.Verify {
		if differs, err := verifyContent(destinationDir, temporaryName, sourcePath, attrs.Change.Hash); err != nil {
			must.RemoveFile(destinationDir, temporaryName, e.Logger)
			restoreBackup()
			return promise.Fail, "", errors.Wrap(err, "unable to verify written content")
		} else if differs {
			must.RemoveFile(destinationDir, temporaryName, e.Logger)
			restoreBackup()
			return promise.Fail, "", errors.New("verification failed: written content does not match source digest")
		}
	}

	if err := filesystem.Rename(destinationDir, temporaryName, destinationDir, destinationName); err != nil {
		must.RemoveFile(destinationDir, temporaryName, e.Logger)
		restoreBackup()
		return promise.Fail, "", errors.Wrap(err, "unable to rename new content into place")
	}

	if attrs.Copy.Stealth {
		if err := attributes.RestoreStealthTimes(destinationPath, sourceMeta.ModificationTime, sourceMeta.ModificationTime); err != nil {
			e.Logger.Warnf("unable to restore stealth times on %q: %s", destinationPath, err)
		}
	}

	return promise.Change, fmt.Sprintf("wrote %d bytes to %q", written, destinationPath), nil
}

// backupNameFor names a pre-overwrite backup. TIMESTAMP mode follows spec.md
// §6: "<dest>_<start_epoch>_<canonified_ctime>.cfsaved", using the agent's
// start epoch (stable across an entire run) rather than wall-clock time, and
// the pre-overwrite destination's own ctime so two backups of the same file
// within one run still get distinct names.
func backupNameFor(name string, mode promise.BackupMode, startEpoch int64, changeTime time.Time) string {
	if mode == promise.BackupTimestamp {
		return fmt.Sprintf("%s_%d_%s%s", name, startEpoch, canonify(changeTime.Format(time.RFC3339)), filesystem.SavedFileSuffix)
	}
	return name + filesystem.SavedFileSuffix
}

func verifyContent(dir *filesystem.Directory, writtenName, sourcePath string, alg hash.Algorithm) (bool, error) {
	sourceDigest, err := hash.HashFile(sourcePath, alg)
	if err != nil {
		return false, errors.Wrap(err, "unable to hash source")
	}
	writtenFile, err := dir.OpenFile(writtenName)
	if err != nil {
		return false, errors.Wrap(err, "unable to open written file for verification")
	}
	defer writtenFile.Close()
	writtenDigest, err := streamDigest(writtenFile, alg)
	if err != nil {
		return false, err
	}
	return !bytesEqual(sourceDigest, writtenDigest), nil
}

func streamDigest(r io.Reader, alg hash.Algorithm) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read written file for verification")
	}
	return hash.HashString(data, alg)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *Engine) streamInto(destination filesystem.WritableFile, sourcePath string) (int64, error) {
	if e.Connection != nil {
		return e.Connection.Copy(sourcePath, destination)
	}
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return 0, errors.Wrap(err, "unable to open source file")
	}
	defer sourceFile.Close()
	return io.Copy(destination, sourceFile)
}

func (e *Engine) materializeFIFO(destinationDir *filesystem.Directory, destinationName string, sourceMeta *filesystem.Metadata, transaction promise.TransactionAttributes) (promise.Outcome, string, error) {
	if outcome, message, proceed := transaction.FixGate(e.DryRun, "recreate FIFO"); !proceed {
		return outcome, message, nil
	}
	if _, err := destinationDir.ReadContentMetadata(destinationName); err == nil {
		if err := destinationDir.RemoveFile(destinationName); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to remove existing entry before recreating FIFO")
		}
	}
	if err := destinationDir.CreateFIFO(destinationName, sourceMeta.Mode); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to create FIFO")
	}
	return promise.Change, "recreated FIFO", nil
}

func (e *Engine) materializeDevice(destinationDir *filesystem.Directory, destinationName string, sourceMeta *filesystem.Metadata, transaction promise.TransactionAttributes) (promise.Outcome, string, error) {
	if outcome, message, proceed := transaction.FixGate(e.DryRun, "recreate device node"); !proceed {
		return outcome, message, nil
	}
	if _, err := destinationDir.ReadContentMetadata(destinationName); err == nil {
		if err := destinationDir.RemoveFile(destinationName); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to remove existing entry before recreating device")
		}
	}
	if err := destinationDir.CreateDevice(destinationName, sourceMeta.Mode, sourceMeta.DeviceNumber); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to create device node")
	}
	return promise.Change, "recreated device node", nil
}
