package copyengine

import (
	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/must"
	"github.com/convergefs/fspromise/pkg/promise"
)

// ErrPurgeRefused is returned by Purge when a safety rule refuses the
// operation outright, distinct from an ordinary per-entry Fail outcome.
var ErrPurgeRefused = errors.New("purge refused by safety policy")

// Purge implements the purge step: after a recursive copy of a directory,
// any destination entry absent from sourceNames is removed (recursively,
// for subdirectories). It enforces two safety rules: refuse paths shorter
// than two characters, and refuse to run without an authenticated
// connection when one was configured at all
// (a connection is only relevant to remote copies; a purely local copy has
// no connection and is not subject to this rule).
func (e *Engine) Purge(destinationDir *filesystem.Directory, destinationPath string, sourceNames map[string]bool, transaction promise.TransactionAttributes) ([]promise.Result, error) {
	if len(destinationPath) < 2 {
		return nil, ErrPurgeRefused
	}
	if e.Connection != nil && !e.Connection.Authenticated() {
		return nil, ErrPurgeRefused
	}

	entries, err := destinationDir.ReadContents()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list destination directory for purge")
	}

	var results []promise.Result
	for _, entry := range entries {
		if isDotOrDotDot(entry.Name) || sourceNames[entry.Name] {
			continue
		}
		entryPath := destinationPath + "/" + entry.Name
		if outcome, message, proceed := transaction.FixGate(e.DryRun, "purge "+entryPath); !proceed {
			results = append(results, promise.NewResult(entryPath, outcome, message, ""))
			continue
		}
		if entry.IsDirectory() {
			sub, err := destinationDir.OpenDirectory(entry.Name)
			if err != nil {
				results = append(results, promise.NewResult(entryPath, promise.Fail, err.Error(), ""))
				continue
			}
			subResults, err := e.Purge(sub, entryPath, map[string]bool{}, transaction)
			must.Close(sub, e.Logger)
			if err != nil && !errors.Is(err, ErrPurgeRefused) {
				return results, err
			}
			results = append(results, subResults...)
			if err := destinationDir.RemoveDirectory(entry.Name); err != nil {
				results = append(results, promise.NewResult(entryPath, promise.Fail, "unable to remove now-empty purged directory: "+err.Error(), ""))
				continue
			}
			results = append(results, promise.NewResult(entryPath, promise.Change, "purged directory", ""))
		} else {
			if err := destinationDir.RemoveFile(entry.Name); err != nil {
				results = append(results, promise.NewResult(entryPath, promise.Fail, err.Error(), ""))
				continue
			}
			results = append(results, promise.NewResult(entryPath, promise.Change, "purged", ""))
		}
	}
	return results, nil
}
