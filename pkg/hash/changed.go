package hash

import (
	"bytes"
	"os"

	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/store"
)

// ChangeStatus is the outcome of comparing a freshly computed digest against
// the one recorded for a path in the hash database.
type ChangeStatus uint8

const (
	// Unchanged means the path has a recorded digest and it matches.
	Unchanged ChangeStatus = iota
	// Changed means the path has a recorded digest and it differs.
	Changed
	// New means the path has no recorded digest yet.
	New
)

// FileDigestChanged computes path's current digest under alg, compares it
// against the digest on record in db, and returns the resulting status along
// with the freshly computed digest. It does not itself update the record;
// callers decide whether to persist the new digest (typically only after a
// successful copy or attribute reconciliation).
func FileDigestChanged(db *store.Store, path string, alg Algorithm) (ChangeStatus, []byte, error) {
	current, err := HashFile(path, alg)
	if err != nil {
		return Unchanged, nil, errors.Wrap(err, "unable to compute current digest")
	}

	recorded, ok, err := db.GetHash(alg.String(), path)
	if err != nil {
		return Unchanged, nil, errors.Wrap(err, "unable to read recorded digest")
	}
	if !ok {
		return New, current, nil
	}
	if bytes.Equal(recorded, current) {
		return Unchanged, current, nil
	}
	return Changed, current, nil
}

// RecordFileDigest persists digest as the new digest of record for path
// under alg, used after FileDigestChanged reports New or Changed and the
// engine has acted on that result.
func RecordFileDigest(db *store.Store, path string, alg Algorithm, digest []byte) error {
	return errors.Wrap(db.PutHash(alg.String(), path, digest), "unable to record digest")
}

// PurgeHashes implements the purge_hashes operation of spec.md §4.1: it
// iterates every recorded (algorithm, path) pair and, for any path that no
// longer exists, deletes the entry when update is true or merely reports it
// when update is false. It returns the paths identified as stale, in the
// order the database enumerated them.
func PurgeHashes(db *store.Store, update bool) ([]string, error) {
	records, err := db.ListHashes()
	if err != nil {
		return nil, errors.Wrap(err, "unable to enumerate hash records")
	}

	var stale []string
	for _, record := range records {
		if _, statErr := os.Stat(record.Path); statErr == nil {
			continue
		} else if !os.IsNotExist(statErr) {
			return stale, errors.Wrapf(statErr, "unable to stat %q", record.Path)
		}

		stale = append(stale, record.Path)
		if update {
			if err := db.DeleteHash(record.Algorithm, record.Path); err != nil {
				return stale, errors.Wrapf(err, "unable to delete stale hash record for %q", record.Path)
			}
		}
	}
	return stale, nil
}
