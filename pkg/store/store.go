// Package store implements the persistent hash database and stats
// database: a local key-value store mapping (algorithm, path) to digest,
// and path to a stat snapshot, both consulted across promise evaluations
// to detect out-of-band change and support idempotent convergence.
//
// It follows the embedded-KV-store pattern common to small Go services: a
// buntdb.DB opened once per process, collection-prefixed keys via a
// fixed-width separator, and Update/View transactions wrapping each
// operation.
package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

const (
	hashCollection  = "hash"
	statsCollection = "stats"
	collectionSep   = "\x00"
)

// Store wraps a single buntdb database file holding both the hash and
// stats collections.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if necessary) the database file at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open persistent store")
	}
	db.SetConfig(buntdb.Config{
		SyncPolicy: buntdb.EverySecond,
	})
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func makeKey(collection, key string) string {
	return collection + collectionSep + key
}

// hashKey holds the documented hash-database key shape: the
// algorithm name followed by the path, which ListHashes splits back into
// that pair. PurgeHashes deletes the whole hash collection and does not
// filter by algorithm.
func hashKey(algorithm, path string) string {
	return algorithm + collectionSep + path
}

// StatSnapshot is the persisted subset of file metadata compared against a
// freshly read stat result to detect whether a destination changed outside
// of this engine's control: spec.md §3's {mode, uid, gid, dev, ino, mtime}.
type StatSnapshot struct {
	Size             uint64
	ModificationTime time.Time
	ChangeTime       time.Time
	Mode             uint32
	OwnerID          int
	GroupID          int
	DeviceID         uint64
	FileID           uint64
}

// PutHash records the digest for (algorithm, path).
func (s *Store) PutHash(algorithm, path string, digest []byte) error {
	key := makeKey(hashCollection, hashKey(algorithm, path))
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(digest), nil)
		return err
	})
}

// GetHash returns the previously recorded digest for (algorithm, path), and
// ok=false if none is recorded.
func (s *Store) GetHash(algorithm, path string) (digest []byte, ok bool, err error) {
	key := makeKey(hashCollection, hashKey(algorithm, path))
	err = s.db.View(func(tx *buntdb.Tx) error {
		value, getErr := tx.Get(key)
		if getErr == buntdb.ErrNotFound {
			return nil
		} else if getErr != nil {
			return getErr
		}
		digest = []byte(value)
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "unable to read hash record")
	}
	return digest, ok, nil
}

// DeleteHash removes any recorded digest for (algorithm, path).
func (s *Store) DeleteHash(algorithm, path string) error {
	key := makeKey(hashCollection, hashKey(algorithm, path))
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, delErr := tx.Delete(key)
		if delErr == buntdb.ErrNotFound {
			return nil
		}
		return delErr
	})
	return errors.Wrap(err, "unable to delete hash record")
}

// PurgeHashes removes every recorded hash-database entry, regardless of
// algorithm or whether the path still exists. This is a blunt reset
// operation; pkg/hash.PurgeHashes implements the stale-entry-only
// purge_hashes operation of spec.md §4.1.
func (s *Store) PurgeHashes() error {
	return s.deleteCollection(hashCollection)
}

// HashRecord pairs a stored digest's algorithm and path, as returned by
// ListHashes.
type HashRecord struct {
	Algorithm string
	Path      string
}

// ListHashes enumerates every recorded (algorithm, path) pair in the hash
// database, without reading the digests themselves.
func (s *Store) ListHashes() ([]HashRecord, error) {
	prefix := hashCollection + collectionSep
	var records []HashRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			rest := strings.TrimPrefix(key, prefix)
			parts := strings.SplitN(rest, collectionSep, 2)
			if len(parts) == 2 {
				records = append(records, HashRecord{Algorithm: parts[0], Path: parts[1]})
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to enumerate hash records")
	}
	return records, nil
}

func (s *Store) deleteCollection(collection string) error {
	prefix := collection + collectionSep
	var keys []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unable to enumerate collection")
	}
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// PutStats records a stat snapshot for path.
func (s *Store) PutStats(path string, snapshot StatSnapshot) error {
	key := makeKey(statsCollection, path)
	encoded := encodeStats(snapshot)
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, encoded, nil)
		return err
	})
}

// GetStats returns the previously recorded stat snapshot for path, and
// ok=false if none is recorded.
func (s *Store) GetStats(path string) (snapshot StatSnapshot, ok bool, err error) {
	key := makeKey(statsCollection, path)
	var encoded string
	err = s.db.View(func(tx *buntdb.Tx) error {
		value, getErr := tx.Get(key)
		if getErr == buntdb.ErrNotFound {
			return nil
		} else if getErr != nil {
			return getErr
		}
		encoded = value
		ok = true
		return nil
	})
	if err != nil {
		return StatSnapshot{}, false, errors.Wrap(err, "unable to read stats record")
	}
	if !ok {
		return StatSnapshot{}, false, nil
	}
	snapshot, decodeErr := decodeStats(encoded)
	if decodeErr != nil {
		return StatSnapshot{}, false, errors.Wrap(decodeErr, "unable to decode stats record")
	}
	return snapshot, true, nil
}

// PurgeStats removes every recorded stats-database entry.
func (s *Store) PurgeStats() error {
	return s.deleteCollection(statsCollection)
}

// encodeStats serializes a StatSnapshot as a single delimited line, avoiding
// a JSON dependency for a record this small and fixed-shape.
func encodeStats(snapshot StatSnapshot) string {
	fields := []string{
		strconv.FormatUint(snapshot.Size, 10),
		snapshot.ModificationTime.UTC().Format(time.RFC3339Nano),
		snapshot.ChangeTime.UTC().Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(snapshot.Mode), 10),
		strconv.Itoa(snapshot.OwnerID),
		strconv.Itoa(snapshot.GroupID),
		strconv.FormatUint(snapshot.DeviceID, 10),
		strconv.FormatUint(snapshot.FileID, 10),
	}
	return strings.Join(fields, "|")
}

func decodeStats(encoded string) (StatSnapshot, error) {
	fields := strings.Split(encoded, "|")
	if len(fields) != 8 {
		return StatSnapshot{}, errors.New("malformed stats record")
	}
	size, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return StatSnapshot{}, err
	}
	modTime, err := time.Parse(time.RFC3339Nano, fields[1])
	if err != nil {
		return StatSnapshot{}, err
	}
	changeTime, err := time.Parse(time.RFC3339Nano, fields[2])
	if err != nil {
		return StatSnapshot{}, err
	}
	mode, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return StatSnapshot{}, err
	}
	owner, err := strconv.Atoi(fields[4])
	if err != nil {
		return StatSnapshot{}, err
	}
	group, err := strconv.Atoi(fields[5])
	if err != nil {
		return StatSnapshot{}, err
	}
	device, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return StatSnapshot{}, err
	}
	file, err := strconv.ParseUint(fields[7], 10, 64)
	if err != nil {
		return StatSnapshot{}, err
	}
	return StatSnapshot{
		Size:             size,
		ModificationTime: modTime,
		ChangeTime:       changeTime,
		Mode:             uint32(mode),
		OwnerID:          owner,
		GroupID:          group,
		DeviceID:         device,
		FileID:           file,
	}, nil
}
