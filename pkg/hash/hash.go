// Package hash implements the Hash Oracle: it
// computes digests of files, strings, and ordered lists of named items, and
// (together with pkg/store) persists per-path digests so that out-of-band
// changes to a destination can be detected between promise evaluations.
//
// Hash primitives themselves are taken as already available (byte-in,
// digest-out); this package therefore uses the standard library's
// crypto/md5, crypto/sha1, and
// crypto/sha256 directly rather than reaching for a third-party hash
// library — the one place in the core engine where stdlib is the right
// call, not a fallback.
package hash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/filesystem"
)

// Algorithm identifies a digest algorithm, including the BEST meta-selection
// retained for backwards compatibility.
type Algorithm uint8

const (
	AlgorithmMD5 Algorithm = iota
	AlgorithmSHA1
	AlgorithmSHA256
	// AlgorithmBest computes both MD5 and SHA1 and reports a change if
	// either differs. New policy should specify a single algorithm; this is
	// retained only for compatibility with promises written against it.
	AlgorithmBest
)

// String returns the algorithm's canonical name, used as its persistence key
// prefix in pkg/store.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmMD5:
		return "md5"
	case AlgorithmSHA1:
		return "sha1"
	case AlgorithmSHA256:
		return "sha256"
	case AlgorithmBest:
		return "best"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses a human-specified algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "md5":
		return AlgorithmMD5, nil
	case "sha1":
		return AlgorithmSHA1, nil
	case "sha256":
		return AlgorithmSHA256, nil
	case "best":
		return AlgorithmBest, nil
	default:
		return 0, errors.Errorf("unknown hash algorithm %q", name)
	}
}

func newHasher(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case AlgorithmMD5:
		return md5.New(), nil
	case AlgorithmSHA1:
		return sha1.New(), nil
	case AlgorithmSHA256:
		return sha256.New(), nil
	default:
		return nil, errors.Errorf("algorithm %s has no single hasher", alg)
	}
}

// blockSize is the fixed read block size used to stream file content through
// a digest, avoiding loading arbitrarily large files into memory.
const blockSize = 64 * 1024

// HashFile streams the file at path through alg and returns the raw digest.
// For AlgorithmBest it returns the concatenation of the MD5 and SHA1
// digests; FileDigestChanged (changed.go) compares that composite form byte
// for byte, so a change in either digest is detected.
func HashFile(path string, alg Algorithm) ([]byte, error) {
	file, err := openForHashing(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open file")
	}
	defer file.Close()

	if alg == AlgorithmBest {
		return hashBest(file)
	}

	hasher, err := newHasher(alg)
	if err != nil {
		return nil, err
	}
	if err := streamInto(hasher, file); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

func hashBest(r io.Reader) ([]byte, error) {
	md5Hasher := md5.New()
	sha1Hasher := sha1.New()
	multi := io.MultiWriter(md5Hasher, sha1Hasher)
	buffer := make([]byte, blockSize)
	if _, err := io.CopyBuffer(multi, r, buffer); err != nil {
		return nil, errors.Wrap(err, "unable to stream file content")
	}
	digest := make([]byte, 0, md5.Size+sha1.Size)
	digest = append(digest, md5Hasher.Sum(nil)...)
	digest = append(digest, sha1Hasher.Sum(nil)...)
	return digest, nil
}

func streamInto(h hash.Hash, r io.Reader) error {
	buffer := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, r, buffer); err != nil {
		return errors.Wrap(err, "unable to stream file content")
	}
	return nil
}

// openForHashing opens path read-only through osOpen. It follows symbolic
// links; it does not refuse them.
func openForHashing(path string) (filesystem.ReadableFile, error) {
	return osOpen(path)
}

// HashString computes the digest of an in-memory byte slice.
func HashString(data []byte, alg Algorithm) ([]byte, error) {
	if alg == AlgorithmBest {
		return hashBest(io.NopCloser(newBytesReader(data)))
	}
	hasher, err := newHasher(alg)
	if err != nil {
		return nil, err
	}
	hasher.Write(data)
	return hasher.Sum(nil), nil
}

// HashList computes a deterministic digest over an ordered list of named
// items by concatenating each item's name with no separator between them.
//
// This intentionally reproduces legacy behavior kept for compatibility:
// without a separator, ["ab", "c"] and ["a", "bc"] collide.
func HashList(names []string, alg Algorithm) ([]byte, error) {
	var concatenated []byte
	for _, name := range names {
		concatenated = append(concatenated, name...)
	}
	return HashString(concatenated, alg)
}
