// Package comparison implements the Comparison Oracle: given stat snapshots of a source and destination and a
// configured comparator, it decides whether the destination is stale and
// must be refreshed from source.
package comparison

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/hash"
	"github.com/convergefs/fspromise/pkg/promise"
	"github.com/convergefs/fspromise/pkg/remote"
)

// Input bundles everything the oracle needs to reach a decision: source and
// destination paths and stat snapshots, the configured comparator, and an
// optional remote connection.
type Input struct {
	SourcePath      string
	DestinationPath string
	Source          *filesystem.Metadata
	Destination     *filesystem.Metadata
	Compare         promise.CompareMode
	HashAlgorithm   hash.Algorithm
	// Connection, if non-nil, delegates hashing of the source to a remote
	// transport rather than reading it locally.
	Connection remote.Connection
}

// IsStale evaluates the configured comparator and reports whether the
// destination must be refreshed from source.
func IsStale(in Input) (bool, error) {
	if in.Destination == nil {
		// EXISTS semantics (and every other comparator): an absent
		// destination is always stale.
		return true, nil
	}

	// Size shortcut: every content-based comparator short-circuits to
	// stale=true on a size mismatch.
	sizeMismatch := func() bool { return in.Source.Size != in.Destination.Size }

	switch in.Compare {
	case promise.CompareExists:
		return false, nil

	case promise.CompareMTime:
		return in.Destination.ModificationTime.Before(in.Source.ModificationTime), nil

	case promise.CompareATime:
		// Misnomer kept for compatibility: this comparator actually
		// consults ctime and mtime, plus a binary compare, not atime.
		if in.Destination.ChangeTime.Before(in.Source.ChangeTime) {
			return true, nil
		}
		if in.Destination.ModificationTime.Before(in.Source.ModificationTime) {
			return true, nil
		}
		return binaryCompareDiffers(in)

	case promise.CompareChecksum, promise.CompareHash:
		if sizeMismatch() {
			return true, nil
		}
		if in.Source.IsRegular() && in.Destination.IsRegular() {
			return contentDigestsDiffer(in)
		}
		return ctimeOrMtimeStale(in), nil

	case promise.CompareBinary:
		if sizeMismatch() {
			return true, nil
		}
		return binaryCompareDiffers(in)

	default:
		return false, errors.Errorf("unknown comparator %d", in.Compare)
	}
}

func ctimeOrMtimeStale(in Input) bool {
	return in.Destination.ChangeTime.Before(in.Source.ChangeTime) ||
		in.Destination.ModificationTime.Before(in.Source.ModificationTime)
}

func contentDigestsDiffer(in Input) (bool, error) {
	var sourceDigest []byte
	var err error
	if in.Connection != nil {
		sourceDigest, err = in.Connection.Hash(in.SourcePath, in.HashAlgorithm)
	} else {
		sourceDigest, err = hash.HashFile(in.SourcePath, in.HashAlgorithm)
	}
	if err != nil {
		return false, errors.Wrap(err, "unable to compute source digest")
	}
	destinationDigest, err := hash.HashFile(in.DestinationPath, in.HashAlgorithm)
	if err != nil {
		return false, errors.Wrap(err, "unable to compute destination digest")
	}
	return !bytes.Equal(sourceDigest, destinationDigest), nil
}

func binaryCompareDiffers(in Input) (bool, error) {
	if in.Source.Size != in.Destination.Size {
		return true, nil
	}
	if in.Connection != nil {
		// A remote source cannot be byte-compared locally without
		// transferring it; fall back to the digest comparison, which is
		// the remote contract's only content-equality primitive.
		return contentDigestsDiffer(in)
	}
	sourceFile, err := os.Open(in.SourcePath)
	if err != nil {
		return false, errors.Wrap(err, "unable to open source for comparison")
	}
	defer sourceFile.Close()
	destinationFile, err := os.Open(in.DestinationPath)
	if err != nil {
		return false, errors.Wrap(err, "unable to open destination for comparison")
	}
	defer destinationFile.Close()

	const blockSize = 64 * 1024
	sourceBuffer := make([]byte, blockSize)
	destinationBuffer := make([]byte, blockSize)
	for {
		sourceRead, sourceErr := io.ReadFull(sourceFile, sourceBuffer)
		destinationRead, destinationErr := io.ReadFull(destinationFile, destinationBuffer)
		if sourceRead != destinationRead {
			return true, nil
		}
		if !bytes.Equal(sourceBuffer[:sourceRead], destinationBuffer[:destinationRead]) {
			return true, nil
		}
		sourceDone := sourceErr == io.EOF || sourceErr == io.ErrUnexpectedEOF
		destinationDone := destinationErr == io.EOF || destinationErr == io.ErrUnexpectedEOF
		if sourceDone && destinationDone {
			return false, nil
		}
		if sourceDone != destinationDone {
			return true, nil
		}
		if sourceErr != nil {
			return false, errors.Wrap(sourceErr, "unable to read source for comparison")
		}
		if destinationErr != nil {
			return false, errors.Wrap(destinationErr, "unable to read destination for comparison")
		}
	}
}
