package comparison

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/hash"
	"github.com/convergefs/fspromise/pkg/promise"
)

func TestIsStaleAbsentDestination(t *testing.T) {
	stale, err := IsStale(Input{
		Source:  &filesystem.Metadata{Size: 10},
		Compare: promise.CompareExists,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if !stale {
		t.Error("expected an absent destination to be reported stale regardless of comparator")
	}
}

func TestIsStaleExistsNeverRefreshesAPresentDestination(t *testing.T) {
	stale, err := IsStale(Input{
		Source:      &filesystem.Metadata{Size: 10},
		Destination: &filesystem.Metadata{Size: 999},
		Compare:     promise.CompareExists,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if stale {
		t.Error("EXISTS must never report stale once the destination is present")
	}
}

func TestIsStaleMTime(t *testing.T) {
	older := time.Unix(100, 0)
	newer := time.Unix(200, 0)

	stale, err := IsStale(Input{
		Source:      &filesystem.Metadata{ModificationTime: newer},
		Destination: &filesystem.Metadata{ModificationTime: older},
		Compare:     promise.CompareMTime,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if !stale {
		t.Error("expected stale when destination mtime precedes source mtime")
	}

	stale, err = IsStale(Input{
		Source:      &filesystem.Metadata{ModificationTime: older},
		Destination: &filesystem.Metadata{ModificationTime: newer},
		Compare:     promise.CompareMTime,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if stale {
		t.Error("expected not stale when destination mtime is at or after source mtime")
	}
}

func TestIsStaleChecksumSizeMismatchShortCircuits(t *testing.T) {
	stale, err := IsStale(Input{
		Source:      &filesystem.Metadata{Size: 10},
		Destination: &filesystem.Metadata{Size: 20},
		Compare:     promise.CompareChecksum,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if !stale {
		t.Error("expected a size mismatch to short-circuit straight to stale")
	}
}

func TestIsStaleChecksumComparesContent(t *testing.T) {
	tempDir := t.TempDir()
	sourcePath := filepath.Join(tempDir, "source")
	destinationPath := filepath.Join(tempDir, "destination")

	if err := os.WriteFile(sourcePath, []byte("same content"), 0600); err != nil {
		t.Fatal("unable to write source:", err)
	}
	if err := os.WriteFile(destinationPath, []byte("same content"), 0600); err != nil {
		t.Fatal("unable to write destination:", err)
	}

	sourceMeta := &filesystem.Metadata{Mode: filesystem.ModeTypeFile, Size: 12}
	destinationMeta := &filesystem.Metadata{Mode: filesystem.ModeTypeFile, Size: 12}

	stale, err := IsStale(Input{
		SourcePath:      sourcePath,
		DestinationPath: destinationPath,
		Source:          sourceMeta,
		Destination:     destinationMeta,
		Compare:         promise.CompareChecksum,
		HashAlgorithm:   hash.AlgorithmSHA256,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if stale {
		t.Error("expected identical content to compare as not stale")
	}

	if err := os.WriteFile(destinationPath, []byte("different content!"), 0600); err != nil {
		t.Fatal("unable to rewrite destination:", err)
	}
	stale, err = IsStale(Input{
		SourcePath:      sourcePath,
		DestinationPath: destinationPath,
		Source:          sourceMeta,
		Destination:     &filesystem.Metadata{Mode: filesystem.ModeTypeFile, Size: 18},
		Compare:         promise.CompareChecksum,
		HashAlgorithm:   hash.AlgorithmSHA256,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if !stale {
		t.Error("expected a size mismatch before the digest comparison to report stale")
	}
}

func TestIsStaleBinaryCompare(t *testing.T) {
	tempDir := t.TempDir()
	sourcePath := filepath.Join(tempDir, "source")
	destinationPath := filepath.Join(tempDir, "destination")

	payload := make([]byte, 200*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := os.WriteFile(sourcePath, payload, 0600); err != nil {
		t.Fatal("unable to write source:", err)
	}
	if err := os.WriteFile(destinationPath, payload, 0600); err != nil {
		t.Fatal("unable to write destination:", err)
	}

	meta := &filesystem.Metadata{Size: uint64(len(payload))}
	stale, err := IsStale(Input{
		SourcePath:      sourcePath,
		DestinationPath: destinationPath,
		Source:          meta,
		Destination:     meta,
		Compare:         promise.CompareBinary,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if stale {
		t.Error("expected byte-identical multi-block files to compare as not stale")
	}

	payload[len(payload)-1] ^= 0xFF
	if err := os.WriteFile(destinationPath, payload, 0600); err != nil {
		t.Fatal("unable to rewrite destination:", err)
	}
	stale, err = IsStale(Input{
		SourcePath:      sourcePath,
		DestinationPath: destinationPath,
		Source:          meta,
		Destination:     meta,
		Compare:         promise.CompareBinary,
	})
	if err != nil {
		t.Fatal("IsStale failed:", err)
	}
	if !stale {
		t.Error("expected a single changed trailing byte to be detected as stale")
	}
}

func TestIsStaleUnknownComparator(t *testing.T) {
	if _, err := IsStale(Input{
		Destination: &filesystem.Metadata{},
		Compare:     promise.CompareMode(255),
	}); err == nil {
		t.Error("expected an error for an unrecognized comparator")
	}
}
