package hash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/convergefs/fspromise/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal("unable to open state database:", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFileDigestChangedLifecycle(t *testing.T) {
	db := openTestStore(t)
	target := filepath.Join(t.TempDir(), "content")
	if err := os.WriteFile(target, []byte("version one"), 0600); err != nil {
		t.Fatal("unable to write test file:", err)
	}

	status, digest, err := FileDigestChanged(db, target, AlgorithmSHA256)
	if err != nil {
		t.Fatal("FileDigestChanged failed:", err)
	}
	if status != New {
		t.Fatalf("expected New for an unrecorded path, got %v", status)
	}

	if err := RecordFileDigest(db, target, AlgorithmSHA256, digest); err != nil {
		t.Fatal("RecordFileDigest failed:", err)
	}

	status, _, err = FileDigestChanged(db, target, AlgorithmSHA256)
	if err != nil {
		t.Fatal("FileDigestChanged failed:", err)
	}
	if status != Unchanged {
		t.Fatalf("expected Unchanged after recording the current digest, got %v", status)
	}

	if err := os.WriteFile(target, []byte("version two"), 0600); err != nil {
		t.Fatal("unable to rewrite test file:", err)
	}
	status, _, err = FileDigestChanged(db, target, AlgorithmSHA256)
	if err != nil {
		t.Fatal("FileDigestChanged failed:", err)
	}
	if status != Changed {
		t.Fatalf("expected Changed after rewriting the file, got %v", status)
	}
}

func TestPurgeHashesRemovesOnlyStaleEntries(t *testing.T) {
	db := openTestStore(t)
	live := filepath.Join(t.TempDir(), "still-here")
	if err := os.WriteFile(live, []byte("present"), 0600); err != nil {
		t.Fatal("unable to write live file:", err)
	}
	gone := filepath.Join(t.TempDir(), "long-gone")

	if err := db.PutHash("sha256", live, []byte{1, 2, 3}); err != nil {
		t.Fatal("PutHash failed:", err)
	}
	if err := db.PutHash("sha256", gone, []byte{4, 5, 6}); err != nil {
		t.Fatal("PutHash failed:", err)
	}

	stale, err := PurgeHashes(db, true)
	if err != nil {
		t.Fatal("PurgeHashes failed:", err)
	}
	if len(stale) != 1 || stale[0] != gone {
		t.Fatalf("expected only %q reported stale, got %v", gone, stale)
	}

	if _, ok, err := db.GetHash("sha256", live); err != nil {
		t.Fatal("GetHash failed:", err)
	} else if !ok {
		t.Error("expected the still-existing path's digest to survive purge")
	}
	if _, ok, err := db.GetHash("sha256", gone); err != nil {
		t.Fatal("GetHash failed:", err)
	} else if ok {
		t.Error("expected the missing path's digest to be purged")
	}
}

func TestPurgeHashesDryRunLeavesRecordsIntact(t *testing.T) {
	db := openTestStore(t)
	gone := filepath.Join(t.TempDir(), "long-gone")
	if err := db.PutHash("sha256", gone, []byte{4, 5, 6}); err != nil {
		t.Fatal("PutHash failed:", err)
	}

	stale, err := PurgeHashes(db, false)
	if err != nil {
		t.Fatal("PurgeHashes failed:", err)
	}
	if len(stale) != 1 || stale[0] != gone {
		t.Fatalf("expected %q reported stale, got %v", gone, stale)
	}

	if _, ok, err := db.GetHash("sha256", gone); err != nil {
		t.Fatal("GetHash failed:", err)
	} else if !ok {
		t.Error("dry run must not delete the stale record")
	}
}
