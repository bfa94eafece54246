package naming

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/promise"
)

func openTestDir(t *testing.T) (*filesystem.Directory, string) {
	t.Helper()
	tempDir := t.TempDir()
	dir, err := filesystem.OpenDirectoryByPath(tempDir)
	if err != nil {
		t.Fatal("unable to open directory:", err)
	}
	t.Cleanup(func() { dir.Close() })
	return dir, tempDir
}

func writeFile(t *testing.T, root, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(contents), 0644); err != nil {
		t.Fatal("unable to write file:", err)
	}
}

func TestReconcileNoop(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "a", "x")

	outcome, _, err := Reconcile(dir, "a", promise.Attributes{}, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Noop {
		t.Errorf("expected Noop with no operation configured, got %v", outcome)
	}
}

func TestReconcileRename(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "a", "x")

	attrs := promise.Attributes{Rename: promise.RenameAttributes{NewName: "b"}}
	outcome, _, err := Reconcile(dir, "a", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Change {
		t.Errorf("expected Change, got %v", outcome)
	}
	if _, err := os.Stat(filepath.Join(root, "b")); err != nil {
		t.Error("expected renamed file to exist at new name:", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); err == nil {
		t.Error("expected old name to no longer exist")
	}
}

func TestReconcileRenameWarnsOnExistingTarget(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "a", "x")
	writeFile(t, root, "b", "y")

	attrs := promise.Attributes{Rename: promise.RenameAttributes{NewName: "b"}}
	outcome, _, err := Reconcile(dir, "a", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Warn {
		t.Errorf("expected Warn when the rename target already exists, got %v", outcome)
	}
}

func TestReconcileDisableRegularFile(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "a", "x")

	attrs := promise.Attributes{Rename: promise.RenameAttributes{Disable: true}}
	outcome, _, err := Reconcile(dir, "a", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Change {
		t.Errorf("expected Change, got %v", outcome)
	}
	if _, err := os.Stat(filepath.Join(root, "a.cfdisabled")); err != nil {
		t.Error("expected disabled archive at default suffix:", err)
	}
}

func TestReconcileDisableSymbolicLinkUnlinks(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "target", "x")
	if err := dir.CreateSymbolicLink("a", "target"); err != nil {
		t.Fatal("unable to create symbolic link:", err)
	}

	attrs := promise.Attributes{Rename: promise.RenameAttributes{Disable: true}}
	outcome, _, err := Reconcile(dir, "a", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Change {
		t.Errorf("expected Change, got %v", outcome)
	}
	if _, err := os.Lstat(filepath.Join(root, "a")); err == nil {
		t.Error("expected symbolic link to be unlinked rather than archived")
	}
}

func TestReconcileRotateCascadesAndLeavesEmptyCurrent(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "log", "current")
	writeFile(t, root, "log.0", "oldest retained")

	attrs := promise.Attributes{Rename: promise.RenameAttributes{Rotate: 2}}
	outcome, _, err := Reconcile(dir, "log", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Change {
		t.Errorf("expected Change, got %v", outcome)
	}

	data, err := os.ReadFile(filepath.Join(root, "log.1"))
	if err != nil {
		t.Fatal("expected log.0 to have cascaded to log.1:", err)
	}
	if string(data) != "oldest retained" {
		t.Errorf("log.1 contents = %q, expected %q", data, "oldest retained")
	}

	data, err = os.ReadFile(filepath.Join(root, "log.0"))
	if err != nil {
		t.Fatal("expected current log to have rotated into log.0:", err)
	}
	if string(data) != "current" {
		t.Errorf("log.0 contents = %q, expected %q", data, "current")
	}

	data, err = os.ReadFile(filepath.Join(root, "log"))
	if err != nil {
		t.Fatal("expected a fresh empty file at the original name:", err)
	}
	if len(data) != 0 {
		t.Errorf("expected the rotated-in file to be empty, got %q", data)
	}
}

func TestReconcileRotateDropsOldestBeyondRetention(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "log", "current")
	writeFile(t, root, "log.0", "slot 0")
	writeFile(t, root, "log.1", "slot 1")
	writeFile(t, root, "log.2", "slot 2 (oldest, should be dropped)")

	attrs := promise.Attributes{Rename: promise.RenameAttributes{Rotate: 2}}
	if _, _, err := Reconcile(dir, "log", attrs, false); err != nil {
		t.Fatal("Reconcile failed:", err)
	}

	if _, err := os.Stat(filepath.Join(root, "log.1")); err != nil {
		t.Fatal("expected log.1 to exist after cascading:", err)
	}
	data, _ := os.ReadFile(filepath.Join(root, "log.1"))
	if string(data) != "slot 0" {
		t.Errorf("log.1 should now hold the former slot 0 contents, got %q", data)
	}
}

func TestReconcileTouchCreatesEmptyFile(t *testing.T) {
	dir, root := openTestDir(t)

	attrs := promise.Attributes{Touch: true}
	outcome, _, err := Reconcile(dir, "new", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Change {
		t.Errorf("expected Change when creating a new file, got %v", outcome)
	}
	if _, err := os.Stat(filepath.Join(root, "new")); err != nil {
		t.Error("expected the touched file to exist:", err)
	}

	outcome, _, err = Reconcile(dir, "new", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Noop {
		t.Errorf("expected Noop when the file already exists, got %v", outcome)
	}
}

func TestReconcileDeleteRequiresRmdirsForDirectories(t *testing.T) {
	dir, root := openTestDir(t)
	if err := dir.CreateDirectory("sub"); err != nil {
		t.Fatal("unable to create subdirectory:", err)
	}
	_ = root

	attrs := promise.Attributes{Delete: promise.DeleteAttributes{Enabled: true}}
	outcome, _, err := Reconcile(dir, "sub", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Warn {
		t.Errorf("expected Warn without rmdirs, got %v", outcome)
	}

	attrs.Delete.Rmdirs = true
	outcome, _, err = Reconcile(dir, "sub", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Change {
		t.Errorf("expected Change with rmdirs, got %v", outcome)
	}
}

func TestReconcileRenameActionWarnDoesNotMutate(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "a", "x")

	attrs := promise.Attributes{
		Rename:      promise.RenameAttributes{NewName: "b"},
		Transaction: promise.TransactionAttributes{Action: promise.ActionWarn},
	}
	outcome, message, err := Reconcile(dir, "a", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Warn || message == "" {
		t.Errorf("expected a Warn with a message under action=warn, got %v %q", outcome, message)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); err != nil {
		t.Error("expected action=warn to leave the original name in place:", err)
	}
	if _, err := os.Stat(filepath.Join(root, "b")); err == nil {
		t.Error("expected action=warn not to create the rename target")
	}
}

func TestReconcileDeleteDryRunDoesNotMutate(t *testing.T) {
	dir, root := openTestDir(t)
	writeFile(t, root, "a", "x")

	attrs := promise.Attributes{Delete: promise.DeleteAttributes{Enabled: true}}
	outcome, message, err := Reconcile(dir, "a", attrs, true)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Change || message == "" {
		t.Errorf("expected a reported Change under dry run, got %v %q", outcome, message)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); err != nil {
		t.Error("expected dry run to leave the file in place:", err)
	}
}

func TestReconcileDeleteMissingIsNoop(t *testing.T) {
	dir, _ := openTestDir(t)
	attrs := promise.Attributes{Delete: promise.DeleteAttributes{Enabled: true}}
	outcome, _, err := Reconcile(dir, "missing", attrs, false)
	if err != nil {
		t.Fatal("Reconcile failed:", err)
	}
	if outcome != promise.Noop {
		t.Errorf("expected Noop deleting an already-absent entry, got %v", outcome)
	}
}
