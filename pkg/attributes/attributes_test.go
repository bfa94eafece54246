package attributes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/promise"
	"github.com/convergefs/fspromise/pkg/store"
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

type recordingWatchlist struct {
	contains map[string]bool
}

func (w *recordingWatchlist) Contains(path string) bool { return w.contains[path] }
func (w *recordingWatchlist) Add(path string)            { w.contains[path] = true }

func TestReconcileModeAppliesPlusMinus(t *testing.T) {
	dir, root := openTestDir(t)
	target := filepath.Join(root, "f")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal("unable to write file:", err)
	}

	current, err := dir.ReadContentMetadata("f")
	if err != nil {
		t.Fatal("unable to stat file:", err)
	}

	perms := promise.PermsAttributes{
		Plus:  filesystem.ModePermissionGroupWrite,
		Minus: filesystem.ModePermissionOthersRead,
	}
	perms.Configure()

	r := &Reconciler{}
	outcome, _, err := r.reconcileMode(dir, "f", current, perms, promise.TransactionAttributes{})
	if err != nil {
		t.Fatal("reconcileMode failed:", err)
	}
	if outcome != promise.Change {
		t.Errorf("expected Change, got %v", outcome)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatal("unable to stat after reconcile:", err)
	}
	mode := info.Mode().Perm()
	if mode&0020 == 0 {
		t.Error("expected group-write bit to be set")
	}
	if mode&0004 != 0 {
		t.Error("expected others-read bit to be cleared")
	}
}

func TestReconcileModeNoopWhenUnchanged(t *testing.T) {
	dir, root := openTestDir(t)
	if err := os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644); err != nil {
		t.Fatal("unable to write file:", err)
	}
	current, err := dir.ReadContentMetadata("f")
	if err != nil {
		t.Fatal("unable to stat file:", err)
	}

	r := &Reconciler{}
	outcome, _, err := r.reconcileMode(dir, "f", current, promise.PermsAttributes{}, promise.TransactionAttributes{})
	if err != nil {
		t.Fatal("reconcileMode failed:", err)
	}
	if outcome != promise.Noop {
		t.Errorf("expected Noop when plus/minus leave the mode unchanged, got %v", outcome)
	}
}

func TestReconcileModeRxdirsGrantsExecuteOnDirectories(t *testing.T) {
	dir, root := openTestDir(t)
	if err := dir.CreateDirectory("sub"); err != nil {
		t.Fatal("unable to create directory:", err)
	}
	if err := os.Chmod(filepath.Join(root, "sub"), 0600); err != nil {
		t.Fatal("unable to chmod directory:", err)
	}
	current, err := dir.ReadContentMetadata("sub")
	if err != nil {
		t.Fatal("unable to stat directory:", err)
	}

	perms := promise.PermsAttributes{Rxdirs: true}
	r := &Reconciler{}
	outcome, _, err := r.reconcileMode(dir, "sub", current, perms, promise.TransactionAttributes{})
	if err != nil {
		t.Fatal("reconcileMode failed:", err)
	}
	if outcome != promise.Change {
		t.Errorf("expected Change, got %v", outcome)
	}
	info, err := os.Stat(filepath.Join(root, "sub"))
	if err != nil {
		t.Fatal("unable to stat after reconcile:", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Error("expected rxdirs to add the user-execute bit because user-read was set")
	}
}

func TestReconcileModeActionWarnDoesNotMutate(t *testing.T) {
	dir, root := openTestDir(t)
	target := filepath.Join(root, "f")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal("unable to write file:", err)
	}
	current, err := dir.ReadContentMetadata("f")
	if err != nil {
		t.Fatal("unable to stat file:", err)
	}

	perms := promise.PermsAttributes{Plus: filesystem.ModePermissionGroupWrite}
	perms.Configure()
	transaction := promise.TransactionAttributes{Action: promise.ActionWarn}

	r := &Reconciler{}
	outcome, message, err := r.reconcileMode(dir, "f", current, perms, transaction)
	if err != nil {
		t.Fatal("reconcileMode failed:", err)
	}
	if outcome != promise.Warn || message == "" {
		t.Errorf("expected a Warn with a message under action=warn, got %v %q", outcome, message)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatal("unable to stat after reconcile:", err)
	}
	if info.Mode().Perm()&0020 != 0 {
		t.Error("expected action=warn to leave the mode unchanged")
	}
}

func TestReconcileModeDryRunDoesNotMutate(t *testing.T) {
	dir, root := openTestDir(t)
	target := filepath.Join(root, "f")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal("unable to write file:", err)
	}
	current, err := dir.ReadContentMetadata("f")
	if err != nil {
		t.Fatal("unable to stat file:", err)
	}

	perms := promise.PermsAttributes{Plus: filesystem.ModePermissionGroupWrite}
	perms.Configure()

	r := &Reconciler{DryRun: true}
	outcome, message, err := r.reconcileMode(dir, "f", current, perms, promise.TransactionAttributes{})
	if err != nil {
		t.Fatal("reconcileMode failed:", err)
	}
	if outcome != promise.Change || message == "" {
		t.Errorf("expected a reported Change under dry run, got %v %q", outcome, message)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatal("unable to stat after reconcile:", err)
	}
	if info.Mode().Perm()&0020 != 0 {
		t.Error("expected dry run to leave the mode unchanged")
	}
}

func TestResolveIDSame(t *testing.T) {
	target, changed, err := resolveID([]promise.IDSpec{{Kind: promise.IDSame}}, 1000)
	if err != nil {
		t.Fatal("resolveID failed:", err)
	}
	if changed || target != 1000 {
		t.Errorf("expected SAME to keep the current value unchanged, got target=%d changed=%v", target, changed)
	}
}

func TestResolveIDAppliesFirstValue(t *testing.T) {
	candidates := []promise.IDSpec{{Kind: promise.IDValue, Value: 42}}
	target, changed, err := resolveID(candidates, 1000)
	if err != nil {
		t.Fatal("resolveID failed:", err)
	}
	if !changed || target != 42 {
		t.Errorf("expected to switch to 42, got target=%d changed=%v", target, changed)
	}
}

func TestResolveIDOnlyUnknownFails(t *testing.T) {
	if _, _, err := resolveID([]promise.IDSpec{{Kind: promise.IDUnknown}}, 1000); err == nil {
		t.Error("expected resolveID to fail when only UNKNOWN candidates are present")
	}
}

func TestResolveIDNoCandidatesKeepsCurrent(t *testing.T) {
	target, changed, err := resolveID(nil, 1000)
	if err != nil {
		t.Fatal("resolveID failed:", err)
	}
	if changed || target != 1000 {
		t.Error("expected no candidates to leave the current value unchanged")
	}
}

func TestAuditSetuidOneShotWarning(t *testing.T) {
	watchlist := &recordingWatchlist{contains: map[string]bool{}}
	r := &Reconciler{Watchlist: watchlist}

	current := &filesystem.Metadata{OwnerID: 0, Mode: filesystem.ModeSetuid}

	outcome, message := r.auditSetuid("/usr/bin/suspicious", current, promise.PermsAttributes{})
	if outcome != promise.Warn || message == "" {
		t.Errorf("expected a Warn with a message on first sighting, got %v %q", outcome, message)
	}

	outcome, message = r.auditSetuid("/usr/bin/suspicious", current, promise.PermsAttributes{})
	if outcome != promise.Noop || message != "" {
		t.Errorf("expected no further alert on second sighting, got %v %q", outcome, message)
	}
}

func TestAuditSetuidIgnoresNonRootOwned(t *testing.T) {
	r := &Reconciler{Watchlist: &recordingWatchlist{contains: map[string]bool{}}}
	current := &filesystem.Metadata{OwnerID: 1000, Mode: filesystem.ModeSetuid}
	outcome, message := r.auditSetuid("/home/user/bin", current, promise.PermsAttributes{})
	if outcome != promise.Noop || message != "" {
		t.Errorf("expected no alert for a non-root-owned setuid file, got %v %q", outcome, message)
	}
}

func TestAuditSetuidClearingReportsChange(t *testing.T) {
	r := &Reconciler{Watchlist: &recordingWatchlist{contains: map[string]bool{}}}
	current := &filesystem.Metadata{OwnerID: 0, Mode: filesystem.ModeSetuid}
	perms := promise.PermsAttributes{Minus: filesystem.ModeSetuid}
	perms.Configure()

	outcome, message := r.auditSetuid("/usr/bin/app", current, perms)
	if outcome != promise.Change || message == "" {
		t.Errorf("expected Change when the promise clears the setuid bit, got %v %q", outcome, message)
	}
}

func TestDetectChangeRecordsFirstSnapshot(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal("unable to open store:", err)
	}
	defer db.Close()

	r := &Reconciler{Stats: db}
	change := promise.ChangeAttributes{Update: true}
	change.Configure()

	current := &filesystem.Metadata{Size: 10, Mode: filesystem.ModeTypeFile | 0644}
	outcome, _, err := r.detectChange("/a", current, change)
	if err != nil {
		t.Fatal("detectChange failed:", err)
	}
	if outcome != promise.Noop {
		t.Errorf("expected Noop recording the first snapshot, got %v", outcome)
	}

	if _, ok, err := db.GetStats("/a"); err != nil {
		t.Fatal("GetStats failed:", err)
	} else if !ok {
		t.Error("expected the first snapshot to be recorded since update=true")
	}
}

func TestDetectChangeReportsDivergence(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal("unable to open store:", err)
	}
	defer db.Close()

	if err := db.PutStats("/a", store.StatSnapshot{Mode: uint32(filesystem.ModeTypeFile | 0644)}); err != nil {
		t.Fatal("PutStats failed:", err)
	}

	r := &Reconciler{Stats: db}
	change := promise.ChangeAttributes{ReportChanges: promise.ReportStats}
	change.Configure()

	current := &filesystem.Metadata{Mode: filesystem.ModeTypeFile | 0600}
	outcome, message, err := r.detectChange("/a", current, change)
	if err != nil {
		t.Fatal("detectChange failed:", err)
	}
	if outcome != promise.Change || message == "" {
		t.Errorf("expected a reported Change for a differing mode, got %v %q", outcome, message)
	}
}

func TestDetectChangeReportsInodeSwap(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal("unable to open store:", err)
	}
	defer db.Close()

	mode := uint32(filesystem.ModeTypeFile | 0644)
	if err := db.PutStats("/a", store.StatSnapshot{Mode: mode, DeviceID: 1, FileID: 100}); err != nil {
		t.Fatal("PutStats failed:", err)
	}

	r := &Reconciler{Stats: db}
	change := promise.ChangeAttributes{ReportChanges: promise.ReportStats}
	change.Configure()

	// Same mode/owner/mtime as recorded, but a new inode: an out-of-band
	// atomic replace that a mode/uid/gid/mtime-only comparison would miss.
	current := &filesystem.Metadata{Mode: filesystem.Mode(mode), DeviceID: 1, FileID: 200}
	outcome, message, err := r.detectChange("/a", current, change)
	if err != nil {
		t.Fatal("detectChange failed:", err)
	}
	if outcome != promise.Change || message == "" {
		t.Errorf("expected a reported Change for an inode swap with all other fields unchanged, got %v %q", outcome, message)
	}
}
