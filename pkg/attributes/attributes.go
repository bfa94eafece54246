// Package attributes implements the Attribute Reconciler: mode, ownership, ACL, BSD-flags, setuid/setgid audit,
// timestamp (stealth), and change-detection reconciliation against a single
// filesystem entry, performed through the race-safe pkg/filesystem.Directory
// operations so it participates in the same push/pop-protected traversal as
// name reconciliation and copying.
package attributes

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/logging"
	"github.com/convergefs/fspromise/pkg/promise"
	"github.com/convergefs/fspromise/pkg/store"
)

// SetuidWatchlist is the process-wide set of paths already alerted on for
// carrying a root-owned setuid/setgid bit. It is
// satisfied by pkg/dispatch's AgentState; kept as an interface here so this
// package does not need to import the dispatcher.
type SetuidWatchlist interface {
	Contains(path string) bool
	Add(path string)
}

// Reconciler applies attribute reconciliation for one entry.
type Reconciler struct {
	Logger    *logging.Logger
	Watchlist SetuidWatchlist
	Stats     *store.Store
	DryRun    bool
}

// Reconcile applies attrs.Perms, attrs.Change, and attrs.ACL against name
// within parent, given its current metadata, and returns the resulting
// outcome and message.
func (r *Reconciler) Reconcile(parent *filesystem.Directory, name string, current *filesystem.Metadata, attrs promise.Attributes) (promise.Outcome, string, error) {
	var messages []string
	overallOutcome := promise.Noop

	if attrs.Perms.Configured() {
		outcome, message, err := r.reconcileMode(parent, name, current, attrs.Perms, attrs.Transaction)
		if err != nil {
			return promise.Fail, "", err
		}
		overallOutcome = mergeOutcome(overallOutcome, outcome)
		if message != "" {
			messages = append(messages, message)
		}

		outcome, message, err = r.reconcileOwnership(parent, name, current, attrs.Perms, attrs.Transaction)
		if err != nil {
			return promise.Fail, "", err
		}
		overallOutcome = mergeOutcome(overallOutcome, outcome)
		if message != "" {
			messages = append(messages, message)
		}

		if filesystem.SupportsFlags && (attrs.Perms.PlusFlags != 0 || attrs.Perms.MinusFlags != 0) {
			if gateOutcome, gateMessage, proceed := attrs.Transaction.FixGate(r.DryRun, "set flags"); !proceed {
				overallOutcome = mergeOutcome(overallOutcome, gateOutcome)
				messages = append(messages, gateMessage)
			} else {
				if err := filesystem.SetFlags(parent, name, attrs.Perms.PlusFlags, attrs.Perms.MinusFlags, r.Logger); err != nil {
					return promise.Fail, "", errors.Wrap(err, "unable to set flags")
				}
				overallOutcome = mergeOutcome(overallOutcome, promise.Change)
			}
		}
	}

	setuidOutcome, setuidMessage := r.auditSetuid(name, current, attrs.Perms)
	overallOutcome = mergeOutcome(overallOutcome, setuidOutcome)
	if setuidMessage != "" {
		messages = append(messages, setuidMessage)
	}

	if attrs.ACL.Configured() {
		r.Logger.Debugf("ACL entries configured for %q but no ACL capability is wired on this platform; no-op", name)
	}

	if attrs.Change.Configured() && r.Stats != nil {
		outcome, message, err := r.detectChange(name, current, attrs.Change)
		if err != nil {
			return promise.Fail, "", err
		}
		overallOutcome = mergeOutcome(overallOutcome, outcome)
		if message != "" {
			messages = append(messages, message)
		}
	}

	joined := joinMessages(messages)
	if r.DryRun && overallOutcome == promise.Change {
		if !strings.HasPrefix(joined, "(dry run)") {
			joined = "(dry run) would change: " + joined
		}
		return promise.Noop, joined, nil
	}
	return overallOutcome, joined, nil
}

func mergeOutcome(a, b promise.Outcome) promise.Outcome {
	rank := func(o promise.Outcome) int {
		switch o {
		case promise.Noop:
			return 0
		case promise.Change:
			return 1
		case promise.Warn:
			return 2
		case promise.Fail, promise.Denied, promise.Interrupted:
			return 3
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func joinMessages(messages []string) string {
	out := ""
	for i, m := range messages {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

// reconcileMode computes the target mode per spec.md §4.3's
// (current & ~minus) | plus rule, with the rxdirs directory-execute
// adjustment, and applies it if it differs from the current mode.
func (r *Reconciler) reconcileMode(parent *filesystem.Directory, name string, current *filesystem.Metadata, perms promise.PermsAttributes, transaction promise.TransactionAttributes) (promise.Outcome, string, error) {
	target := (current.Mode.Permissions() &^ perms.Minus) | perms.Plus
	if perms.Rxdirs && current.Mode.IsDirectory() {
		if target&filesystem.ModePermissionUserRead != 0 {
			target |= filesystem.ModePermissionUserExecute
		}
		if target&filesystem.ModePermissionGroupRead != 0 {
			target |= filesystem.ModePermissionGroupExecute
		}
		if target&filesystem.ModePermissionOthersRead != 0 {
			target |= filesystem.ModePermissionOthersExecute
		}
	}

	if target == current.Mode.Permissions() {
		return promise.Noop, "", nil
	}
	if outcome, message, proceed := transaction.FixGate(r.DryRun, fmt.Sprintf("set mode to %04o", uint32(target))); !proceed {
		return outcome, message, nil
	}
	if err := parent.SetPermissions(name, filesystem.NoOwnershipChange, target); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to set mode")
	}
	return promise.Change, fmt.Sprintf("mode changed to %04o", uint32(target)), nil
}

// reconcileOwnership implements spec.md §4.3's owner/group candidate-list
// matching: SAME entries (or an entry equal to the current value) keep the
// current value; otherwise the first non-UNKNOWN entry is applied; if the
// only entry present is UNKNOWN, the reconciliation fails and leaves the
// entry unchanged.
func (r *Reconciler) reconcileOwnership(parent *filesystem.Directory, name string, current *filesystem.Metadata, perms promise.PermsAttributes, transaction promise.TransactionAttributes) (promise.Outcome, string, error) {
	targetOwner, ownerChanged, ownerErr := resolveID(perms.Owners, current.OwnerID)
	targetGroup, groupChanged, groupErr := resolveID(perms.Groups, current.GroupID)

	if ownerErr != nil || groupErr != nil {
		return promise.Fail, "owner/group list contains only UNKNOWN", nil
	}
	if !ownerChanged && !groupChanged {
		return promise.Noop, "", nil
	}

	if outcome, message, proceed := transaction.FixGate(r.DryRun, "change ownership"); !proceed {
		return outcome, message, nil
	}

	spec := &filesystem.OwnershipSpecification{OwnerID: -1, GroupID: -1}
	if ownerChanged {
		spec.OwnerID = targetOwner
	}
	if groupChanged {
		spec.GroupID = targetGroup
	}
	if err := parent.SetPermissions(name, spec, filesystem.SameMode); err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to set ownership")
	}
	return promise.Change, "ownership changed", nil
}

func resolveID(candidates []promise.IDSpec, current int) (target int, changed bool, err error) {
	if len(candidates) == 0 {
		return current, false, nil
	}
	onlyUnknown := true
	for _, candidate := range candidates {
		switch candidate.Kind {
		case promise.IDSame:
			return current, false, nil
		case promise.IDValue:
			onlyUnknown = false
			if candidate.Value == current {
				return current, false, nil
			}
		case promise.IDUnknown:
			// not directly applicable
		}
	}
	if onlyUnknown {
		return 0, false, errors.New("no usable candidate, only UNKNOWN")
	}
	for _, candidate := range candidates {
		if candidate.Kind == promise.IDValue {
			return candidate.Value, candidate.Value != current, nil
		}
	}
	return current, false, nil
}

// auditSetuid implements the setuid/setgid watchlist alerting of spec.md
// §4.3, §8 scenario 5: a root-owned file carrying setuid/setgid is added to
// the watchlist on first sight with a one-shot warning; a second
// observation of the same path emits nothing further.
func (r *Reconciler) auditSetuid(path string, current *filesystem.Metadata, perms promise.PermsAttributes) (promise.Outcome, string) {
	if !current.IsRootOwnedSetuidOrSetgid() {
		return promise.Noop, ""
	}
	willClear := perms.Configured() && (perms.Minus&(filesystem.ModeSetuid|filesystem.ModeSetgid)) != 0 &&
		(perms.Plus&(filesystem.ModeSetuid|filesystem.ModeSetgid)) == 0
	if willClear {
		return promise.Change, fmt.Sprintf("cleared setuid/setgid bit on root-owned %q", path)
	}
	if r.Watchlist == nil || r.Watchlist.Contains(path) {
		return promise.Noop, ""
	}
	r.Watchlist.Add(path)
	return promise.Warn, fmt.Sprintf("NEW SETUID root PROGRAM: %q", path)
}

// detectChange implements spec.md §4.3's post-reconciliation change
// detection: compare current stat against the stored snapshot; if any
// tracked field differs, emit a structured change record and, if
// change.update is set, rewrite the snapshot.
func (r *Reconciler) detectChange(path string, current *filesystem.Metadata, change promise.ChangeAttributes) (promise.Outcome, string, error) {
	previous, ok, err := r.Stats.GetStats(path)
	if err != nil {
		return promise.Fail, "", errors.Wrap(err, "unable to read stats record")
	}

	fresh := store.StatSnapshot{
		Size:             current.Size,
		ModificationTime: current.ModificationTime,
		ChangeTime:       current.ChangeTime,
		Mode:             uint32(current.Mode),
		OwnerID:          current.OwnerID,
		GroupID:          current.GroupID,
		DeviceID:         current.DeviceID,
		FileID:           current.FileID,
	}

	if !ok {
		if change.Update {
			if err := r.Stats.PutStats(path, fresh); err != nil {
				return promise.Fail, "", errors.Wrap(err, "unable to record stats snapshot")
			}
		}
		return promise.Noop, "", nil
	}

	differs := previous.Mode != fresh.Mode ||
		previous.OwnerID != fresh.OwnerID ||
		previous.GroupID != fresh.GroupID ||
		previous.DeviceID != fresh.DeviceID ||
		previous.FileID != fresh.FileID ||
		!previous.ModificationTime.Equal(fresh.ModificationTime)

	if !differs {
		return promise.Noop, "", nil
	}

	message := describeChange(change.ReportChanges, previous, fresh)
	if change.Update {
		if err := r.Stats.PutStats(path, fresh); err != nil {
			return promise.Fail, "", errors.Wrap(err, "unable to record stats snapshot")
		}
	}
	return promise.Change, message, nil
}

func describeChange(verbosity promise.ReportChanges, previous, fresh store.StatSnapshot) string {
	if verbosity == promise.ReportNone {
		return ""
	}
	return fmt.Sprintf("stats changed (mode %04o -> %04o, mtime %s -> %s)",
		previous.Mode, fresh.Mode,
		previous.ModificationTime.Format(time.RFC3339), fresh.ModificationTime.Format(time.RFC3339))
}

// RestoreStealthTimes resets path's atime/mtime to the given values,
// implementing the "stealth" best-effort anti-forensic preservation of
// spec.md §4.3/§9: after any operation that would alter a source's times,
// the original values are restored via utime.
func RestoreStealthTimes(path string, atime, mtime time.Time) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW)
}
