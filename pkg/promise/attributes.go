package promise

import (
	"time"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/hash"
)

// ModeSpec is a mode-bit mask attribute, tagged so that "leave as-is" is a
// distinct value from "clear every bit".
type ModeSpec struct {
	Same bool
	Bits filesystem.Mode
}

// SameModeSpec is the SAME_MODE sentinel.
var SameModeSpec = ModeSpec{Same: true}

// IDSpecKind tags how a UidSpec/GidSpec entry should be interpreted.
type IDSpecKind uint8

const (
	// IDSame matches and keeps whatever the current owner/group is.
	IDSame IDSpecKind = iota
	// IDValue sets the owner/group to a specific numeric ID.
	IDValue
	// IDUnknown is the UNKNOWN/UNKNOWN_GROUP sentinel: cannot be applied on
	// its own, only used to detect "no usable entry was given."
	IDUnknown
)

// IDSpec is one entry of a perms.owners or perms.groups candidate list.
type IDSpec struct {
	Kind  IDSpecKind
	Value int
}

// RenameAttributes holds the rename attribute group.
type RenameAttributes struct {
	NewName        string
	Disable        bool
	DisableSuffix  string
	Rotate         int
	Plus, Minus    ModeSpec
}

// DeleteAttributes holds the delete attribute group.
type DeleteAttributes struct {
	Enabled bool
	Rmdirs  bool
}

// PermsAttributes holds the perms attribute group.
type PermsAttributes struct {
	configured bool

	Plus, Minus           filesystem.Mode
	Rxdirs                bool
	Owners                []IDSpec
	Groups                []IDSpec
	PlusFlags, MinusFlags uint32
	FinderType            string
}

// Configure marks the group as present in the promise (as opposed to its
// zero value, which means "not specified at all").
func (p *PermsAttributes) Configure() { p.configured = true }

// Configured reports whether this group was set on the promise.
func (p PermsAttributes) Configured() bool { return p.configured }

// CompareMode selects among the Comparison Oracle's comparators.
type CompareMode uint8

const (
	CompareExists CompareMode = iota
	CompareMTime
	CompareATime
	CompareChecksum
	CompareHash
	CompareBinary
)

// LinkType selects how Link Materialization represents a link.
type LinkType uint8

const (
	LinkNone LinkType = iota
	LinkSymbolic
	LinkRelative
	LinkAbsolute
	LinkHard
)

// BackupMode selects the Write-Replace backup strategy.
type BackupMode uint8

const (
	BackupNone BackupMode = iota
	BackupTimestamp
	BackupRepository
)

// CopyAttributes holds the copy attribute group.
type CopyAttributes struct {
	Source       string
	Servers      []string
	Compare      CompareMode
	LinkType     LinkType
	LinkInstead  []string
	CopyLinks    []string
	TypeCheck    bool
	ForceUpdate  bool
	Preserve     bool
	Purge        bool
	Collapse     bool
	CheckRoot    bool
	Stealth      bool
	Encrypt      bool
	Verify       bool
	Backup       BackupMode
	MinSize      uint64
	MaxSize      uint64
	SingleCopy   bool
}

// RecursionAttributes holds the recursion attribute group.
type RecursionAttributes struct {
	Depth          int
	IncludeBaseDir bool
	Travlinks      bool
	Xdev           bool
	IncludeDirs    []string
	ExcludeDirs    []string
}

// ReportChanges selects the verbosity of change reporting.
type ReportChanges uint8

const (
	ReportNone ReportChanges = iota
	ReportContent
	ReportStats
	ReportAll
)

// ChangeAttributes holds the change attribute group.
type ChangeAttributes struct {
	configured bool

	ReportChanges ReportChanges
	Hash          hash.Algorithm
	Update        bool
	ReportDiffs   bool
}

func (c *ChangeAttributes) Configure() { c.configured = true }
func (c ChangeAttributes) Configured() bool { return c.configured }

// SelectPredicate is the file-selection predicate: a promise
// leaf is skipped unless it matches.
type SelectPredicate struct {
	Enabled   bool
	MinSize   uint64
	MaxSize   uint64
	OlderThan time.Duration
	NewerThan time.Duration
	Types     []filesystem.Mode
	OwnerID   *int
	Regex     string
}

// TransactionAction selects whether a divergence is fixed or only reported.
type TransactionAction uint8

const (
	ActionFix TransactionAction = iota
	ActionWarn
)

// TransactionAttributes holds the transaction attribute group.
type TransactionAttributes struct {
	Action      TransactionAction
	Background  bool
	IfElapsed   time.Duration
	ExpireAfter time.Duration
}

// FixGate decides, ahead of a would-be corrective write, whether that write
// should actually happen. It distinguishes two independent reasons to
// withhold it: the global dry-run flag (report Change with a "(dry run)"
// message so a caller further up can still fold it into its own reporting,
// e.g. downgrading to Noop) and transaction.action=warn (report the
// divergence itself as Warn, never Change, since no fix was attempted and
// none is forthcoming). verb describes the action in the present tense,
// e.g. "set mode to 0644". proceed is true when the caller should perform
// the real mutation.
func (t TransactionAttributes) FixGate(dryRun bool, verb string) (outcome Outcome, message string, proceed bool) {
	if t.Action == ActionWarn {
		return Warn, verb + " (action=warn, not applied)", false
	}
	if dryRun {
		return Change, "(dry run) would " + verb, false
	}
	return Noop, "", true
}

// ACLAttributes holds the acl attribute group. On platforms with
// no ACL capability wired, Entries is consulted but every apply is a no-op
// that logs "unsupported".
type ACLAttributes struct {
	configured bool
	Entries    []string
}

func (a *ACLAttributes) Configure() { a.configured = true }
func (a ACLAttributes) Configured() bool { return a.configured }

// LinkAttributes holds the outbound link promise group.
type LinkAttributes struct {
	Enabled bool
	Target  string
	Type    LinkType
}
