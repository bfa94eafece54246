package promise

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/hash"
)

// document is the on-disk YAML shape of a promise file, decoded with
// gopkg.in/yaml.v3. It uses plain strings and primitives where Attributes
// uses tagged variants, and
// ParseDocument performs the translation so the wire format stays simple
// while the in-memory model stays type-safe.
type document struct {
	Promiser  string `yaml:"promiser"`
	Namespace string `yaml:"namespace"`
	Bundle    string `yaml:"bundle"`
	Comment   string `yaml:"comment"`

	Rename *struct {
		NewName       string `yaml:"newname"`
		Disable       bool   `yaml:"disable"`
		DisableSuffix string `yaml:"disable_suffix"`
		Rotate        int    `yaml:"rotate"`
		Plus          string `yaml:"plus"`
		Minus         string `yaml:"minus"`
	} `yaml:"rename"`

	Delete *struct {
		Rmdirs bool `yaml:"rmdirs"`
	} `yaml:"delete"`

	Perms *struct {
		Plus       string   `yaml:"plus"`
		Minus      string   `yaml:"minus"`
		Rxdirs     bool     `yaml:"rxdirs"`
		Owners     []string `yaml:"owners"`
		Groups     []string `yaml:"groups"`
		FinderType string   `yaml:"findertype"`
	} `yaml:"perms"`

	Copy *struct {
		Source      string   `yaml:"source"`
		Servers     []string `yaml:"servers"`
		Compare     string   `yaml:"compare"`
		LinkType    string   `yaml:"link_type"`
		LinkInstead []string `yaml:"link_instead"`
		CopyLinks   []string `yaml:"copy_links"`
		TypeCheck   bool     `yaml:"type_check"`
		ForceUpdate bool     `yaml:"force_update"`
		Preserve    bool     `yaml:"preserve"`
		Purge       bool     `yaml:"purge"`
		CheckRoot   bool     `yaml:"check_root"`
		Stealth     bool     `yaml:"stealth"`
		Verify      bool     `yaml:"verify"`
		Backup      string   `yaml:"backup"`
		MinSize     uint64   `yaml:"min_size"`
		MaxSize     uint64   `yaml:"max_size"`
		SingleCopy  bool     `yaml:"single_copy"`
	} `yaml:"copy"`

	Recursion *struct {
		Depth          int      `yaml:"depth"`
		IncludeBaseDir bool     `yaml:"include_basedir"`
		Travlinks      bool     `yaml:"travlinks"`
		Xdev           bool     `yaml:"xdev"`
		IncludeDirs    []string `yaml:"include_dirs"`
		ExcludeDirs    []string `yaml:"exclude_dirs"`
	} `yaml:"recursion"`

	Change *struct {
		ReportChanges string `yaml:"report_changes"`
		Hash          string `yaml:"hash"`
		Update        bool   `yaml:"update"`
		ReportDiffs   bool   `yaml:"report_diffs"`
	} `yaml:"change"`

	Transformer string `yaml:"transformer"`

	Transaction *struct {
		Action      string `yaml:"action"`
		Background  bool   `yaml:"background"`
		IfElapsed   string `yaml:"ifelapsed"`
		ExpireAfter string `yaml:"expireafter"`
	} `yaml:"transaction"`

	Touch            bool `yaml:"touch"`
	MoveObstructions bool `yaml:"move_obstructions"`
}

// ParseDocument decodes a promise file's YAML content into a Promise.
func ParseDocument(data []byte) (Promise, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Promise{}, err
	}
	return doc.toPromise()
}

func (doc document) toPromise() (Promise, error) {
	p := Promise{
		Promiser:  doc.Promiser,
		Namespace: doc.Namespace,
		Bundle:    doc.Bundle,
		Comment:   doc.Comment,
	}

	if doc.Rename != nil {
		p.Attributes.Rename = RenameAttributes{
			NewName:       doc.Rename.NewName,
			Disable:       doc.Rename.Disable,
			DisableSuffix: doc.Rename.DisableSuffix,
			Rotate:        doc.Rename.Rotate,
			Plus:          parseModeSpec(doc.Rename.Plus),
			Minus:         parseModeSpec(doc.Rename.Minus),
		}
	}

	if doc.Delete != nil {
		p.Attributes.Delete = DeleteAttributes{Enabled: true, Rmdirs: doc.Delete.Rmdirs}
	}

	if doc.Perms != nil {
		p.Attributes.Perms.Configure()
		p.Attributes.Perms.Plus = parseMode(doc.Perms.Plus)
		p.Attributes.Perms.Minus = parseMode(doc.Perms.Minus)
		p.Attributes.Perms.Rxdirs = doc.Perms.Rxdirs
		p.Attributes.Perms.Owners = parseIDSpecs(doc.Perms.Owners)
		p.Attributes.Perms.Groups = parseIDSpecs(doc.Perms.Groups)
		p.Attributes.Perms.FinderType = doc.Perms.FinderType
	}

	if doc.Copy != nil {
		backup := BackupNone
		switch doc.Copy.Backup {
		case "timestamp":
			backup = BackupTimestamp
		case "repository":
			backup = BackupRepository
		}
		p.Attributes.Copy = CopyAttributes{
			Source:      doc.Copy.Source,
			Servers:     doc.Copy.Servers,
			Compare:     parseCompareMode(doc.Copy.Compare),
			LinkType:    parseLinkType(doc.Copy.LinkType),
			LinkInstead: doc.Copy.LinkInstead,
			CopyLinks:   doc.Copy.CopyLinks,
			TypeCheck:   doc.Copy.TypeCheck,
			ForceUpdate: doc.Copy.ForceUpdate,
			Preserve:    doc.Copy.Preserve,
			Purge:       doc.Copy.Purge,
			CheckRoot:   doc.Copy.CheckRoot,
			Stealth:     doc.Copy.Stealth,
			Verify:      doc.Copy.Verify,
			Backup:      backup,
			MinSize:     doc.Copy.MinSize,
			MaxSize:     doc.Copy.MaxSize,
			SingleCopy:  doc.Copy.SingleCopy,
		}
	}

	if doc.Recursion != nil {
		p.Attributes.Recursion = RecursionAttributes{
			Depth:          doc.Recursion.Depth,
			IncludeBaseDir: doc.Recursion.IncludeBaseDir,
			Travlinks:      doc.Recursion.Travlinks,
			Xdev:           doc.Recursion.Xdev,
			IncludeDirs:    doc.Recursion.IncludeDirs,
			ExcludeDirs:    doc.Recursion.ExcludeDirs,
		}
	}

	if doc.Change != nil {
		p.Attributes.Change.Configure()
		alg, err := hash.ParseAlgorithm(doc.Change.Hash)
		if err != nil {
			alg = hash.AlgorithmBest
		}
		p.Attributes.Change.Hash = alg
		p.Attributes.Change.Update = doc.Change.Update
		p.Attributes.Change.ReportDiffs = doc.Change.ReportDiffs
		switch doc.Change.ReportChanges {
		case "content":
			p.Attributes.Change.ReportChanges = ReportContent
		case "stats":
			p.Attributes.Change.ReportChanges = ReportStats
		case "all":
			p.Attributes.Change.ReportChanges = ReportAll
		default:
			p.Attributes.Change.ReportChanges = ReportNone
		}
	}

	p.Attributes.Transformer = doc.Transformer
	p.Attributes.Touch = doc.Touch
	p.Attributes.MoveObstructions = doc.MoveObstructions

	if doc.Transaction != nil {
		action := ActionFix
		if doc.Transaction.Action == "warn" {
			action = ActionWarn
		}
		ifElapsed, _ := time.ParseDuration(doc.Transaction.IfElapsed)
		expireAfter, _ := time.ParseDuration(doc.Transaction.ExpireAfter)
		p.Attributes.Transaction = TransactionAttributes{
			Action:      action,
			Background:  doc.Transaction.Background,
			IfElapsed:   ifElapsed,
			ExpireAfter: expireAfter,
		}
	}

	return p, nil
}

func parseMode(s string) filesystem.Mode {
	if s == "" {
		return 0
	}
	var value uint32
	for _, c := range s {
		if c < '0' || c > '7' {
			continue
		}
		value = value*8 + uint32(c-'0')
	}
	return filesystem.Mode(value)
}

func parseModeSpec(s string) ModeSpec {
	if s == "" || s == "SAME_MODE" {
		return SameModeSpec
	}
	return ModeSpec{Bits: parseMode(s)}
}

func parseIDSpecs(entries []string) []IDSpec {
	specs := make([]IDSpec, 0, len(entries))
	for _, entry := range entries {
		switch entry {
		case "SAME":
			specs = append(specs, IDSpec{Kind: IDSame})
		case "UNKNOWN":
			specs = append(specs, IDSpec{Kind: IDUnknown})
		default:
			value := 0
			for _, c := range entry {
				if c < '0' || c > '9' {
					value = -1
					break
				}
				value = value*10 + int(c-'0')
			}
			if value >= 0 {
				specs = append(specs, IDSpec{Kind: IDValue, Value: value})
			}
		}
	}
	return specs
}

func parseCompareMode(s string) CompareMode {
	switch s {
	case "MTIME":
		return CompareMTime
	case "ATIME":
		return CompareATime
	case "CHECKSUM":
		return CompareChecksum
	case "HASH":
		return CompareHash
	case "BINARY":
		return CompareBinary
	default:
		return CompareExists
	}
}

func parseLinkType(s string) LinkType {
	switch s {
	case "SYMLINK":
		return LinkSymbolic
	case "RELATIVE":
		return LinkRelative
	case "ABSOLUTE":
		return LinkAbsolute
	case "HARDLINK":
		return LinkHard
	default:
		return LinkNone
	}
}
