package promise

import (
	"testing"

	"github.com/convergefs/fspromise/pkg/hash"
)

func TestParseDocumentBasicFields(t *testing.T) {
	doc := []byte(`
promiser: /etc/app/config.yaml
namespace: default
bundle: deploy
comment: keep config in sync
copy:
  source: /srv/releases/current/config.yaml
  compare: CHECKSUM
  backup: timestamp
  verify: true
  min_size: 0
  max_size: 1048576
perms:
  plus: "0644"
  owners: ["0", "SAME"]
  groups: ["UNKNOWN"]
recursion:
  depth: 3
  xdev: true
change:
  hash: sha256
  update: true
`)
	p, err := ParseDocument(doc)
	if err != nil {
		t.Fatal("ParseDocument failed:", err)
	}

	if p.Promiser != "/etc/app/config.yaml" {
		t.Errorf("Promiser = %q", p.Promiser)
	}
	if p.Attributes.Copy.Source != "/srv/releases/current/config.yaml" {
		t.Errorf("Copy.Source = %q", p.Attributes.Copy.Source)
	}
	if p.Attributes.Copy.Compare != CompareChecksum {
		t.Errorf("Copy.Compare = %v, expected CompareChecksum", p.Attributes.Copy.Compare)
	}
	if p.Attributes.Copy.Backup != BackupTimestamp {
		t.Errorf("Copy.Backup = %v, expected BackupTimestamp", p.Attributes.Copy.Backup)
	}
	if !p.Attributes.Copy.Verify {
		t.Error("Copy.Verify = false, expected true")
	}
	if p.Attributes.Copy.MaxSize != 1048576 {
		t.Errorf("Copy.MaxSize = %d", p.Attributes.Copy.MaxSize)
	}
	if !p.Attributes.Perms.Configured() {
		t.Error("expected Perms to be marked configured")
	}
	if p.Attributes.Perms.Plus != 0644 {
		t.Errorf("Perms.Plus = %o, expected 0644", p.Attributes.Perms.Plus)
	}
	if len(p.Attributes.Perms.Owners) != 2 || p.Attributes.Perms.Owners[0].Kind != IDValue || p.Attributes.Perms.Owners[0].Value != 0 {
		t.Errorf("Perms.Owners = %+v", p.Attributes.Perms.Owners)
	}
	if len(p.Attributes.Perms.Groups) != 1 || p.Attributes.Perms.Groups[0].Kind != IDUnknown {
		t.Errorf("Perms.Groups = %+v", p.Attributes.Perms.Groups)
	}
	if p.Attributes.Recursion.Depth != 3 || !p.Attributes.Recursion.Xdev {
		t.Errorf("Recursion = %+v", p.Attributes.Recursion)
	}
	if !p.Attributes.Change.Configured() {
		t.Error("expected Change to be marked configured")
	}
	if p.Attributes.Change.Hash != hash.AlgorithmSHA256 {
		t.Errorf("Change.Hash = %v, expected sha256", p.Attributes.Change.Hash)
	}
	if !p.Attributes.Change.Update {
		t.Error("Change.Update = false, expected true")
	}
}

func TestParseDocumentRenameGroup(t *testing.T) {
	doc := []byte(`
promiser: /var/log/app.log
rename:
  rotate: 5
`)
	p, err := ParseDocument(doc)
	if err != nil {
		t.Fatal("ParseDocument failed:", err)
	}
	if p.Attributes.Rename.Rotate != 5 {
		t.Errorf("Rename.Rotate = %d, expected 5", p.Attributes.Rename.Rotate)
	}
	if !p.Attributes.Rename.Plus.Same || !p.Attributes.Rename.Minus.Same {
		t.Error("expected unset rename.plus/minus to default to SAME_MODE")
	}
}

func TestParseDocumentDeleteGroup(t *testing.T) {
	doc := []byte(`
promiser: /tmp/scratch
delete:
  rmdirs: true
`)
	p, err := ParseDocument(doc)
	if err != nil {
		t.Fatal("ParseDocument failed:", err)
	}
	if !p.Attributes.Delete.Enabled || !p.Attributes.Delete.Rmdirs {
		t.Errorf("Delete = %+v", p.Attributes.Delete)
	}
}

func TestParseDocumentMalformedYAML(t *testing.T) {
	if _, err := ParseDocument([]byte("not: [valid")); err == nil {
		t.Error("expected ParseDocument to fail on malformed YAML")
	}
}
