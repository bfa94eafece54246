package linkmap

import "testing"

func TestMapRecordAndLookup(t *testing.T) {
	m := New()

	if _, ok := m.Lookup(1); ok {
		t.Error("expected no entry for an unrecorded inode")
	}

	m.Record(1, "/dest/a")
	dest, ok := m.Lookup(1)
	if !ok {
		t.Fatal("expected an entry after Record")
	}
	if dest != "/dest/a" {
		t.Errorf("Lookup returned %q, expected %q", dest, "/dest/a")
	}

	if m.Len() != 1 {
		t.Errorf("Len() = %d, expected 1", m.Len())
	}
}

func TestMapRecordOverwritesPreviousDestination(t *testing.T) {
	m := New()
	m.Record(1, "/dest/a")
	m.Record(1, "/dest/b")

	dest, ok := m.Lookup(1)
	if !ok || dest != "/dest/b" {
		t.Errorf("expected the most recent Record to win, got %q, %v", dest, ok)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, expected 1 after overwriting the same inode", m.Len())
	}
}

func TestMapDistinguishesInodes(t *testing.T) {
	m := New()
	m.Record(1, "/dest/a")
	m.Record(2, "/dest/b")

	if m.Len() != 2 {
		t.Errorf("Len() = %d, expected 2", m.Len())
	}
	if dest, _ := m.Lookup(1); dest != "/dest/a" {
		t.Errorf("Lookup(1) = %q, expected /dest/a", dest)
	}
	if dest, _ := m.Lookup(2); dest != "/dest/b" {
		t.Errorf("Lookup(2) = %q, expected /dest/b", dest)
	}
}
