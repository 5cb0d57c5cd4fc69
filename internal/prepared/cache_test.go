package prepared

import (
	"testing"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

func TestCacheInternDedupesByText(t *testing.T) {
	c := NewCache()
	msg := wire.EncodeParse(wire.ParseView{Query: "SELECT 1"})

	e1 := c.Intern("SELECT 1", msg)
	e2 := c.Intern("SELECT 1", msg)

	if e1 != e2 {
		t.Fatal("expected same GlobalEntry for identical normalized text")
	}
	if e1.Refcount() != 2 {
		t.Errorf("refcount = %d, want 2", e1.Refcount())
	}
	if c.Len() != 1 {
		t.Errorf("cache len = %d, want 1", c.Len())
	}
}

func TestCacheInternDistinctTextSeparateEntries(t *testing.T) {
	c := NewCache()
	msg := wire.EncodeParse(wire.ParseView{Query: "SELECT 1"})

	e1 := c.Intern("SELECT 1", msg)
	e2 := c.Intern("SELECT 2", msg)

	if e1.GlobalName == e2.GlobalName {
		t.Fatal("expected distinct global names for distinct text")
	}
	if c.Len() != 2 {
		t.Errorf("cache len = %d, want 2", c.Len())
	}
}

func TestCacheReleaseEvictsAtZeroRefcount(t *testing.T) {
	c := NewCache()
	msg := wire.EncodeParse(wire.ParseView{Query: "SELECT 1"})

	c.Intern("SELECT 1", msg)
	c.Release("SELECT 1")

	if c.Len() != 0 {
		t.Errorf("cache len = %d, want 0 after release", c.Len())
	}
}

func TestCacheReleaseKeepsEntryWhileReferenced(t *testing.T) {
	c := NewCache()
	msg := wire.EncodeParse(wire.ParseView{Query: "SELECT 1"})

	c.Intern("SELECT 1", msg)
	c.Intern("SELECT 1", msg)
	c.Release("SELECT 1")

	if c.Len() != 1 {
		t.Errorf("cache len = %d, want 1 (still one ref outstanding)", c.Len())
	}
}

func TestGlobalNameMonotonic(t *testing.T) {
	c := NewCache()
	msg := wire.EncodeParse(wire.ParseView{Query: "SELECT 1"})
	e1 := c.Intern("A", msg)
	e2 := c.Intern("B", msg)
	if e1.GlobalName == e2.GlobalName {
		t.Fatal("expected distinct generated names")
	}
}
