package idgen

import (
	"strings"
	"testing"
)

func TestNanoID(t *testing.T) {
	for _, length := range []int{8, 12, 24} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d) length %d", length, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("unexpected character %q in %q", c, id)
			}
		}
	}
}

func TestUUIDv7SortsByCreation(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	seen := map[string]bool{prev: true}
	for range 100 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate %q", id)
		}
		if id < prev {
			t.Fatalf("%q sorts before %q", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestPrefixedAndSequence(t *testing.T) {
	if id := Prefixed("hit_", NanoID(8))(); !strings.HasPrefix(id, "hit_") || len(id) != 12 {
		t.Errorf("Prefixed = %q", id)
	}
	seq := Sequence("s")
	if a, b := seq(), seq(); a != "s1" || b != "s2" {
		t.Errorf("Sequence = %q %q", a, b)
	}
}

func TestParse(t *testing.T) {
	id := New()
	if got, err := Parse(id); err != nil || got != id {
		t.Fatalf("Parse(%q) = %q, %v", id, got, err)
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("invalid id accepted")
	}
}
