package ids

import (
	"strings"
	"testing"
)

type fixedClock struct{ ms int64 }

func (f fixedClock) NowMS() int64 { return f.ms }

func TestNew_Produces26CharCrockfordString(t *testing.T) {
	g := NewGenerator(fixedClock{ms: 1_700_000_000_000})
	id := g.New()
	if len(id) != 26 {
		t.Fatalf("len(id) = %d, want 26", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune(encoding, c) {
			t.Fatalf("id %q contains non-Crockford-base32 char %q", id, c)
		}
	}
}

func TestNew_SortsByCreationTime(t *testing.T) {
	g1 := NewGenerator(fixedClock{ms: 1_700_000_000_000})
	g2 := NewGenerator(fixedClock{ms: 1_700_000_000_001})

	a := g1.New()
	b := g2.New()
	if !(a[:10] < b[:10]) {
		t.Fatalf("timestamp prefix of earlier id %q should sort before later id %q", a, b)
	}
}

func TestNew_IsNotDeterministicAcrossCalls(t *testing.T) {
	g := NewGenerator(fixedClock{ms: 1_700_000_000_000})
	a := g.New()
	b := g.New()
	if a == b {
		t.Fatal("two ids minted at the same ms should differ in their random suffix")
	}
	if a[:10] != b[:10] {
		t.Fatalf("timestamp prefixes should match for the same ms: %q vs %q", a[:10], b[:10])
	}
}
