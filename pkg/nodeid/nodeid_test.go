package nodeid

import "testing"

func TestFromSeedStable(t *testing.T) {
	a := FromSeed("node-a")
	if a != FromSeed("node-a") {
		t.Fatalf("prefix not stable")
	}
	if len(a) != 6 {
		t.Fatalf("len=%d, expected 6", len(a))
	}
	if a == FromSeed("node-b") {
		t.Fatalf("different seeds produced the same prefix")
	}
}

func TestPrefixLength(t *testing.T) {
	if got := Prefix(); len(got) != 6 {
		t.Fatalf("Prefix=%q, expected 6 chars", got)
	}
}
