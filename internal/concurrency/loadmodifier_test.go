package concurrency

import "testing"

func TestMax1Clamps(t *testing.T) {
	if max1(0) != 1 {
		t.Fatal("expected max1(0) == 1")
	}
	if max1(-5) != 1 {
		t.Fatal("expected max1(-5) == 1")
	}
	if max1(4) != 4 {
		t.Fatal("expected max1(4) == 4")
	}
}

func TestLoadBasedModifierStaysWithinBounds(t *testing.T) {
	modifier := LoadBasedModifier(8)
	next := modifier(1)
	if next < 1 || next > 8 {
		t.Fatalf("expected modifier result within [1,8], got %d", next)
	}
}

func TestLoadBasedModifierClampsMaxCap(t *testing.T) {
	modifier := LoadBasedModifier(0)
	next := modifier(1)
	if next < 1 {
		t.Fatalf("expected a non-positive maxCap to clamp to at least 1, got %d", next)
	}
}
