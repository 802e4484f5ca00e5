package util

import (
	"testing"
	"time"
)

func TestGetBit(t *testing.T) {
	// MSTA with done (bit 1) and problem (bit 9) set
	var msta uint32 = 1<<1 | 1<<9
	if !GetBit(msta, 9) {
		t.Error("expected problem bit set")
	}
	if GetBit(msta, 0) {
		t.Error("expected bit 0 clear")
	}
}

func TestSecsToDuration(t *testing.T) {
	inp := 1.5
	out := SecsToDuration(inp)
	expected := 1500 * time.Millisecond
	if out != expected {
		t.Errorf("expected %v got %v", expected, out)
	}
	if d := MillisToDuration(99.5); d != 99500*time.Microsecond {
		t.Errorf("expected %v got %v", 99500*time.Microsecond, d)
	}
}
