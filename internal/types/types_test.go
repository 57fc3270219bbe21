package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestRegionOffset(t *testing.T) {
	r := Region{Top: 10, Left: 20, Bottom: 50, Right: 60}
	got := r.Offset(300, 600)
	want := Region{Top: 610, Left: 320, Bottom: 650, Right: 360}
	if got != want {
		t.Errorf("Offset() = %v, want %v", got, want)
	}
	if got.Width() != 40 || got.Height() != 40 {
		t.Errorf("Offset changed size: %dx%d", got.Width(), got.Height())
	}
}

func TestRegionEmpty(t *testing.T) {
	if !(Region{}).Empty() {
		t.Error("zero region should be empty")
	}
	if (Region{Bottom: 1, Right: 1}).Empty() {
		t.Error("1x1 region should not be empty")
	}
}

func TestVerdictNames(t *testing.T) {
	v := Verdict{"carol": {}, "alice": {}, "bob": {}}
	names := v.Names()
	want := []string{"alice", "bob", "carol"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestRound2(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{80, 80},
		{66.666666, 66.67},
		{12.344, 12.34},
	}
	for _, tt := range tests {
		if got := Round2(tt.in); got != tt.want {
			t.Errorf("Round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	var decErr error = &DecodeError{Source: "a.jpg", Err: cause}
	if !errors.Is(decErr, cause) {
		t.Error("DecodeError should unwrap to its cause")
	}

	var oErr error = fmt.Errorf("wrapped: %w", &OracleError{Source: "b.jpg", Tile: TileRef{Grid: 3, Index: 4}, Err: cause})
	var target *OracleError
	if !errors.As(oErr, &target) {
		t.Fatal("errors.As failed for OracleError")
	}
	if target.Tile.String() != "3x3#4" {
		t.Errorf("unexpected tile label %q", target.Tile.String())
	}
}
