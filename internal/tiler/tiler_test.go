package tiler

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/disintegration/imaging"
)

func TestSplit_900x900Grid3(t *testing.T) {
	img := imaging.New(900, 900, color.White)

	tiles, err := Split(img, 3)
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if len(tiles) != 9 {
		t.Fatalf("Expected 9 tiles, got %d", len(tiles))
	}
	for i, tile := range tiles {
		if tile.Ref.Index != i || tile.Ref.Grid != 3 {
			t.Errorf("tile %d has ref %+v", i, tile.Ref)
		}
		if tile.Region.Width() != 300 || tile.Region.Height() != 300 {
			t.Errorf("tile %d region %v is not 300x300", i, tile.Region)
		}
		b := tile.Image.Bounds()
		if b.Dx() != 300 || b.Dy() != 300 || b.Min != (image.Point{}) {
			t.Errorf("tile %d image bounds %v", i, b)
		}
	}

	center := tiles[4].Region
	want := types.Region{Top: 300, Left: 300, Bottom: 600, Right: 600}
	if center != want {
		t.Errorf("center tile = %v, want %v", center, want)
	}
}

func TestSplit_CountAndBounds(t *testing.T) {
	sizes := []struct{ w, h int }{{900, 900}, {1001, 767}, {5, 3}, {640, 480}}
	for _, sz := range sizes {
		img := imaging.New(sz.w, sz.h, color.Black)
		for grid := 1; grid <= 6; grid++ {
			tiles, err := Split(img, grid)
			if err != nil {
				t.Fatalf("Split(%dx%d, %d) failed: %v", sz.w, sz.h, grid, err)
			}
			if len(tiles) != grid*grid {
				t.Errorf("Split(%dx%d, %d) produced %d tiles", sz.w, sz.h, grid, len(tiles))
			}

			maxRight, maxBottom := 0, 0
			for _, tile := range tiles {
				r := tile.Region
				if r.Left < 0 || r.Top < 0 || r.Right > sz.w || r.Bottom > sz.h {
					t.Errorf("tile %v outside %dx%d", r, sz.w, sz.h)
				}
				maxRight = max(maxRight, r.Right)
				maxBottom = max(maxBottom, r.Bottom)
			}
			// Only the remainder on the right/bottom edge is left uncovered.
			if sz.w-maxRight != sz.w%grid || sz.h-maxBottom != sz.h%grid {
				t.Errorf("grid %d on %dx%d covers up to (%d,%d)", grid, sz.w, sz.h, maxRight, maxBottom)
			}
		}
	}
}

func TestSplit_RemainderDropped(t *testing.T) {
	img := imaging.New(1003, 1002, color.White)
	tiles, err := Split(img, 4)
	if err != nil {
		t.Fatal(err)
	}
	last := tiles[len(tiles)-1].Region
	want := types.Region{Top: 750, Left: 750, Bottom: 1000, Right: 1000}
	if last != want {
		t.Errorf("last tile = %v, want %v", last, want)
	}
}

func TestSplit_CropsPixels(t *testing.T) {
	img := imaging.New(200, 200, color.White)
	// Paint the bottom-right quadrant red.
	for y := 100; y < 200; y++ {
		for x := 100; x < 200; x++ {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	tiles, err := Split(img, 2)
	if err != nil {
		t.Fatal(err)
	}
	r, g, _, _ := tiles[3].Image.At(0, 0).RGBA()
	if r>>8 != 255 || g>>8 != 0 {
		t.Errorf("tile 3 should start with a red pixel")
	}
	r, g, _, _ = tiles[0].Image.At(99, 99).RGBA()
	if r>>8 != 255 || g>>8 != 255 {
		t.Errorf("tile 0 should be white")
	}
}

func TestSplit_InvalidGrid(t *testing.T) {
	img := imaging.New(10, 10, color.White)
	for _, g := range []int{0, -1} {
		if _, err := Split(img, g); !errors.Is(err, ErrInvalidGrid) {
			t.Errorf("Split(%d) error = %v, want ErrInvalidGrid", g, err)
		}
	}
}

func TestTileAll(t *testing.T) {
	img := imaging.New(120, 120, color.White)
	tiles, err := TileAll(img, DefaultGridSizes)
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 9+16 {
		t.Fatalf("expected 25 tiles, got %d", len(tiles))
	}
	if tiles[9].Ref != (types.TileRef{Grid: 4, Index: 0}) {
		t.Errorf("grid 4 tiles should follow grid 3 tiles, got %+v", tiles[9].Ref)
	}
}

func TestWhole(t *testing.T) {
	img := imaging.New(64, 48, color.White)
	w := Whole(img)
	if w.Ref.Grid != 0 || w.Region != (types.Region{Bottom: 48, Right: 64}) {
		t.Errorf("unexpected whole tile %+v", w)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.png")
	if err := imaging.Save(imaging.New(30, 20, color.White), good); err != nil {
		t.Fatal(err)
	}
	img, err := Load(good)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Bounds().Dx() != 30 || img.Bounds().Dy() != 20 {
		t.Errorf("unexpected bounds %v", img.Bounds())
	}

	bad := filepath.Join(dir, "bad.jpg")
	if err := os.WriteFile(bad, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = Load(bad)
	var decErr *types.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decErr.Source != bad {
		t.Errorf("DecodeError source = %q", decErr.Source)
	}

	if _, err := Decode(strings.NewReader("garbage"), "upload"); !errors.As(err, &decErr) {
		t.Errorf("Decode should return DecodeError, got %v", err)
	}
}
