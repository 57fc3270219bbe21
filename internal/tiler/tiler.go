// Package tiler splits source images into fixed grids of sub-images so that
// small or partially visible faces are presented to the detector at a larger
// relative scale.
package tiler

import (
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/disintegration/imaging"

	_ "golang.org/x/image/webp" // register the webp decoder with image.Decode
)

// DefaultGridSizes are the grid resolutions applied to every source image.
var DefaultGridSizes = []int{3, 4}

// ErrInvalidGrid is returned for grid sizes below 1.
var ErrInvalidGrid = errors.New("grid size must be >= 1")

// Tile is one cell of a grid partition.
type Tile struct {
	Ref    types.TileRef
	Region types.Region // in the coordinate space of the input image
	Image  image.Image  // cropped pixels, origin at (0,0)
}

// Split partitions img into gridSize x gridSize equal cells in row-major order.
//
// Cell width and height are the integer quotients of the image dimensions by
// gridSize. Remainder pixels on the right and bottom edges are not covered by
// any tile; region bookkeeping downstream relies on this exact arithmetic.
func Split(img image.Image, gridSize int) ([]Tile, error) {
	if gridSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidGrid, gridSize)
	}

	b := img.Bounds()
	tileW := b.Dx() / gridSize
	tileH := b.Dy() / gridSize

	tiles := make([]Tile, 0, gridSize*gridSize)
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			region := types.Region{
				Top:    row * tileH,
				Left:   col * tileW,
				Bottom: row*tileH + tileH,
				Right:  col*tileW + tileW,
			}
			rect := image.Rect(region.Left, region.Top, region.Right, region.Bottom).Add(b.Min)
			tiles = append(tiles, Tile{
				Ref:    types.TileRef{Grid: gridSize, Index: row*gridSize + col},
				Region: region,
				Image:  imaging.Crop(img, rect),
			})
		}
	}
	return tiles, nil
}

// TileAll applies every grid size in order. Tiles from different grids are
// independent and overlap in image space.
func TileAll(img image.Image, gridSizes []int) ([]Tile, error) {
	var all []Tile
	for _, g := range gridSizes {
		tiles, err := Split(img, g)
		if err != nil {
			return nil, err
		}
		all = append(all, tiles...)
	}
	return all, nil
}

// Whole returns the full image as a single pseudo-tile (Grid 0).
func Whole(img image.Image) Tile {
	b := img.Bounds()
	return Tile{
		Ref:    types.TileRef{},
		Region: types.Region{Bottom: b.Dy(), Right: b.Dx()},
		Image:  img,
	}
}

// Load opens and decodes an image file, applying its EXIF orientation.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &types.DecodeError{Source: path, Err: err}
	}
	return img, nil
}

// Decode decodes an image from r. source is only used for error reporting.
func Decode(r io.Reader, source string) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &types.DecodeError{Source: source, Err: err}
	}
	return img, nil
}
