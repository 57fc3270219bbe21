// Package oracle defines the boundary to the external face detector/encoder.
package oracle

import (
	"context"
	"image"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Oracle detects faces in an image and returns one embedding per face.
// Regions are relative to the image passed in. An image without faces yields
// an empty slice and no error.
type Oracle interface {
	DetectAndEmbed(ctx context.Context, img image.Image) ([]types.Face, error)
}

// Func adapts an ordinary function to the Oracle interface.
type Func func(ctx context.Context, img image.Image) ([]types.Face, error)

func (f Func) DetectAndEmbed(ctx context.Context, img image.Image) ([]types.Face, error) {
	return f(ctx, img)
}

// WithTimeout bounds every call to o by d. A non-positive d returns o as is.
func WithTimeout(o Oracle, d time.Duration) Oracle {
	if d <= 0 {
		return o
	}
	return Func(func(ctx context.Context, img image.Image) ([]types.Face, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return o.DetectAndEmbed(ctx, img)
	})
}
