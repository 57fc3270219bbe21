package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
)

var (
	// ErrCacheUnavailable means no persisted gallery exists or it could not be
	// read. It is never fatal on its own: the gallery is rebuilt from enrollment.
	ErrCacheUnavailable = errors.New("gallery cache unavailable")

	// ErrEmptyGallery signals a gallery with no reference embeddings. Matching
	// still works and returns no-match for every probe.
	ErrEmptyGallery = errors.New("gallery is empty")
)

// Cache persists a whole gallery snapshot.
//
// Save must be atomic: a concurrent or later Load sees either the previous
// snapshot or the new one, never a mix. Load wraps ErrCacheUnavailable when
// nothing usable is stored. Invalidate is idempotent.
type Cache interface {
	Save(ctx context.Context, g Gallery) error
	Load(ctx context.Context) (Gallery, error)
	Invalidate(ctx context.Context) error
}

// BuildFunc produces a fresh gallery, typically by running enrollment.
type BuildFunc func(ctx context.Context) (Gallery, error)

// Ensure loads the cached gallery, rebuilding and saving it when the cache is
// unavailable. A failed save is logged and the rebuilt gallery is still
// returned. rebuilt reports whether build ran.
func Ensure(ctx context.Context, cache Cache, build BuildFunc, logger *log.Logger) (g Gallery, rebuilt bool, err error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	g, err = cache.Load(ctx)
	if err == nil {
		return g, false, nil
	}
	if !errors.Is(err, ErrCacheUnavailable) {
		return nil, false, err
	}
	logger.Printf("gallery cache miss (%v), rebuilding", err)

	g, err = build(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("rebuild gallery: %w", err)
	}
	if err := cache.Save(ctx, g); err != nil {
		logger.Printf("failed to persist rebuilt gallery: %v", err)
	}
	return g, true, nil
}
