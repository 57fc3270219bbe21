package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/andresmejia3/rollcall/internal/gallery"
)

// File keeps the gallery as a single gob snapshot on local disk.
type File struct {
	path string
}

// NewFile returns a file-backed cache at path. Nothing is touched until Save.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the snapshot location.
func (f *File) Path() string { return f.path }

// Save writes to a temporary file in the same directory, syncs it and renames
// it over the previous snapshot.
func (f *File) Save(ctx context.Context, g gallery.Gallery) (err error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = gallery.Encode(tmp, g); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err = os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot from disk.
func (f *File) Load(ctx context.Context) (gallery.Gallery, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}
	defer fh.Close()
	return gallery.Decode(fh)
}

// Invalidate removes the snapshot file. A missing file is not an error.
func (f *File) Invalidate(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
