package store

import (
	"context"
	"path/filepath"
	"testing"
)

func setupBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "gallery.db"))
	if err != nil {
		t.Fatalf("failed to open bolt: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBoltCache(t *testing.T) {
	exerciseCache(t, setupBolt(t))
}

func TestBoltCache_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gallery.db")
	ctx := context.Background()

	b, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Save(ctx, sampleGallery()); err != nil {
		t.Fatal(err)
	}
	b.Close()

	b, err = OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	g, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if !g.Equal(sampleGallery()) {
		t.Error("snapshot did not survive reopen")
	}
}
