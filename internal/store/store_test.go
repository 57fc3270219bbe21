package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func sampleGallery() gallery.Gallery {
	g := gallery.New()
	vecA := make(types.Embedding, 128)
	vecA[0] = 1.0
	vecB := make(types.Embedding, 128)
	vecB[1] = 0.125
	vecB[127] = -3.5
	g.Add("alice", vecA)
	g.Add("alice", vecB)
	g.Add("bob", vecB)
	return g
}

// exerciseCache runs the behaviour every backend must share.
func exerciseCache(t *testing.T, c gallery.Cache) {
	t.Helper()
	ctx := context.Background()

	if _, err := c.Load(ctx); !errors.Is(err, gallery.ErrCacheUnavailable) {
		t.Fatalf("Load on empty cache: expected ErrCacheUnavailable, got %v", err)
	}

	g := sampleGallery()
	if err := c.Save(ctx, g); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !got.Equal(g) {
		t.Errorf("round trip mismatch: got %v", got.Names())
	}

	// A second save replaces the snapshot entirely.
	smaller := gallery.New()
	smaller.Add("carol", make(types.Embedding, 128))
	if err := c.Save(ctx, smaller); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	got, err = c.Load(ctx)
	if err != nil {
		t.Fatalf("Load after replace failed: %v", err)
	}
	if !got.Equal(smaller) {
		t.Errorf("expected only carol after replace, got %v", got.Names())
	}

	// Galleries assembled by hand keep their keys, and identities without
	// references survive.
	literal := gallery.Gallery{
		"A":    {Embeddings: []types.Embedding{make(types.Embedding, 128)}},
		"dave": {Name: "dave"},
	}
	if err := c.Save(ctx, literal); err != nil {
		t.Fatalf("Save of literal gallery failed: %v", err)
	}
	got, err = c.Load(ctx)
	if err != nil {
		t.Fatalf("Load of literal gallery failed: %v", err)
	}
	if !got.Equal(literal) {
		t.Errorf("literal round trip mismatch: got %+v", got)
	}

	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("second Invalidate should be a no-op: %v", err)
	}
	if _, err := c.Load(ctx); !errors.Is(err, gallery.ErrCacheUnavailable) {
		t.Errorf("Load after Invalidate: expected ErrCacheUnavailable, got %v", err)
	}
}

// dockerAvailable reports whether testcontainers can reach a Docker daemon.
// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
func dockerAvailable(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("testcontainers panicked: %v", r)
		}
	}()
	_, err = testcontainers.NewDockerClientWithOpts(ctx)
	return
}

// TestPostgresIntegration runs the cache contract against a real Postgres container.
// It requires Docker to be running.
func TestPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	if err := dockerAvailable(ctx); err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	// We use the official pgvector image to ensure the extension is available.
	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("rollcall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize store (runs migrations)
	s, err := NewPostgres(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	exerciseCache(t, s)

	// An empty gallery is a valid snapshot, distinct from no snapshot.
	if err := s.Save(ctx, gallery.New()); err != nil {
		t.Fatalf("Save of empty gallery failed: %v", err)
	}
	g, err := s.Load(ctx)
	if err != nil || len(g) != 0 {
		t.Errorf("expected empty gallery, got %v (err=%v)", g, err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, gallery.ErrCacheUnavailable) {
		t.Errorf("Load after Reset: expected ErrCacheUnavailable, got %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "floppy"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestOpenFileDefault(t *testing.T) {
	s, err := Open(context.Background(), Options{Path: t.TempDir() + "/gallery.gob"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.Cache.(*File); !ok {
		t.Errorf("default backend should be file, got %T", s.Cache)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
