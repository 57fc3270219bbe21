package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Postgres keeps the gallery in PostgreSQL: one row per identity, one row per
// reference embedding in a pgvector column, and a marker row describing the
// last saved snapshot.
type Postgres struct {
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

// initSchema creates the vector extension and gallery tables if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS gallery_snapshot (
			id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			dim INT NOT NULL,
			identities INT NOT NULL,
			saved_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS gallery_identities (
			gallery_key TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS gallery_embeddings (
			name TEXT NOT NULL,
			seq INT NOT NULL,
			embedding VECTOR NOT NULL,
			PRIMARY KEY (name, seq)
		);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Save replaces the stored gallery in a single transaction.
func (s *Postgres) Save(ctx context.Context, g gallery.Gallery) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM gallery_embeddings"); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM gallery_identities"); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, name := range g.Names() {
		batch.Queue("INSERT INTO gallery_identities (gallery_key, name) VALUES ($1, $2)", name, g[name].Name)
		for seq, e := range g[name].Embeddings {
			batch.Queue("INSERT INTO gallery_embeddings (name, seq, embedding) VALUES ($1, $2, $3)",
				name, seq, pgvector.NewVector(e))
		}
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert embeddings: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO gallery_snapshot (id, dim, identities, saved_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET dim = EXCLUDED.dim, identities = EXCLUDED.identities, saved_at = NOW()
	`, g.Dim(), len(g))
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Load reads the stored gallery inside a read-only snapshot so a concurrent
// Save is never observed half applied.
func (s *Postgres) Load(ctx context.Context) (gallery.Gallery, error) {
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var dim, identities int
	err = tx.QueryRow(ctx, "SELECT dim, identities FROM gallery_snapshot WHERE id = 1").Scan(&dim, &identities)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshot stored", gallery.ErrCacheUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}

	g := gallery.New()
	idRows, err := tx.Query(ctx, "SELECT gallery_key, name FROM gallery_identities")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}
	for idRows.Next() {
		var key, name string
		if err := idRows.Scan(&key, &name); err != nil {
			idRows.Close()
			return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
		}
		g[key] = gallery.Identity{Name: name}
	}
	idRows.Close()
	if err := idRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}

	rows, err := tx.Query(ctx, "SELECT name, embedding::text FROM gallery_embeddings ORDER BY name, seq")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var vec pgvector.Vector
		if err := rows.Scan(&key, &vec); err != nil {
			return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
		}
		id, ok := g[key]
		if !ok {
			return nil, fmt.Errorf("%w: embedding for unknown identity %q", gallery.ErrCacheUnavailable, key)
		}
		id.Embeddings = append(id.Embeddings, types.Embedding(vec.Slice()))
		g[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}

	if len(g) != identities || g.Dim() != dim {
		return nil, fmt.Errorf("%w: snapshot describes %d identities of dim %d, found %d of dim %d",
			gallery.ErrCacheUnavailable, identities, dim, len(g), g.Dim())
	}
	return g, nil
}

// Invalidate drops the stored snapshot.
func (s *Postgres) Invalidate(ctx context.Context) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM gallery_snapshot"); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM gallery_embeddings"); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM gallery_identities"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Reset drops all gallery tables to clear the database state.
// Useful during development to force a schema refresh without migrations.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS gallery_embeddings CASCADE;
		DROP TABLE IF EXISTS gallery_identities CASCADE;
		DROP TABLE IF EXISTS gallery_snapshot CASCADE;
	`)
	return err
}
