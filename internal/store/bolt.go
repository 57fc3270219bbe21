package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"go.etcd.io/bbolt"
)

var (
	boltBucket = []byte("gallery")
	boltKey    = []byte("snapshot")
)

// Bolt keeps the gallery snapshot under a single key of an embedded bbolt file.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the bbolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &Bolt{db: db}, nil
}

// NewBolt wraps an already open database.
func NewBolt(db *bbolt.DB) *Bolt {
	return &Bolt{db: db}
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Save stores the snapshot in one read-write transaction.
func (b *Bolt) Save(ctx context.Context, g gallery.Gallery) error {
	data, err := gallery.Marshal(g)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		return bucket.Put(boltKey, data)
	})
}

// Load decodes the stored snapshot.
func (b *Bolt) Load(ctx context.Context) (gallery.Gallery, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get(boltKey); v != nil {
			// v is only valid for the life of the transaction.
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: no snapshot stored", gallery.ErrCacheUnavailable)
	}
	return gallery.Unmarshal(data)
}

// Invalidate deletes the snapshot key.
func (b *Bolt) Invalidate(ctx context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(boltKey)
	})
}
