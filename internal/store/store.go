// Package store provides the persistence backends for the gallery cache.
package store

import (
	"context"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/gallery"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Backends lists every supported backend name.
var Backends = []string{BackendFile, BackendBolt, BackendRedis, BackendPostgres}

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Path        string // file and bolt
	RedisURL    string
	RedisKey    string
	DatabaseURL string
}

// Store is a gallery cache together with its cleanup.
type Store struct {
	gallery.Cache
	close func()
}

// Close releases the backend's connection or file handle.
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options) (*Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return &Store{Cache: NewFile(opts.Path)}, nil
	case BackendBolt:
		b, err := OpenBolt(opts.Path)
		if err != nil {
			return nil, err
		}
		return &Store{Cache: b, close: func() { b.Close() }}, nil
	case BackendRedis:
		r, err := OpenRedis(ctx, opts.RedisURL, opts.RedisKey)
		if err != nil {
			return nil, err
		}
		return &Store{Cache: r, close: func() { r.Close() }}, nil
	case BackendPostgres:
		p, err := NewPostgres(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &Store{Cache: p, close: func() { p.Close(context.Background()) }}, nil
	default:
		return nil, fmt.Errorf("unknown gallery backend %q", opts.Backend)
	}
}
