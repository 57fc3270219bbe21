package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key holding the gallery snapshot.
const DefaultRedisKey = "rollcall:gallery"

// Redis keeps the gallery snapshot as one blob, written with a single SET.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis creates a Redis cache with the given client and key.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// OpenRedis parses a redis:// URL and connects.
func OpenRedis(ctx context.Context, url, key string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedis(client, key), nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Save overwrites the snapshot key.
func (r *Redis) Save(ctx context.Context, g gallery.Gallery) error {
	data, err := gallery.Marshal(g)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

// Load fetches and decodes the snapshot.
func (r *Redis) Load(ctx context.Context) (gallery.Gallery, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no snapshot stored", gallery.ErrCacheUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gallery.ErrCacheUnavailable, err)
	}
	return gallery.Unmarshal(data)
}

// Invalidate deletes the snapshot key.
func (r *Redis) Invalidate(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
