package blobstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces blob entries away from Ledge's metadata keys in
// the same Redis keyspace, mirroring the teacher's namespacing convention.
const keyPrefix = "ledge:entity:"

// RedisBlobStore implements BlobStore on the same Redis deployment used
// for metadata, the simplest concrete choice available from the teacher's
// dependency stack (no object-storage SDK is present in the retrieval
// pack; see DESIGN.md).
type RedisBlobStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBlobStore wraps an existing client.
func NewRedisBlobStore(client *redis.Client, logger *slog.Logger) *RedisBlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBlobStore{client: client, logger: logger}
}

func (b *RedisBlobStore) Put(ctx context.Context, body []byte, ttl time.Duration) (string, error) {
	id := NewEntityID()
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, keyPrefix+id, body, ttl).Err(); err != nil {
		b.logger.Error("blobstore put failed", "id", id, "error", err)
		return "", newError("failed to store entity", "PUT_ERROR").WithCause(err)
	}
	return id, nil
}

func (b *RedisBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := b.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newError("failed to read entity", "GET_ERROR").WithCause(err)
	}
	return data, nil
}

func (b *RedisBlobStore) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return newError("failed to delete entity", "DELETE_ERROR").WithCause(err)
	}
	return nil
}

func (b *RedisBlobStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := b.client.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, newError("failed to check entity", "EXISTS_ERROR").WithCause(err)
	}
	return n > 0, nil
}

func (b *RedisBlobStore) SetTTL(ctx context.Context, id string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Expire(ctx, keyPrefix+id, ttl).Err(); err != nil {
		return newError("failed to set entity ttl", "EXPIRE_ERROR").WithCause(err)
	}
	return nil
}
