package writer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/I90Runner/ledge/internal/blobstore"
	"github.com/I90Runner/ledge/internal/entry"
	"github.com/I90Runner/ledge/internal/headers"
	"github.com/I90Runner/ledge/internal/keychain"
	"github.com/I90Runner/ledge/internal/store"
)

func setupTestWriter(t *testing.T) (*Writer, store.Store, blobstore.BlobStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client, nil)
	blobs := blobstore.NewRedisBlobStore(client, nil)

	return New(s, blobs, nil), s, blobs, mr
}

func TestWriter_Write(t *testing.T) {
	w, s, blobs, mr := setupTestWriter(t)
	defer mr.Close()

	ctx := context.Background()
	chain := keychain.For("GET:http://example.com/a")

	h := headers.New()
	h.Add("Content-Type", "text/plain")
	rec := entry.Record{Status: 200, Expires: time.Now().Add(time.Hour).Unix(), URI: "/a", Headers: h}
	body := []byte("hello world")

	err := w.Write(ctx, chain, rec, body, time.Hour)
	require.NoError(t, err)

	t.Run("metadata hash is written", func(t *testing.T) {
		fields, err := s.HGetAll(ctx, chain.Main)
		require.NoError(t, err)
		stored, present := entry.FromFields(fields)
		require.True(t, present)
		assert.Equal(t, 200, stored.Status)
		assert.Equal(t, "/a", stored.URI)
		assert.NotEmpty(t, stored.Entity)
	})

	t.Run("entity is readable from the blobstore", func(t *testing.T) {
		fields, err := s.HGetAll(ctx, chain.Main)
		require.NoError(t, err)
		stored, _ := entry.FromFields(fields)

		got, err := blobs.Get(ctx, stored.Entity)
		require.NoError(t, err)
		assert.Equal(t, body, got)
	})

	t.Run("entities set references the entity", func(t *testing.T) {
		members, err := s.SMembers(ctx, chain.Entities)
		require.NoError(t, err)
		assert.Len(t, members, 1)
	})

	t.Run("expiry index is populated", func(t *testing.T) {
		exists, err := s.Exists(ctx, ExpiryIndexKey)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("no body field is ever written to metadata", func(t *testing.T) {
		fields, err := s.HGetAll(ctx, chain.Main)
		require.NoError(t, err)
		_, hasBody := fields["body"]
		assert.False(t, hasBody)
	})
}
