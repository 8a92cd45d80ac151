package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/I90Runner/ledge/internal/blobstore"
	"github.com/I90Runner/ledge/internal/entry"
	"github.com/I90Runner/ledge/internal/keychain"
	"github.com/I90Runner/ledge/internal/origin"
	"github.com/I90Runner/ledge/internal/purge"
	"github.com/I90Runner/ledge/internal/store"
	"github.com/I90Runner/ledge/internal/writer"
)

func setupTestPool(t *testing.T, upstream *httptest.Server) (*Pool, store.Store, blobstore.BlobStore, *Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client, nil)
	blobs := blobstore.NewRedisBlobStore(client, nil)
	q := NewQueue(client, nil)
	w := writer.New(s, blobs, nil)

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	fetcher := origin.New(origin.Config{Host: u.Hostname(), Port: port, Scheme: "http", Timeout: time.Second}, nil)

	purgeCoord := purge.New(s, blobs, q, 100, nil)

	pool := New(q, s, blobs, fetcher, w, purgeCoord, Config{Concurrency: 1, PollInterval: 10 * time.Millisecond}, nil)
	return pool, s, blobs, q, mr
}

func TestPool_HandleRevalidate_RewritesCacheEntry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=120")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fresh body"))
	}))
	defer upstream.Close()

	pool, s, _, _, mr := setupTestPool(t, upstream)
	defer mr.Close()

	ctx := context.Background()
	root := "GET:http://origin.internal/a"
	job := Job{Klass: KlassRevalidate, JID: "jid-1", Payload: map[string]string{"root": root, "uri": "/a"}}

	require.NoError(t, pool.handleRevalidate(ctx, job))

	chain := keychain.For(root)
	fields, err := s.HGetAll(ctx, chain.Main)
	require.NoError(t, err)
	rec, present := entry.FromFields(fields)
	require.True(t, present)
	assert.Equal(t, "/a", rec.URI)
}

func TestPool_HandleRevalidate_SkipsNonCacheableResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	pool, s, _, _, mr := setupTestPool(t, upstream)
	defer mr.Close()

	ctx := context.Background()
	root := "GET:http://origin.internal/a"
	job := Job{Klass: KlassRevalidate, JID: "jid-1", Payload: map[string]string{"root": root, "uri": "/a"}}

	require.NoError(t, pool.handleRevalidate(ctx, job))

	chain := keychain.For(root)
	exists, err := s.Exists(ctx, chain.Main)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPool_HandleEntityGC_ReclaimsOrphanedEntities(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	pool, s, blobs, _, mr := setupTestPool(t, upstream)
	defer mr.Close()

	ctx := context.Background()
	root := "GET:http://origin.internal/orphan"
	chain := keychain.For(root)

	id, err := blobs.Put(ctx, []byte("orphan"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.SAdd(ctx, chain.Entities, id))
	// chain.Main deliberately never written, simulating a failed write
	// transaction after blobstore.Put committed.

	job := Job{Klass: KlassEntityGC, JID: "jid-gc", Payload: map[string]string{"root": root}}
	require.NoError(t, pool.handleEntityGC(ctx, job))

	exists, err := blobs.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = s.Exists(ctx, chain.Entities)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPool_HandleEntityGC_LeavesLiveEntryAlone(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	pool, s, blobs, _, mr := setupTestPool(t, upstream)
	defer mr.Close()

	ctx := context.Background()
	root := "GET:http://origin.internal/live"
	chain := keychain.For(root)

	id, err := blobs.Put(ctx, []byte("live"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.SAdd(ctx, chain.Entities, id))
	require.NoError(t, s.HSet(ctx, chain.Main, map[string]string{"status": "200", "entity": id}))

	job := Job{Klass: KlassEntityGC, JID: "jid-gc", Payload: map[string]string{"root": root}}
	require.NoError(t, pool.handleEntityGC(ctx, job))

	exists, err := blobs.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	members, err := s.SMembers(ctx, chain.Entities)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)
}

func TestPool_HandleEntityGC_ReclaimsStragglersOnLiveEntry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	pool, s, blobs, _, mr := setupTestPool(t, upstream)
	defer mr.Close()

	ctx := context.Background()
	root := "GET:http://origin.internal/refetched"
	chain := keychain.For(root)

	current, err := blobs.Put(ctx, []byte("current"), time.Hour)
	require.NoError(t, err)
	stale, err := blobs.Put(ctx, []byte("stale"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.SAdd(ctx, chain.Entities, current, stale))
	require.NoError(t, s.HSet(ctx, chain.Main, map[string]string{"status": "200", "entity": current}))

	job := Job{Klass: KlassEntityGC, JID: "jid-gc", Payload: map[string]string{"root": root}}
	require.NoError(t, pool.handleEntityGC(ctx, job))

	exists, err := blobs.Exists(ctx, current)
	require.NoError(t, err)
	assert.True(t, exists, "the entity main still points at must survive")

	exists, err = blobs.Exists(ctx, stale)
	require.NoError(t, err)
	assert.False(t, exists, "the stale id left by an earlier re-fetch must be reclaimed")

	members, err := s.SMembers(ctx, chain.Entities)
	require.NoError(t, err)
	assert.Equal(t, []string{current}, members)
}

func TestPool_ScheduleEntityGC_EnqueuesKnownRoots(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	pool, s, _, q, mr := setupTestPool(t, upstream)
	defer mr.Close()

	ctx := context.Background()
	root := "GET:http://origin.internal/scheduled"
	chain := keychain.For(root)
	require.NoError(t, s.HSet(ctx, chain.Main, map[string]string{"status": "200"}))

	pool.scheduleEntityGC(ctx)

	job, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KlassEntityGC, job.Klass)
	assert.Equal(t, root, job.Payload["root"])
	assert.Equal(t, purge.EntityGCJobID(root), job.JID)
}
