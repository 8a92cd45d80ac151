package httpserver

import (
	"context"
	"encoding/json"
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
	"github.com/I90Runner/ledge/internal/collapse"
	"github.com/I90Runner/ledge/internal/config"
	"github.com/I90Runner/ledge/internal/lifecycle"
	"github.com/I90Runner/ledge/internal/origin"
	"github.com/I90Runner/ledge/internal/purge"
	"github.com/I90Runner/ledge/internal/store"
	"github.com/I90Runner/ledge/internal/writer"
)

type fakeRevalidator struct{}

func (fakeRevalidator) EnqueueRevalidate(ctx context.Context, root, uri string) error { return nil }

func setupTestServer(t *testing.T, upstream *httptest.Server) (*Server, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client, nil)
	blobs := blobstore.NewRedisBlobStore(client, nil)
	w := writer.New(s, blobs, nil)
	coordinator := collapse.New(s, collapse.Config{LockTTL: time.Second, FollowerWait: 200 * time.Millisecond}, nil)

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	fetcher := origin.New(origin.Config{Host: u.Hostname(), Port: port, Scheme: "http", Timeout: time.Second}, nil)

	lc := lifecycle.New(s, blobs, coordinator, fetcher, w, fakeRevalidator{}, lifecycle.Config{Hostname: "ledge-test"}, nil, nil)
	pc := purge.New(s, blobs, nil, 100, nil)

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0, RateLimitPerMinute: 6000, RateLimitBurst: 100}, lc, pc, nil)
	return srv, mr
}

func TestServer_Healthz(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	srv, mr := setupTestServer(t, upstream)
	defer mr.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_GetServesThroughLifecycle(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from origin"))
	}))
	defer upstream.Close()

	srv, mr := setupTestServer(t, upstream)
	defer mr.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/thing", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from origin", rec.Body.String())
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestServer_HeadOmitsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("body"))
	}))
	defer upstream.Close()

	srv, mr := setupTestServer(t, upstream)
	defer mr.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/thing", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServer_PurgeMissingEntryReturns404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	srv, mr := setupTestServer(t, upstream)
	defer mr.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PURGE", "/missing", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var outcome purge.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, purge.ResultNothingToPurge, outcome.Result)
}

func TestServer_PurgeExistingEntrySucceeds(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cached"))
	}))
	defer upstream.Close()

	srv, mr := setupTestServer(t, upstream)
	defer mr.Close()

	fillRec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(fillRec, httptest.NewRequest(http.MethodGet, "/cached-thing", nil))
	require.Equal(t, http.StatusOK, fillRec.Code)

	purgeRec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(purgeRec, httptest.NewRequest("PURGE", "/cached-thing", nil))

	assert.Equal(t, http.StatusOK, purgeRec.Code)

	var outcome purge.Outcome
	require.NoError(t, json.Unmarshal(purgeRec.Body.Bytes(), &outcome))
	assert.Equal(t, purge.ResultPurged, outcome.Result)
}

func TestServer_PurgeReadsModeFromXPurgeHeaderNotQueryString(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cached"))
	}))
	defer upstream.Close()

	srv, mr := setupTestServer(t, upstream)
	defer mr.Close()

	fillRec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(fillRec, httptest.NewRequest(http.MethodGet, "/delete-me?mode=invalidate", nil))
	require.Equal(t, http.StatusOK, fillRec.Code)

	// A ?mode= query string must be ignored: the wire contract is the
	// X-Purge header (spec §4.8/§6). The query string is part of the cache
	// key, so the entry is primed under the same URL that is purged.
	purgeReq := httptest.NewRequest("PURGE", "/delete-me?mode=invalidate", nil)
	purgeReq.Header.Set("X-Purge", "delete")

	purgeRec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(purgeRec, purgeReq)

	assert.Equal(t, http.StatusOK, purgeRec.Code)

	var outcome purge.Outcome
	require.NoError(t, json.Unmarshal(purgeRec.Body.Bytes(), &outcome))
	assert.Equal(t, purge.ResultDeleted, outcome.Result)
	assert.Equal(t, purge.ModeDelete, outcome.PurgeMode)
}

func TestServer_RateLimitExceeded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client, nil)
	blobs := blobstore.NewRedisBlobStore(client, nil)
	w := writer.New(s, blobs, nil)
	coordinator := collapse.New(s, collapse.Config{LockTTL: time.Second, FollowerWait: 200 * time.Millisecond}, nil)

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	fetcher := origin.New(origin.Config{Host: u.Hostname(), Port: port, Scheme: "http", Timeout: time.Second}, nil)

	lc := lifecycle.New(s, blobs, coordinator, fetcher, w, fakeRevalidator{}, lifecycle.Config{Hostname: "ledge-test"}, nil, nil)
	pc := purge.New(s, blobs, nil, 100, nil)

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0, RateLimitPerMinute: 60, RateLimitBurst: 1}, lc, pc, nil)

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	first := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
