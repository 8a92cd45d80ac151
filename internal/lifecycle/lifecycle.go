// Package lifecycle implements the top-level request state machine
// (spec.md §4.7, component C8): evaluate cache state, branch to a send,
// collapsed fetch, or direct fetch path, and emit lifecycle events.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/I90Runner/ledge/internal/blobstore"
	"github.com/I90Runner/ledge/internal/collapse"
	"github.com/I90Runner/ledge/internal/entry"
	"github.com/I90Runner/ledge/internal/freshness"
	"github.com/I90Runner/ledge/internal/headers"
	"github.com/I90Runner/ledge/internal/keychain"
	"github.com/I90Runner/ledge/internal/origin"
	"github.com/I90Runner/ledge/internal/store"
	"github.com/I90Runner/ledge/internal/writer"
)

// Cache actions reported via X-Cache-Action.
const (
	ActionFetched   = "FETCHED"
	ActionCollapsed = "COLLAPSED"
	ActionNone      = "none"
)

// Version is reported in the Via response header.
const Version = "0.1"

// Revalidator is the minimal surface Lifecycle needs to dispatch a
// background WARM revalidation; implemented by the worker job queue.
// Per spec.md §9 open questions, Ledge prefers a queued job over a bare
// pub/sub publish with no guaranteed subscriber.
type Revalidator interface {
	EnqueueRevalidate(ctx context.Context, root, uri string) error
}

// Request is the inbound request Lifecycle evaluates.
type Request struct {
	Method   string
	Scheme   string
	Host     string
	Path     string
	RawQuery string
	Headers  *headers.Bag
	Body     io.Reader
}

// Result is the response Lifecycle produced.
type Result struct {
	Status  int
	Headers *headers.Bag
	Body    []byte
	State   freshness.State
	Action  string

	// cached reports whether a fetched response was written to cache.
	cached bool
}

// Config controls freshness and collapsing behaviour (spec §6).
type Config struct {
	ServeWhenStale         time.Duration
	CollapseOriginRequests bool
	KeepCacheFor           time.Duration
	Hostname               string
}

// Lifecycle wires together C1-C7 behind a single entry point.
type Lifecycle struct {
	store       store.Store
	blobs       blobstore.BlobStore
	coordinator *collapse.Coordinator
	fetcher     *origin.Fetcher
	writer      *writer.Writer
	revalidator Revalidator
	cfg         Config
	sink        Sink
	logger      *slog.Logger
}

// New builds a Lifecycle.
func New(
	s store.Store,
	blobs blobstore.BlobStore,
	coordinator *collapse.Coordinator,
	fetcher *origin.Fetcher,
	w *writer.Writer,
	revalidator Revalidator,
	cfg Config,
	sink Sink,
	logger *slog.Logger,
) *Lifecycle {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store: s, blobs: blobs, coordinator: coordinator, fetcher: fetcher,
		writer: w, revalidator: revalidator, cfg: cfg, sink: sink, logger: logger,
	}
}

// Handle runs the full state machine for one request.
func (l *Lifecycle) Handle(ctx context.Context, req Request) (*Result, error) {
	root := keychain.Fingerprint(req.Method, req.Scheme, req.Host, req.Path, req.RawQuery)
	chain := keychain.For(root)

	l.sink.Emit(ctx, EventConfigLoaded, EventContext{Root: root})

	rec, present, err := l.readRecord(ctx, chain)
	if err != nil {
		return nil, err
	}
	l.sink.Emit(ctx, EventCacheAccessed, EventContext{Root: root})

	state := freshness.Classify(present, rec.Expires, time.Now(), l.cfg.ServeWhenStale)
	bypass := isBypass(req.Headers)

	var result *Result
	switch {
	case bypass:
		result, err = l.fetchAndMaybeCache(ctx, req, chain)
	case state == freshness.HOT:
		result, err = l.serveFromCache(ctx, chain, rec, state, ActionNone)
	case state == freshness.WARM:
		if l.revalidator != nil {
			if ferr := l.revalidator.EnqueueRevalidate(ctx, root, rec.URI); ferr != nil {
				l.logger.Warn("failed to enqueue warm revalidation", "root", root, "error", ferr)
			}
		}
		result, err = l.serveFromCache(ctx, chain, rec, state, ActionNone)
	default: // COLD or SUBZERO
		result, err = l.handleMiss(ctx, req, chain, root, state)
	}
	if err != nil {
		return nil, err
	}

	l.sink.Emit(ctx, EventResponseReady, EventContext{Root: root, State: result.State.String(), Action: result.Action, Status: result.Status})
	l.applyResponseHeaders(result)
	l.sink.Emit(ctx, EventResponseSent, EventContext{Root: root, State: result.State.String(), Action: result.Action, Status: result.Status})
	l.sink.Emit(ctx, EventFinished, EventContext{Root: root, State: result.State.String(), Action: result.Action, Status: result.Status})

	return result, nil
}

func (l *Lifecycle) readRecord(ctx context.Context, chain keychain.Chain) (entry.Record, bool, error) {
	fields, err := l.store.HGetAll(ctx, chain.Main)
	if err != nil {
		return entry.Record{}, false, err
	}
	rec, present := entry.FromFields(fields)
	if !present {
		return rec, false, nil
	}
	if rec.Entity == "" {
		return rec, false, nil
	}
	exists, err := l.blobs.Exists(ctx, rec.Entity)
	if err != nil {
		// A storage read failure during serve degrades to SUBZERO and a
		// fetch, per spec §7 StorageError handling.
		l.logger.Warn("blob existence check failed, treating as miss", "entity", rec.Entity, "error", err)
		return rec, false, nil
	}
	return rec, exists, nil
}

func (l *Lifecycle) serveFromCache(ctx context.Context, chain keychain.Chain, rec entry.Record, state freshness.State, action string) (*Result, error) {
	body, err := l.blobs.Get(ctx, rec.Entity)
	if err != nil {
		if blobstore.IsNotFound(err) {
			// Entity vanished between classify and serve; fall back to a
			// direct, uncoalesced fetch rather than fail the request.
			return l.fetchAndMaybeCache(ctx, Request{Method: "GET", Path: rec.URI, Headers: headers.New()}, chain)
		}
		return nil, err
	}
	return &Result{Status: rec.Status, Headers: rec.Headers, Body: body, State: state, Action: action}, nil
}

func (l *Lifecycle) handleMiss(ctx context.Context, req Request, chain keychain.Chain, root string, state freshness.State) (*Result, error) {
	if !l.cfg.CollapseOriginRequests || l.coordinator == nil {
		return l.fetchAndMaybeCache(ctx, req, chain)
	}

	role, lease, err := l.coordinator.Try(ctx, root, chain.FetchingLock)
	if err != nil {
		return nil, err
	}

	if role == collapse.Leader {
		result, ferr := l.fetchAndMaybeCache(ctx, req, chain)
		success := ferr == nil && result != nil && result.cached
		if cerr := l.coordinator.Finish(ctx, root, lease, success); cerr != nil {
			l.logger.Warn("failed to finish collapse lease", "root", root, "error", cerr)
		}
		return result, ferr
	}

	// Follower.
	if err := l.coordinator.Await(ctx, root); err == nil {
		rec, present, rerr := l.readRecord(ctx, chain)
		if rerr == nil && present {
			return l.serveFromCache(ctx, chain, rec, freshness.Classify(true, rec.Expires, time.Now(), l.cfg.ServeWhenStale), ActionCollapsed)
		}
	}
	// Timeout, failure, or lost subscription: single uncoalesced fallback.
	return l.fetchAndMaybeCache(ctx, req, chain)
}

func (l *Lifecycle) fetchAndMaybeCache(ctx context.Context, req Request, chain keychain.Chain) (*Result, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = req.Body
	}

	uri := req.Path
	if req.RawQuery != "" {
		uri += "?" + req.RawQuery
	}

	resp, err := l.fetcher.Fetch(ctx, req.Method, uri, req.Headers, bodyReader)
	if err != nil {
		return nil, err
	}

	decision := origin.Cacheability(req.Method, req.Headers, resp, time.Now(), l.cfg.ServeWhenStale)

	cached := false
	if decision.Cacheable {
		rec := entry.Record{Status: resp.Status, Expires: decision.Expires, URI: uri, Headers: resp.Headers}
		// The physical key must outlive the freshness expiry itself: WARM
		// serving needs it present through ServeWhenStale, and COLD (still
		// present but past the grace window, as opposed to SUBZERO/evicted)
		// needs it present for KeepCacheFor beyond that (spec §6 "post-expiry
		// retention for stale serving").
		ttl := time.Duration(decision.TTLSecs)*time.Second + l.cfg.ServeWhenStale + l.cfg.KeepCacheFor
		if werr := l.writer.Write(ctx, chain, rec, resp.Body, ttl); werr != nil {
			l.logger.Error("failed to write cache entry after fetch", "root", chain.Root, "error", werr)
		} else {
			cached = true
		}
	}

	// A response fetched from origin is reported as a miss (COLD, so
	// X-Cache: MISS) whether or not it was written to cache.
	return &Result{
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    resp.Body,
		State:   freshness.COLD,
		Action:  ActionFetched,
		cached:  cached,
	}, nil
}

func (l *Lifecycle) applyResponseHeaders(r *Result) {
	if r.Headers == nil {
		r.Headers = headers.New()
	}

	via := fmt.Sprintf("1.1 %s (Ledge/%s)", l.cfg.Hostname, Version)
	if existing, ok := r.Headers.Get("Via"); ok && existing != "" {
		r.Headers.Set("Via", via+", "+existing)
	} else {
		r.Headers.Set("Via", via)
	}

	xCache := "MISS"
	if r.State.IsHit() {
		xCache = "HIT"
	}
	r.Headers.Set("X-Cache", xCache)
	r.Headers.Set("X-Cache-State", r.State.String())
	r.Headers.Set("X-Cache-Action", r.Action)
	r.Headers.Set("Content-Length", fmt.Sprintf("%d", len(r.Body)))
}

func isBypass(h *headers.Bag) bool {
	if h == nil {
		return false
	}
	if v, ok := h.Get("Pragma"); ok && strings.Contains(strings.ToLower(v), "no-cache") {
		return true
	}
	if v, ok := h.Get("Cache-Control"); ok {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "no-cache") {
				return true
			}
		}
	}
	return false
}
