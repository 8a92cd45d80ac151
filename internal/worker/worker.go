package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/I90Runner/ledge/internal/blobstore"
	"github.com/I90Runner/ledge/internal/entry"
	"github.com/I90Runner/ledge/internal/headers"
	"github.com/I90Runner/ledge/internal/keychain"
	"github.com/I90Runner/ledge/internal/metrics"
	"github.com/I90Runner/ledge/internal/origin"
	"github.com/I90Runner/ledge/internal/purge"
	"github.com/I90Runner/ledge/internal/store"
	"github.com/I90Runner/ledge/internal/writer"
)

// mainKeySuffix matches internal/keychain.Chain.Main's suffix; used by the
// entity-gc scheduler to recover a root fingerprint from a scanned key.
const mainKeySuffix = "::main"

// Config controls the worker pool's shape (spec §6 worker.concurrency,
// worker.poll_interval, worker.entity_gc_interval) and the retention
// window it must reproduce when a revalidate job rewrites a cache entry
// (cache.serve_when_stale, cache.keep_cache_for).
type Config struct {
	Concurrency      int
	PollInterval     time.Duration
	EntityGCInterval time.Duration
	ServeWhenStale   time.Duration
	KeepCacheFor     time.Duration
}

// Pool runs Config.Concurrency goroutines pulling jobs off Queue and
// dispatching them to the handler matching their klass, mirroring the
// teacher's bounded worker-pool shape
// (internal/infrastructure/workers/dispatcher.go).
type Pool struct {
	queue   *Queue
	store   store.Store
	blobs   blobstore.BlobStore
	fetcher *origin.Fetcher
	writer  *writer.Writer
	purge   *purge.Coordinator
	cfg     Config
	logger  *slog.Logger
}

// New builds a Pool.
func New(
	q *Queue,
	s store.Store,
	blobs blobstore.BlobStore,
	fetcher *origin.Fetcher,
	w *writer.Writer,
	purgeCoord *purge.Coordinator,
	cfg Config,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{queue: q, store: s, blobs: blobs, fetcher: fetcher, writer: w, purge: purgeCoord, cfg: cfg, logger: logger}
}

// Run starts the pool's workers and the entity-gc scheduler, and blocks
// until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	if p.cfg.EntityGCInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runEntityGCScheduler(ctx)
		}()
	}
	wg.Wait()
}

// runEntityGCScheduler ticks on EntityGCInterval and enqueues an entity-gc
// job for every known fingerprint, so entities orphaned by repeated
// re-fetches on live keys (not just fully-expired ones) get reclaimed
// (SPEC_FULL.md §3 entity GC).
func (p *Pool) runEntityGCScheduler(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.EntityGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scheduleEntityGC(ctx)
		}
	}
}

func (p *Pool) scheduleEntityGC(ctx context.Context) {
	var cursor uint64
	scheduled := 0
	for {
		keys, next, err := p.store.Scan(ctx, cursor, "*"+mainKeySuffix, 100)
		if err != nil {
			p.logger.Warn("entity-gc scheduler scan failed", "error", err)
			return
		}
		for _, key := range keys {
			root, ok := strings.CutSuffix(key, mainKeySuffix)
			if !ok {
				continue
			}
			jid := purge.EntityGCJobID(root)
			if err := p.queue.EnqueueWithID(ctx, KlassEntityGC, jid, []string{"entity_gc"}, 2, map[string]string{"root": root}); err != nil {
				p.logger.Warn("failed to enqueue entity-gc job", "root", root, "error", err)
				continue
			}
			scheduled++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if scheduled > 0 {
		p.logger.Info("entity-gc scheduler tick", "scheduled", scheduled)
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, ok, err := p.queue.Pop(ctx)
			if err != nil {
				p.logger.Warn("failed to pop job", "worker", id, "error", err)
				continue
			}
			if !ok {
				continue
			}
			p.process(ctx, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	start := time.Now()
	outcome := "success"

	var err error
	switch job.Klass {
	case KlassRevalidate:
		err = p.handleRevalidate(ctx, job)
	case KlassPurgeScan:
		err = p.handlePurgeScan(ctx, job)
	case KlassEntityGC:
		err = p.handleEntityGC(ctx, job)
	default:
		p.logger.Warn("unknown job class", "klass", job.Klass, "jid", job.JID)
		outcome = "unknown_klass"
	}
	if err != nil {
		p.logger.Error("job failed", "klass", job.Klass, "jid", job.JID, "error", err)
		outcome = "failure"
	}

	metrics.WorkerJobsTotal.WithLabelValues(job.Klass, outcome).Inc()
	metrics.WorkerJobDuration.WithLabelValues(job.Klass).Observe(time.Since(start).Seconds())

	if rerr := p.queue.Release(ctx, job.JID); rerr != nil {
		p.logger.Warn("failed to release job dedup entry", "jid", job.JID, "error", rerr)
	}
}

// handleRevalidate re-fetches a WARM or explicitly-purged entry's uri from
// origin and rewrites the cache entry if it is still cacheable (spec
// §4.7 WARM branch, §4.8 revalidate purge mode).
func (p *Pool) handleRevalidate(ctx context.Context, job Job) error {
	root := job.Payload["root"]
	uri := job.Payload["uri"]
	if root == "" || uri == "" {
		return nil
	}
	chain := keychain.For(root)

	resp, err := p.fetcher.Fetch(ctx, "GET", uri, headers.New(), nil)
	if err != nil {
		return err
	}

	decision := origin.Cacheability("GET", headers.New(), resp, time.Now(), p.cfg.ServeWhenStale)
	if !decision.Cacheable {
		return nil
	}

	rec := entry.Record{Status: resp.Status, Expires: decision.Expires, URI: uri, Headers: resp.Headers}
	ttl := time.Duration(decision.TTLSecs)*time.Second + p.cfg.ServeWhenStale + p.cfg.KeepCacheFor
	return p.writer.Write(ctx, chain, rec, resp.Body, ttl)
}

// handlePurgeScan performs the keyspace walk a wildcard purge dispatched.
func (p *Pool) handlePurgeScan(ctx context.Context, job Job) error {
	pattern := job.Payload["pattern"]
	mode := purge.Mode(job.Payload["purge_mode"])
	if pattern == "" {
		return nil
	}
	scanned, purged, err := p.purge.ExecutePattern(ctx, pattern, mode)
	if err != nil {
		return err
	}
	p.logger.Info("purge-scan complete", "pattern", pattern, "scanned", scanned, "purged", purged)
	return nil
}

// handleEntityGC reclaims blobstore entities no longer referenced by a
// fingerprint's metadata: either every id in `entities` when `main` is
// gone entirely, or the `entities - {main.entity}` stragglers a live key
// accumulates across repeated re-fetches (spec §4.6 "Body storage" orphan
// note, SPEC_FULL.md §3 entity GC).
func (p *Pool) handleEntityGC(ctx context.Context, job Job) error {
	root := job.Payload["root"]
	if root == "" {
		return nil
	}
	chain := keychain.For(root)

	exists, err := p.store.Exists(ctx, chain.Main)
	if err != nil {
		return err
	}
	if !exists {
		ids, err := p.store.SMembers(ctx, chain.Entities)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if derr := p.blobs.Delete(ctx, id); derr != nil {
				p.logger.Warn("failed to delete orphaned entity", "root", root, "entity", id, "error", derr)
			}
		}
		return p.store.Del(ctx, chain.Entities, chain.RepSet)
	}

	current, _, err := p.store.HGet(ctx, chain.Main, "entity")
	if err != nil {
		return err
	}

	ids, err := p.store.SMembers(ctx, chain.Entities)
	if err != nil {
		return err
	}

	var stale []string
	for _, id := range ids {
		if id != current {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	for _, id := range stale {
		if derr := p.blobs.Delete(ctx, id); derr != nil {
			p.logger.Warn("failed to delete stale entity", "root", root, "entity", id, "error", derr)
		}
	}
	return p.store.SRem(ctx, chain.Entities, stale...)
}
