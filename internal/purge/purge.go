// Package purge implements the purge coordinator (spec.md §4.8,
// component C9): exact-key purge in every mode, and wildcard purge
// dispatched to the background worker.
package purge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/I90Runner/ledge/internal/blobstore"
	"github.com/I90Runner/ledge/internal/entry"
	"github.com/I90Runner/ledge/internal/keychain"
	"github.com/I90Runner/ledge/internal/metrics"
	"github.com/I90Runner/ledge/internal/store"
)

// Mode is a purge mode (spec §4.8).
type Mode string

const (
	ModeInvalidate Mode = "invalidate"
	ModeDelete     Mode = "delete"
	ModeRevalidate Mode = "revalidate"
)

// Result strings, returned verbatim in the JSON response body (spec §6).
const (
	ResultPurged         = "purged"
	ResultDeleted        = "deleted"
	ResultAlreadyExpired = "already expired"
	ResultNothingToPurge = "nothing to purge"
	ResultScheduled      = "scheduled"
)

// JobDescriptor mirrors the job queue contract from spec §6.
type JobDescriptor struct {
	Klass   string     `json:"klass"`
	JID     string     `json:"jid"`
	Options JobOptions `json:"options"`
}

// JobOptions carries the tags/priority/jid spec §6 requires inside the
// descriptor's options object.
type JobOptions struct {
	Tags     []string `json:"tags"`
	JID      string   `json:"jid"`
	Priority int      `json:"priority"`
}

// Outcome is the result of a purge operation, shaped for direct JSON
// serialization as the HTTP response body (spec §6).
type Outcome struct {
	Result    string         `json:"result"`
	PurgeMode Mode           `json:"purge_mode"`
	Job       *JobDescriptor `json:"qless_job,omitempty"`
}

// JobEnqueuer is the subset of the worker queue the purge coordinator
// needs, kept narrow to avoid a purge<->worker import cycle.
type JobEnqueuer interface {
	EnqueueWithID(ctx context.Context, klass, jid string, tags []string, priority int, payload map[string]string) error
}

// Coordinator implements C9.
type Coordinator struct {
	store   store.Store
	blobs   blobstore.BlobStore
	queue   JobEnqueuer
	scanCnt int64
	logger  *slog.Logger
}

// New builds a Coordinator.
func New(s store.Store, blobs blobstore.BlobStore, queue JobEnqueuer, scanCount int64, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if scanCount <= 0 {
		scanCount = 100
	}
	return &Coordinator{store: s, blobs: blobs, queue: queue, scanCnt: scanCount, logger: logger}
}

// RevalidateJobID and PurgeScanJobID are deterministic job ids derived
// from the root, providing idempotence (spec §4.8, §4.9, invariant 4).
func RevalidateJobID(root string) string { return md5Hex("revalidate:" + root) }
func PurgeScanJobID(root string) string  { return md5Hex("purge:" + root) }

// EntityGCJobID derives the deterministic entity-gc job id for a root, so
// a periodic scheduler tick never double-enqueues reclamation work for
// the same fingerprint while an earlier job is still pending.
func EntityGCJobID(root string) string { return md5Hex("entity_gc:" + root) }

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Purge handles a PURGE request. If wildcard is set (the HTTP handler sets
// it when the path contains '*') a purge-scan job for pattern is dispatched
// asynchronously; otherwise it runs the exact-key flow synchronously.
func (c *Coordinator) Purge(ctx context.Context, root, pattern string, mode Mode, wildcard bool) (Outcome, error) {
	if mode == "" {
		mode = ModeInvalidate
	}

	if wildcard {
		return c.purgeWildcard(ctx, root, pattern, mode)
	}
	return c.purgeExact(ctx, root, mode)
}

func (c *Coordinator) purgeExact(ctx context.Context, root string, mode Mode) (Outcome, error) {
	chain := keychain.For(root)

	fields, err := c.store.HGetAll(ctx, chain.Main)
	if err != nil {
		return Outcome{}, err
	}
	rec, present := entry.FromFields(fields)
	if !present || rec.Entity == "" {
		metrics.PurgeTotal.WithLabelValues(string(mode), ResultNothingToPurge).Inc()
		return Outcome{Result: ResultNothingToPurge, PurgeMode: mode}, nil
	}
	exists, err := c.blobs.Exists(ctx, rec.Entity)
	if err != nil {
		return Outcome{}, err
	}
	if !exists {
		metrics.PurgeTotal.WithLabelValues(string(mode), ResultNothingToPurge).Inc()
		return Outcome{Result: ResultNothingToPurge, PurgeMode: mode}, nil
	}

	if mode == ModeDelete {
		if err := c.store.Del(ctx, chain.Keys()...); err != nil {
			return Outcome{}, err
		}
		if err := c.blobs.Delete(ctx, rec.Entity); err != nil {
			c.logger.Warn("failed to delete entity during purge", "root", root, "entity", rec.Entity, "error", err)
		}
		metrics.PurgeTotal.WithLabelValues(string(mode), ResultDeleted).Inc()
		return Outcome{Result: ResultDeleted, PurgeMode: mode}, nil
	}

	var job *JobDescriptor
	if mode == ModeRevalidate && c.queue != nil {
		jid := RevalidateJobID(root)
		if err := c.queue.EnqueueWithID(ctx, "ledge.jobs.revalidate", jid, []string{"revalidate"}, 4, map[string]string{"root": root, "uri": rec.URI}); err != nil {
			c.logger.Warn("failed to enqueue revalidate job", "root", root, "error", err)
		} else {
			job = &JobDescriptor{
				Klass:   "ledge.jobs.revalidate",
				JID:     jid,
				Options: JobOptions{Tags: []string{"revalidate"}, JID: jid, Priority: 4},
			}
		}
	}

	expired, err := c.expireKeys(ctx, chain, rec)
	if err != nil {
		return Outcome{}, err
	}
	if !expired {
		metrics.PurgeTotal.WithLabelValues(string(mode), ResultAlreadyExpired).Inc()
		return Outcome{Result: ResultAlreadyExpired, PurgeMode: mode, Job: job}, nil
	}

	metrics.PurgeTotal.WithLabelValues(string(mode), ResultPurged).Inc()
	return Outcome{Result: ResultPurged, PurgeMode: mode, Job: job}, nil
}

// expireKeys implements spec §4.8's atomic `expire_keys`: reduce expires
// to now-1 (immediately stale) and shrink every key's TTL by the same
// delta the metadata record itself lost, including the body entity
// (invariant 4). Returns false if there was nothing left to expire.
func (c *Coordinator) expireKeys(ctx context.Context, chain keychain.Chain, rec entry.Record) (bool, error) {
	now := time.Now().Unix()
	if rec.Expires <= now {
		return false, nil
	}

	ttl, err := c.store.TTL(ctx, chain.Main)
	if err != nil {
		return false, err
	}
	delta := time.Duration(rec.Expires-now) * time.Second
	newTTL := ttl - delta
	if newTTL < 0 {
		newTTL = 0
	}

	err = c.store.Tx(ctx, func(tx store.Tx) error {
		tx.HSet(chain.Main, map[string]string{"expires": strconv.FormatInt(now-1, 10)})
		tx.Expire(chain.Main, newTTL)
		tx.Expire(chain.Entities, newTTL)
		tx.Expire(chain.RepSet, newTTL)
		return nil
	})
	if err != nil {
		return false, err
	}

	if rec.Entity != "" {
		if err := c.blobs.SetTTL(ctx, rec.Entity, newTTL); err != nil {
			c.logger.Warn("failed to align entity ttl during purge", "entity", rec.Entity, "error", err)
		}
	}
	return true, nil
}

// ExecutePattern runs the keyspace scan a purge-scan job performs: walk
// every `*::main` key matching pattern and purge the root it belongs to
// in the given mode. It is consumed by internal/worker's purge-scan
// handler, not by the synchronous HTTP path (spec §4.8 "wildcard purge").
func (c *Coordinator) ExecutePattern(ctx context.Context, pattern string, mode Mode) (scanned, purged int, err error) {
	scanPattern := pattern
	if !strings.HasSuffix(scanPattern, "::main") {
		scanPattern += "::main"
	}

	var cursor uint64
	for {
		keys, next, serr := c.store.Scan(ctx, cursor, scanPattern, c.scanCnt)
		if serr != nil {
			return scanned, purged, serr
		}
		for _, key := range keys {
			root, ok := strings.CutSuffix(key, "::main")
			if !ok {
				continue
			}
			scanned++
			outcome, perr := c.purgeExact(ctx, root, mode)
			if perr != nil {
				c.logger.Warn("purge-scan failed to purge matched key", "root", root, "error", perr)
				continue
			}
			if outcome.Result == ResultPurged || outcome.Result == ResultDeleted {
				purged++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return scanned, purged, nil
}

func (c *Coordinator) purgeWildcard(ctx context.Context, root, pattern string, mode Mode) (Outcome, error) {
	jid := PurgeScanJobID(root)
	job := &JobDescriptor{
		Klass:   "ledge.jobs.purge",
		JID:     jid,
		Options: JobOptions{Tags: []string{"purge"}, JID: jid, Priority: 5},
	}

	if c.queue != nil {
		if err := c.queue.EnqueueWithID(ctx, job.Klass, jid, job.Options.Tags, job.Options.Priority, map[string]string{
			"pattern":    pattern,
			"purge_mode": string(mode),
			"scan_count": strconv.FormatInt(c.scanCnt, 10),
		}); err != nil {
			return Outcome{}, err
		}
	}

	metrics.PurgeTotal.WithLabelValues(string(mode), ResultScheduled).Inc()
	return Outcome{Result: ResultScheduled, PurgeMode: mode, Job: job}, nil
}

