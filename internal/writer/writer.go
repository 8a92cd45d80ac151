// Package writer performs the atomic multi-key cache write described in
// spec.md §4.6.
package writer

import (
	"context"
	"log/slog"
	"time"

	"github.com/I90Runner/ledge/internal/blobstore"
	"github.com/I90Runner/ledge/internal/entry"
	"github.com/I90Runner/ledge/internal/keychain"
	"github.com/I90Runner/ledge/internal/metrics"
	"github.com/I90Runner/ledge/internal/store"
)

// ExpiryIndexKey is the sorted set external priming/analysis tools read
// (spec §4.6 step 4).
const ExpiryIndexKey = "ledge:expires_queue"

// Writer commits a fetched, cacheable response into the store and blob
// storage as a single atomic unit.
type Writer struct {
	store  store.Store
	blobs  blobstore.BlobStore
	logger *slog.Logger
}

// New builds a Writer.
func New(s store.Store, blobs blobstore.BlobStore, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: s, blobs: blobs, logger: logger}
}

// Write stores body under a fresh entity id, then commits metadata +
// entities index + per-key TTLs + expiry index atomically. On transaction
// failure the entity written to blobstore is left in place until its own
// TTL lapses; the `entities` SADD is part of the failed transaction, so the
// set does not record that entity and C10's GC does not see it.
func (w *Writer) Write(ctx context.Context, chain keychain.Chain, rec entry.Record, body []byte, ttl time.Duration) error {
	id, err := w.blobs.Put(ctx, body, ttl)
	if err != nil {
		return err
	}
	rec.Entity = id

	err = w.store.Tx(ctx, func(tx store.Tx) error {
		tx.HSet(chain.Main, rec.ToFields())
		tx.SAdd(chain.Entities, id)
		tx.Expire(chain.Main, ttl)
		tx.Expire(chain.Entities, ttl)
		tx.Expire(chain.RepSet, ttl)
		tx.ZAdd(ExpiryIndexKey, float64(rec.Expires), rec.URI)
		return nil
	})
	if err != nil {
		w.logger.Error("cache write transaction failed", "root", chain.Root, "entity", id, "error", err)
		return err
	}

	if err := w.blobs.SetTTL(ctx, id, ttl); err != nil {
		w.logger.Warn("failed to align entity ttl after write", "entity", id, "error", err)
	}

	metrics.CacheStateTotal.WithLabelValues("MISS").Inc()
	w.logger.Debug("cache entry written", "root", chain.Root, "entity", id, "ttl", ttl)
	return nil
}
