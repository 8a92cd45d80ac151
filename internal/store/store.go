// Package store defines the contract Ledge needs from the shared KV store
// (spec.md §4.2) and a Redis-backed implementation.
package store

import (
	"context"
	"time"
)

// Store is everything Ledge's request lifecycle, collapse coordinator,
// purge coordinator and worker need from the external KV store.
type Store interface {
	// Field-map operations on a hash key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error

	// Key existence and TTL.
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Sets, used for the `entities` GC index.
	SAdd(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// Sorted sets, used for the expiry index consumed by external tools.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// Atomic conditional write for the collapse coordinator's lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DelIfMatch deletes key only if its current value equals value
	// (Lua-scripted compare-and-delete, as the teacher does for lock release).
	DelIfMatch(ctx context.Context, key, value string) (bool, error)

	// Pub/sub, used to notify collapse followers.
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) Subscription

	// Keyspace scan, used by wildcard purge.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) (keys []string, next uint64, err error)

	// Tx runs fn's queued commands atomically (MULTI/EXEC equivalent).
	Tx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx is the subset of Store operations that may be queued inside a
// transaction; Store.Tx applies them atomically.
type Tx interface {
	HSet(key string, fields map[string]string)
	SAdd(key string, members ...string)
	Expire(key string, ttl time.Duration)
	ZAdd(key string, score float64, member string)
	Del(keys ...string)
}

// Subscription is a live pub/sub subscription supporting a
// read-until-message-or-timeout primitive (spec §4.4).
type Subscription interface {
	// Receive blocks until a message arrives, ctx is done, or timeout
	// elapses (whichever first). ok is false on timeout or closed
	// subscription.
	Receive(ctx context.Context, timeout time.Duration) (message string, ok bool)
	Close() error
}
