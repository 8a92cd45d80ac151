// Package collapse implements request-coalescing (spec.md §4.4): when
// multiple concurrent requests miss for the same fingerprint, exactly one
// performs the origin fetch.
package collapse

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/I90Runner/ledge/internal/store"
)

// Role is the outcome of Try: either the caller must fetch from origin
// (Leader), or it should wait for the leader and re-read cache (Follower).
type Role int

const (
	// Leader means this caller acquired the fetching_lock and must fetch
	// from origin, store the result, then call Finish.
	Leader Role = iota
	// Follower means another caller holds the lock; Await should be
	// called to wait for it to finish.
	Follower
)

// ErrCoalesceTimeout is returned by Await when the leader's outcome was
// not observed within the follower_wait window (spec §7 CoalesceTimeout).
var ErrCoalesceTimeout = errors.New("collapse: follower wait timed out")

const (
	finishedMsg = "finished"
	failedMsg   = "failed"
)

// Config controls lock lifetime and follower patience (spec §6).
type Config struct {
	LockTTL      time.Duration
	FollowerWait time.Duration
}

// Coordinator runs the leader/follower protocol over a Store. It keeps a
// small in-process LRU of recently-seen "finished" notifications as the
// single-process fast path the design notes permit (spec §9); the Redis
// SETNX + pub/sub path remains the cross-process correctness anchor.
type Coordinator struct {
	s      store.Store
	cfg    Config
	logger *slog.Logger

	// fastPath short-circuits Await for followers whose leader already
	// finished in this same process, before any pub/sub round-trip.
	fastPath *lru.Cache[string, struct{}]
}

// New builds a Coordinator.
func New(s store.Store, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	fp, _ := lru.New[string, struct{}](1024)
	return &Coordinator{s: s, cfg: cfg, logger: logger, fastPath: fp}
}

// Lease represents an acquired leader lock; it must be released via
// Finish exactly once.
type Lease struct {
	key   string
	value string
}

// Try attempts to become the leader for root. It returns (Leader, lease,
// nil) if the caller must fetch, or (Follower, nil, nil) if another
// caller is already fetching.
func (c *Coordinator) Try(ctx context.Context, root, lockKey string) (Role, *Lease, error) {
	value, err := randomToken()
	if err != nil {
		return 0, nil, err
	}

	acquired, err := c.s.SetNX(ctx, lockKey, value, c.cfg.LockTTL)
	if err != nil {
		return 0, nil, err
	}
	if acquired {
		return Leader, &Lease{key: lockKey, value: value}, nil
	}
	return Follower, nil, nil
}

// Finish releases the leader's lock and notifies followers. Call with
// success=true after the cache write has committed; success=false on a
// non-cacheable or failed fetch.
func (c *Coordinator) Finish(ctx context.Context, root string, lease *Lease, success bool) error {
	if lease == nil {
		return nil
	}

	if _, err := c.s.DelIfMatch(ctx, lease.key, lease.value); err != nil {
		c.logger.Warn("failed to release fetching lock", "root", root, "error", err)
	}

	msg := finishedMsg
	if !success {
		msg = failedMsg
	}
	if success {
		c.fastPath.Add(root, struct{}{})
	}

	if err := c.s.Publish(ctx, root, msg); err != nil {
		c.logger.Warn("failed to publish collapse outcome", "root", root, "error", err)
		return err
	}
	return nil
}

// Await waits for the leader to finish, as a follower. It returns nil if
// the leader finished successfully (the caller should re-read cache and
// serve, action=COLLAPSED). It returns ErrCoalesceTimeout or a non-nil
// error for every other outcome (leader failed, timed out, or the
// subscription was lost); callers fall back to an uncoalesced direct
// fetch per spec §4.4/§8 ("a single fallback direct fetch only").
func (c *Coordinator) Await(ctx context.Context, root string) error {
	if _, ok := c.fastPath.Get(root); ok {
		c.fastPath.Remove(root)
		return nil
	}

	sub := c.s.Subscribe(ctx, root)
	defer sub.Close()

	msg, ok := sub.Receive(ctx, c.cfg.FollowerWait)
	if !ok {
		// Late subscription can miss a publish that already happened. Only
		// the in-process fast path is checked again, once; a publish from a
		// leader in another process that landed before the subscription
		// is not detected and ends in ErrCoalesceTimeout.
		if _, fp := c.fastPath.Get(root); fp {
			c.fastPath.Remove(root)
			return nil
		}
		return ErrCoalesceTimeout
	}

	switch msg {
	case finishedMsg:
		return nil
	case failedMsg:
		return fmt.Errorf("collapse: leader reported failure")
	default:
		return fmt.Errorf("collapse: unexpected message %q", msg)
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
