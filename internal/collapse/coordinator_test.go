package collapse

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/I90Runner/ledge/internal/store"
)

func setupTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client, nil)

	c := New(s, Config{LockTTL: time.Second, FollowerWait: 200 * time.Millisecond}, nil)
	return c, mr
}

func TestCoordinator_TryOnlyOneLeaderAmongConcurrentMisses(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()
	const n = 20

	var leaders int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			role, _, err := c.Try(ctx, "root", "root::fetching_lock")
			require.NoError(t, err)
			if role == Leader {
				atomic.AddInt64(&leaders, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), leaders, "exactly one caller should become leader for a concurrent miss burst")
}

func TestCoordinator_FollowerAwaitsSuccessfulFinish(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()

	role, lease, err := c.Try(ctx, "root", "root::fetching_lock")
	require.NoError(t, err)
	require.Equal(t, Leader, role)

	role2, lease2, err := c.Try(ctx, "root", "root::fetching_lock")
	require.NoError(t, err)
	require.Equal(t, Follower, role2)
	require.Nil(t, lease2)

	done := make(chan error, 1)
	go func() {
		done <- c.Await(ctx, "root")
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Finish(ctx, "root", lease, true))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("follower never observed leader finish")
	}
}

func TestCoordinator_FollowerSeesFailure(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()

	_, lease, err := c.Try(ctx, "root", "root::fetching_lock")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Await(ctx, "root")
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Finish(ctx, "root", lease, false))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("follower never observed leader failure")
	}
}

func TestCoordinator_AwaitTimesOutWithNoLeaderActivity(t *testing.T) {
	c, mr := setupTestCoordinator(t)
	defer mr.Close()

	ctx := context.Background()
	err := c.Await(ctx, "never-published")
	assert.ErrorIs(t, err, ErrCoalesceTimeout)
}
