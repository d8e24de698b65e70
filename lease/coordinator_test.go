package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sc "github.com/goliatone/go-statecontract"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type coordinatorFixture struct {
	coord   Coordinator
	advance func(time.Duration)
}

func memoryFixture(t *testing.T) coordinatorFixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return coordinatorFixture{
		coord:   NewMemory(WithClock(clock.Now)),
		advance: clock.Advance,
	}
}

func redisFixture(t *testing.T) coordinatorFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return coordinatorFixture{
		coord:   NewRedis(client, WithPrefix("test:")),
		advance: mr.FastForward,
	}
}

func forEachCoordinator(t *testing.T, fn func(t *testing.T, fx coordinatorFixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryFixture(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, redisFixture(t)) })
}

func TestAcquireIncrementsEpochAndFencesOthers(t *testing.T) {
	forEachCoordinator(t, func(t *testing.T, fx coordinatorFixture) {
		ctx := context.Background()

		first, err := fx.coord.Acquire(ctx, "svc_42", "worker-a", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Epoch)
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, "worker-a", first.Owner)
		require.NoError(t, fx.coord.Validate(ctx, first))

		_, err = fx.coord.Acquire(ctx, "svc_42", "worker-b", 5*time.Second)
		require.Error(t, err)
		assert.Equal(t, sc.ErrCodeLeaseHeld, sc.ErrorCode(err))

		fx.advance(6 * time.Second)

		second, err := fx.coord.Acquire(ctx, "svc_42", "worker-b", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Epoch)

		err = fx.coord.Validate(ctx, first)
		require.Error(t, err)
		assert.Equal(t, sc.ErrCodeStaleEpoch, sc.ErrorCode(err))
		require.NoError(t, fx.coord.Validate(ctx, second))

		other, err := fx.coord.Acquire(ctx, "svc_43", "worker-a", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), other.Epoch, "epochs are per key")
	})
}

func TestSameOwnerReacquireSupersedesOldLease(t *testing.T) {
	forEachCoordinator(t, func(t *testing.T, fx coordinatorFixture) {
		ctx := context.Background()
		first, err := fx.coord.Acquire(ctx, "svc_42", "worker-a", time.Minute)
		require.NoError(t, err)
		second, err := fx.coord.Acquire(ctx, "svc_42", "worker-a", time.Minute)
		require.NoError(t, err)

		assert.Greater(t, second.Epoch, first.Epoch)
		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, sc.ErrCodeStaleEpoch, sc.ErrorCode(fx.coord.Validate(ctx, first)))
	})
}

func TestRenewExtendsLease(t *testing.T) {
	forEachCoordinator(t, func(t *testing.T, fx coordinatorFixture) {
		ctx := context.Background()
		l, err := fx.coord.Acquire(ctx, "svc_42", "worker-a", 5*time.Second)
		require.NoError(t, err)

		fx.advance(4 * time.Second)
		renewed, err := fx.coord.Renew(ctx, l, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, l.ID, renewed.ID)
		assert.Equal(t, l.Epoch, renewed.Epoch)

		fx.advance(4 * time.Second)
		require.NoError(t, fx.coord.Validate(ctx, renewed))

		fx.advance(2 * time.Second)
		err = fx.coord.Validate(ctx, renewed)
		require.Error(t, err)
		assert.Equal(t, sc.ErrCodeLeaseNotHeld, sc.ErrorCode(err))

		_, err = fx.coord.Renew(ctx, renewed, 5*time.Second)
		assert.Equal(t, sc.ErrCodeLeaseNotHeld, sc.ErrorCode(err))
	})
}

func TestReleaseFreesKey(t *testing.T) {
	forEachCoordinator(t, func(t *testing.T, fx coordinatorFixture) {
		ctx := context.Background()
		l, err := fx.coord.Acquire(ctx, "svc_42", "worker-a", time.Minute)
		require.NoError(t, err)

		require.NoError(t, fx.coord.Release(ctx, l))
		assert.Equal(t, sc.ErrCodeLeaseNotHeld, sc.ErrorCode(fx.coord.Validate(ctx, l)))
		assert.Equal(t, sc.ErrCodeLeaseNotHeld, sc.ErrorCode(fx.coord.Release(ctx, l)))

		next, err := fx.coord.Acquire(ctx, "svc_42", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, l.Epoch+1, next.Epoch)
		assert.Equal(t, sc.ErrCodeStaleEpoch, sc.ErrorCode(fx.coord.Release(ctx, l)))
	})
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	forEachCoordinator(t, func(t *testing.T, fx coordinatorFixture) {
		_, err := fx.coord.Acquire(context.Background(), "svc_42", "worker-a", 0)
		require.Error(t, err)
		assert.Equal(t, sc.ErrCodeContextInvalid, sc.ErrorCode(err))
	})
}

func TestMemoryConcurrentAcquireHasSingleWinner(t *testing.T) {
	coord := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(owner int) {
			defer wg.Done()
			if _, err := coord.Acquire(ctx, "svc_42", string(rune('a'+owner)), time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, int64(1), coord.Epoch("svc_42"))
}

func TestLeaseExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := Lease{ExpiresAt: now.Add(time.Second)}
	assert.False(t, l.Expired(now))
	assert.True(t, l.Expired(now.Add(time.Second)))
	assert.False(t, Lease{}.Expired(now))
}
