package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/caseflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, config PoolConfig) *Pool {
	t.Helper()

	pool, err := NewPool(testutil.Logger(), config)
	require.NoError(t, err)

	return pool
}

func blockingTask(started chan<- struct{}, release <-chan struct{}) Task {
	return func(context.Context) {
		started <- struct{}{}
		<-release
	}
}

func TestNewPool_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config PoolConfig
	}{
		{"no core workers", PoolConfig{CoreSize: 0, MaxSize: 1}},
		{"max below core", PoolConfig{CoreSize: 2, MaxSize: 1}},
		{"negative queue", PoolConfig{CoreSize: 1, MaxSize: 1, QueueLength: -1}},
		{"negative keep alive", PoolConfig{CoreSize: 1, MaxSize: 1, KeepAlive: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(testutil.Logger(), tt.config)
			require.ErrorIs(t, err, ErrInvalidPoolConfig)
		})
	}
}

func TestPool_CoreQueueThenExtraWorkers(t *testing.T) {
	pool := newTestPool(t, PoolConfig{CoreSize: 1, MaxSize: 2, QueueLength: 1, KeepAlive: 20 * time.Millisecond})

	started := make(chan struct{}, 4)
	release := make(chan struct{})

	require.True(t, pool.TrySubmit(blockingTask(started, release)))
	<-started
	assert.Equal(t, 1, pool.Workers())

	// Queued behind the busy core worker.
	require.True(t, pool.TrySubmit(blockingTask(started, release)))
	assert.Equal(t, 1, pool.Workers())

	// Queue full, an extra worker takes it.
	require.True(t, pool.TrySubmit(blockingTask(started, release)))
	<-started
	assert.Equal(t, 2, pool.Workers())

	assert.False(t, pool.TrySubmit(blockingTask(started, release)), "saturated pool must reject")

	close(release)
	<-started

	assert.Eventually(t, func() bool { return pool.Workers() == 1 }, time.Second, 5*time.Millisecond,
		"extra worker should retire after keep alive")

	require.NoError(t, pool.Shutdown(time.Second))
	assert.False(t, pool.TrySubmit(func(context.Context) {}))
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	pool := newTestPool(t, PoolConfig{CoreSize: 1, MaxSize: 1, QueueLength: 5, KeepAlive: time.Minute})

	var ran atomic.Int32

	for range 5 {
		require.True(t, pool.TrySubmit(func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, 0, pool.Workers())
}

func TestPool_ShutdownTimeoutCancelsTasks(t *testing.T) {
	pool := newTestPool(t, PoolConfig{CoreSize: 1, MaxSize: 1, KeepAlive: time.Minute})

	started := make(chan struct{})
	cancelled := make(chan struct{})

	require.True(t, pool.TrySubmit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	err := pool.Shutdown(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrShutdownTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestPool_SurvivesPanickingTask(t *testing.T) {
	pool := newTestPool(t, PoolConfig{CoreSize: 1, MaxSize: 1, QueueLength: 1, KeepAlive: time.Minute})

	done := make(chan struct{})

	require.True(t, pool.TrySubmit(func(context.Context) { panic("boom") }))
	assert.Eventually(t, func() bool {
		return pool.TrySubmit(func(context.Context) { close(done) })
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}

	require.NoError(t, pool.Shutdown(time.Second))
}
