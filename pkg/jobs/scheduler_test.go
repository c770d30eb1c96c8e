package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/persistence/memory"
	"github.com/dukex/caseflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchedulerConfig() Config {
	config := DefaultConfig()
	config.AcquisitionInterval = 5 * time.Millisecond
	config.MaxJobsPerAcquisition = 10
	config.CorePoolSize = 4
	config.MaxPoolSize = 4
	config.QueueLength = 4
	config.ShutdownGrace = time.Second
	config.LockOwner = "node-test"

	return config
}

func countJobs(t *testing.T, store persistence.Store, instanceIDs ...string) int {
	t.Helper()

	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	defer func() { _ = persistence.Rollback(tx) }()

	total := 0

	for _, id := range instanceIDs {
		jobs, err := tx.JobsByInstance(ctx, id)
		require.NoError(t, err)

		total += len(jobs)
	}

	return total
}

// concurrencyTracker records the peak number of handlers running at once per instance.
type concurrencyTracker struct {
	mu      sync.Mutex
	running map[string]int
	peak    map[string]int
	handled atomic.Int32
}

func newConcurrencyTracker() *concurrencyTracker {
	return &concurrencyTracker{running: make(map[string]int), peak: make(map[string]int)}
}

func (p *concurrencyTracker) Handle(_ context.Context, _ persistence.Tx, job *models.Job) error {
	p.mu.Lock()
	p.running[job.InstanceID]++
	if p.running[job.InstanceID] > p.peak[job.InstanceID] {
		p.peak[job.InstanceID] = p.running[job.InstanceID]
	}
	p.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	p.mu.Lock()
	p.running[job.InstanceID]--
	p.mu.Unlock()

	p.handled.Add(1)

	return nil
}

func TestNewScheduler_InvalidConfig(t *testing.T) {
	config := testSchedulerConfig()
	config.AcquisitionInterval = 0

	_, err := NewScheduler(testutil.Logger(), memory.NewStore(), NewRegistry(), config)
	require.ErrorIs(t, err, ErrInvalidSchedulerConfig)

	config = testSchedulerConfig()
	config.MaxPoolSize = 1

	_, err = NewScheduler(testutil.Logger(), memory.NewStore(), NewRegistry(), config)
	require.ErrorIs(t, err, ErrInvalidPoolConfig)
}

func TestNewScheduler_GeneratesLockOwner(t *testing.T) {
	config := testSchedulerConfig()
	config.LockOwner = ""

	scheduler, err := NewScheduler(testutil.Logger(), memory.NewStore(), NewRegistry(), config)
	require.NoError(t, err)
	assert.NotEmpty(t, scheduler.LockOwner())
	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestScheduler_ExclusiveJobsOfAnInstanceNeverOverlap(t *testing.T) {
	store := memory.NewStore()
	first := testutil.CreateTestInstance()
	second := testutil.CreateTestInstance()

	var jobs []*models.Job
	for range 4 {
		jobs = append(jobs,
			testutil.CreateTestJob(first.Root()),
			testutil.CreateTestJob(second.Root()),
		)
	}

	insertJobs(t, store, jobs...)

	tracker := newConcurrencyTracker()
	registry := NewRegistry()
	registry.Register(models.JobTypeAsyncContinuation, tracker)

	scheduler, err := NewScheduler(testutil.Logger(), store, registry, testSchedulerConfig())
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return countJobs(t, store, first.ID, second.ID) == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, scheduler.Stop(context.Background()))

	assert.Equal(t, int32(8), tracker.handled.Load())

	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	assert.Equal(t, 1, tracker.peak[first.ID])
	assert.Equal(t, 1, tracker.peak[second.ID])
}

func TestScheduler_RejectedJobIsUnlocked(t *testing.T) {
	store := memory.NewStore()
	instance := testutil.CreateTestInstance()
	job := testutil.CreateTestJob(instance.Root())
	insertJobs(t, store, job)

	config := testSchedulerConfig()
	config.CorePoolSize = 1
	config.MaxPoolSize = 1
	config.QueueLength = 0

	scheduler, err := NewScheduler(testutil.Logger(), store, NewRegistry(), config)
	require.NoError(t, err)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.True(t, scheduler.pool.Load().TrySubmit(blockingTask(started, release)))
	<-started

	dispatched, err := scheduler.AcquireAndDispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)
	assert.Equal(t, 0, scheduler.acquirer.InFlight())

	current, err := loadJob(t, store, job.ID)
	require.NoError(t, err)
	assert.Empty(t, current.LockOwner)
	assert.Equal(t, 0, current.Failures)

	close(release)
	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	scheduler, err := NewScheduler(testutil.Logger(), memory.NewStore(), NewRegistry(), testSchedulerConfig())
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Stop(context.Background()))
	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	store := memory.NewStore()

	var handled atomic.Int32

	registry := NewRegistry()
	registry.Register(models.JobTypeAsyncContinuation, HandlerFunc(func(context.Context, persistence.Tx, *models.Job) error {
		handled.Add(1)

		return nil
	}))

	scheduler, err := NewScheduler(testutil.Logger(), store, registry, testSchedulerConfig())
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Stop(context.Background()))

	instance := testutil.CreateTestInstance()
	insertJobs(t, store, testutil.CreateTestJob(instance.Root()))

	require.NoError(t, scheduler.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return countJobs(t, store, instance.ID) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())

	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestScheduler_StartAfterStopWithoutRun(t *testing.T) {
	store := memory.NewStore()
	instance := testutil.CreateTestInstance()
	insertJobs(t, store, testutil.CreateTestJob(instance.Root()))

	registry := NewRegistry()
	registry.Register(models.JobTypeAsyncContinuation, HandlerFunc(func(context.Context, persistence.Tx, *models.Job) error {
		return nil
	}))

	scheduler, err := NewScheduler(testutil.Logger(), store, registry, testSchedulerConfig())
	require.NoError(t, err)

	require.NoError(t, scheduler.Stop(context.Background()))
	require.NoError(t, scheduler.Start(context.Background()))

	t.Cleanup(func() {
		assert.NoError(t, scheduler.Stop(context.Background()))
	})

	assert.Eventually(t, func() bool {
		return countJobs(t, store, instance.ID) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
