// Package storetest holds the behavior every persistence.Store backend must
// share. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) persistence.Store

// Run executes the shared suite. Subtests are sequential because some
// backends share one database between them.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("instance round trip", func(t *testing.T) { testInstanceRoundTrip(t, newStore(t)) })
	t.Run("instance version conflict", func(t *testing.T) { testInstanceConflict(t, newStore(t)) })
	t.Run("rollback discards writes", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("job lifecycle", func(t *testing.T) { testJobLifecycle(t, newStore(t)) })
	t.Run("acquirable jobs", func(t *testing.T) { testAcquirableJobs(t, newStore(t)) })
	t.Run("exclusive filter", func(t *testing.T) { testExclusiveFilter(t, newStore(t)) })
	t.Run("delete jobs by executions", func(t *testing.T) { testDeleteJobsByExecutions(t, newStore(t)) })
	t.Run("racing lock writes", func(t *testing.T) { testRacingLocks(t, newStore(t)) })
	t.Run("exclusive lock writes", func(t *testing.T) { testExclusiveLock(t, newStore(t)) })
	t.Run("racing exclusive siblings", func(t *testing.T) { testRacingExclusiveSiblings(t, newStore(t)) })
	t.Run("incidents", func(t *testing.T) { testIncidents(t, newStore(t)) })
	t.Run("deployments", func(t *testing.T) { testDeployments(t, newStore(t)) })
}

// InTx runs fn inside a committed transaction.
func InTx(t *testing.T, store persistence.Store, fn func(ctx context.Context, tx persistence.Tx)) {
	t.Helper()

	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	fn(ctx, tx)

	require.NoError(t, tx.Commit())
}

func testInstanceRoundTrip(t *testing.T, store persistence.Store) {
	instance := testutil.CreateTestInstance()
	child := instance.CreateChild(instance.Root(), "sub")
	child.PendingOperation = "activity-start"

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.SaveInstance(ctx, instance))
	})
	assert.Equal(t, int64(1), instance.Version)

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		loaded, err := tx.Instance(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version)
		assert.Equal(t, instance.RootID, loaded.RootID)
		require.Len(t, loaded.Executions, 2)
		assert.Equal(t, "activity-start", loaded.Executions[child.ID].PendingOperation)
		assert.EqualValues(t, 10, loaded.Root().Variables["amount"])

		byExecution, err := tx.InstanceByExecution(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, instance.ID, byExecution.ID)

		_, err = tx.InstanceByExecution(ctx, "missing")
		assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)

		require.NoError(t, tx.DeleteInstance(ctx, loaded))
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		_, err := tx.Instance(ctx, instance.ID)
		assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)
	})
}

func testInstanceConflict(t *testing.T, store persistence.Store) {
	instance := testutil.CreateTestInstance()

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.SaveInstance(ctx, instance))
	})

	ctx := context.Background()

	first, err := store.Begin(ctx)
	require.NoError(t, err)

	firstCopy, err := first.Instance(ctx, instance.ID)
	require.NoError(t, err)
	require.NoError(t, first.Rollback())

	secondCopy := firstCopy.Clone()

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		firstCopy.BusinessKey = "first"
		require.NoError(t, tx.SaveInstance(ctx, firstCopy))
	})

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	secondCopy.BusinessKey = "second"
	err = tx.SaveInstance(ctx, secondCopy)
	if err == nil {
		err = tx.Commit()
	} else {
		require.NoError(t, persistence.Rollback(tx))
	}

	require.Error(t, err)
	assert.True(t, persistence.IsConflict(err))

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		loaded, err := tx.Instance(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", loaded.BusinessKey)
		assert.Equal(t, int64(2), loaded.Version)
	})
}

func testRollback(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	instance := testutil.CreateTestInstance()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveInstance(ctx, instance))
	require.NoError(t, tx.InsertJob(ctx, testutil.CreateTestJob(instance.Root())))
	require.NoError(t, tx.Rollback())

	assert.ErrorIs(t, tx.Commit(), persistence.ErrTxDone)
	assert.NoError(t, persistence.Rollback(tx))

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		_, err := tx.Instance(ctx, instance.ID)
		assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)

		jobs, err := tx.AcquirableJobs(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func testJobLifecycle(t *testing.T, store persistence.Store) {
	instance := testutil.CreateTestInstance()
	job := testutil.CreateTestJob(instance.Root())

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.InsertJob(ctx, job))
	})
	assert.Equal(t, int64(1), job.Version)

	stale := job.Clone()
	now := time.Now().UTC()

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		job.Lock("worker-1", now, time.Minute)
		require.NoError(t, tx.UpdateJob(ctx, job))
	})
	assert.Equal(t, int64(2), job.Version)

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		loaded, err := tx.Job(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "worker-1", loaded.LockOwner)
		require.NotNil(t, loaded.LockExpiresAt)
		assert.WithinDuration(t, now.Add(time.Minute), *loaded.LockExpiresAt, time.Millisecond)
		assert.True(t, loaded.Exclusive)
		assert.Equal(t, 3, loaded.Retries)
	})

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)

	err = tx.DeleteJob(context.Background(), stale)
	if err == nil {
		err = tx.Commit()
	} else {
		require.NoError(t, persistence.Rollback(tx))
	}

	assert.True(t, persistence.IsConflict(err))

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.DeleteJob(ctx, job))

		_, err := tx.Job(ctx, job.ID)
		assert.ErrorIs(t, err, persistence.ErrJobNotFound)
	})
}

func testAcquirableJobs(t *testing.T, store persistence.Store) {
	instance := testutil.CreateTestInstance()
	root := instance.Root()
	now := time.Now().UTC()

	late := testutil.CreateTestJob(root, testutil.WithDueAt(now.Add(-time.Second)), testutil.WithExclusive(false))
	early := testutil.CreateTestJob(root, testutil.WithDueAt(now.Add(-time.Hour)), testutil.WithExclusive(false))
	future := testutil.CreateTestJob(root, testutil.WithDueAt(now.Add(time.Hour)), testutil.WithExclusive(false))
	exhausted := testutil.CreateTestJob(root, testutil.WithIncident("incident-1"), testutil.WithExclusive(false))
	locked := testutil.CreateTestJob(root, testutil.WithLock("other", now.Add(time.Minute)), testutil.WithExclusive(false))
	expired := testutil.CreateTestJob(root,
		testutil.WithDueAt(now.Add(-time.Minute)),
		testutil.WithLock("crashed", now.Add(-time.Second)),
		testutil.WithExclusive(false))

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		for _, job := range []*models.Job{late, early, future, exhausted, locked, expired} {
			require.NoError(t, tx.InsertJob(ctx, job))
		}
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		jobs, err := tx.AcquirableJobs(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, early.ID, jobs[0].ID)
		assert.Equal(t, expired.ID, jobs[1].ID)
		assert.Equal(t, late.ID, jobs[2].ID)

		limited, err := tx.AcquirableJobs(ctx, now, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		all, err := tx.JobsByInstance(ctx, instance.ID)
		require.NoError(t, err)
		assert.Len(t, all, 6)
	})
}

func testExclusiveFilter(t *testing.T, store persistence.Store) {
	now := time.Now().UTC()
	busy := testutil.CreateTestInstance()
	idle := testutil.CreateTestInstance()

	running := testutil.CreateTestJob(busy.Root(), testutil.WithLock("worker", now.Add(time.Minute)))
	blocked := testutil.CreateTestJob(busy.Root())
	shared := testutil.CreateTestJob(busy.Root(), testutil.WithExclusive(false))
	free := testutil.CreateTestJob(idle.Root())

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		for _, job := range []*models.Job{running, blocked, shared, free} {
			require.NoError(t, tx.InsertJob(ctx, job))
		}
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		jobs, err := tx.AcquirableJobs(ctx, now, 10)
		require.NoError(t, err)

		var ids []string
		for _, job := range jobs {
			ids = append(ids, job.ID)
		}

		assert.ElementsMatch(t, []string{shared.ID, free.ID}, ids)
	})
}

func testDeleteJobsByExecutions(t *testing.T, store persistence.Store) {
	instance := testutil.CreateTestInstance()
	child := instance.CreateChild(instance.Root(), "sub")
	other := testutil.CreateTestInstance()

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.InsertJob(ctx, testutil.CreateTestJob(child)))
		require.NoError(t, tx.InsertJob(ctx, testutil.CreateTestJob(child)))
		require.NoError(t, tx.InsertJob(ctx, testutil.CreateTestJob(instance.Root())))
		require.NoError(t, tx.InsertJob(ctx, testutil.CreateTestJob(other.Root())))
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		deleted, err := tx.DeleteJobsByExecutions(ctx, instance.ID, []string{child.ID})
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		jobs, err := tx.JobsByInstance(ctx, instance.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, instance.RootID, jobs[0].ExecutionID)
	})
}

func testRacingLocks(t *testing.T, store persistence.Store) {
	const acquirers = 8

	instance := testutil.CreateTestInstance()
	job := testutil.CreateTestJob(instance.Root())

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.InsertJob(ctx, job))
	})

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes atomic.Int32
	)

	for n := range acquirers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ctx := context.Background()
			candidate := job.Clone()
			candidate.Lock("worker-"+string(rune('a'+n)), time.Now().UTC(), time.Minute)

			<-start

			tx, err := store.Begin(ctx)
			if !assert.NoError(t, err) {
				return
			}

			if err := tx.UpdateJob(ctx, candidate); err != nil {
				assert.True(t, persistence.IsConflict(err), err)
				assert.NoError(t, persistence.Rollback(tx))

				return
			}

			if err := tx.Commit(); err != nil {
				assert.True(t, persistence.IsConflict(err), err)

				return
			}

			successes.Add(1)
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func testExclusiveLock(t *testing.T, store persistence.Store) {
	now := time.Now().UTC()
	instance := testutil.CreateTestInstance()

	first := testutil.CreateTestJob(instance.Root())
	second := testutil.CreateTestJob(instance.Root())
	shared := testutil.CreateTestJob(instance.Root(), testutil.WithExclusive(false))

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		for _, job := range []*models.Job{first, second, shared} {
			require.NoError(t, tx.InsertJob(ctx, job))
		}
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		first.Lock("node-a", now, time.Minute)
		require.NoError(t, tx.LockJob(ctx, first, now))
	})

	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	second.Lock("node-b", now, time.Minute)
	err = tx.LockJob(ctx, second, now)
	require.Error(t, err)
	assert.True(t, persistence.IsConflict(err), err)
	require.NoError(t, persistence.Rollback(tx))

	// Non-exclusive jobs ignore the exclusive lock.
	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		shared.Lock("node-b", now, time.Minute)
		require.NoError(t, tx.LockJob(ctx, shared, now))
	})

	// Once the sibling lock expired the job can be locked.
	later := now.Add(2 * time.Minute)

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		current, err := tx.Job(ctx, second.ID)
		require.NoError(t, err)

		current.Lock("node-b", later, time.Minute)
		require.NoError(t, tx.LockJob(ctx, current, later))
	})
}

func testRacingExclusiveSiblings(t *testing.T, store persistence.Store) {
	const siblings = 4

	now := time.Now().UTC()
	instance := testutil.CreateTestInstance()

	jobs := make([]*models.Job, siblings)
	for n := range jobs {
		jobs[n] = testutil.CreateTestJob(instance.Root())
	}

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		for _, job := range jobs {
			require.NoError(t, tx.InsertJob(ctx, job))
		}
	})

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes atomic.Int32
	)

	for n, job := range jobs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ctx := context.Background()
			candidate := job.Clone()
			candidate.Lock("node-"+string(rune('a'+n)), now, time.Minute)

			<-start

			tx, err := store.Begin(ctx)
			if !assert.NoError(t, err) {
				return
			}

			if err := tx.LockJob(ctx, candidate, now); err != nil {
				assert.True(t, persistence.IsConflict(err), err)
				assert.NoError(t, persistence.Rollback(tx))

				return
			}

			if err := tx.Commit(); err != nil {
				assert.True(t, persistence.IsConflict(err), err)

				return
			}

			successes.Add(1)
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func testIncidents(t *testing.T, store persistence.Store) {
	first := testutil.CreateTestInstance()
	second := testutil.CreateTestInstance()

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.InsertIncident(ctx, models.NewIncident(testutil.CreateTestJob(first.Root()), "boom")))
		require.NoError(t, tx.InsertIncident(ctx, models.NewIncident(testutil.CreateTestJob(second.Root()), "bang")))
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		incidents, err := tx.Incidents(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, "boom", incidents[0].Message)
		assert.Equal(t, first.RootID, incidents[0].ExecutionID)

		all, err := tx.Incidents(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, tx.DeleteIncident(ctx, incidents[0].ID))
		require.NoError(t, tx.DeleteIncident(ctx, "unknown"))
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		incidents, err := tx.Incidents(ctx, first.ID)
		require.NoError(t, err)
		assert.Empty(t, incidents)

		all, err := tx.Incidents(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "bang", all[0].Message)
	})
}

func testDeployments(t *testing.T, store persistence.Store) {
	v1 := testutil.CreateTestDeployment(1, "order", "invoice")
	v2 := testutil.CreateTestDeployment(2, "order")

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.SaveDeployment(ctx, v1))
		require.NoError(t, tx.SaveDeployment(ctx, v2))
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		loaded, err := tx.Deployment(ctx, v1.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.Name, loaded.Name)
		assert.Len(t, loaded.Definitions, 2)

		latest, err := tx.LatestDefinition(ctx, "order")
		require.NoError(t, err)
		assert.Equal(t, v2.Definitions[0].ID, latest.ID)

		resource, err := tx.Definition(ctx, v1.Definitions[1].ID)
		require.NoError(t, err)
		assert.Equal(t, "invoice", resource.Key)
		assert.Equal(t, v1.Definitions[1].Data, resource.Data)

		require.NoError(t, tx.DeleteDeployment(ctx, v2.ID))
	})

	InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		latest, err := tx.LatestDefinition(ctx, "order")
		require.NoError(t, err)
		assert.Equal(t, 1, latest.Version)

		_, err = tx.Definition(ctx, v2.Definitions[0].ID)
		assert.ErrorIs(t, err, persistence.ErrDefinitionNotFound)

		_, err = tx.Deployment(ctx, v2.ID)
		assert.ErrorIs(t, err, persistence.ErrDeploymentNotFound)

		_, err = tx.LatestDefinition(ctx, "missing")
		assert.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
	})
}
