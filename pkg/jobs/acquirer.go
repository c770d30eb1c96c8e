package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
)

// Acquirer claims due jobs for one lock owner. Besides the store filter it
// tracks the instances that have an exclusive job in flight on this node, so
// that two exclusive jobs of one instance are never handed out together.
type Acquirer struct {
	logger       *slog.Logger
	store        persistence.Store
	owner        string
	lockDuration time.Duration
	limit        int
	now          func() time.Time

	mu        sync.Mutex
	exclusive map[string]string
}

// NewAcquirer creates an acquirer locking up to limit jobs per cycle for lockDuration.
func NewAcquirer(logger *slog.Logger, store persistence.Store, owner string, lockDuration time.Duration, limit int) *Acquirer {
	return &Acquirer{
		logger:       logger.With("module", "job_acquirer", "lock_owner", owner),
		store:        store,
		owner:        owner,
		lockDuration: lockDuration,
		limit:        limit,
		now:          time.Now,
		exclusive:    make(map[string]string),
	}
}

// Owner returns the lock owner identity.
func (a *Acquirer) Owner() string {
	return a.owner
}

// Acquire runs one acquisition cycle and returns the jobs it locked. Jobs
// another acquirer locked first are dropped silently. Every returned job must
// eventually be passed to Release.
func (a *Acquirer) Acquire(ctx context.Context) ([]*models.Job, error) {
	now := a.now().UTC()

	candidates, err := a.candidates(ctx, now)
	if err != nil {
		return nil, err
	}

	var locked []*models.Job

	for _, job := range candidates {
		if !a.reserve(job) {
			continue
		}

		err := a.lock(ctx, job, now)
		if err == nil {
			locked = append(locked, job)

			continue
		}

		a.Release(job)

		if persistence.IsConflict(err) || persistence.IsNotFound(err) {
			a.logger.DebugContext(ctx, "Job claimed elsewhere", "job_id", job.ID)

			continue
		}

		return locked, fmt.Errorf("failed to lock job %s: %w", job.ID, err)
	}

	return locked, nil
}

func (a *Acquirer) candidates(ctx context.Context, now time.Time) ([]*models.Job, error) {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = persistence.Rollback(tx) }()

	jobs, err := tx.AcquirableJobs(ctx, now, a.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query acquirable jobs: %w", err)
	}

	return jobs, nil
}

func (a *Acquirer) lock(ctx context.Context, job *models.Job, now time.Time) error {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = persistence.Rollback(tx) }()

	job.Lock(a.owner, now, a.lockDuration)

	if err := tx.LockJob(ctx, job, now); err != nil {
		return err
	}

	return tx.Commit()
}

// Unlock clears the lock of a job this acquirer holds, so that the next cycle
// can claim it again. Jobs meanwhile changed by someone else are left alone.
func (a *Acquirer) Unlock(ctx context.Context, job *models.Job) error {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = persistence.Rollback(tx) }()

	current, err := tx.Job(ctx, job.ID)
	if err != nil {
		return err
	}

	if current.LockOwner != a.owner {
		return nil
	}

	current.Unlock()

	if err := tx.UpdateJob(ctx, current); err != nil {
		return err
	}

	return tx.Commit()
}

// Release ends the exclusive reservation a job took during acquisition.
func (a *Acquirer) Release(job *models.Job) {
	if !job.Exclusive {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exclusive[job.InstanceID] == job.ID {
		delete(a.exclusive, job.InstanceID)
	}
}

// InFlight returns the number of instances with an exclusive job in flight.
func (a *Acquirer) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.exclusive)
}

func (a *Acquirer) reserve(job *models.Job) bool {
	if !job.Exclusive {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, busy := a.exclusive[job.InstanceID]; busy {
		return false
	}

	a.exclusive[job.InstanceID] = job.ID

	return true
}
