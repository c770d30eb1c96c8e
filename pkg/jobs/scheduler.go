package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
)

// ErrInvalidSchedulerConfig is returned by NewScheduler for unusable settings.
var ErrInvalidSchedulerConfig = errors.New("invalid scheduler configuration")

// Config tunes the scheduler.
type Config struct {
	CorePoolSize          int
	MaxPoolSize           int
	QueueLength           int
	KeepAlive             time.Duration
	AcquisitionInterval   time.Duration
	MaxJobsPerAcquisition int
	LockDuration          time.Duration
	ShutdownGrace         time.Duration
	// LockOwner identifies this node in job locks. Generated when empty.
	LockOwner string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		CorePoolSize:          3,
		MaxPoolSize:           10,
		QueueLength:           3,
		KeepAlive:             time.Minute,
		AcquisitionInterval:   5 * time.Second,
		MaxJobsPerAcquisition: 3,
		LockDuration:          5 * time.Minute,
		ShutdownGrace:         30 * time.Second,
	}
}

// Scheduler periodically acquires due jobs and dispatches them to the pool.
type Scheduler struct {
	logger   *slog.Logger
	base     *slog.Logger
	config   Config
	pool     atomic.Pointer[Pool]
	acquirer *Acquirer
	executor *Executor

	mu      sync.Mutex
	started bool
	// drained is set once the pool is shut down. Start replaces it.
	drained bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewScheduler wires a pool, an acquirer and an executor over the store.
func NewScheduler(logger *slog.Logger, store persistence.Store, handlers *Registry, config Config, opts ...ExecutorOption) (*Scheduler, error) {
	if config.AcquisitionInterval <= 0 || config.MaxJobsPerAcquisition < 1 || config.LockDuration <= 0 {
		return nil, fmt.Errorf("%w: acquisition interval %s, max jobs %d, lock duration %s",
			ErrInvalidSchedulerConfig, config.AcquisitionInterval, config.MaxJobsPerAcquisition, config.LockDuration)
	}

	if config.LockOwner == "" {
		config.LockOwner = defaultLockOwner()
	}

	s := &Scheduler{
		logger:   logger.With("module", "job_scheduler", "lock_owner", config.LockOwner),
		base:     logger,
		config:   config,
		acquirer: NewAcquirer(logger, store, config.LockOwner, config.LockDuration, config.MaxJobsPerAcquisition),
		executor: NewExecutor(logger, store, handlers, opts...),
	}

	pool, err := s.newPool()
	if err != nil {
		return nil, err
	}

	s.pool.Store(pool)

	return s, nil
}

func (s *Scheduler) newPool() (*Pool, error) {
	return NewPool(s.base, PoolConfig{
		CoreSize:    s.config.CorePoolSize,
		MaxSize:     s.config.MaxPoolSize,
		QueueLength: s.config.QueueLength,
		KeepAlive:   s.config.KeepAlive,
	})
}

func defaultLockOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "caseflow"
	}

	return host + "-" + uuid.New().String()[:8]
}

// LockOwner returns the identity this scheduler locks jobs with.
func (s *Scheduler) LockOwner() string {
	return s.config.LockOwner
}

// Start begins the acquisition loop. It returns immediately. A stopped
// scheduler starts over with a fresh pool.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.drained {
		pool, err := s.newPool()
		if err != nil {
			return err
		}

		s.pool.Store(pool)
		s.drained = false
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	s.cancel = cancel
	s.group = group
	s.started = true

	group.Go(func() error {
		return s.poll(ctx)
	})

	s.logger.Info("Job scheduler started",
		"interval", s.config.AcquisitionInterval,
		"core_pool_size", s.config.CorePoolSize,
		"max_pool_size", s.config.MaxPoolSize)

	return nil
}

// Stop ends acquisition, then waits up to the shutdown grace for the pool to
// drain. Jobs still running after that keep their locks until they expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.drained = true

		return s.pool.Load().Shutdown(s.config.ShutdownGrace)
	}

	s.logger.Info("Stopping job scheduler")

	s.cancel()

	err := s.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	err = multierr.Append(err, s.pool.Load().Shutdown(s.config.ShutdownGrace))
	s.started = false
	s.drained = true

	if err != nil {
		s.logger.WarnContext(ctx, "Job scheduler stopped with errors", "error", err)

		return err
	}

	s.logger.Info("Job scheduler stopped")

	return nil
}

func (s *Scheduler) poll(ctx context.Context) error {
	ticker := time.NewTicker(s.config.AcquisitionInterval)
	defer ticker.Stop()

	for {
		if _, err := s.AcquireAndDispatch(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "Job acquisition failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// AcquireAndDispatch runs one acquisition cycle and hands the locked jobs to
// the pool. Jobs the pool rejects are unlocked for a later cycle. It returns
// the number of dispatched jobs.
func (s *Scheduler) AcquireAndDispatch(ctx context.Context) (int, error) {
	jobs, err := s.acquirer.Acquire(ctx)

	dispatched := 0

	for _, job := range jobs {
		if s.dispatch(job) {
			dispatched++

			continue
		}

		s.acquirer.Release(job)

		if unlockErr := s.acquirer.Unlock(ctx, job); unlockErr != nil && !persistence.IsConflict(unlockErr) {
			s.logger.WarnContext(ctx, "Failed to unlock rejected job", "job_id", job.ID, "error", unlockErr)
		}
	}

	if rejected := len(jobs) - dispatched; rejected > 0 {
		s.logger.DebugContext(ctx, "Pool saturated, jobs returned", "rejected", rejected)
	}

	return dispatched, err
}

func (s *Scheduler) dispatch(job *models.Job) bool {
	return s.pool.Load().TrySubmit(func(ctx context.Context) {
		defer s.acquirer.Release(job)

		_ = s.executor.Execute(ctx, job)
	})
}
