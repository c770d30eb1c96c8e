package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/otelhelper"
	"github.com/dukex/caseflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs one locked job per transaction and applies the retry policy
// when its handler fails.
type Executor struct {
	logger   *slog.Logger
	store    persistence.Store
	handlers *Registry
	backoff  backoff.Strategy
	listener FailureListener
	tracer   trace.Tracer
	now      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackoff sets the retry delay strategy.
func WithBackoff(strategy backoff.Strategy) ExecutorOption {
	return func(x *Executor) {
		x.backoff = strategy
	}
}

// WithFailureListener sets the listener told about failures and incidents.
func WithFailureListener(listener FailureListener) ExecutorOption {
	return func(x *Executor) {
		x.listener = listener
	}
}

// WithExecutorClock overrides the time source used for due dates.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(x *Executor) {
		x.now = now
	}
}

// WithExecutorTracer sets the tracer job executions are recorded with.
func WithExecutorTracer(tracer trace.Tracer) ExecutorOption {
	return func(x *Executor) {
		x.tracer = tracer
	}
}

// NewExecutor creates an executor resolving handlers from the registry.
func NewExecutor(logger *slog.Logger, store persistence.Store, handlers *Registry, opts ...ExecutorOption) *Executor {
	x := &Executor{
		logger:   logger.With("module", "job_executor"),
		store:    store,
		handlers: handlers,
		backoff:  NewBackoff(DefaultBackoffMin, DefaultBackoffMax),
		listener: nopListener{},
		tracer:   otelhelper.Tracer("github.com/dukex/caseflow/pkg/jobs"),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(x)
	}

	return x
}

// Execute runs the job. Handler failures are recorded on the job, or turned
// into an incident once its retries are exhausted, and are not returned. Lock
// contention and vanished jobs are absorbed as well. The returned error is a
// store failure, after which the lock is left to expire.
func (x *Executor) Execute(ctx context.Context, job *models.Job) error {
	ctx, span := otelhelper.StartSpan(ctx, x.tracer, "jobs.execute",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.JobTypeKey, job.Type),
		attribute.String(otelhelper.InstanceIDKey, job.InstanceID),
	)
	defer span.End()

	logger := x.logger.With("job_id", job.ID, "job_type", job.Type, "instance_id", job.InstanceID)

	err := x.attempt(ctx, job)

	var handlerErr *HandlerError

	switch {
	case err == nil:
		logger.DebugContext(ctx, "Executed job")

		return nil
	case errors.As(err, &handlerErr):
		otelhelper.SetError(span, err)

		return x.fail(ctx, job, handlerErr.Err)
	case persistence.IsNotFound(err):
		logger.DebugContext(ctx, "Job vanished before execution")

		return nil
	case persistence.IsConflict(err):
		logger.DebugContext(ctx, "Job execution lost a write race, releasing lock", "error", err)

		if unlockErr := x.unlock(ctx, job); unlockErr != nil && !persistence.IsConflict(unlockErr) {
			logger.DebugContext(ctx, "Leaving lock to expire", "error", unlockErr)
		}

		return nil
	default:
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Job execution failed in the store, lock left to expire", "error", err)

		return err
	}
}

func (x *Executor) attempt(ctx context.Context, job *models.Job) error {
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = persistence.Rollback(tx) }()

	ctx, afterCommit := persistence.WithCommitHooks(persistence.ContextWithTx(ctx, tx))

	current, err := tx.Job(ctx, job.ID)
	if err != nil {
		return err
	}

	if current.LockOwner != job.LockOwner {
		return persistence.NewEntityError("ExecuteJob", "job", job.ID, persistence.ErrConflict)
	}

	if err := tx.DeleteJob(ctx, current); err != nil {
		return err
	}

	handler, err := x.handlers.Handler(current.Type)
	if err != nil {
		return &HandlerError{JobID: job.ID, Err: err}
	}

	if err := handle(ctx, handler, tx, current); err != nil {
		if persistence.IsConflict(err) {
			return err
		}

		return &HandlerError{JobID: job.ID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", job.ID, err)
	}

	afterCommit(ctx)

	return nil
}

// handle runs the handler, reporting a panic as a failed attempt so the job
// still goes through the retry policy.
func handle(ctx context.Context, handler Handler, tx persistence.Tx, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler.Handle(ctx, tx, job)
}

// fail records a failed attempt in a fresh transaction. The due date of a job
// with retries left moves forward by the backoff of its failure count and
// never backwards. A job without retries left gets an incident instead.
func (x *Executor) fail(ctx context.Context, job *models.Job, cause error) error {
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = persistence.Rollback(tx) }()

	current, err := tx.Job(ctx, job.ID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil
		}

		return err
	}

	if current.LockOwner != job.LockOwner {
		return nil
	}

	current.Failures++
	current.LastError = cause.Error()
	current.Unlock()

	logger := x.logger.With("job_id", job.ID, "job_type", job.Type, "instance_id", job.InstanceID,
		"failures", current.Failures)

	var incident *models.Incident

	if current.Retries > 0 {
		current.Retries--

		dueAt := x.now().UTC().Add(x.backoff(cause, uint(current.Failures-1)))
		if dueAt.After(current.DueAt) {
			current.DueAt = dueAt
		}
	} else {
		incident = models.NewIncident(current, cause.Error())
		current.IncidentID = incident.ID

		if err := tx.InsertIncident(ctx, incident); err != nil {
			return fmt.Errorf("failed to insert incident: %w", err)
		}
	}

	if err := tx.UpdateJob(ctx, current); err != nil {
		if persistence.IsConflict(err) {
			return nil
		}

		return fmt.Errorf("failed to record job failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job failure: %w", err)
	}

	x.listener.JobFailed(ctx, current, cause)

	if incident == nil {
		logger.WarnContext(ctx, "Job failed, retry scheduled",
			"retries", current.Retries, "due_at", current.DueAt, "error", cause)

		return nil
	}

	logger.ErrorContext(ctx, "Job retries exhausted, incident created",
		"incident_id", incident.ID, "error", cause)
	x.listener.IncidentCreated(ctx, incident)

	return nil
}

func (x *Executor) unlock(ctx context.Context, job *models.Job) error {
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = persistence.Rollback(tx) }()

	current, err := tx.Job(ctx, job.ID)
	if err != nil {
		return err
	}

	if current.LockOwner != job.LockOwner {
		return nil
	}

	current.Unlock()

	if err := tx.UpdateJob(ctx, current); err != nil {
		return err
	}

	return tx.Commit()
}
