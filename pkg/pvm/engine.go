// Package pvm implements the execution state machine that moves the executions
// of a process instance through its definition, one atomic operation at a time.
//
// Every step of a run consumes the pending-operation marker of an execution,
// executes the named operation and lets it set the next marker. A run ends
// when every execution is idle, removed or suspended at an async boundary,
// in which case a job naming the suspended operation was written to the
// transaction of the run.
package pvm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/otelhelper"
	"github.com/dukex/caseflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRetries is the retry budget of jobs created by the engine unless
// configured otherwise.
const DefaultRetries = 3

// Engine runs atomic operations. It holds no per-instance state and is safe
// for concurrent use by runs over different instances.
type Engine struct {
	logger         *slog.Logger
	tracer         trace.Tracer
	listeners      []Listener
	behaviors      map[definition.ActivityType]Behavior
	defaultRetries int
	now            func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithListener registers an execution listener. Listeners are notified in
// registration order.
func WithListener(listener Listener) Option {
	return func(e *Engine) {
		e.listeners = append(e.listeners, listener)
	}
}

// WithBehavior replaces the behavior of an activity type.
func WithBehavior(activityType definition.ActivityType, behavior Behavior) Option {
	return func(e *Engine) {
		e.behaviors[activityType] = behavior
	}
}

// WithDefaultRetries sets the retry budget of created jobs.
func WithDefaultRetries(retries int) Option {
	return func(e *Engine) {
		e.defaultRetries = retries
	}
}

// WithClock overrides the time source used for due dates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTracer sets the tracer runs are recorded with.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// New creates an engine with the built-in behaviors.
func New(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:         logger.With("module", "pvm"),
		tracer:         otelhelper.Tracer("github.com/dukex/caseflow/pkg/pvm"),
		behaviors:      defaultBehaviors(),
		defaultRetries: DefaultRetries,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// DefaultRetries returns the retry budget of jobs created by the engine.
func (e *Engine) DefaultRetries() int {
	return e.defaultRetries
}

// RunContext carries the state of one run over a single instance. It must
// not be shared between goroutines.
type RunContext struct {
	ctx    context.Context
	tx     persistence.Tx
	engine *Engine

	Instance *models.Instance
	Process  *definition.Process

	queue     []string
	resumed   map[string]bool
	suspended map[string]bool
	removed   []string
	jobs      []*models.Job
}

// NewRun prepares a run over instance. Jobs created and deleted by the run
// are written through tx.
func (e *Engine) NewRun(ctx context.Context, tx persistence.Tx, instance *models.Instance, process *definition.Process) *RunContext {
	return &RunContext{
		ctx:       ctx,
		tx:        tx,
		engine:    e,
		Instance:  instance,
		Process:   process,
		resumed:   make(map[string]bool),
		suspended: make(map[string]bool),
	}
}

// Context returns the context of the run.
func (rc *RunContext) Context() context.Context {
	return rc.ctx
}

// Jobs returns the jobs created so far by the run.
func (rc *RunContext) Jobs() []*models.Job {
	return rc.jobs
}

// Removed returns the identities of the executions removed so far.
func (rc *RunContext) Removed() []string {
	return rc.removed
}

// SetVariables writes variables as seen from the execution.
func (rc *RunContext) SetVariables(e *models.Execution, variables map[string]any) {
	for name, value := range variables {
		rc.Instance.SetVariable(e, name, value)
	}
}

// Run drives every queued execution until it is idle, removed or suspended.
func (e *Engine) Run(rc *RunContext) error {
	ctx, span := otelhelper.StartSpan(rc.ctx, e.tracer, "pvm.run",
		attribute.String(otelhelper.InstanceIDKey, rc.Instance.ID),
		attribute.String(otelhelper.DefinitionIDKey, rc.Instance.DefinitionID),
	)
	defer span.End()

	parent := rc.ctx
	rc.ctx = ctx

	defer func() { rc.ctx = parent }()

	for len(rc.queue) > 0 {
		id := rc.queue[0]
		rc.queue = rc.queue[1:]

		if err := e.drive(rc, id); err != nil {
			otelhelper.SetError(span, err, attribute.String(otelhelper.ExecutionIDKey, id))

			return err
		}
	}

	return nil
}

func (e *Engine) drive(rc *RunContext, id string) error {
	for {
		execution, ok := rc.Instance.Executions[id]
		if !ok || execution.IsIdle() || rc.suspended[id] {
			return nil
		}

		name := execution.PendingOperation

		op, ok := operations[name]
		if !ok {
			return fmt.Errorf("%w: %q on execution %s", ErrUnknownOperation, name, id)
		}

		if rc.resumed[id] {
			delete(rc.resumed, id)
		} else if op.async != nil && op.async(rc, execution) {
			return rc.suspend(execution)
		}

		execution.PendingOperation = ""

		e.logger.DebugContext(rc.ctx, "Executing atomic operation",
			"operation", name,
			"instance_id", rc.Instance.ID,
			"execution_id", id,
			"activity_id", execution.ActivityID)

		if err := op.execute(rc, execution); err != nil {
			return fmt.Errorf("operation %s on execution %s failed: %w", name, id, err)
		}
	}
}

// Persist deletes the jobs of removed executions and saves the instance. It
// is called once after the last run of a command.
func (rc *RunContext) Persist() error {
	if len(rc.removed) > 0 {
		deleted, err := rc.tx.DeleteJobsByExecutions(rc.ctx, rc.Instance.ID, rc.removed)
		if err != nil {
			return fmt.Errorf("failed to delete jobs of removed executions: %w", err)
		}

		if deleted > 0 {
			rc.engine.logger.DebugContext(rc.ctx, "Deleted jobs of removed executions",
				"instance_id", rc.Instance.ID, "count", deleted)
		}
	}

	if err := rc.Instance.Validate(); err != nil {
		return err
	}

	if err := rc.tx.SaveInstance(rc.ctx, rc.Instance); err != nil {
		return fmt.Errorf("failed to save instance %s: %w", rc.Instance.ID, err)
	}

	return nil
}

func (rc *RunContext) next(e *models.Execution, operation string) {
	e.PendingOperation = operation
	rc.queue = append(rc.queue, e.ID)
}

func (rc *RunContext) activity(id string) (*definition.Activity, error) {
	a, ok := rc.Process.Activity(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q in definition %s", ErrUnknownActivity, id, rc.Process.ID)
	}

	return a, nil
}

// suspend leaves the marker in place and writes the job that resumes it.
func (rc *RunContext) suspend(e *models.Execution) error {
	exclusive := true
	if a, ok := rc.Process.Activity(e.ActivityID); ok {
		exclusive = a.Exclusive
	}

	job := rc.newJob(models.JobTypeAsyncContinuation, e, e.PendingOperation, exclusive)
	if err := rc.insertJob(job); err != nil {
		return err
	}

	rc.suspended[e.ID] = true

	rc.engine.logger.DebugContext(rc.ctx, "Suspended execution at async boundary",
		"instance_id", rc.Instance.ID,
		"execution_id", e.ID,
		"operation", e.PendingOperation,
		"job_id", job.ID)

	return nil
}

func (rc *RunContext) newJob(jobType string, e *models.Execution, configuration string, exclusive bool) *models.Job {
	job := models.NewJob(jobType, e, configuration, rc.engine.defaultRetries, exclusive)
	job.DeploymentID = rc.Process.DeploymentID
	job.DueAt = rc.engine.now().UTC()

	return job
}

func (rc *RunContext) insertJob(job *models.Job) error {
	if err := rc.tx.InsertJob(rc.ctx, job); err != nil {
		return fmt.Errorf("failed to insert %s job: %w", job.Type, err)
	}

	rc.jobs = append(rc.jobs, job)

	return nil
}

func (rc *RunContext) remove(e *models.Execution) {
	for _, id := range rc.Instance.Remove(e.ID) {
		rc.removed = append(rc.removed, id)
		delete(rc.suspended, id)
		delete(rc.resumed, id)
	}
}
