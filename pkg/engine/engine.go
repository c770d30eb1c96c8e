// Package engine is the command surface of caseflow: deployments, process
// instances, signals and jobs, each command run in its own transaction over
// the shared definition cache, the execution engine and the job scheduler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/deploycache"
	"github.com/dukex/caseflow/pkg/jobs"
	"github.com/dukex/caseflow/pkg/otelhelper"
	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/persistence/redisdefs"
	"github.com/dukex/caseflow/pkg/pvm"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// DefaultCacheCapacity bounds the definition cache when nothing is configured.
const DefaultCacheCapacity = 1000

type options struct {
	jobExecutorActivate bool
	jobs                jobs.Config
	cacheCapacity       int
	defaultRetries      int
	backoffMin          time.Duration
	backoffMax          time.Duration
	listeners           []pvm.Listener
	behaviors           map[definition.ActivityType]pvm.Behavior
	failureListener     jobs.FailureListener
	redis               redis.UniversalClient
	redisTTL            time.Duration
	tracer              trace.Tracer
	now                 func() time.Time
	closers             []func(context.Context) error
}

// Option configures a ProcessEngine.
type Option func(*options)

// WithJobExecutorActivate controls whether Start runs the job scheduler.
func WithJobExecutorActivate(activate bool) Option {
	return func(o *options) {
		o.jobExecutorActivate = activate
	}
}

// WithJobConfig sets the scheduler settings.
func WithJobConfig(config jobs.Config) Option {
	return func(o *options) {
		o.jobs = config
	}
}

// WithCacheCapacity bounds the number of parsed definitions kept in memory.
func WithCacheCapacity(capacity int) Option {
	return func(o *options) {
		o.cacheCapacity = capacity
	}
}

// WithDefaultRetries sets the retry budget of new jobs.
func WithDefaultRetries(retries int) Option {
	return func(o *options) {
		o.defaultRetries = retries
	}
}

// WithBackoff limits the retry delay of failed jobs.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		o.backoffMin = minDelay
		o.backoffMax = maxDelay
	}
}

// WithListener adds an execution listener.
func WithListener(listener pvm.Listener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, listener)
	}
}

// WithBehavior registers the behavior of an activity type.
func WithBehavior(activityType definition.ActivityType, behavior pvm.Behavior) Option {
	return func(o *options) {
		o.behaviors[activityType] = behavior
	}
}

// WithFailureListener sets the listener told about failed jobs and incidents.
func WithFailureListener(listener jobs.FailureListener) Option {
	return func(o *options) {
		o.failureListener = listener
	}
}

// WithDefinitionCache shares raw definitions between nodes through Redis.
func WithDefinitionCache(client redis.UniversalClient, ttl time.Duration) Option {
	return func(o *options) {
		o.redis = client
		o.redisTTL = ttl
	}
}

// WithTracer sets the tracer commands, runs and jobs are recorded with.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithCloser registers a resource released by Close.
func WithCloser(closer func(context.Context) error) Option {
	return func(o *options) {
		o.closers = append(o.closers, closer)
	}
}

// ProcessEngine is the entry point of every command.
type ProcessEngine struct {
	logger    *slog.Logger
	store     persistence.Store
	cache     *deploycache.Cache
	defs      *redisdefs.Source
	pvm       *pvm.Engine
	commands  *CommandExecutor
	handlers  *jobs.Registry
	scheduler *jobs.Scheduler
	activate  bool
	now       func() time.Time
	closers   []func(context.Context) error
}

// New assembles an engine over the store. The store stays owned by the caller.
func New(logger *slog.Logger, store persistence.Store, opts ...Option) (*ProcessEngine, error) {
	o := &options{
		jobExecutorActivate: true,
		jobs:                jobs.DefaultConfig(),
		cacheCapacity:       DefaultCacheCapacity,
		defaultRetries:      pvm.DefaultRetries,
		backoffMin:          jobs.DefaultBackoffMin,
		backoffMax:          jobs.DefaultBackoffMax,
		behaviors:           make(map[definition.ActivityType]pvm.Behavior),
		tracer:              otelhelper.Tracer("github.com/dukex/caseflow/pkg/engine"),
		now:                 time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	pe := &ProcessEngine{
		logger:   logger.With("module", "engine"),
		store:    store,
		commands: NewCommandExecutor(logger, store, o.tracer),
		handlers: jobs.NewRegistry(),
		activate: o.jobExecutorActivate,
		now:      o.now,
		closers:  o.closers,
	}

	var source deploycache.Source = storeSource{store: store}
	if o.redis != nil {
		pe.defs = redisdefs.NewSource(logger, o.redis, source, o.redisTTL)
		source = pe.defs
	}

	cache, err := deploycache.New(logger, source, definition.Parse, o.cacheCapacity)
	if err != nil {
		return nil, err
	}

	pe.cache = cache

	pvmOpts := []pvm.Option{
		pvm.WithDefaultRetries(o.defaultRetries),
		pvm.WithClock(o.now),
		pvm.WithTracer(o.tracer),
	}
	for _, listener := range o.listeners {
		pvmOpts = append(pvmOpts, pvm.WithListener(listener))
	}

	for activityType, behavior := range o.behaviors {
		pvmOpts = append(pvmOpts, pvm.WithBehavior(activityType, behavior))
	}

	pe.pvm = pvm.New(logger, pvmOpts...)
	pe.registerHandlers(pe.handlers)

	executorOpts := []jobs.ExecutorOption{
		jobs.WithBackoff(jobs.NewBackoff(o.backoffMin, o.backoffMax)),
		jobs.WithExecutorClock(o.now),
		jobs.WithExecutorTracer(o.tracer),
	}
	if o.failureListener != nil {
		executorOpts = append(executorOpts, jobs.WithFailureListener(o.failureListener))
	}

	scheduler, err := jobs.NewScheduler(logger, store, pe.handlers, o.jobs, executorOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create job scheduler: %w", err)
	}

	pe.scheduler = scheduler

	return pe, nil
}

// Start runs the job scheduler unless the engine was built with the job
// executor deactivated.
func (pe *ProcessEngine) Start(ctx context.Context) error {
	if !pe.activate {
		pe.logger.InfoContext(ctx, "Job executor not activated")

		return nil
	}

	return pe.scheduler.Start(ctx)
}

// Close stops the scheduler and releases the registered resources.
func (pe *ProcessEngine) Close(ctx context.Context) error {
	err := pe.scheduler.Stop(ctx)

	for _, closer := range pe.closers {
		err = multierr.Append(err, closer(ctx))
	}

	return err
}

// Scheduler returns the job scheduler.
func (pe *ProcessEngine) Scheduler() *jobs.Scheduler {
	return pe.scheduler
}

// Cache returns the definition cache.
func (pe *ProcessEngine) Cache() *deploycache.Cache {
	return pe.cache
}

// JobHandlers returns the registry resolving job types, for registering
// additional handlers.
func (pe *ProcessEngine) JobHandlers() *jobs.Registry {
	return pe.handlers
}

// HealthCheck reports whether the store is reachable.
func (pe *ProcessEngine) HealthCheck(ctx context.Context) error {
	return pe.store.HealthCheck(ctx)
}
