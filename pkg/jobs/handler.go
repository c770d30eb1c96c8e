// Package jobs acquires due jobs under lock, runs them on a bounded worker
// pool and applies the retry policy to the ones that fail.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
)

// ErrUnknownJobType is returned for jobs whose discriminator has no handler.
var ErrUnknownJobType = errors.New("no handler registered for job type")

// Handler resumes the execution a job points at. It runs inside the
// transaction of the job, which is also carried by ctx, and the job row was
// already deleted from it.
type Handler interface {
	Handle(ctx context.Context, tx persistence.Tx, job *models.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, tx persistence.Tx, job *models.Job) error

func (f HandlerFunc) Handle(ctx context.Context, tx persistence.Tx, job *models.Job) error {
	return f(ctx, tx, job)
}

// Registry resolves handlers by job type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type, replacing any previous one.
func (r *Registry) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[jobType] = handler
}

// Handler returns the handler registered for the job type.
func (r *Registry) Handler(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	return handler, nil
}

// HandlerError marks a failure raised by a handler, as opposed to a failure
// of the store around it. Only handler errors consume retries.
type HandlerError struct {
	JobID string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// FailureListener is told about failed attempts and exhausted jobs after the
// transaction recording them committed.
type FailureListener interface {
	JobFailed(ctx context.Context, job *models.Job, cause error)
	IncidentCreated(ctx context.Context, incident *models.Incident)
}

type nopListener struct{}

func (nopListener) JobFailed(context.Context, *models.Job, error)     {}
func (nopListener) IncidentCreated(context.Context, *models.Incident) {}
