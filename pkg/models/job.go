package models

import (
	"time"

	"github.com/google/uuid"
)

// Job handler discriminators.
const (
	JobTypeAsyncContinuation = "async-continuation"
	JobTypeTimerTransition   = "timer-transition"
	JobTypeTimerBoundary     = "timer-boundary"
)

// Job is a persisted request to resume an execution at or after its due time.
type Job struct {
	ID           string `json:"id"            validate:"required"`
	Type         string `json:"type"          validate:"required"`
	ExecutionID  string `json:"execution_id"  validate:"required"`
	InstanceID   string `json:"instance_id"   validate:"required"`
	DefinitionID string `json:"definition_id" validate:"required"`
	DeploymentID string `json:"deployment_id,omitempty"`

	// Configuration is the handler specific payload, e.g. the operation to
	// resume for async continuations or the boundary activity for timers.
	Configuration string `json:"configuration,omitempty"`

	DueAt time.Time `json:"due_at"`

	LockOwner     string     `json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	// Retries is the number of attempts left after the next failed one.
	Retries   int    `json:"retries"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
	Exclusive bool   `json:"exclusive"`

	// IncidentID is set once the retries are exhausted. Such jobs are kept
	// for inspection but never acquired again.
	IncidentID string `json:"incident_id,omitempty"`

	// Version is the optimistic lock counter maintained by the store.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
}

// NewJob creates an unlocked job that is due immediately.
func NewJob(jobType string, execution *Execution, configuration string, retries int, exclusive bool) *Job {
	now := time.Now().UTC()

	return &Job{
		ID:            uuid.New().String(),
		Type:          jobType,
		ExecutionID:   execution.ID,
		InstanceID:    execution.InstanceID,
		DefinitionID:  execution.DefinitionID,
		Configuration: configuration,
		DueAt:         now,
		Retries:       retries,
		Exclusive:     exclusive,
		CreatedAt:     now,
	}
}

// IsLocked reports whether the job holds a lock that has not expired at now.
func (j *Job) IsLocked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpiresAt != nil && j.LockExpiresAt.After(now)
}

// IsAcquirable reports whether the job can be claimed by an acquisition cycle.
func (j *Job) IsAcquirable(now time.Time) bool {
	return j.IncidentID == "" && !j.DueAt.After(now) && !j.IsLocked(now)
}

// Lock assigns the lock to owner until now+duration.
func (j *Job) Lock(owner string, now time.Time, duration time.Duration) {
	expiresAt := now.Add(duration)
	j.LockOwner = owner
	j.LockExpiresAt = &expiresAt
}

// Unlock clears the lock.
func (j *Job) Unlock() {
	j.LockOwner = ""
	j.LockExpiresAt = nil
}

// Clone returns a copy of the job.
func (j *Job) Clone() *Job {
	c := *j

	if j.LockExpiresAt != nil {
		expiresAt := *j.LockExpiresAt
		c.LockExpiresAt = &expiresAt
	}

	return &c
}

// Incident is the terminal record left behind by a job whose retries are exhausted.
type Incident struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	JobType      string    `json:"job_type"`
	ExecutionID  string    `json:"execution_id"`
	InstanceID   string    `json:"instance_id"`
	DefinitionID string    `json:"definition_id"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewIncident creates an incident for a failed job.
func NewIncident(job *Job, message string) *Incident {
	return &Incident{
		ID:           uuid.New().String(),
		JobID:        job.ID,
		JobType:      job.Type,
		ExecutionID:  job.ExecutionID,
		InstanceID:   job.InstanceID,
		DefinitionID: job.DefinitionID,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	}
}
