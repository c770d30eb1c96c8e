// Package events defines the domain events published about instances and jobs.
package events

import (
	"time"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every caseflow domain event.
const Topic = "caseflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InstanceEndedEvent   EventType = "instance.ended"
	JobFailedEvent       EventType = "job.failed"
	IncidentCreatedEvent EventType = "incident.created"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	NodeID     string         `json:"node_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func newBase(eventType EventType, instanceID, nodeID string, now time.Time) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  now.UTC(),
		InstanceID: instanceID,
		NodeID:     nodeID,
	}
}

// InstanceEnded is published once a process instance completed.
type InstanceEnded struct {
	BaseEvent

	DefinitionID string        `json:"definition_id"`
	BusinessKey  string        `json:"business_key,omitempty"`
	Duration     time.Duration `json:"duration"`
}

func (e InstanceEnded) GetType() EventType {
	return InstanceEndedEvent
}

func NewInstanceEnded(instance *models.Instance, nodeID string, now time.Time) InstanceEnded {
	return InstanceEnded{
		BaseEvent:    newBase(InstanceEndedEvent, instance.ID, nodeID, now),
		DefinitionID: instance.DefinitionID,
		BusinessKey:  instance.BusinessKey,
		Duration:     now.Sub(instance.CreatedAt),
	}
}

// JobFailed is published for every failed attempt.
type JobFailed struct {
	BaseEvent

	JobID       string    `json:"job_id"`
	JobType     string    `json:"job_type"`
	ExecutionID string    `json:"execution_id"`
	Error       string    `json:"error"`
	Failures    int       `json:"failures"`
	RetriesLeft int       `json:"retries_left"`
	NextDueAt   time.Time `json:"next_due_at"`
}

func (e JobFailed) GetType() EventType {
	return JobFailedEvent
}

func NewJobFailed(job *models.Job, cause error, nodeID string, now time.Time) JobFailed {
	return JobFailed{
		BaseEvent:   newBase(JobFailedEvent, job.InstanceID, nodeID, now),
		JobID:       job.ID,
		JobType:     job.Type,
		ExecutionID: job.ExecutionID,
		Error:       cause.Error(),
		Failures:    job.Failures,
		RetriesLeft: job.Retries,
		NextDueAt:   job.DueAt,
	}
}

// IncidentCreated is published when a job ran out of retries.
type IncidentCreated struct {
	BaseEvent

	IncidentID   string `json:"incident_id"`
	JobID        string `json:"job_id"`
	JobType      string `json:"job_type"`
	ExecutionID  string `json:"execution_id"`
	DefinitionID string `json:"definition_id"`
	Message      string `json:"message"`
}

func (e IncidentCreated) GetType() EventType {
	return IncidentCreatedEvent
}

func NewIncidentCreated(incident *models.Incident, nodeID string, now time.Time) IncidentCreated {
	return IncidentCreated{
		BaseEvent:    newBase(IncidentCreatedEvent, incident.InstanceID, nodeID, now),
		IncidentID:   incident.ID,
		JobID:        incident.JobID,
		JobType:      incident.JobType,
		ExecutionID:  incident.ExecutionID,
		DefinitionID: incident.DefinitionID,
		Message:      incident.Message,
	}
}
