// Package models defines the runtime data model of process instances and their jobs.
package models

// Execution is a cursor through one branch of a process instance.
//
// Executions never hold pointers to each other. Parent and child relationships
// are expressed as identities that are resolved through the owning Instance.
type Execution struct {
	ID           string `json:"id"`
	InstanceID   string `json:"instance_id"`
	DefinitionID string `json:"definition_id"`

	// Seq orders executions by creation within their instance.
	Seq int64 `json:"seq"`

	// ActivityID is the activity the execution currently points at. Empty while
	// the execution is between activities.
	ActivityID         string `json:"activity_id,omitempty"`
	ActivityInstanceID string `json:"activity_instance_id,omitempty"`

	// TransitionID is the outgoing transition being taken. Empty while leaving
	// an activity means every outgoing transition is taken.
	TransitionID string `json:"transition_id,omitempty"`

	// ParentID is empty only for the instance root.
	ParentID string `json:"parent_id,omitempty"`

	// ScopeActivityID is the activity that opened the scope owned by this
	// execution. It is empty for the root, whose scope is the process itself,
	// and for non-scope executions.
	ScopeActivityID string `json:"scope_activity_id,omitempty"`

	// NextActivityID carries the interrupting activity between the signal that
	// requested an interruption and the operation that performs it.
	NextActivityID string `json:"next_activity_id,omitempty"`

	Active     bool `json:"active"`
	Concurrent bool `json:"concurrent"`
	Scope      bool `json:"scope"`
	EventScope bool `json:"event_scope"`

	// PendingOperation names the next atomic operation. Empty means idle.
	PendingOperation string `json:"pending_operation,omitempty"`

	EventName    string `json:"event_name,omitempty"`
	EventPayload any    `json:"event_payload,omitempty"`

	Variables map[string]any `json:"variables,omitempty"`
}

// IsRoot reports whether the execution is the root of its instance.
func (e *Execution) IsRoot() bool {
	return e.ParentID == ""
}

// IsIdle reports whether the execution has no pending operation.
func (e *Execution) IsIdle() bool {
	return e.PendingOperation == ""
}

// ClearEvent empties the signal slot.
func (e *Execution) ClearEvent() {
	e.EventName = ""
	e.EventPayload = nil
}

func (e *Execution) clone() *Execution {
	c := *e

	if e.Variables != nil {
		c.Variables = make(map[string]any, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}

	return &c
}
