package pvm

import (
	"context"

	"github.com/dukex/caseflow/pkg/models"
)

// Execution listener event names.
const (
	EventStart = "start"
	EventEnd   = "end"
	EventTake  = "take"
)

// ListenerEvent describes one notification. ActivityID is empty for the start
// and end of the process itself; TransitionID is only set for take events.
type ListenerEvent struct {
	Name         string
	ActivityID   string
	TransitionID string
	Execution    *models.Execution
	Instance     *models.Instance
}

// Listener observes executions entering, leaving and moving between activities.
// A returned error aborts the run.
type Listener interface {
	Notify(ctx context.Context, event ListenerEvent) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, event ListenerEvent) error

func (f ListenerFunc) Notify(ctx context.Context, event ListenerEvent) error {
	return f(ctx, event)
}

func (rc *RunContext) notify(name string, e *models.Execution, activityID, transitionID string) error {
	event := ListenerEvent{
		Name:         name,
		ActivityID:   activityID,
		TransitionID: transitionID,
		Execution:    e,
		Instance:     rc.Instance,
	}

	for _, listener := range rc.engine.listeners {
		if err := listener.Notify(rc.ctx, event); err != nil {
			return err
		}
	}

	return nil
}
