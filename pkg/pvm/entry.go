package pvm

import (
	"fmt"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/models"
)

// Start runs a new instance from the start activity of its process.
func (e *Engine) Start(rc *RunContext) error {
	root := rc.Instance.Root()
	if root == nil {
		return fmt.Errorf("%w: instance %s has no root", models.ErrInvalidTree, rc.Instance.ID)
	}

	rc.next(root, OpProcessStart)

	return e.Run(rc)
}

// Resume continues an execution suspended at an async boundary. The named
// operation runs inline even though it is asynchronous. A continuation that
// no longer matches the execution is a no-op and reports false.
func (e *Engine) Resume(rc *RunContext, executionID, operation string) (bool, error) {
	execution, ok := rc.Instance.Executions[executionID]
	if !ok || execution.PendingOperation != operation {
		e.logger.WarnContext(rc.ctx, "Dropping stale continuation",
			"instance_id", rc.Instance.ID, "execution_id", executionID, "operation", operation)

		return false, nil
	}

	if !IsOperation(operation) {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	rc.resumed[executionID] = true
	rc.queue = append(rc.queue, executionID)

	return true, e.Run(rc)
}

// Signal delivers a named event to an execution. Starting at the execution and
// moving outwards, the first scope with an event trigger for the signal is
// interrupted, or the first scope with a boundary for it is cancelled.
// Otherwise the execution must be waiting in an activity accepting signals.
func (e *Engine) Signal(rc *RunContext, executionID, name string, payload any) error {
	execution, err := rc.Instance.Execution(executionID)
	if err != nil {
		return err
	}

	for current := execution; current != nil; current = rc.Instance.Parent(current) {
		if !current.Scope {
			continue
		}

		trigger, operation, err := rc.signalTarget(current, name)
		if err != nil {
			return err
		}

		if trigger == nil {
			continue
		}

		if err := rc.cancelContinuations(current); err != nil {
			return err
		}

		current.NextActivityID = trigger.ID
		current.EventName, current.EventPayload = name, payload

		e.logger.DebugContext(rc.ctx, "Signal interrupts scope",
			"instance_id", rc.Instance.ID,
			"execution_id", current.ID,
			"activity_id", trigger.ID,
			"operation", operation)

		rc.next(current, operation)

		return e.Run(rc)
	}

	a, err := rc.activity(execution.ActivityID)
	if err != nil {
		return err
	}

	behavior, ok := e.behaviors[a.Type].(SignalBehavior)
	if !ok || !execution.Active || !execution.IsIdle() || len(rc.Instance.Children(execution.ID)) > 0 {
		return fmt.Errorf("%w: execution %s at activity %s", ErrNotWaiting, execution.ID, a.ID)
	}

	execution.EventName, execution.EventPayload = name, payload

	if err := behavior.Signal(rc, execution, a, name, payload); err != nil {
		return err
	}

	return e.Run(rc)
}

// signalTarget finds the activity triggered by the signal on scope execution s.
func (rc *RunContext) signalTarget(s *models.Execution, name string) (*definition.Activity, string, error) {
	for _, id := range rc.Process.ScopeEvents(s.ScopeActivityID) {
		trigger, err := rc.activity(id)
		if err != nil {
			return nil, "", err
		}

		if trigger.Signal == name {
			return trigger, OpActivityStartInterrupt, nil
		}
	}

	if s.ScopeActivityID == "" {
		return nil, "", nil
	}

	host, err := rc.activity(s.ScopeActivityID)
	if err != nil {
		return nil, "", err
	}

	for _, id := range host.Boundaries {
		boundary, err := rc.activity(id)
		if err != nil {
			return nil, "", err
		}

		if boundary.Signal == name {
			return boundary, OpActivityStartCancel, nil
		}
	}

	return nil, "", nil
}

// FireTimer moves an execution waiting in an intermediate timer activity on.
// It reports false when the execution already left the activity.
func (e *Engine) FireTimer(rc *RunContext, executionID, activityID string) (bool, error) {
	execution, ok := rc.Instance.Executions[executionID]
	if !ok || execution.ActivityID != activityID || !execution.IsIdle() {
		e.logger.WarnContext(rc.ctx, "Dropping stale timer",
			"instance_id", rc.Instance.ID, "execution_id", executionID, "activity_id", activityID)

		return false, nil
	}

	a, err := rc.activity(activityID)
	if err != nil {
		return false, err
	}

	rc.Leave(execution, a)

	return true, e.Run(rc)
}

// FireBoundaryTimer cancels the scope execution the timer boundary is attached
// to and continues with the boundary. It reports false when the scope is gone.
func (e *Engine) FireBoundaryTimer(rc *RunContext, executionID, boundaryID string) (bool, error) {
	execution, ok := rc.Instance.Executions[executionID]
	if !ok || !execution.Scope {
		e.logger.WarnContext(rc.ctx, "Dropping stale boundary timer",
			"instance_id", rc.Instance.ID, "execution_id", executionID, "activity_id", boundaryID)

		return false, nil
	}

	if _, err := rc.activity(boundaryID); err != nil {
		return false, err
	}

	if err := rc.cancelContinuations(execution); err != nil {
		return false, err
	}

	execution.NextActivityID = boundaryID
	rc.next(execution, OpActivityStartCancel)

	return true, e.Run(rc)
}
