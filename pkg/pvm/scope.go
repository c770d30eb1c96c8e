package pvm

import (
	"fmt"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/timer"
)

// Leave moves the execution out of the activity: over its only transition,
// over all of them concurrently, or to the end of the activity when it has none.
func (rc *RunContext) Leave(e *models.Execution, a *definition.Activity) {
	switch len(a.Outgoing) {
	case 0:
		rc.next(e, OpActivityEnd)
	case 1:
		e.TransitionID = a.Outgoing[0].ID
		rc.next(e, OpTransitionNotifyEnd)
	default:
		e.TransitionID = ""
		rc.next(e, OpTransitionNotifyEnd)
	}
}

// ownsScope reports whether e is the scope execution opened for the activity.
func (rc *RunContext) ownsScope(e *models.Execution, activityID string) bool {
	return e.Scope && !e.IsRoot() && e.ScopeActivityID == activityID
}

// reachedEnd handles an execution whose path through its scope finished.
func (rc *RunContext) reachedEnd(e *models.Execution) error {
	if e.Concurrent {
		forkParent := rc.Instance.Parent(e)
		rc.remove(e)

		if len(rc.Instance.Children(forkParent.ID)) > 0 {
			return nil
		}

		forkParent.Active = true
		e = forkParent
	}

	return rc.scopeComplete(e)
}

// scopeComplete ends the process for the root, or leaves the subprocess the
// scope execution was opened for.
func (rc *RunContext) scopeComplete(s *models.Execution) error {
	if s.IsRoot() {
		rc.next(s, OpProcessEnd)

		return nil
	}

	scope, err := rc.activity(s.ScopeActivityID)
	if err != nil {
		return err
	}

	s.ActivityID = scope.ID
	s.Active = true
	rc.Leave(s, scope)

	return nil
}

// tearDown removes e and its subtree, children first, notifying the end of
// every activity left. Each end completes before the next one starts.
func (rc *RunContext) tearDown(e *models.Execution) error {
	children := rc.Instance.Children(e.ID)

	for _, child := range children {
		if err := rc.tearDown(child); err != nil {
			return err
		}
	}

	if len(children) == 0 && e.ActivityID != "" && e.ActivityID != e.ScopeActivityID {
		if err := rc.notify(EventEnd, e, e.ActivityID, ""); err != nil {
			return err
		}
	}

	if e.ScopeActivityID != "" {
		if err := rc.notify(EventEnd, e, e.ScopeActivityID, ""); err != nil {
			return err
		}
	}

	rc.remove(e)

	return nil
}

// scheduleBoundaryTimers writes one timer job per timer boundary of the
// activity a new scope execution was opened for.
func (rc *RunContext) scheduleBoundaryTimers(s *models.Execution, a *definition.Activity) error {
	for _, id := range a.Boundaries {
		boundary, err := rc.activity(id)
		if err != nil {
			return err
		}

		if !boundary.IsTimerBoundary() {
			continue
		}

		if err := rc.scheduleTimer(models.JobTypeTimerBoundary, s, boundary); err != nil {
			return err
		}
	}

	return nil
}

func (rc *RunContext) scheduleTimer(jobType string, e *models.Execution, a *definition.Activity) error {
	now := rc.engine.now()

	dueAt, err := timer.DueAt(a.Timer, now)
	if err != nil {
		return fmt.Errorf("activity %s: %w", a.ID, err)
	}

	job := rc.newJob(jobType, e, a.ID, a.Exclusive)
	job.DueAt = dueAt

	return rc.insertJob(job)
}

// cancelContinuations deletes the jobs that would move e along its current
// path. Timer boundary jobs stay, since they belong to the scope e owns.
func (rc *RunContext) cancelContinuations(e *models.Execution) error {
	jobs, err := rc.tx.JobsByInstance(rc.ctx, rc.Instance.ID)
	if err != nil {
		return fmt.Errorf("failed to list jobs of instance %s: %w", rc.Instance.ID, err)
	}

	for _, job := range jobs {
		if job.ExecutionID != e.ID || job.Type == models.JobTypeTimerBoundary {
			continue
		}

		if err := rc.tx.DeleteJob(rc.ctx, job); err != nil {
			return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
	}

	delete(rc.suspended, e.ID)

	return nil
}
