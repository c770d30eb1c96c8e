package pvm

import (
	"fmt"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/google/uuid"
)

// Atomic operation names. They are stored in pending-operation markers and in
// async continuation jobs, so renaming one breaks persisted instances.
const (
	OpProcessStart             = "process-start"
	OpActivityStartCreateScope = "activity-start-create-scope"
	OpActivityStart            = "activity-start"
	OpTransitionNotifyEnd      = "transition-notify-listener-end"
	OpTransitionDestroyScope   = "transition-destroy-scope"
	OpTransitionNotifyTake     = "transition-notify-listener-take"
	OpActivityEnd              = "activity-end"
	OpProcessEnd               = "process-end"
	OpActivityStartInterrupt   = "activity-start-interrupt-scope"
	OpActivityStartCancel      = "activity-start-cancel-scope"
)

type operation struct {
	// async reports whether the operation must run in its own job instead of inline.
	async   func(rc *RunContext, e *models.Execution) bool
	execute func(rc *RunContext, e *models.Execution) error
}

var operations = map[string]operation{
	OpProcessStart:             {execute: processStart},
	OpActivityStartCreateScope: {execute: activityStartCreateScope, async: asyncBefore},
	OpActivityStart:            {execute: activityStart},
	OpTransitionNotifyEnd:      {execute: transitionNotifyEnd},
	OpTransitionDestroyScope:   {execute: transitionDestroyScope},
	OpTransitionNotifyTake:     {execute: transitionNotifyTake, async: asyncAfter},
	OpActivityEnd:              {execute: activityEnd},
	OpProcessEnd:               {execute: processEnd},
	OpActivityStartInterrupt:   {execute: activityStartInterruptScope},
	OpActivityStartCancel:      {execute: activityStartCancelScope},
}

// IsOperation reports whether name is a registered atomic operation.
func IsOperation(name string) bool {
	_, ok := operations[name]

	return ok
}

func asyncBefore(rc *RunContext, e *models.Execution) bool {
	a, ok := rc.Process.Activity(e.ActivityID)

	return ok && a.AsyncBefore
}

func asyncAfter(rc *RunContext, e *models.Execution) bool {
	a, ok := rc.Process.Activity(e.ActivityID)

	return ok && a.AsyncAfter
}

func processStart(rc *RunContext, e *models.Execution) error {
	if err := rc.notify(EventStart, e, "", ""); err != nil {
		return err
	}

	e.ActivityID = rc.Process.Initial
	rc.next(e, OpActivityStartCreateScope)

	return nil
}

func activityStartCreateScope(rc *RunContext, e *models.Execution) error {
	a, err := rc.activity(e.ActivityID)
	if err != nil {
		return err
	}

	if !a.Scope {
		rc.next(e, OpActivityStart)

		return nil
	}

	child := rc.Instance.CreateChild(e, a.ID)
	child.EventName, child.EventPayload = e.EventName, e.EventPayload
	e.ClearEvent()

	if err := rc.scheduleBoundaryTimers(child, a); err != nil {
		return err
	}

	rc.next(child, OpActivityStart)

	return nil
}

func activityStart(rc *RunContext, e *models.Execution) error {
	a, err := rc.activity(e.ActivityID)
	if err != nil {
		return err
	}

	e.ActivityInstanceID = a.ID + ":" + uuid.New().String()
	e.Active = true

	if err := rc.notify(EventStart, e, a.ID, ""); err != nil {
		return err
	}

	behavior, ok := rc.engine.behaviors[a.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBehavior, a.Type)
	}

	return behavior.Execute(rc, e, a)
}

func transitionNotifyEnd(rc *RunContext, e *models.Execution) error {
	if err := rc.notify(EventEnd, e, e.ActivityID, ""); err != nil {
		return err
	}

	rc.next(e, OpTransitionDestroyScope)

	return nil
}

func transitionDestroyScope(rc *RunContext, e *models.Execution) error {
	a, err := rc.activity(e.ActivityID)
	if err != nil {
		return err
	}

	leaving := e

	if rc.ownsScope(e, a.ID) {
		parent := rc.Instance.Parent(e)
		parent.ActivityID = a.ID
		parent.TransitionID = e.TransitionID
		parent.EventName, parent.EventPayload = e.EventName, e.EventPayload
		parent.Active = true

		rc.remove(e)

		leaving = parent
	}

	if leaving.TransitionID != "" {
		rc.next(leaving, OpTransitionNotifyTake)

		return nil
	}

	forkParent := leaving

	if leaving.Concurrent {
		forkParent = rc.Instance.Parent(leaving)
		forkParent.ActivityID = a.ID

		rc.remove(leaving)
	}

	for _, t := range a.Outgoing {
		child := rc.Instance.CreateConcurrentChild(forkParent)
		child.TransitionID = t.ID
		rc.next(child, OpTransitionNotifyTake)
	}

	return nil
}

func transitionNotifyTake(rc *RunContext, e *models.Execution) error {
	a, err := rc.activity(e.ActivityID)
	if err != nil {
		return err
	}

	var target string

	for _, t := range a.Outgoing {
		if t.ID == e.TransitionID {
			target = t.Target
		}
	}

	if target == "" {
		return fmt.Errorf("%w: %q from activity %s", ErrUnknownTransition, e.TransitionID, a.ID)
	}

	if err := rc.notify(EventTake, e, a.ID, e.TransitionID); err != nil {
		return err
	}

	e.ActivityID = target
	e.ActivityInstanceID = ""
	e.TransitionID = ""
	e.ClearEvent()

	rc.next(e, OpActivityStartCreateScope)

	return nil
}

func activityEnd(rc *RunContext, e *models.Execution) error {
	a, err := rc.activity(e.ActivityID)
	if err != nil {
		return err
	}

	if err := rc.notify(EventEnd, e, a.ID, ""); err != nil {
		return err
	}

	ended := e

	if rc.ownsScope(e, a.ID) {
		parent := rc.Instance.Parent(e)
		parent.ActivityID = a.ID
		parent.Active = true

		rc.remove(e)

		ended = parent
	}

	return rc.reachedEnd(ended)
}

func processEnd(rc *RunContext, e *models.Execution) error {
	if err := rc.notify(EventEnd, e, "", ""); err != nil {
		return err
	}

	rc.Instance.End(rc.engine.now().UTC())
	rc.remove(e)

	return nil
}

// activityStartInterruptScope tears down every child of the scope execution
// and starts the interrupting activity inside the same scope.
func activityStartInterruptScope(rc *RunContext, s *models.Execution) error {
	interrupting, err := rc.activity(s.NextActivityID)
	if err != nil {
		return err
	}

	children := rc.Instance.Children(s.ID)

	for _, child := range children {
		if err := rc.tearDown(child); err != nil {
			return err
		}
	}

	if len(children) == 0 && s.ActivityID != "" && s.ActivityID != s.ScopeActivityID {
		if err := rc.notify(EventEnd, s, s.ActivityID, ""); err != nil {
			return err
		}
	}

	s.NextActivityID = ""
	s.ActivityInstanceID = ""
	s.TransitionID = ""
	s.ActivityID = interrupting.ID
	s.Active = true

	rc.next(s, OpActivityStartCreateScope)

	return nil
}

// activityStartCancelScope removes the scope execution and lets its parent
// continue with the boundary activity.
func activityStartCancelScope(rc *RunContext, s *models.Execution) error {
	boundary, err := rc.activity(s.NextActivityID)
	if err != nil {
		return err
	}

	parent := rc.Instance.Parent(s)
	if parent == nil {
		return fmt.Errorf("%w: boundary %s cancels the process scope", ErrUnknownActivity, boundary.ID)
	}

	eventName, eventPayload := s.EventName, s.EventPayload

	if err := rc.tearDown(s); err != nil {
		return err
	}

	parent.ActivityID = boundary.ID
	parent.ActivityInstanceID = ""
	parent.TransitionID = ""
	parent.EventName, parent.EventPayload = eventName, eventPayload
	parent.Active = true

	rc.next(parent, OpActivityStartCreateScope)

	return nil
}
