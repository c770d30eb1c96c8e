package pvm

import (
	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/models"
)

// Behavior is what an activity does once an execution started it. It either
// sets the next operation of the execution, through Leave for instance, or
// leaves the execution idle to wait.
type Behavior interface {
	Execute(rc *RunContext, e *models.Execution, a *definition.Activity) error
}

// SignalBehavior is a behavior whose waiting executions can be resumed by a signal.
type SignalBehavior interface {
	Behavior
	Signal(rc *RunContext, e *models.Execution, a *definition.Activity, name string, payload any) error
}

func defaultBehaviors() map[definition.ActivityType]Behavior {
	return map[definition.ActivityType]Behavior{
		definition.TypeStart:      passThrough{},
		definition.TypeTask:       passThrough{},
		definition.TypeBoundary:   passThrough{},
		definition.TypeEvent:      passThrough{},
		definition.TypeWait:       wait{},
		definition.TypeTimer:      intermediateTimer{},
		definition.TypeParallel:   parallelGateway{},
		definition.TypeSubprocess: subprocess{},
		definition.TypeEnd:        end{},
	}
}

type passThrough struct{}

func (passThrough) Execute(rc *RunContext, e *models.Execution, a *definition.Activity) error {
	rc.Leave(e, a)

	return nil
}

type wait struct{}

func (wait) Execute(*RunContext, *models.Execution, *definition.Activity) error {
	return nil
}

func (wait) Signal(rc *RunContext, e *models.Execution, a *definition.Activity, _ string, _ any) error {
	rc.Leave(e, a)

	return nil
}

// intermediateTimer waits for the timer job written on entry.
type intermediateTimer struct{}

func (intermediateTimer) Execute(rc *RunContext, e *models.Execution, a *definition.Activity) error {
	return rc.scheduleTimer(models.JobTypeTimerTransition, e, a)
}

// parallelGateway joins concurrent executions over its incoming transitions
// and forks over its outgoing ones.
type parallelGateway struct{}

func (parallelGateway) Execute(rc *RunContext, e *models.Execution, a *definition.Activity) error {
	if len(a.Incoming) <= 1 {
		rc.Leave(e, a)

		return nil
	}

	e.Active = false

	joined := []*models.Execution{e}

	var siblings []*models.Execution

	forkParent := rc.Instance.Parent(e)
	if e.Concurrent {
		siblings = rc.Instance.Children(forkParent.ID)
		joined = joined[:0]

		for _, sibling := range siblings {
			if sibling.ActivityID == a.ID && !sibling.Active && sibling.IsIdle() {
				joined = append(joined, sibling)
			}
		}
	}

	if len(joined) < len(a.Incoming) {
		return nil
	}

	if e.Concurrent && len(joined) == len(siblings) {
		for _, sibling := range joined {
			rc.remove(sibling)
		}

		forkParent.ActivityID = a.ID
		forkParent.Active = true
		rc.Leave(forkParent, a)

		return nil
	}

	for _, sibling := range joined {
		if sibling.ID != e.ID {
			rc.remove(sibling)
		}
	}

	e.Active = true
	rc.Leave(e, a)

	return nil
}

// subprocess starts the initial activity of its scope on the scope execution.
type subprocess struct{}

func (subprocess) Execute(rc *RunContext, e *models.Execution, a *definition.Activity) error {
	e.ActivityID = a.Initial
	e.ActivityInstanceID = ""
	rc.next(e, OpActivityStartCreateScope)

	return nil
}

type end struct{}

func (end) Execute(rc *RunContext, e *models.Execution, _ *definition.Activity) error {
	rc.next(e, OpActivityEnd)

	return nil
}
