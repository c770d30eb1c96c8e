// Package definition holds the parsed, immutable process model consumed by
// the execution engine and served by the deployment cache.
package definition

// ActivityType selects the behavior an activity runs with.
type ActivityType string

const (
	TypeStart      ActivityType = "start"
	TypeTask       ActivityType = "task"
	TypeWait       ActivityType = "wait"
	TypeTimer      ActivityType = "timer"
	TypeParallel   ActivityType = "parallel"
	TypeSubprocess ActivityType = "subprocess"
	TypeEnd        ActivityType = "end"
	TypeBoundary   ActivityType = "boundary"
	TypeEvent      ActivityType = "event"
)

// Process is a parsed definition. Values are never mutated after Parse
// returns, so they can be shared freely between goroutines.
type Process struct {
	ID           string
	Key          string
	Version      int
	DeploymentID string
	Name         string

	// Initial is the start activity of the process level scope.
	Initial string

	// Events are the event triggers declared at process level.
	Events []string

	Activities map[string]*Activity
}

// Activity is one node of the control-flow graph.
type Activity struct {
	ID   string
	Name string
	Type ActivityType

	// Parent is the enclosing subprocess, empty at process level.
	Parent string

	// Scope is set for subprocesses and for any activity carrying boundary events.
	Scope bool

	AsyncBefore bool
	AsyncAfter  bool
	Exclusive   bool

	Outgoing []*Transition
	Incoming []*Transition

	// Initial and Events are set for subprocesses.
	Initial string
	Events  []string

	// AttachedTo is the activity a boundary event listens on.
	AttachedTo string
	Boundaries []string

	// Signal names the event that triggers boundary and event activities.
	Signal string

	// Timer is a duration or cron expression for timer activities and timer boundaries.
	Timer string
}

// Transition is a directed edge between two activities of the same scope.
type Transition struct {
	ID     string
	Source string
	Target string
}

// Activity returns the activity with the given identity.
func (p *Process) Activity(id string) (*Activity, bool) {
	a, ok := p.Activities[id]

	return a, ok
}

// ScopeEvents returns the event triggers declared directly in the scope
// opened by scopeActivityID. An empty scopeActivityID selects the process level.
func (p *Process) ScopeEvents(scopeActivityID string) []string {
	if scopeActivityID == "" {
		return p.Events
	}

	if a, ok := p.Activities[scopeActivityID]; ok {
		return a.Events
	}

	return nil
}

// InitialOf returns the start activity of the scope opened by scopeActivityID.
func (p *Process) InitialOf(scopeActivityID string) string {
	if scopeActivityID == "" {
		return p.Initial
	}

	if a, ok := p.Activities[scopeActivityID]; ok {
		return a.Initial
	}

	return ""
}

// IsTimerBoundary reports whether the activity is a boundary event fired by a timer.
func (a *Activity) IsTimerBoundary() bool {
	return a.Type == TypeBoundary && a.Timer != ""
}
