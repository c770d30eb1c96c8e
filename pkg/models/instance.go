package models

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrExecutionNotFound indicates an execution identity is not part of the instance.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrInvalidTree indicates the execution tree violates one of its invariants.
	ErrInvalidTree = errors.New("invalid execution tree")
)

// Instance is the aggregate that exclusively owns every execution of one
// running process instance.
type Instance struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definition_id"`
	BusinessKey  string `json:"business_key,omitempty"`

	// Version is the optimistic lock counter maintained by the store.
	Version int64 `json:"version"`

	RootID     string                `json:"root_id"`
	Executions map[string]*Execution `json:"executions"`
	NextSeq    int64                 `json:"next_seq"`

	Ended     bool       `json:"ended"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewInstance creates an instance with a single root execution that owns the
// process-level variable scope.
func NewInstance(definitionID, businessKey string, variables map[string]any) *Instance {
	instance := &Instance{
		ID:           uuid.New().String(),
		DefinitionID: definitionID,
		BusinessKey:  businessKey,
		Executions:   make(map[string]*Execution),
		CreatedAt:    time.Now().UTC(),
	}

	root := instance.newExecution("")
	root.Scope = true
	root.Active = true
	instance.RootID = root.ID

	for k, v := range variables {
		root.Variables[k] = v
	}

	return instance
}

// Root returns the instance root execution, or nil once the instance ended.
func (i *Instance) Root() *Execution {
	return i.Executions[i.RootID]
}

// Execution returns the execution with the given identity.
func (i *Instance) Execution(id string) (*Execution, error) {
	execution, ok := i.Executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in instance %s", ErrExecutionNotFound, id, i.ID)
	}

	return execution, nil
}

// Has reports whether the execution is still part of the tree.
func (i *Instance) Has(id string) bool {
	_, ok := i.Executions[id]

	return ok
}

// Parent returns the parent of the execution, or nil for the root.
func (i *Instance) Parent(execution *Execution) *Execution {
	if execution.ParentID == "" {
		return nil
	}

	return i.Executions[execution.ParentID]
}

// Children returns the direct children of an execution in creation order.
func (i *Instance) Children(id string) []*Execution {
	var children []*Execution

	for _, e := range i.Executions {
		if e.ParentID == id {
			children = append(children, e)
		}
	}

	sort.Slice(children, func(a, b int) bool {
		return children[a].Seq < children[b].Seq
	})

	return children
}

// CreateChild adds a scope execution below parent. The parent becomes
// inactive while its child runs.
func (i *Instance) CreateChild(parent *Execution, scopeActivityID string) *Execution {
	child := i.newExecution(parent.ID)
	child.Scope = true
	child.Active = true
	child.ScopeActivityID = scopeActivityID
	child.ActivityID = scopeActivityID

	parent.Active = false

	return child
}

// CreateConcurrentChild adds a non-scope concurrent execution below parent.
func (i *Instance) CreateConcurrentChild(parent *Execution) *Execution {
	child := i.newExecution(parent.ID)
	child.Concurrent = true
	child.Active = true
	child.ActivityID = parent.ActivityID

	parent.Active = false

	return child
}

// Remove deletes an execution and its whole subtree, children first, and
// returns the removed identities in removal order.
func (i *Instance) Remove(id string) []string {
	if !i.Has(id) {
		return nil
	}

	var removed []string

	for _, child := range i.Children(id) {
		removed = append(removed, i.Remove(child.ID)...)
	}

	delete(i.Executions, id)

	return append(removed, id)
}

// ScopeExecution returns the nearest execution at or above e that owns a
// variable scope.
func (i *Instance) ScopeExecution(e *Execution) *Execution {
	for current := e; current != nil; current = i.Parent(current) {
		if current.Scope {
			return current
		}
	}

	return nil
}

// Variable looks a variable up starting at the execution and delegating to
// ancestors when it is not present locally.
func (i *Instance) Variable(e *Execution, name string) (any, bool) {
	for current := e; current != nil; current = i.Parent(current) {
		if v, ok := current.Variables[name]; ok {
			return v, true
		}
	}

	return nil, false
}

// Variables returns the merged view of all variables visible from e. Inner
// scopes shadow outer ones.
func (i *Instance) Variables(e *Execution) map[string]any {
	var chain []*Execution
	for current := e; current != nil; current = i.Parent(current) {
		chain = append(chain, current)
	}

	result := make(map[string]any)

	for n := len(chain) - 1; n >= 0; n-- {
		for k, v := range chain[n].Variables {
			result[k] = v
		}
	}

	return result
}

// SetVariable updates an existing variable wherever it is visible from e, or
// creates it on the nearest scope execution.
func (i *Instance) SetVariable(e *Execution, name string, value any) {
	for current := e; current != nil; current = i.Parent(current) {
		if _, ok := current.Variables[name]; ok {
			current.Variables[name] = value

			return
		}
	}

	scope := i.ScopeExecution(e)
	if scope == nil {
		scope = e
	}

	if scope.Variables == nil {
		scope.Variables = make(map[string]any)
	}

	scope.Variables[name] = value
}

// End marks the instance as completed.
func (i *Instance) End(now time.Time) {
	i.Ended = true
	i.EndedAt = &now
}

// Validate checks the structural invariants of the execution tree.
func (i *Instance) Validate() error {
	if i.Ended && len(i.Executions) == 0 {
		return nil
	}

	roots := 0

	for id, e := range i.Executions {
		if e.ID != id {
			return fmt.Errorf("%w: execution %s stored under %s", ErrInvalidTree, e.ID, id)
		}

		if e.ParentID == "" {
			roots++

			if id != i.RootID {
				return fmt.Errorf("%w: unexpected root %s", ErrInvalidTree, id)
			}

			continue
		}

		if !i.Has(e.ParentID) {
			return fmt.Errorf("%w: execution %s has missing parent %s", ErrInvalidTree, id, e.ParentID)
		}

		if e.EventScope && e.Active {
			return fmt.Errorf("%w: event scope execution %s is active", ErrInvalidTree, id)
		}
	}

	if roots != 1 {
		return fmt.Errorf("%w: found %d roots", ErrInvalidTree, roots)
	}

	return nil
}

// Clone returns a deep copy of the instance, used by stores that must not
// share mutable state with callers.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Executions = make(map[string]*Execution, len(i.Executions))

	for id, e := range i.Executions {
		c.Executions[id] = e.clone()
	}

	if i.EndedAt != nil {
		endedAt := *i.EndedAt
		c.EndedAt = &endedAt
	}

	return &c
}

func (i *Instance) newExecution(parentID string) *Execution {
	i.NextSeq++

	execution := &Execution{
		ID:           uuid.New().String(),
		InstanceID:   i.ID,
		DefinitionID: i.DefinitionID,
		ParentID:     parentID,
		Seq:          i.NextSeq,
		Variables:    make(map[string]any),
	}

	i.Executions[execution.ID] = execution

	return execution
}
