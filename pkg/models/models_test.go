package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceTree(t *testing.T) {
	t.Parallel()

	instance := NewInstance("order:1", "order-1", map[string]any{"amount": 10})
	root := instance.Root()

	require.NotNil(t, root)
	assert.True(t, root.IsRoot())
	assert.True(t, root.Scope)

	scope := instance.CreateChild(root, "review")
	assert.False(t, root.Active)
	assert.Equal(t, root.ID, instance.Parent(scope).ID)

	left := instance.CreateConcurrentChild(scope)
	right := instance.CreateConcurrentChild(scope)

	children := instance.Children(scope.ID)
	require.Len(t, children, 2)
	assert.Equal(t, []string{left.ID, right.ID}, []string{children[0].ID, children[1].ID})
	assert.Equal(t, scope.ID, instance.ScopeExecution(left).ID)
	require.NoError(t, instance.Validate())

	removed := instance.Remove(scope.ID)
	assert.Equal(t, []string{left.ID, right.ID, scope.ID}, removed)
	assert.False(t, instance.Has(left.ID))
	assert.Nil(t, instance.Remove("missing"))

	_, err := instance.Execution(scope.ID)
	require.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestInstanceValidateRejectsBrokenTrees(t *testing.T) {
	t.Parallel()

	instance := NewInstance("order:1", "", nil)
	child := instance.CreateChild(instance.Root(), "review")

	child.ParentID = "missing"
	require.ErrorIs(t, instance.Validate(), ErrInvalidTree)

	child.ParentID = ""
	require.ErrorIs(t, instance.Validate(), ErrInvalidTree)

	child.ParentID = instance.RootID
	child.EventScope = true
	child.Active = true
	require.ErrorIs(t, instance.Validate(), ErrInvalidTree)

	child.Active = false
	require.NoError(t, instance.Validate())

	ended := NewInstance("order:1", "", nil)
	ended.Remove(ended.RootID)
	require.ErrorIs(t, ended.Validate(), ErrInvalidTree)

	ended.End(time.Now())
	require.NoError(t, ended.Validate())
}

func TestInstanceVariables(t *testing.T) {
	t.Parallel()

	instance := NewInstance("order:1", "", map[string]any{"amount": 10, "currency": "EUR"})
	root := instance.Root()
	scope := instance.CreateChild(root, "review")
	branch := instance.CreateConcurrentChild(scope)

	scope.Variables["amount"] = 20

	value, ok := instance.Variable(branch, "amount")
	require.True(t, ok)
	assert.Equal(t, 20, value)
	assert.Equal(t, map[string]any{"amount": 20, "currency": "EUR"}, instance.Variables(branch))

	// Existing variables are updated where they live, new ones land on the
	// nearest scope.
	instance.SetVariable(branch, "currency", "USD")
	instance.SetVariable(branch, "approved", true)

	assert.Equal(t, "USD", root.Variables["currency"])
	assert.Equal(t, true, scope.Variables["approved"])
	assert.NotContains(t, branch.Variables, "approved")

	_, ok = instance.Variable(root, "approved")
	assert.False(t, ok)
}

func TestInstanceCloneIsDeep(t *testing.T) {
	t.Parallel()

	instance := NewInstance("order:1", "", map[string]any{"amount": 10})
	instance.End(time.Now())

	clone := instance.Clone()
	clone.Root().Variables["amount"] = 99
	*clone.EndedAt = clone.EndedAt.Add(time.Hour)

	assert.Equal(t, 10, instance.Root().Variables["amount"])
	assert.NotEqual(t, *instance.EndedAt, *clone.EndedAt)
}

func TestJobLocking(t *testing.T) {
	t.Parallel()

	now := time.Now()
	instance := NewInstance("order:1", "", nil)
	job := NewJob(JobTypeAsyncContinuation, instance.Root(), "activity-start", 3, true)

	assert.Equal(t, instance.ID, job.InstanceID)
	assert.True(t, job.IsAcquirable(now))

	job.Lock("node-a", now, time.Minute)
	assert.True(t, job.IsLocked(now))
	assert.False(t, job.IsAcquirable(now))
	assert.True(t, job.IsAcquirable(now.Add(2*time.Minute)))

	clone := job.Clone()
	clone.LockExpiresAt = nil
	assert.NotNil(t, job.LockExpiresAt)

	job.Unlock()
	assert.False(t, job.IsLocked(now))

	job.DueAt = now.Add(time.Second)
	assert.False(t, job.IsAcquirable(now))

	job.DueAt = now
	job.IncidentID = "incident-1"
	assert.False(t, job.IsAcquirable(now))
}

func TestChecksum(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Checksum([]byte("a")), Checksum([]byte("a")))
	assert.NotEqual(t, Checksum([]byte("a")), Checksum([]byte("b")))
}
