package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/engine"
	"github.com/dukex/caseflow/pkg/jobs"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence/memory"
	"github.com/dukex/caseflow/pkg/pvm"
	"github.com/dukex/caseflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const approvalDocument = `
key: approval
activities:
  - {id: start, type: start}
  - {id: review, type: wait}
  - {id: ship, type: wait}
  - {id: done, type: end}
transitions:
  - {from: start, to: review}
  - {from: review, to: ship}
  - {from: ship, to: done}
`

const asyncDocument = `
key: async
activities:
  - {id: start, type: start}
  - {id: charge, type: task, asyncBefore: true}
  - {id: done, type: end}
transitions:
  - {from: start, to: charge}
  - {from: charge, to: done}
`

const forkDocument = `
key: fork
activities:
  - {id: start, type: start}
  - {id: fork, type: parallel}
  - {id: pack, type: wait}
  - {id: bill, type: wait}
  - {id: join, type: parallel}
  - {id: done, type: end}
transitions:
  - {from: start, to: fork}
  - {from: fork, to: pack}
  - {from: fork, to: bill}
  - {from: pack, to: join}
  - {from: bill, to: join}
  - {from: join, to: done}
`

func testJobConfig() jobs.Config {
	config := jobs.DefaultConfig()
	config.AcquisitionInterval = 10 * time.Millisecond
	config.LockOwner = "engine-test"
	config.ShutdownGrace = time.Second

	return config
}

func newEngine(t *testing.T, opts ...engine.Option) *engine.ProcessEngine {
	t.Helper()

	opts = append([]engine.Option{
		engine.WithJobConfig(testJobConfig()),
		engine.WithJobExecutorActivate(false),
		engine.WithBackoff(time.Millisecond, 10*time.Millisecond),
	}, opts...)

	pe, err := engine.New(testutil.Logger(), memory.NewStore(), opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, pe.Close(context.Background()))
	})

	return pe
}

func deploy(t *testing.T, pe *engine.ProcessEngine, documents ...string) *models.Deployment {
	t.Helper()

	resources := make([]engine.Resource, 0, len(documents))
	for _, document := range documents {
		resources = append(resources, engine.Resource{Name: "process.yaml", Data: []byte(document)})
	}

	deployment, err := pe.Deploy(context.Background(), "test", resources...)
	require.NoError(t, err)

	return deployment
}

func requireBusinessError(t *testing.T, err error, code string) {
	t.Helper()

	require.Error(t, err)

	var businessErr *engine.BusinessError
	require.ErrorAs(t, err, &businessErr)
	assert.Equal(t, code, businessErr.Code)
}

func TestDeployAssignsIncreasingVersions(t *testing.T) {
	t.Parallel()

	pe := newEngine(t)
	first := deploy(t, pe, approvalDocument)
	second := deploy(t, pe, approvalDocument)

	require.Len(t, first.Definitions, 1)
	require.Len(t, second.Definitions, 1)
	assert.Equal(t, 1, first.Definitions[0].Version)
	assert.Equal(t, 2, second.Definitions[0].Version)
	assert.Equal(t, models.Checksum([]byte(approvalDocument)), second.Definitions[0].Checksum)

	assert.True(t, pe.Cache().Contains(first.Definitions[0].ID))
	assert.True(t, pe.Cache().Contains(second.Definitions[0].ID))

	instance, err := pe.StartProcessInstanceByKey(context.Background(), "approval", "order-1", nil)
	require.NoError(t, err)
	assert.Equal(t, second.Definitions[0].ID, instance.DefinitionID)
	assert.Equal(t, "order-1", instance.BusinessKey)

	pinned, err := pe.StartProcessInstanceByID(context.Background(), first.Definitions[0].ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Definitions[0].ID, pinned.DefinitionID)
}

func TestDeployRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	pe := newEngine(t)

	_, err := pe.Deploy(context.Background(), "", engine.Resource{Name: "a", Data: []byte(approvalDocument)})
	requireBusinessError(t, err, engine.CodeInvalidRequest)

	_, err = pe.Deploy(context.Background(), "empty")
	requireBusinessError(t, err, engine.CodeInvalidRequest)

	_, err = pe.Deploy(context.Background(), "broken", engine.Resource{Name: "broken.yaml", Data: []byte("key: broken\nactivities: []\n")})
	requireBusinessError(t, err, engine.CodeInvalidModel)
	assert.ErrorIs(t, err, definition.ErrInvalidDefinition)

	_, err = pe.Deploy(context.Background(), "twice",
		engine.Resource{Name: "a", Data: []byte(approvalDocument)},
		engine.Resource{Name: "b", Data: []byte(approvalDocument)})
	requireBusinessError(t, err, engine.CodeInvalidRequest)

	_, err = pe.StartProcessInstanceByKey(context.Background(), "approval", "", nil)
	requireBusinessError(t, err, engine.CodeNotFound)
	assert.True(t, engine.IsNotFound(err))
}

func TestSignalSetsVariablesBeforeDelivering(t *testing.T) {
	t.Parallel()

	pe := newEngine(t)
	deploy(t, pe, approvalDocument)

	instance, err := pe.StartProcessInstanceByKey(context.Background(), "approval", "", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, "review", instance.Root().ActivityID)

	instance, err = pe.Signal(context.Background(), instance.RootID, "approve", nil, map[string]any{"approved": true})
	require.NoError(t, err)

	root := instance.Root()
	assert.Equal(t, "ship", root.ActivityID)

	approved, ok := instance.Variable(root, "approved")
	require.True(t, ok)
	assert.Equal(t, true, approved)

	instance, err = pe.Signal(context.Background(), instance.RootID, "ship", nil, nil)
	require.NoError(t, err)
	assert.True(t, instance.Ended)

	stored, err := pe.Instance(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.True(t, stored.Ended)
	assert.NotNil(t, stored.EndedAt)
}

func TestSignalBusinessErrors(t *testing.T) {
	t.Parallel()

	pe := newEngine(t)
	deploy(t, pe, forkDocument)

	_, err := pe.Signal(context.Background(), "", "go", nil, nil)
	requireBusinessError(t, err, engine.CodeInvalidRequest)

	_, err = pe.Signal(context.Background(), "missing", "go", nil, nil)
	requireBusinessError(t, err, engine.CodeNotFound)
	assert.ErrorIs(t, err, engine.ErrExecutionNotFound)

	instance, err := pe.StartProcessInstanceByKey(context.Background(), "fork", "", nil)
	require.NoError(t, err)

	// The root only waits for its concurrent children.
	_, err = pe.Signal(context.Background(), instance.RootID, "go", nil, nil)
	requireBusinessError(t, err, engine.CodeInvalidState)
	assert.ErrorIs(t, err, pvm.ErrNotWaiting)
	assert.True(t, engine.IsBusinessError(err))
}

func TestExecuteJobRunsAsyncContinuation(t *testing.T) {
	t.Parallel()

	pe := newEngine(t)
	deploy(t, pe, asyncDocument)

	instance, err := pe.StartProcessInstanceByKey(context.Background(), "async", "", nil)
	require.NoError(t, err)
	assert.False(t, instance.Ended)

	pending, err := pe.Jobs(context.Background(), instance.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.JobTypeAsyncContinuation, pending[0].Type)
	assert.Equal(t, pvm.OpActivityStartCreateScope, pending[0].Configuration)

	require.NoError(t, pe.ExecuteJob(context.Background(), pending[0].ID))

	stored, err := pe.Instance(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.True(t, stored.Ended)

	pending, err = pe.Jobs(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = pe.ExecuteJob(context.Background(), "missing")
	requireBusinessError(t, err, engine.CodeNotFound)
}

func TestSchedulerExecutesJobsWhenActivated(t *testing.T) {
	t.Parallel()

	pe := newEngine(t, engine.WithJobExecutorActivate(true))
	deploy(t, pe, asyncDocument)
	require.NoError(t, pe.Start(context.Background()))

	instance, err := pe.StartProcessInstanceByKey(context.Background(), "async", "", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stored, err := pe.Instance(context.Background(), instance.ID)

		return err == nil && stored.Ended
	}, 5*time.Second, 10*time.Millisecond)
}

func TestJobExecutorDeactivated(t *testing.T) {
	t.Parallel()

	pe := newEngine(t, engine.WithJobExecutorActivate(false))
	deploy(t, pe, asyncDocument)
	require.NoError(t, pe.Start(context.Background()))

	instance, err := pe.StartProcessInstanceByKey(context.Background(), "async", "", nil)
	require.NoError(t, err)

	assert.Never(t, func() bool {
		stored, err := pe.Instance(context.Background(), instance.ID)

		return err == nil && stored.Ended
	}, 100*time.Millisecond, 10*time.Millisecond)
}

// flakyTask fails until healed.
type flakyTask struct {
	healed atomic.Bool
}

func (f *flakyTask) Execute(rc *pvm.RunContext, e *models.Execution, a *definition.Activity) error {
	if !f.healed.Load() {
		return errors.New("payment gateway unavailable")
	}

	rc.Leave(e, a)

	return nil
}

func TestExhaustedJobCreatesIncidentAndSetJobRetriesResolvesIt(t *testing.T) {
	t.Parallel()

	task := &flakyTask{}
	pe := newEngine(t,
		engine.WithDefaultRetries(0),
		engine.WithBehavior(definition.TypeTask, task),
	)
	deploy(t, pe, asyncDocument)

	instance, err := pe.StartProcessInstanceByKey(context.Background(), "async", "", nil)
	require.NoError(t, err)

	_, err = pe.Scheduler().AcquireAndDispatch(context.Background())
	require.NoError(t, err)

	var incidents []*models.Incident

	require.Eventually(t, func() bool {
		incidents, err = pe.Incidents(context.Background(), instance.ID)

		return err == nil && len(incidents) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, incidents[0].Message, "payment gateway unavailable")

	pending, err := pe.Jobs(context.Background(), instance.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, incidents[0].ID, pending[0].IncidentID)
	assert.Equal(t, 0, pending[0].Retries)

	// Exhausted jobs stay behind.
	dispatched, err := pe.Scheduler().AcquireAndDispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	task.healed.Store(true)

	_, err = pe.SetJobRetries(context.Background(), pending[0].ID, -1)
	requireBusinessError(t, err, engine.CodeInvalidRequest)

	job, err := pe.SetJobRetries(context.Background(), pending[0].ID, 2)
	require.NoError(t, err)
	assert.Empty(t, job.IncidentID)
	assert.Equal(t, 2, job.Retries)

	incidents, err = pe.Incidents(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Empty(t, incidents)

	require.Eventually(t, func() bool {
		if _, err := pe.Scheduler().AcquireAndDispatch(context.Background()); err != nil {
			return false
		}

		stored, err := pe.Instance(context.Background(), instance.ID)

		return err == nil && stored.Ended
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeleteDeploymentEvictsDefinitions(t *testing.T) {
	t.Parallel()

	pe := newEngine(t)
	deployment := deploy(t, pe, approvalDocument)
	definitionID := deployment.Definitions[0].ID

	require.True(t, pe.Cache().Contains(definitionID))

	require.NoError(t, pe.DeleteDeployment(context.Background(), deployment.ID))
	assert.False(t, pe.Cache().Contains(definitionID))

	_, err := pe.StartProcessInstanceByID(context.Background(), definitionID, "", nil)
	requireBusinessError(t, err, engine.CodeNotFound)

	err = pe.DeleteDeployment(context.Background(), deployment.ID)
	requireBusinessError(t, err, engine.CodeNotFound)
}

func TestResolveLoadsEvictedDefinitionFromStore(t *testing.T) {
	t.Parallel()

	pe := newEngine(t)
	deployment := deploy(t, pe, approvalDocument)

	pe.Cache().Purge()

	instance, err := pe.StartProcessInstanceByID(context.Background(), deployment.Definitions[0].ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "review", instance.Root().ActivityID)
	assert.True(t, pe.Cache().Contains(deployment.Definitions[0].ID))
}

func TestInstanceNotFound(t *testing.T) {
	t.Parallel()

	pe := newEngine(t)

	_, err := pe.Instance(context.Background(), "missing")
	requireBusinessError(t, err, engine.CodeNotFound)
	assert.ErrorIs(t, err, engine.ErrInstanceNotFound)
}
