package eventbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/caseflow/pkg/channels/gochannel"
	"github.com/dukex/caseflow/pkg/engine"
	"github.com/dukex/caseflow/pkg/eventbus"
	"github.com/dukex/caseflow/pkg/events"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/persistence/memory"
	"github.com/dukex/caseflow/pkg/pvm"
	"github.com/dukex/caseflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub := gochannel.CreateTestChannel(watermill.NopLogger{})
	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		assert.NoError(t, bus.Close())
	})

	return bus
}

func collect[T any](t *testing.T, bus *eventbus.WatermillEventBus, eventType events.EventType) <-chan T {
	t.Helper()

	received := make(chan T, 10)

	require.NoError(t, bus.Handle(eventType, func(_ context.Context, event any) error {
		typed, ok := event.(T)
		if !ok {
			return errors.New("unexpected event payload")
		}

		received <- typed

		return nil
	}))

	return received
}

func TestWatermillEventBusDeliversByType(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := newTestBus(t)
	incidents := collect[*events.IncidentCreated](t, bus, events.IncidentCreatedEvent)
	require.NoError(t, bus.Subscribe(ctx))

	job := testJob()
	incident := models.NewIncident(job, "boom")

	// Unhandled types are acknowledged and skipped.
	require.NoError(t, bus.Publish(ctx, job.InstanceID, events.NewJobFailed(job, errors.New("boom"), "node-1", time.Now())))
	require.NoError(t, bus.Publish(ctx, job.InstanceID, events.NewIncidentCreated(incident, "node-1", time.Now())))

	select {
	case got := <-incidents:
		assert.Equal(t, events.IncidentCreatedEvent, got.Type)
		assert.Equal(t, incident.ID, got.IncidentID)
		assert.Equal(t, job.ID, got.JobID)
		assert.Equal(t, "boom", got.Message)
		assert.Equal(t, "node-1", got.NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("incident.created not delivered")
	}
}

func testJob() *models.Job {
	return testutil.CreateTestJob(testutil.CreateTestInstance().Root())
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, key string, event eventbus.Event) error {
	return m.Called(ctx, key, event).Error(0)
}

func TestNotifierPublishesInstanceEndedAfterCommit(t *testing.T) {
	t.Parallel()

	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, "instance-1", mock.MatchedBy(func(event eventbus.Event) bool {
		return event.GetType() == events.InstanceEndedEvent
	})).Return(nil).Once()

	notifier := eventbus.NewNotifier(testutil.Logger(), publisher, "node-1")
	instance := models.NewInstance("approval:1", "order-7", nil)
	instance.ID = "instance-1"

	ctx, afterCommit := persistence.WithCommitHooks(context.Background())

	// Activity ends are not published.
	require.NoError(t, notifier.Notify(ctx, pvm.ListenerEvent{Name: pvm.EventEnd, ActivityID: "review", Instance: instance}))
	require.NoError(t, notifier.Notify(ctx, pvm.ListenerEvent{Name: pvm.EventStart, Instance: instance}))
	require.NoError(t, notifier.Notify(ctx, pvm.ListenerEvent{Name: pvm.EventEnd, Instance: instance}))

	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)

	afterCommit(ctx)

	publisher.AssertExpectations(t)
}

func TestNotifierLogsPublishFailures(t *testing.T) {
	t.Parallel()

	job := testJob()

	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, job.InstanceID, mock.Anything).Return(errors.New("broker down")).Twice()

	notifier := eventbus.NewNotifier(testutil.Logger(), publisher, "node-1")

	notifier.JobFailed(context.Background(), job, errors.New("boom"))
	notifier.IncidentCreated(context.Background(), models.NewIncident(job, "boom"))

	publisher.AssertExpectations(t)
}

const endingDocument = `
key: ending
activities:
  - {id: start, type: start}
  - {id: work, type: task}
  - {id: done, type: end}
transitions:
  - {from: start, to: work}
  - {from: work, to: done}
`

func TestEngineEventsReachTheBus(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := newTestBus(t)
	ended := collect[*events.InstanceEnded](t, bus, events.InstanceEndedEvent)
	require.NoError(t, bus.Subscribe(ctx))

	notifier := eventbus.NewNotifier(testutil.Logger(), bus, "node-1")

	pe, err := engine.New(testutil.Logger(), memory.NewStore(),
		engine.WithJobExecutorActivate(false),
		engine.WithListener(notifier),
		engine.WithFailureListener(notifier),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, pe.Close(context.Background()))
	})

	_, err = pe.Deploy(ctx, "events", engine.Resource{Name: "ending.yaml", Data: []byte(endingDocument)})
	require.NoError(t, err)

	instance, err := pe.StartProcessInstanceByKey(ctx, "ending", "order-9", nil)
	require.NoError(t, err)
	require.True(t, instance.Ended)

	select {
	case got := <-ended:
		assert.Equal(t, instance.ID, got.InstanceID)
		assert.Equal(t, instance.DefinitionID, got.DefinitionID)
		assert.Equal(t, "order-9", got.BusinessKey)
	case <-time.After(5 * time.Second):
		t.Fatal("instance.ended not delivered")
	}
}
