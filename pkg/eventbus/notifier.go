package eventbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/caseflow/pkg/events"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/pvm"
)

// Notifier turns engine notifications into domain events. It listens to
// process executions and to job failures.
type Notifier struct {
	logger    *slog.Logger
	publisher EventPublisher
	nodeID    string
	now       func() time.Time
}

func NewNotifier(logger *slog.Logger, publisher EventPublisher, nodeID string) *Notifier {
	return &Notifier{
		logger:    logger.With("module", "event_notifier"),
		publisher: publisher,
		nodeID:    nodeID,
		now:       time.Now,
	}
}

// Notify publishes instance.ended once the transaction ending the process
// instance committed.
func (n *Notifier) Notify(ctx context.Context, event pvm.ListenerEvent) error {
	if event.Name != pvm.EventEnd || event.ActivityID != "" {
		return nil
	}

	ended := events.NewInstanceEnded(event.Instance, n.nodeID, n.now())

	persistence.AfterCommit(ctx, func(ctx context.Context) {
		n.publish(ctx, ended.InstanceID, ended)
	})

	return nil
}

func (n *Notifier) JobFailed(ctx context.Context, job *models.Job, cause error) {
	n.publish(ctx, job.InstanceID, events.NewJobFailed(job, cause, n.nodeID, n.now()))
}

func (n *Notifier) IncidentCreated(ctx context.Context, incident *models.Incident) {
	n.publish(ctx, incident.InstanceID, events.NewIncidentCreated(incident, n.nodeID, n.now()))
}

func (n *Notifier) publish(ctx context.Context, key string, event Event) {
	if err := n.publisher.Publish(ctx, key, event); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"key", key,
			"error", err)
	}
}
