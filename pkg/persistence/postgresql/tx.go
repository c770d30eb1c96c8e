package postgresql

import (
	"context"
	"time"

	"github.com/dukex/caseflow/pkg/models"
)

func (t *tx) Instance(ctx context.Context, id string) (*models.Instance, error) {
	return t.instances.GetByID(ctx, id)
}

func (t *tx) InstanceByExecution(ctx context.Context, executionID string) (*models.Instance, error) {
	return t.instances.GetByExecution(ctx, executionID)
}

func (t *tx) SaveInstance(ctx context.Context, instance *models.Instance) error {
	return t.instances.Save(ctx, instance)
}

func (t *tx) DeleteInstance(ctx context.Context, instance *models.Instance) error {
	return t.instances.Delete(ctx, instance)
}

func (t *tx) InsertJob(ctx context.Context, job *models.Job) error {
	return t.jobs.Insert(ctx, job)
}

func (t *tx) Job(ctx context.Context, id string) (*models.Job, error) {
	return t.jobs.GetByID(ctx, id)
}

func (t *tx) UpdateJob(ctx context.Context, job *models.Job) error {
	return t.jobs.Update(ctx, job)
}

func (t *tx) LockJob(ctx context.Context, job *models.Job, now time.Time) error {
	return t.jobs.Lock(ctx, job, now)
}

func (t *tx) DeleteJob(ctx context.Context, job *models.Job) error {
	return t.jobs.Delete(ctx, job)
}

func (t *tx) DeleteJobsByExecutions(ctx context.Context, instanceID string, executionIDs []string) (int, error) {
	return t.jobs.DeleteByExecutions(ctx, instanceID, executionIDs)
}

func (t *tx) JobsByInstance(ctx context.Context, instanceID string) ([]*models.Job, error) {
	return t.jobs.GetByInstance(ctx, instanceID)
}

func (t *tx) AcquirableJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	return t.jobs.Acquirable(ctx, now, limit)
}

func (t *tx) InsertIncident(ctx context.Context, incident *models.Incident) error {
	return t.jobs.InsertIncident(ctx, incident)
}

func (t *tx) Incidents(ctx context.Context, instanceID string) ([]*models.Incident, error) {
	return t.jobs.Incidents(ctx, instanceID)
}

func (t *tx) DeleteIncident(ctx context.Context, id string) error {
	return t.jobs.DeleteIncident(ctx, id)
}

func (t *tx) SaveDeployment(ctx context.Context, deployment *models.Deployment) error {
	return t.deployments.Save(ctx, deployment)
}

func (t *tx) Deployment(ctx context.Context, id string) (*models.Deployment, error) {
	return t.deployments.GetByID(ctx, id)
}

func (t *tx) DeleteDeployment(ctx context.Context, id string) error {
	return t.deployments.Delete(ctx, id)
}

func (t *tx) Definition(ctx context.Context, definitionID string) (*models.DefinitionResource, error) {
	return t.deployments.Definition(ctx, definitionID)
}

func (t *tx) LatestDefinition(ctx context.Context, key string) (*models.DefinitionResource, error) {
	return t.deployments.LatestDefinition(ctx, key)
}
