// Package persistence defines the transactional store the engine and the job
// scheduler use for instances, jobs, incidents and deployments.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/caseflow/pkg/models"
)

// Store opens transactions against one backend.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// Tx is a unit of work. Writes of versioned entities are conditioned on the
// version the caller read and fail with ErrConflict when it changed.
type Tx interface {
	Instance(ctx context.Context, id string) (*models.Instance, error)
	InstanceByExecution(ctx context.Context, executionID string) (*models.Instance, error)
	// SaveInstance inserts instances with version 0 and updates the others.
	// On success the instance version is incremented.
	SaveInstance(ctx context.Context, instance *models.Instance) error
	DeleteInstance(ctx context.Context, instance *models.Instance) error

	InsertJob(ctx context.Context, job *models.Job) error
	Job(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	// LockJob writes the lock of job like UpdateJob. An exclusive job fails
	// with ErrConflict while another exclusive job of its instance holds a
	// lock that is live at now, also when that lock commits concurrently.
	LockJob(ctx context.Context, job *models.Job, now time.Time) error
	DeleteJob(ctx context.Context, job *models.Job) error
	DeleteJobsByExecutions(ctx context.Context, instanceID string, executionIDs []string) (int, error)
	JobsByInstance(ctx context.Context, instanceID string) ([]*models.Job, error)
	// AcquirableJobs returns up to limit jobs that are due at now, have no
	// incident and are unlocked or hold an expired lock, ordered by due time. Exclusive
	// jobs of an instance that already has a live exclusive lock are skipped.
	AcquirableJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)

	InsertIncident(ctx context.Context, incident *models.Incident) error
	// DeleteIncident removes a resolved incident. Unknown identities are ignored.
	DeleteIncident(ctx context.Context, id string) error
	// Incidents lists incidents of an instance, or all incidents when instanceID is empty.
	Incidents(ctx context.Context, instanceID string) ([]*models.Incident, error)

	SaveDeployment(ctx context.Context, deployment *models.Deployment) error
	Deployment(ctx context.Context, id string) (*models.Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error
	Definition(ctx context.Context, definitionID string) (*models.DefinitionResource, error)
	LatestDefinition(ctx context.Context, key string) (*models.DefinitionResource, error)

	Commit() error
	Rollback() error
}

type txKey struct{}

// ContextWithTx returns a context carrying the open transaction, so that
// collaborators invoked during a command read through it.
func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)

	return tx, ok
}

// Rollback rolls tx back and ignores ErrTxDone, for use in defers.
func Rollback(tx Tx) error {
	err := tx.Rollback()
	if err != nil && !IsTxDone(err) {
		return err
	}

	return nil
}
