// Package bolt provides an embedded, single-file transactional store backed by BoltDB.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
	"go.etcd.io/bbolt"
)

var (
	instancesBucket   = []byte("instances")
	executionsBucket  = []byte("executions")
	jobsBucket        = []byte("jobs")
	incidentsBucket   = []byte("incidents")
	deploymentsBucket = []byte("deployments")
	definitionsBucket = []byte("definitions")

	allBuckets = [][]byte{
		instancesBucket, executionsBucket, jobsBucket,
		incidentsBucket, deploymentsBucket, definitionsBucket,
	}
)

// Store is a persistence.Store over one BoltDB file. BoltDB serializes write
// transactions, so every Tx holds the database write lock until it ends.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the database file at path.
func NewStore(ctx context.Context, logger *slog.Logger, path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	logger.InfoContext(ctx, "Opened bolt store", "path", path)

	return &Store{db: db, logger: logger}, nil
}

// Begin starts a write transaction.
func (s *Store) Begin(ctx context.Context) (persistence.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	actual, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("failed to begin bolt transaction: %w", mapErr(err))
	}

	return &tx{actual: actual}, nil
}

// HealthCheck verifies the database can serve a read transaction.
func (s *Store) HealthCheck(_ context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(instancesBucket) == nil {
			return errors.New("bolt store is not initialised")
		}

		return nil
	})
}

// Close closes the database file.
func (s *Store) Close(_ context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close bolt database: %w", err)
	}

	return nil
}

func mapErr(err error) error {
	if errors.Is(err, bbolt.ErrTxClosed) || errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return persistence.ErrTxDone
	}

	return err
}

type tx struct {
	actual *bbolt.Tx
}

func (t *tx) bucket(name []byte) (*bbolt.Bucket, error) {
	if t.actual == nil {
		return nil, persistence.ErrTxDone
	}

	return t.actual.Bucket(name), nil
}

func get[T any](t *tx, bucket []byte, key string) (*T, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}

	data := b.Get([]byte(key))
	if data == nil {
		return nil, nil
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
	}

	return &value, nil
}

func put(t *tx, bucket []byte, key string, value any) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}

	return b.Put([]byte(key), data)
}

func del(t *tx, bucket []byte, key string) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}

	return b.Delete([]byte(key))
}

func each[T any](t *tx, bucket []byte, fn func(*T)) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}

	return b.ForEach(func(k, data []byte) error {
		var value T
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", bucket, k, err)
		}

		fn(&value)

		return nil
	})
}

func (t *tx) Instance(_ context.Context, id string) (*models.Instance, error) {
	instance, err := get[models.Instance](t, instancesBucket, id)
	if err != nil {
		return nil, err
	}

	if instance == nil {
		return nil, persistence.NewEntityError("Instance", "instance", id, persistence.ErrInstanceNotFound)
	}

	return instance, nil
}

func (t *tx) InstanceByExecution(ctx context.Context, executionID string) (*models.Instance, error) {
	b, err := t.bucket(executionsBucket)
	if err != nil {
		return nil, err
	}

	instanceID := b.Get([]byte(executionID))
	if instanceID == nil {
		return nil, persistence.NewEntityError("InstanceByExecution", "execution", executionID, persistence.ErrInstanceNotFound)
	}

	return t.Instance(ctx, string(instanceID))
}

func (t *tx) SaveInstance(_ context.Context, instance *models.Instance) error {
	existing, err := get[models.Instance](t, instancesBucket, instance.ID)
	if err != nil {
		return err
	}

	var current int64
	if existing != nil {
		current = existing.Version
	}

	if current != instance.Version {
		return persistence.NewEntityError("SaveInstance", "instance", instance.ID, persistence.ErrConflict)
	}

	if err := t.unindex(existing); err != nil {
		return err
	}

	instance.Version++

	if err := put(t, instancesBucket, instance.ID, instance); err != nil {
		instance.Version--

		return err
	}

	b, err := t.bucket(executionsBucket)
	if err != nil {
		return err
	}

	for id := range instance.Executions {
		if err := b.Put([]byte(id), []byte(instance.ID)); err != nil {
			return err
		}
	}

	return nil
}

func (t *tx) unindex(instance *models.Instance) error {
	if instance == nil {
		return nil
	}

	for id := range instance.Executions {
		if err := del(t, executionsBucket, id); err != nil {
			return err
		}
	}

	return nil
}

func (t *tx) DeleteInstance(_ context.Context, instance *models.Instance) error {
	existing, err := get[models.Instance](t, instancesBucket, instance.ID)
	if err != nil {
		return err
	}

	if existing == nil {
		return persistence.NewEntityError("DeleteInstance", "instance", instance.ID, persistence.ErrInstanceNotFound)
	}

	if existing.Version != instance.Version {
		return persistence.NewEntityError("DeleteInstance", "instance", instance.ID, persistence.ErrConflict)
	}

	if err := t.unindex(existing); err != nil {
		return err
	}

	return del(t, instancesBucket, instance.ID)
}

func (t *tx) InsertJob(_ context.Context, job *models.Job) error {
	existing, err := get[models.Job](t, jobsBucket, job.ID)
	if err != nil {
		return err
	}

	if existing != nil {
		return persistence.NewEntityError("InsertJob", "job", job.ID, persistence.ErrAlreadyExists)
	}

	job.Version = 1

	return put(t, jobsBucket, job.ID, job)
}

func (t *tx) Job(_ context.Context, id string) (*models.Job, error) {
	job, err := get[models.Job](t, jobsBucket, id)
	if err != nil {
		return nil, err
	}

	if job == nil {
		return nil, persistence.NewEntityError("Job", "job", id, persistence.ErrJobNotFound)
	}

	return job, nil
}

func (t *tx) checkJob(op string, job *models.Job) error {
	existing, err := get[models.Job](t, jobsBucket, job.ID)
	if err != nil {
		return err
	}

	if existing == nil {
		return persistence.NewEntityError(op, "job", job.ID, persistence.ErrJobNotFound)
	}

	if existing.Version != job.Version {
		return persistence.NewEntityError(op, "job", job.ID, persistence.ErrConflict)
	}

	return nil
}

func (t *tx) UpdateJob(_ context.Context, job *models.Job) error {
	if err := t.checkJob("UpdateJob", job); err != nil {
		return err
	}

	job.Version++

	if err := put(t, jobsBucket, job.ID, job); err != nil {
		job.Version--

		return err
	}

	return nil
}

// LockJob checks the exclusive siblings inside the write transaction, which
// bolt runs one at a time.
func (t *tx) LockJob(ctx context.Context, job *models.Job, now time.Time) error {
	if job.Exclusive {
		busy := false

		err := each(t, jobsBucket, func(other *models.Job) {
			if other.ID != job.ID && other.InstanceID == job.InstanceID && other.Exclusive && other.IsLocked(now) {
				busy = true
			}
		})
		if err != nil {
			return err
		}

		if busy {
			return persistence.NewEntityError("LockJob", "job", job.ID, persistence.ErrConflict)
		}
	}

	return t.UpdateJob(ctx, job)
}

func (t *tx) DeleteJob(_ context.Context, job *models.Job) error {
	if err := t.checkJob("DeleteJob", job); err != nil {
		return err
	}

	return del(t, jobsBucket, job.ID)
}

func (t *tx) DeleteJobsByExecutions(_ context.Context, instanceID string, executionIDs []string) (int, error) {
	wanted := make(map[string]bool, len(executionIDs))
	for _, id := range executionIDs {
		wanted[id] = true
	}

	var ids []string

	err := each(t, jobsBucket, func(job *models.Job) {
		if job.InstanceID == instanceID && wanted[job.ExecutionID] {
			ids = append(ids, job.ID)
		}
	})
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := del(t, jobsBucket, id); err != nil {
			return 0, err
		}
	}

	return len(ids), nil
}

func (t *tx) JobsByInstance(_ context.Context, instanceID string) ([]*models.Job, error) {
	var jobs []*models.Job

	err := each(t, jobsBucket, func(job *models.Job) {
		if job.InstanceID == instanceID {
			jobs = append(jobs, job)
		}
	})
	if err != nil {
		return nil, err
	}

	sortJobs(jobs)

	return jobs, nil
}

func (t *tx) AcquirableJobs(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	var (
		candidates      []*models.Job
		lockedExclusive = make(map[string]bool)
	)

	err := each(t, jobsBucket, func(job *models.Job) {
		if job.Exclusive && job.IsLocked(now) {
			lockedExclusive[job.InstanceID] = true
		}

		if job.IsAcquirable(now) {
			candidates = append(candidates, job)
		}
	})
	if err != nil {
		return nil, err
	}

	jobs := candidates[:0]

	for _, job := range candidates {
		if !job.Exclusive || !lockedExclusive[job.InstanceID] {
			jobs = append(jobs, job)
		}
	}

	sortJobs(jobs)

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

func sortJobs(jobs []*models.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].DueAt.Equal(jobs[b].DueAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}

		return jobs[a].DueAt.Before(jobs[b].DueAt)
	})
}

func (t *tx) InsertIncident(_ context.Context, incident *models.Incident) error {
	return put(t, incidentsBucket, incident.ID, incident)
}

func (t *tx) Incidents(_ context.Context, instanceID string) ([]*models.Incident, error) {
	var incidents []*models.Incident

	err := each(t, incidentsBucket, func(incident *models.Incident) {
		if instanceID == "" || incident.InstanceID == instanceID {
			incidents = append(incidents, incident)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(incidents, func(a, b int) bool {
		return incidents[a].CreatedAt.Before(incidents[b].CreatedAt)
	})

	return incidents, nil
}

func (t *tx) DeleteIncident(_ context.Context, id string) error {
	return del(t, incidentsBucket, id)
}

func (t *tx) SaveDeployment(_ context.Context, deployment *models.Deployment) error {
	if err := put(t, deploymentsBucket, deployment.ID, deployment); err != nil {
		return err
	}

	for _, resource := range deployment.Definitions {
		if err := put(t, definitionsBucket, resource.ID, resource); err != nil {
			return err
		}
	}

	return nil
}

func (t *tx) Deployment(_ context.Context, id string) (*models.Deployment, error) {
	deployment, err := get[models.Deployment](t, deploymentsBucket, id)
	if err != nil {
		return nil, err
	}

	if deployment == nil {
		return nil, persistence.NewEntityError("Deployment", "deployment", id, persistence.ErrDeploymentNotFound)
	}

	return deployment, nil
}

func (t *tx) DeleteDeployment(ctx context.Context, id string) error {
	deployment, err := t.Deployment(ctx, id)
	if err != nil {
		return err
	}

	for _, resource := range deployment.Definitions {
		if err := del(t, definitionsBucket, resource.ID); err != nil {
			return err
		}
	}

	return del(t, deploymentsBucket, id)
}

func (t *tx) Definition(_ context.Context, definitionID string) (*models.DefinitionResource, error) {
	resource, err := get[models.DefinitionResource](t, definitionsBucket, definitionID)
	if err != nil {
		return nil, err
	}

	if resource == nil {
		return nil, persistence.NewEntityError("Definition", "definition", definitionID, persistence.ErrDefinitionNotFound)
	}

	return resource, nil
}

func (t *tx) LatestDefinition(_ context.Context, key string) (*models.DefinitionResource, error) {
	var latest *models.DefinitionResource

	err := each(t, definitionsBucket, func(resource *models.DefinitionResource) {
		if resource.Key == key && (latest == nil || resource.Version > latest.Version) {
			latest = resource
		}
	})
	if err != nil {
		return nil, err
	}

	if latest == nil {
		return nil, persistence.NewEntityError("LatestDefinition", "definition", key, persistence.ErrDefinitionNotFound)
	}

	return latest, nil
}

func (t *tx) Commit() error {
	if t.actual == nil {
		return persistence.ErrTxDone
	}

	actual := t.actual
	t.actual = nil

	return mapErr(actual.Commit())
}

func (t *tx) Rollback() error {
	if t.actual == nil {
		return persistence.ErrTxDone
	}

	actual := t.actual
	t.actual = nil

	return mapErr(actual.Rollback())
}
