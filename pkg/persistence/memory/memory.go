// Package memory provides an in-process transactional store used by tests and
// single-node deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
)

// Store keeps committed state in maps guarded by a mutex. Transactions buffer
// their writes and validate every expected version again at commit.
type Store struct {
	mu          sync.RWMutex
	instances   map[string]*models.Instance
	jobs        map[string]*models.Job
	incidents   []*models.Incident
	deployments map[string]*models.Deployment
	definitions map[string]*models.DefinitionResource
	closed      bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		instances:   make(map[string]*models.Instance),
		jobs:        make(map[string]*models.Job),
		deployments: make(map[string]*models.Deployment),
		definitions: make(map[string]*models.DefinitionResource),
	}
}

// Begin opens a transaction.
func (s *Store) Begin(_ context.Context) (persistence.Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrTxDone
	}

	return &tx{
		store:           s,
		instances:       make(map[string]*models.Instance),
		jobs:            make(map[string]*models.Job),
		deployments:     make(map[string]*models.Deployment),
		resolved:        make(map[string]bool),
		expectInstances: make(map[string]int64),
		expectJobs:      make(map[string]int64),
		exclusiveLocks:  make(map[string]time.Time),
	}, nil
}

// HealthCheck always succeeds while the store is open.
func (s *Store) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return persistence.ErrTxDone
	}

	return nil
}

// Close rejects further transactions.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

type tx struct {
	store *Store

	// Buffered writes. A nil value marks a deletion.
	instances   map[string]*models.Instance
	jobs        map[string]*models.Job
	deployments map[string]*models.Deployment
	incidents   []*models.Incident
	resolved    map[string]bool

	// Committed versions the buffered writes were based on. Zero means absent.
	expectInstances map[string]int64
	expectJobs      map[string]int64

	// Exclusive jobs locked by this transaction, checked again at commit.
	exclusiveLocks map[string]time.Time

	done bool
}

func (t *tx) instance(id string) *models.Instance {
	if instance, ok := t.instances[id]; ok {
		return instance
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	return t.store.instances[id]
}

func (t *tx) job(id string) *models.Job {
	if job, ok := t.jobs[id]; ok {
		return job
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	return t.store.jobs[id]
}

func (t *tx) Instance(_ context.Context, id string) (*models.Instance, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	instance := t.instance(id)
	if instance == nil {
		return nil, persistence.NewEntityError("Instance", "instance", id, persistence.ErrInstanceNotFound)
	}

	return instance.Clone(), nil
}

func (t *tx) InstanceByExecution(ctx context.Context, executionID string) (*models.Instance, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	for _, id := range t.instanceIDs() {
		instance := t.instance(id)
		if instance != nil && instance.Has(executionID) {
			return instance.Clone(), nil
		}
	}

	return nil, persistence.NewEntityError("InstanceByExecution", "execution", executionID, persistence.ErrInstanceNotFound)
}

func (t *tx) instanceIDs() []string {
	t.store.mu.RLock()
	ids := make([]string, 0, len(t.store.instances)+len(t.instances))

	for id := range t.store.instances {
		ids = append(ids, id)
	}
	t.store.mu.RUnlock()

	for id := range t.instances {
		ids = append(ids, id)
	}

	return ids
}

func (t *tx) SaveInstance(_ context.Context, instance *models.Instance) error {
	if t.done {
		return persistence.ErrTxDone
	}

	var current int64
	if existing := t.instance(instance.ID); existing != nil {
		current = existing.Version
	}

	if current != instance.Version {
		return persistence.NewEntityError("SaveInstance", "instance", instance.ID, persistence.ErrConflict)
	}

	if _, ok := t.expectInstances[instance.ID]; !ok {
		t.expectInstances[instance.ID] = current
	}

	instance.Version++
	t.instances[instance.ID] = instance.Clone()

	return nil
}

func (t *tx) DeleteInstance(_ context.Context, instance *models.Instance) error {
	if t.done {
		return persistence.ErrTxDone
	}

	existing := t.instance(instance.ID)
	if existing == nil {
		return persistence.NewEntityError("DeleteInstance", "instance", instance.ID, persistence.ErrInstanceNotFound)
	}

	if existing.Version != instance.Version {
		return persistence.NewEntityError("DeleteInstance", "instance", instance.ID, persistence.ErrConflict)
	}

	if _, ok := t.expectInstances[instance.ID]; !ok {
		t.expectInstances[instance.ID] = existing.Version
	}

	t.instances[instance.ID] = nil

	return nil
}

func (t *tx) InsertJob(_ context.Context, job *models.Job) error {
	if t.done {
		return persistence.ErrTxDone
	}

	if t.job(job.ID) != nil {
		return persistence.NewEntityError("InsertJob", "job", job.ID, persistence.ErrAlreadyExists)
	}

	if _, ok := t.expectJobs[job.ID]; !ok {
		t.expectJobs[job.ID] = 0
	}

	job.Version = 1
	t.jobs[job.ID] = job.Clone()

	return nil
}

func (t *tx) Job(_ context.Context, id string) (*models.Job, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	job := t.job(id)
	if job == nil {
		return nil, persistence.NewEntityError("Job", "job", id, persistence.ErrJobNotFound)
	}

	return job.Clone(), nil
}

func (t *tx) UpdateJob(_ context.Context, job *models.Job) error {
	if t.done {
		return persistence.ErrTxDone
	}

	existing := t.job(job.ID)
	if existing == nil {
		return persistence.NewEntityError("UpdateJob", "job", job.ID, persistence.ErrJobNotFound)
	}

	if existing.Version != job.Version {
		return persistence.NewEntityError("UpdateJob", "job", job.ID, persistence.ErrConflict)
	}

	if _, ok := t.expectJobs[job.ID]; !ok {
		t.expectJobs[job.ID] = existing.Version
	}

	job.Version++
	t.jobs[job.ID] = job.Clone()

	return nil
}

func (t *tx) LockJob(ctx context.Context, job *models.Job, now time.Time) error {
	if t.done {
		return persistence.ErrTxDone
	}

	if job.Exclusive && lockedSibling(t.visibleJobs(), job, now) {
		return persistence.NewEntityError("LockJob", "job", job.ID, persistence.ErrConflict)
	}

	if err := t.UpdateJob(ctx, job); err != nil {
		return err
	}

	if job.Exclusive {
		t.exclusiveLocks[job.ID] = now
	}

	return nil
}

// lockedSibling reports whether another exclusive job of the instance of job
// holds a lock live at now.
func lockedSibling(jobs []*models.Job, job *models.Job, now time.Time) bool {
	for _, other := range jobs {
		if other.ID != job.ID && other.InstanceID == job.InstanceID && other.Exclusive && other.IsLocked(now) {
			return true
		}
	}

	return false
}

func (t *tx) DeleteJob(_ context.Context, job *models.Job) error {
	if t.done {
		return persistence.ErrTxDone
	}

	existing := t.job(job.ID)
	if existing == nil {
		return persistence.NewEntityError("DeleteJob", "job", job.ID, persistence.ErrJobNotFound)
	}

	if existing.Version != job.Version {
		return persistence.NewEntityError("DeleteJob", "job", job.ID, persistence.ErrConflict)
	}

	t.deleteJob(existing)

	return nil
}

func (t *tx) deleteJob(existing *models.Job) {
	if _, ok := t.expectJobs[existing.ID]; !ok {
		t.expectJobs[existing.ID] = existing.Version
	}

	t.jobs[existing.ID] = nil
}

func (t *tx) DeleteJobsByExecutions(_ context.Context, instanceID string, executionIDs []string) (int, error) {
	if t.done {
		return 0, persistence.ErrTxDone
	}

	wanted := make(map[string]bool, len(executionIDs))
	for _, id := range executionIDs {
		wanted[id] = true
	}

	deleted := 0

	for _, job := range t.visibleJobs() {
		if job.InstanceID == instanceID && wanted[job.ExecutionID] {
			t.deleteJob(job)
			deleted++
		}
	}

	return deleted, nil
}

func (t *tx) visibleJobs() []*models.Job {
	t.store.mu.RLock()
	jobs := make([]*models.Job, 0, len(t.store.jobs))

	for id, job := range t.store.jobs {
		if _, overlaid := t.jobs[id]; !overlaid {
			jobs = append(jobs, job)
		}
	}
	t.store.mu.RUnlock()

	for _, job := range t.jobs {
		if job != nil {
			jobs = append(jobs, job)
		}
	}

	return jobs
}

func (t *tx) JobsByInstance(_ context.Context, instanceID string) ([]*models.Job, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	var jobs []*models.Job

	for _, job := range t.visibleJobs() {
		if job.InstanceID == instanceID {
			jobs = append(jobs, job.Clone())
		}
	}

	sortJobs(jobs)

	return jobs, nil
}

func (t *tx) AcquirableJobs(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	all := t.visibleJobs()

	lockedExclusive := make(map[string]bool)

	for _, job := range all {
		if job.Exclusive && job.IsLocked(now) {
			lockedExclusive[job.InstanceID] = true
		}
	}

	var jobs []*models.Job

	for _, job := range all {
		if !job.IsAcquirable(now) {
			continue
		}

		if job.Exclusive && lockedExclusive[job.InstanceID] {
			continue
		}

		jobs = append(jobs, job.Clone())
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
	if t.done {
		return persistence.ErrTxDone
	}

	c := *incident
	t.incidents = append(t.incidents, &c)

	return nil
}

func (t *tx) Incidents(_ context.Context, instanceID string) ([]*models.Incident, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	t.store.mu.RLock()
	all := append(append([]*models.Incident{}, t.store.incidents...), t.incidents...)
	t.store.mu.RUnlock()

	var incidents []*models.Incident

	for _, incident := range all {
		if t.resolved[incident.ID] {
			continue
		}

		if instanceID == "" || incident.InstanceID == instanceID {
			c := *incident
			incidents = append(incidents, &c)
		}
	}

	return incidents, nil
}

func (t *tx) DeleteIncident(_ context.Context, id string) error {
	if t.done {
		return persistence.ErrTxDone
	}

	t.resolved[id] = true

	return nil
}

func (t *tx) SaveDeployment(_ context.Context, deployment *models.Deployment) error {
	if t.done {
		return persistence.ErrTxDone
	}

	c := *deployment
	t.deployments[deployment.ID] = &c

	return nil
}

func (t *tx) deployment(id string) *models.Deployment {
	if deployment, ok := t.deployments[id]; ok {
		return deployment
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	return t.store.deployments[id]
}

func (t *tx) Deployment(_ context.Context, id string) (*models.Deployment, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	deployment := t.deployment(id)
	if deployment == nil {
		return nil, persistence.NewEntityError("Deployment", "deployment", id, persistence.ErrDeploymentNotFound)
	}

	c := *deployment

	return &c, nil
}

func (t *tx) DeleteDeployment(_ context.Context, id string) error {
	if t.done {
		return persistence.ErrTxDone
	}

	if t.deployment(id) == nil {
		return persistence.NewEntityError("DeleteDeployment", "deployment", id, persistence.ErrDeploymentNotFound)
	}

	t.deployments[id] = nil

	return nil
}

func (t *tx) definitions() []*models.DefinitionResource {
	t.store.mu.RLock()
	var resources []*models.DefinitionResource

	for _, resource := range t.store.definitions {
		if deployment, overlaid := t.deployments[resource.DeploymentID]; overlaid && deployment == nil {
			continue
		}

		resources = append(resources, resource)
	}
	t.store.mu.RUnlock()

	for _, deployment := range t.deployments {
		if deployment != nil {
			resources = append(resources, deployment.Definitions...)
		}
	}

	return resources
}

func (t *tx) Definition(_ context.Context, definitionID string) (*models.DefinitionResource, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	for _, resource := range t.definitions() {
		if resource.ID == definitionID {
			c := *resource

			return &c, nil
		}
	}

	return nil, persistence.NewEntityError("Definition", "definition", definitionID, persistence.ErrDefinitionNotFound)
}

func (t *tx) LatestDefinition(_ context.Context, key string) (*models.DefinitionResource, error) {
	if t.done {
		return nil, persistence.ErrTxDone
	}

	var latest *models.DefinitionResource

	for _, resource := range t.definitions() {
		if resource.Key == key && (latest == nil || resource.Version > latest.Version) {
			latest = resource
		}
	}

	if latest == nil {
		return nil, persistence.NewEntityError("LatestDefinition", "definition", key, persistence.ErrDefinitionNotFound)
	}

	c := *latest

	return &c, nil
}

func (t *tx) Commit() error {
	if t.done {
		return persistence.ErrTxDone
	}

	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrTxDone
	}

	for id, expected := range t.expectInstances {
		var current int64
		if instance, ok := s.instances[id]; ok {
			current = instance.Version
		}

		if current != expected {
			return persistence.NewEntityError("Commit", "instance", id, persistence.ErrConflict)
		}
	}

	for id, expected := range t.expectJobs {
		var current int64
		if job, ok := s.jobs[id]; ok {
			current = job.Version
		}

		if current != expected {
			return persistence.NewEntityError("Commit", "job", id, persistence.ErrConflict)
		}
	}

	if len(t.exclusiveLocks) > 0 {
		committed := make([]*models.Job, 0, len(s.jobs))
		for _, job := range s.jobs {
			committed = append(committed, job)
		}

		for id, now := range t.exclusiveLocks {
			if job := t.jobs[id]; job != nil && lockedSibling(committed, job, now) {
				return persistence.NewEntityError("Commit", "job", id, persistence.ErrConflict)
			}
		}
	}

	for id, instance := range t.instances {
		if instance == nil {
			delete(s.instances, id)
		} else {
			s.instances[id] = instance
		}
	}

	for id, job := range t.jobs {
		if job == nil {
			delete(s.jobs, id)
		} else {
			s.jobs[id] = job
		}
	}

	incidents := s.incidents[:0]

	for _, incident := range append(s.incidents, t.incidents...) {
		if !t.resolved[incident.ID] {
			incidents = append(incidents, incident)
		}
	}

	s.incidents = incidents

	for id, deployment := range t.deployments {
		for resourceID, resource := range s.definitions {
			if resource.DeploymentID == id {
				delete(s.definitions, resourceID)
			}
		}

		if deployment == nil {
			delete(s.deployments, id)

			continue
		}

		s.deployments[id] = deployment
		for _, resource := range deployment.Definitions {
			s.definitions[resource.ID] = resource
		}
	}

	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return persistence.ErrTxDone
	}

	t.done = true

	return nil
}
