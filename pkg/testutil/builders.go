// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Logger returns a logger that discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// CreateTestInstance creates an instance with a root execution that can be overridden.
func CreateTestInstance(overrides ...func(*models.Instance)) *models.Instance {
	instance := models.NewInstance("order:1:"+uuid.New().String()[:8], "", map[string]any{"amount": 10})

	for _, override := range overrides {
		override(instance)
	}

	return instance
}

// CreateTestJob creates an unlocked, due async-continuation job for the given
// execution with default values that can be overridden.
func CreateTestJob(execution *models.Execution, overrides ...func(*models.Job)) *models.Job {
	job := models.NewJob(models.JobTypeAsyncContinuation, execution, "activity-start-create-scope", 3, true)
	job.DueAt = time.Now().UTC().Add(-time.Second)

	for _, override := range overrides {
		override(job)
	}

	return job
}

// WithDueAt sets the job due time.
func WithDueAt(dueAt time.Time) func(*models.Job) {
	return func(j *models.Job) {
		j.DueAt = dueAt
	}
}

// WithRetries sets the remaining retries.
func WithRetries(retries int) func(*models.Job) {
	return func(j *models.Job) {
		j.Retries = retries
	}
}

// WithIncident marks the job as exhausted.
func WithIncident(incidentID string) func(*models.Job) {
	return func(j *models.Job) {
		j.Retries = 0
		j.IncidentID = incidentID
	}
}

// WithExclusive sets the exclusive flag.
func WithExclusive(exclusive bool) func(*models.Job) {
	return func(j *models.Job) {
		j.Exclusive = exclusive
	}
}

// WithLock locks the job for owner until expiresAt.
func WithLock(owner string, expiresAt time.Time) func(*models.Job) {
	return func(j *models.Job) {
		j.LockOwner = owner
		j.LockExpiresAt = &expiresAt
	}
}

// CreateTestDeployment creates a deployment holding one definition resource per
// key. Every definition is a minimal start to end process.
func CreateTestDeployment(version int, keys ...string) *models.Deployment {
	deployment := &models.Deployment{
		ID:        uuid.New().String(),
		Name:      "test deployment",
		CreatedAt: time.Now().UTC(),
	}

	for _, key := range keys {
		data := []byte(fmt.Sprintf(`{"key":%q,"activities":[{"id":"s","type":"start"},{"id":"e","type":"end"}],`+
			`"transitions":[{"from":"s","to":"e"}]}`, key))

		deployment.Definitions = append(deployment.Definitions, &models.DefinitionResource{
			ID:           fmt.Sprintf("%s:%d:%s", key, version, deployment.ID),
			Key:          key,
			Version:      version,
			DeploymentID: deployment.ID,
			ResourceName: key + ".json",
			Checksum:     models.Checksum(data),
			Data:         data,
		})
	}

	return deployment
}

// CreateTestProcess parses a definition document deployed as version 1 of its key.
func CreateTestProcess(t testing.TB, document string) *definition.Process {
	t.Helper()

	decoded, err := definition.Decode([]byte(document))
	require.NoError(t, err)

	deploymentID := uuid.New().String()

	process, err := definition.Parse(&models.DefinitionResource{
		ID:           fmt.Sprintf("%s:1:%s", decoded.Key, deploymentID),
		Key:          decoded.Key,
		Version:      1,
		DeploymentID: deploymentID,
		Data:         []byte(document),
	})
	require.NoError(t, err)

	return process
}
