package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/lib/pq"
)

const jobColumns = `id, type, execution_id, instance_id, definition_id, deployment_id, configuration,
	due_at, lock_owner, lock_expires_at, retries, failures, last_error, incident_id, exclusive, version, created_at`

// JobRepository handles job and incident rows.
type JobRepository struct {
	q      querier
	logger *slog.Logger
}

// Insert stores a new job with version 1.
func (r *JobRepository) Insert(ctx context.Context, job *models.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16)
		ON CONFLICT (id) DO NOTHING`

	result, err := r.q.ExecContext(ctx, query,
		job.ID,
		job.Type,
		job.ExecutionID,
		job.InstanceID,
		job.DefinitionID,
		nullString(job.DeploymentID),
		nullString(job.Configuration),
		job.DueAt,
		nullString(job.LockOwner),
		job.LockExpiresAt,
		job.Retries,
		job.Failures,
		nullString(job.LastError),
		nullString(job.IncidentID),
		job.Exclusive,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("InsertJob", "job", job.ID, persistence.ErrAlreadyExists)
	}

	job.Version = 1

	return nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := r.scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("Job", "job", id, persistence.ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	return job, nil
}

// Update writes every mutable column conditioned on the job version.
func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs SET
			due_at = $3, lock_owner = $4, lock_expires_at = $5, retries = $6,
			failures = $7, last_error = $8, configuration = $9, incident_id = $10, version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := r.q.ExecContext(ctx, query,
		job.ID,
		job.Version,
		job.DueAt,
		nullString(job.LockOwner),
		job.LockExpiresAt,
		job.Retries,
		job.Failures,
		nullString(job.LastError),
		nullString(job.Configuration),
		nullString(job.IncidentID),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if err := r.expectJob(ctx, result, "UpdateJob", job.ID); err != nil {
		return err
	}

	job.Version++

	return nil
}

// Lock writes the lock columns conditioned on the job version. Exclusive jobs
// first take the transaction advisory lock of their instance, so concurrent
// claims on one instance run one after the other and the sibling check below
// sees the lock a previous claim committed.
func (r *JobRepository) Lock(ctx context.Context, job *models.Job, now time.Time) error {
	if job.Exclusive {
		if _, err := r.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, job.InstanceID); err != nil {
			return fmt.Errorf("failed to lock instance %s: %w", job.InstanceID, err)
		}
	}

	query := `
		UPDATE jobs j SET lock_owner = $3, lock_expires_at = $4, version = j.version + 1
		WHERE j.id = $1 AND j.version = $2
			AND NOT (j.exclusive AND EXISTS (
				SELECT 1 FROM jobs l
				WHERE l.instance_id = j.instance_id
					AND l.id <> j.id
					AND l.exclusive
					AND l.lock_owner IS NOT NULL
					AND l.lock_expires_at > $5
			))
	`

	result, err := r.q.ExecContext(ctx, query,
		job.ID,
		job.Version,
		nullString(job.LockOwner),
		job.LockExpiresAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to lock job: %w", err)
	}

	if err := r.expectJob(ctx, result, "LockJob", job.ID); err != nil {
		return err
	}

	job.Version++

	return nil
}

// Delete removes a job conditioned on its version.
func (r *JobRepository) Delete(ctx context.Context, job *models.Job) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1 AND version = $2`, job.ID, job.Version)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return r.expectJob(ctx, result, "DeleteJob", job.ID)
}

func (r *JobRepository) expectJob(ctx context.Context, result sql.Result, op, id string) error {
	err := expectOne(result, op, "job", id)
	if err == nil {
		return nil
	}

	var exists bool

	checkErr := r.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)
	if checkErr == nil && !exists {
		return persistence.NewEntityError(op, "job", id, persistence.ErrJobNotFound)
	}

	return err
}

// DeleteByExecutions removes every job owned by the given executions.
func (r *JobRepository) DeleteByExecutions(ctx context.Context, instanceID string, executionIDs []string) (int, error) {
	if len(executionIDs) == 0 {
		return 0, nil
	}

	result, err := r.q.ExecContext(ctx,
		`DELETE FROM jobs WHERE instance_id = $1 AND execution_id = ANY($2)`,
		instanceID, pq.Array(executionIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

// GetByInstance lists the jobs of an instance ordered by due time.
func (r *JobRepository) GetByInstance(ctx context.Context, instanceID string) ([]*models.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE instance_id = $1 ORDER BY due_at, created_at`,
		instanceID)
}

// Acquirable lists due, unlocked jobs without an incident. Exclusive jobs are
// skipped while another exclusive job of the same instance holds a live lock.
func (r *JobRepository) Acquirable(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs j
		WHERE j.incident_id IS NULL
			AND j.due_at <= $1
			AND (j.lock_owner IS NULL OR j.lock_expires_at IS NULL OR j.lock_expires_at <= $1)
			AND NOT (j.exclusive AND EXISTS (
				SELECT 1 FROM jobs l
				WHERE l.instance_id = j.instance_id
					AND l.exclusive
					AND l.lock_owner IS NOT NULL
					AND l.lock_expires_at > $1
			))
		ORDER BY j.due_at, j.created_at
		LIMIT $2
	`

	return r.query(ctx, query, now, limit)
}

func (r *JobRepository) query(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var jobs []*models.Job

	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func (r *JobRepository) scanJob(row scanner) (*models.Job, error) {
	var (
		job                                               models.Job
		deploymentID, configuration, lockOwner, lastError sql.NullString
		incidentID                                        sql.NullString
		lockExpiresAt                                     sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.ExecutionID,
		&job.InstanceID,
		&job.DefinitionID,
		&deploymentID,
		&configuration,
		&job.DueAt,
		&lockOwner,
		&lockExpiresAt,
		&job.Retries,
		&job.Failures,
		&lastError,
		&incidentID,
		&job.Exclusive,
		&job.Version,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.DeploymentID = deploymentID.String
	job.Configuration = configuration.String
	job.LockOwner = lockOwner.String
	job.LastError = lastError.String
	job.IncidentID = incidentID.String
	job.DueAt = job.DueAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()

	if lockExpiresAt.Valid {
		expiresAt := lockExpiresAt.Time.UTC()
		job.LockExpiresAt = &expiresAt
	}

	return &job, nil
}

// InsertIncident stores an incident.
func (r *JobRepository) InsertIncident(ctx context.Context, incident *models.Incident) error {
	query := `
		INSERT INTO incidents (id, job_id, job_type, execution_id, instance_id, definition_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.q.ExecContext(ctx, query,
		incident.ID,
		incident.JobID,
		incident.JobType,
		incident.ExecutionID,
		incident.InstanceID,
		incident.DefinitionID,
		incident.Message,
		incident.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	return nil
}

// DeleteIncident removes an incident row.
func (r *JobRepository) DeleteIncident(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM incidents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete incident: %w", err)
	}

	return nil
}

// Incidents lists incidents of an instance, or all of them for an empty instanceID.
func (r *JobRepository) Incidents(ctx context.Context, instanceID string) ([]*models.Incident, error) {
	query := `
		SELECT id, job_id, job_type, execution_id, instance_id, definition_id, message, created_at
		FROM incidents
		WHERE $1 = '' OR instance_id = $1
		ORDER BY created_at
	`

	rows, err := r.q.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var incidents []*models.Incident

	for rows.Next() {
		var (
			incident models.Incident
			message  sql.NullString
		)

		err := rows.Scan(
			&incident.ID,
			&incident.JobID,
			&incident.JobType,
			&incident.ExecutionID,
			&incident.InstanceID,
			&incident.DefinitionID,
			&message,
			&incident.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}

		incident.Message = message.String
		incidents = append(incidents, &incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}

	return incidents, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
