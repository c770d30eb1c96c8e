package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
)

// InstanceRepository handles process instance rows. The execution tree is kept
// in a jsonb document and the version column is authoritative.
type InstanceRepository struct {
	q querier
}

// Save inserts a new instance or updates an existing one conditioned on its version.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.Instance) error {
	next := instance.Version + 1

	stored := *instance
	stored.Version = next

	stateJSON, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal instance state: %w", err)
	}

	if instance.Version == 0 {
		query := `
			INSERT INTO instances (id, definition_id, business_key, version, ended, state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`

		result, err := r.q.ExecContext(ctx, query,
			instance.ID, instance.DefinitionID, instance.BusinessKey, next, instance.Ended, stateJSON, instance.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert instance: %w", err)
		}

		if err := expectOne(result, "SaveInstance", "instance", instance.ID); err != nil {
			return err
		}

		instance.Version = next

		return nil
	}

	query := `
		UPDATE instances
		SET version = $3, ended = $4, state = $5, business_key = $6
		WHERE id = $1 AND version = $2
	`

	result, err := r.q.ExecContext(ctx, query,
		instance.ID, instance.Version, next, instance.Ended, stateJSON, instance.BusinessKey)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	if err := expectOne(result, "SaveInstance", "instance", instance.ID); err != nil {
		return err
	}

	instance.Version = next

	return nil
}

// GetByID retrieves an instance by its ID.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	row := r.q.QueryRowContext(ctx, `SELECT version, state FROM instances WHERE id = $1`, id)

	instance, err := r.scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("Instance", "instance", id, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

// GetByExecution retrieves the instance owning an execution.
func (r *InstanceRepository) GetByExecution(ctx context.Context, executionID string) (*models.Instance, error) {
	row := r.q.QueryRowContext(ctx, `SELECT version, state FROM instances WHERE state->'executions' ? $1`, executionID)

	instance, err := r.scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("InstanceByExecution", "execution", executionID, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

// Delete removes an instance conditioned on its version.
func (r *InstanceRepository) Delete(ctx context.Context, instance *models.Instance) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM instances WHERE id = $1 AND version = $2`, instance.ID, instance.Version)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	if err := expectOne(result, "DeleteInstance", "instance", instance.ID); err != nil {
		var exists bool

		checkErr := r.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM instances WHERE id = $1)`, instance.ID).Scan(&exists)
		if checkErr == nil && !exists {
			return persistence.NewEntityError("DeleteInstance", "instance", instance.ID, persistence.ErrInstanceNotFound)
		}

		return err
	}

	return nil
}

func (r *InstanceRepository) scanInstance(row scanner) (*models.Instance, error) {
	var (
		version   int64
		stateJSON []byte
	)

	if err := row.Scan(&version, &stateJSON); err != nil {
		return nil, err
	}

	var instance models.Instance
	if err := json.Unmarshal(stateJSON, &instance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance state: %w", err)
	}

	instance.Version = version

	if instance.Executions == nil {
		instance.Executions = make(map[string]*models.Execution)
	}

	return &instance, nil
}
