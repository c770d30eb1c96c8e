package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
)

// DeploymentRepository handles deployments and their definition resources.
type DeploymentRepository struct {
	q      querier
	logger *slog.Logger
}

// Save stores a deployment with all of its definitions.
func (r *DeploymentRepository) Save(ctx context.Context, deployment *models.Deployment) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO deployments (id, name, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		deployment.ID, deployment.Name, deployment.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save deployment: %w", err)
	}

	query := `
		INSERT INTO definitions (id, key, version, deployment_id, resource_name, checksum, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			resource_name = EXCLUDED.resource_name,
			checksum = EXCLUDED.checksum,
			data = EXCLUDED.data
	`

	for _, resource := range deployment.Definitions {
		_, err := r.q.ExecContext(ctx, query,
			resource.ID,
			resource.Key,
			resource.Version,
			deployment.ID,
			resource.ResourceName,
			resource.Checksum,
			resource.Data,
		)
		if err != nil {
			return fmt.Errorf("failed to save definition %s: %w", resource.ID, err)
		}
	}

	return nil
}

// GetByID retrieves a deployment with its definitions.
func (r *DeploymentRepository) GetByID(ctx context.Context, id string) (*models.Deployment, error) {
	var deployment models.Deployment

	err := r.q.QueryRowContext(ctx, `SELECT id, name, created_at FROM deployments WHERE id = $1`, id).
		Scan(&deployment.ID, &deployment.Name, &deployment.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("Deployment", "deployment", id, persistence.ErrDeploymentNotFound)
		}

		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}

	definitions, err := r.queryDefinitions(ctx,
		`SELECT id, key, version, deployment_id, resource_name, checksum, data
		FROM definitions WHERE deployment_id = $1 ORDER BY key`, id)
	if err != nil {
		return nil, err
	}

	deployment.Definitions = definitions

	return &deployment, nil
}

// Delete removes a deployment. Its definitions cascade.
func (r *DeploymentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("DeleteDeployment", "deployment", id, persistence.ErrDeploymentNotFound)
	}

	return nil
}

// Definition retrieves one definition resource.
func (r *DeploymentRepository) Definition(ctx context.Context, definitionID string) (*models.DefinitionResource, error) {
	definitions, err := r.queryDefinitions(ctx,
		`SELECT id, key, version, deployment_id, resource_name, checksum, data
		FROM definitions WHERE id = $1`, definitionID)
	if err != nil {
		return nil, err
	}

	if len(definitions) == 0 {
		return nil, persistence.NewEntityError("Definition", "definition", definitionID, persistence.ErrDefinitionNotFound)
	}

	return definitions[0], nil
}

// LatestDefinition retrieves the highest version deployed for a key.
func (r *DeploymentRepository) LatestDefinition(ctx context.Context, key string) (*models.DefinitionResource, error) {
	definitions, err := r.queryDefinitions(ctx,
		`SELECT id, key, version, deployment_id, resource_name, checksum, data
		FROM definitions WHERE key = $1 ORDER BY version DESC LIMIT 1`, key)
	if err != nil {
		return nil, err
	}

	if len(definitions) == 0 {
		return nil, persistence.NewEntityError("LatestDefinition", "definition", key, persistence.ErrDefinitionNotFound)
	}

	return definitions[0], nil
}

func (r *DeploymentRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]*models.DefinitionResource, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var definitions []*models.DefinitionResource

	for rows.Next() {
		var (
			resource               models.DefinitionResource
			resourceName, checksum sql.NullString
		)

		err := rows.Scan(
			&resource.ID,
			&resource.Key,
			&resource.Version,
			&resource.DeploymentID,
			&resourceName,
			&checksum,
			&resource.Data,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		resource.ResourceName = resourceName.String
		resource.Checksum = checksum.String
		definitions = append(definitions, &resource)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return definitions, nil
}
