// Package postgresql provides the PostgreSQL implementation of the transactional store.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements persistence.Store for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence creates a new PostgreSQL persistence layer and migrates its schema.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:     database,
		logger: logger,
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Begin starts a read committed transaction. Versioned writes are guarded by
// their WHERE clauses, so no stronger isolation is needed.
func (p *Persistence) Begin(ctx context.Context) (persistence.Tx, error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &tx{
		tx:          sqlTx,
		logger:      p.logger,
		instances:   &InstanceRepository{q: sqlTx},
		jobs:        &JobRepository{q: sqlTx, logger: p.logger},
		deployments: &DeploymentRepository{q: sqlTx, logger: p.logger},
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// querier is the subset of *sql.Tx the repositories use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type tx struct {
	tx     *sql.Tx
	logger *slog.Logger

	instances   *InstanceRepository
	jobs        *JobRepository
	deployments *DeploymentRepository
}

func (t *tx) Commit() error {
	return mapTxErr(t.tx.Commit())
}

func (t *tx) Rollback() error {
	return mapTxErr(t.tx.Rollback())
}

func mapTxErr(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return persistence.ErrTxDone
	}

	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// expectOne turns a versioned write that touched no row into a conflict.
func expectOne(result sql.Result, op, entity, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError(op, entity, id, persistence.ErrConflict)
	}

	return nil
}
