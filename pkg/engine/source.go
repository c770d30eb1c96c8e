package engine

import (
	"context"
	"fmt"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
)

// storeSource loads definition resources through the transaction of the
// running command, or a short read transaction outside of one.
type storeSource struct {
	store persistence.Store
}

func (s storeSource) LoadDefinition(ctx context.Context, definitionID string) (*models.DefinitionResource, error) {
	if tx, ok := persistence.TxFromContext(ctx); ok {
		return tx.Definition(ctx, definitionID)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = persistence.Rollback(tx) }()

	return tx.Definition(ctx, definitionID)
}
