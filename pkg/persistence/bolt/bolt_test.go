package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/persistence/bolt"
	"github.com/dukex/caseflow/pkg/persistence/storetest"
	"github.com/dukex/caseflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) persistence.Store {
	t.Helper()

	store, err := bolt.NewStore(context.Background(), testutil.Logger(), filepath.Join(t.TempDir(), "caseflow.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	return store
}

func TestStore(t *testing.T) {
	t.Parallel()

	storetest.Run(t, newStore)
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "caseflow.db")
	instance := testutil.CreateTestInstance()

	store, err := bolt.NewStore(ctx, testutil.Logger(), path)
	require.NoError(t, err)

	storetest.InTx(t, store, func(ctx context.Context, tx persistence.Tx) {
		require.NoError(t, tx.SaveInstance(ctx, instance))
	})
	require.NoError(t, store.Close(ctx))

	reopened, err := bolt.NewStore(ctx, testutil.Logger(), path)
	require.NoError(t, err)

	defer func() {
		_ = reopened.Close(ctx)
	}()

	require.NoError(t, reopened.HealthCheck(ctx))

	storetest.InTx(t, reopened, func(ctx context.Context, tx persistence.Tx) {
		loaded, err := tx.InstanceByExecution(ctx, instance.RootID)
		require.NoError(t, err)
		assert.Equal(t, instance.ID, loaded.ID)
		assert.Equal(t, int64(1), loaded.Version)
	})
}
