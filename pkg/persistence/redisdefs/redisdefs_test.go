package redisdefs_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/caseflow/pkg/deploycache"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence/redisdefs"
	"github.com/dukex/caseflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return "redis://" + endpoint + "/0"
}

func TestSourceReadsThrough(t *testing.T) {
	url := setupRedis(t)
	ctx := context.Background()

	client, err := redisdefs.NewClient(ctx, url)
	require.NoError(t, err)

	defer func() {
		_ = client.Close()
	}()

	deployment := testutil.CreateTestDeployment(1, "order")
	resource := deployment.Definitions[0]

	var loads atomic.Int32

	next := deploycache.SourceFunc(func(_ context.Context, id string) (*models.DefinitionResource, error) {
		loads.Add(1)

		if id != resource.ID {
			return nil, errors.New("unknown")
		}

		return resource, nil
	})

	source := redisdefs.NewSource(testutil.Logger(), client, next, time.Minute)

	first, err := source.LoadDefinition(ctx, resource.ID)
	require.NoError(t, err)
	assert.Equal(t, resource.Data, first.Data)

	second, err := source.LoadDefinition(ctx, resource.ID)
	require.NoError(t, err)
	assert.Equal(t, resource.Key, second.Key)
	assert.Equal(t, resource.DeploymentID, second.DeploymentID)
	assert.Equal(t, int32(1), loads.Load())

	require.NoError(t, source.Forget(ctx, resource.ID))

	_, err = source.LoadDefinition(ctx, resource.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())

	_, err = source.LoadDefinition(ctx, "missing")
	require.Error(t, err)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := redisdefs.NewClient(context.Background(), "not-a-url")
	require.Error(t, err)
}
