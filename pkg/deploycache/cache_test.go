package deploycache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("missing")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySource struct {
	mu        sync.Mutex
	resources map[string]*models.DefinitionResource
	loads     atomic.Int64
}

func newMemorySource() *memorySource {
	return &memorySource{resources: make(map[string]*models.DefinitionResource)}
}

func (s *memorySource) add(id, deploymentID, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resources[id] = &models.DefinitionResource{
		ID:           id,
		Key:          "order",
		Version:      1,
		DeploymentID: deploymentID,
		Data:         []byte(data),
	}
}

func (s *memorySource) LoadDefinition(_ context.Context, id string) (*models.DefinitionResource, error) {
	s.loads.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	resource, ok := s.resources[id]
	if !ok {
		return nil, errMissing
	}

	return resource, nil
}

const validDefinition = `{"key":"order","activities":[{"id":"s","type":"start"},{"id":"e","type":"end"}],
	"transitions":[{"from":"s","to":"e"}]}`

func TestNewRejectsInvalidCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(testLogger(), newMemorySource(), nil, 0)
	require.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	source := newMemorySource()
	source.add("order:1", "dep-1", validDefinition)

	cache, err := New(testLogger(), source, nil, 4)
	require.NoError(t, err)

	first, err := cache.Resolve(context.Background(), "order:1")
	require.NoError(t, err)

	second, err := cache.Resolve(context.Background(), "order:1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), source.loads.Load())

	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestResolveNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 3

	source := newMemorySource()
	for n := range 10 {
		source.add(fmt.Sprintf("order:%d", n), "dep", validDefinition)
	}

	cache, err := New(testLogger(), source, nil, capacity)
	require.NoError(t, err)

	for n := range 10 {
		_, err := cache.Resolve(context.Background(), fmt.Sprintf("order:%d", n))
		require.NoError(t, err)
		assert.LessOrEqual(t, cache.Len(), capacity)
	}

	assert.True(t, cache.Contains("order:9"))
	assert.False(t, cache.Contains("order:0"))
}

func TestResolveReadRefreshesRecency(t *testing.T) {
	t.Parallel()

	source := newMemorySource()
	for _, id := range []string{"a", "b", "c"} {
		source.add(id, "dep", validDefinition)
	}

	cache, err := New(testLogger(), source, nil, 2)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = cache.Resolve(ctx, "a")
	require.NoError(t, err)
	_, err = cache.Resolve(ctx, "b")
	require.NoError(t, err)
	_, err = cache.Resolve(ctx, "a")
	require.NoError(t, err)
	_, err = cache.Resolve(ctx, "c")
	require.NoError(t, err)

	assert.True(t, cache.Contains("a"))
	assert.False(t, cache.Contains("b"))
	assert.True(t, cache.Contains("c"))
}

func TestResolveParseFailureLeavesCacheUnchanged(t *testing.T) {
	t.Parallel()

	source := newMemorySource()
	source.add("broken", "dep", `{"key":"order","activities":[]}`)

	cache, err := New(testLogger(), source, nil, 2)
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), "broken")
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "broken", loadErr.DefinitionID)
	assert.ErrorIs(t, err, definition.ErrInvalidDefinition)
	assert.Equal(t, 0, cache.Len())
}

func TestResolveSourceFailure(t *testing.T) {
	t.Parallel()

	cache, err := New(testLogger(), newMemorySource(), nil, 2)
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), "unknown")
	require.ErrorIs(t, err, errMissing)
	assert.Equal(t, 0, cache.Len())
}

func TestEvictByDeployment(t *testing.T) {
	t.Parallel()

	source := newMemorySource()
	source.add("a", "dep-1", validDefinition)
	source.add("b", "dep-1", validDefinition)
	source.add("c", "dep-2", validDefinition)

	cache, err := New(testLogger(), source, nil, 10)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, err := cache.Resolve(context.Background(), id)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, cache.EvictByDeployment("dep-1"))
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Contains("c"))
	assert.Equal(t, 0, cache.EvictByDeployment("dep-1"))
}

func TestEvictedModelStaysUsable(t *testing.T) {
	t.Parallel()

	source := newMemorySource()
	source.add("a", "dep-1", validDefinition)

	cache, err := New(testLogger(), source, nil, 1)
	require.NoError(t, err)

	held, err := cache.Resolve(context.Background(), "a")
	require.NoError(t, err)

	cache.EvictByDeployment("dep-1")

	start, ok := held.Activity("s")
	require.True(t, ok)
	assert.Equal(t, definition.TypeStart, start.Type)
}

func TestConcurrentResolveAndEvict(t *testing.T) {
	t.Parallel()

	source := newMemorySource()
	for n := range 20 {
		source.add(fmt.Sprintf("d%d", n), fmt.Sprintf("dep-%d", n%3), validDefinition)
	}

	cache, err := New(testLogger(), source, nil, 5)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for worker := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for n := range 200 {
				id := fmt.Sprintf("d%d", (n+worker)%20)

				process, err := cache.Resolve(context.Background(), id)
				assert.NoError(t, err)
				assert.Equal(t, id, process.ID)

				if n%17 == 0 {
					cache.EvictByDeployment(fmt.Sprintf("dep-%d", n%3))
				}
			}
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, cache.Len(), 5)
}

func TestPut(t *testing.T) {
	t.Parallel()

	source := newMemorySource()

	cache, err := New(testLogger(), source, nil, 2)
	require.NoError(t, err)

	cache.Put(&definition.Process{ID: "warm", DeploymentID: "dep"})

	process, err := cache.Resolve(context.Background(), "warm")
	require.NoError(t, err)
	assert.Equal(t, "warm", process.ID)
	assert.Equal(t, int64(0), source.loads.Load())
}
