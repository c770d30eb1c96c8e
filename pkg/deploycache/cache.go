// Package deploycache provides the bounded cache of parsed definitions shared
// by command execution and job workers.
package deploycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidCapacity is returned for caches configured with a non-positive capacity.
var ErrInvalidCapacity = errors.New("cache capacity must be positive")

// Source loads the raw resource of a deployed definition.
type Source interface {
	LoadDefinition(ctx context.Context, definitionID string) (*models.DefinitionResource, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, definitionID string) (*models.DefinitionResource, error)

func (f SourceFunc) LoadDefinition(ctx context.Context, definitionID string) (*models.DefinitionResource, error) {
	return f(ctx, definitionID)
}

// ParseFunc turns a raw resource into an immutable model.
type ParseFunc func(resource *models.DefinitionResource) (*definition.Process, error)

// LoadError reports a definition whose raw resource could not be parsed.
type LoadError struct {
	DefinitionID string
	Err          error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load definition %s: %v", e.DefinitionID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Cache maps definition identities to parsed models with least recently used
// eviction. Concurrent misses for the same identity may parse twice; the last
// insert wins.
type Cache struct {
	logger  *slog.Logger
	source  Source
	parse   ParseFunc
	entries *lru.Cache[string, *definition.Process]

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most capacity parsed definitions.
func New(logger *slog.Logger, source Source, parse ParseFunc, capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	if parse == nil {
		parse = definition.Parse
	}

	c := &Cache{
		logger: logger.With("module", "deploycache"),
		source: source,
		parse:  parse,
	}

	entries, err := lru.NewWithEvict[string, *definition.Process](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}

	c.entries = entries

	return c, nil
}

// Resolve returns the cached model or loads, parses and caches it.
func (c *Cache) Resolve(ctx context.Context, definitionID string) (*definition.Process, error) {
	if process, ok := c.entries.Get(definitionID); ok {
		c.hits.Add(1)

		return process, nil
	}

	c.misses.Add(1)

	resource, err := c.source.LoadDefinition(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s: %w", definitionID, err)
	}

	process, err := c.parse(resource)
	if err != nil {
		return nil, &LoadError{DefinitionID: definitionID, Err: err}
	}

	c.entries.Add(definitionID, process)
	c.logger.DebugContext(ctx, "Cached definition", "definition_id", definitionID, "deployment_id", process.DeploymentID)

	return process, nil
}

// Put inserts an already parsed model, e.g. right after a deployment.
func (c *Cache) Put(process *definition.Process) {
	c.entries.Add(process.ID, process)
}

// EvictByDeployment removes every entry introduced by the deployment and
// returns how many were removed.
func (c *Cache) EvictByDeployment(deploymentID string) int {
	removed := 0

	for _, id := range c.entries.Keys() {
		process, ok := c.entries.Peek(id)
		if !ok || process.DeploymentID != deploymentID {
			continue
		}

		if c.entries.Remove(id) {
			removed++
		}
	}

	return removed
}

// Contains reports whether the definition is cached without touching its recency.
func (c *Cache) Contains(definitionID string) bool {
	return c.entries.Contains(definitionID)
}

// Len returns the number of cached definitions.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) onEvict(definitionID string, process *definition.Process) {
	c.logger.Debug("Evicted definition", "definition_id", definitionID, "deployment_id", process.DeploymentID)
}
