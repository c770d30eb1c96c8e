// Package redisdefs shares raw definition resources between engine nodes
// through Redis, in front of the transactional store.
package redisdefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/caseflow/pkg/deploycache"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "caseflow:definition:"

// Source is a read-through deploycache.Source. Definition resources are
// immutable per identity, so entries only expire by TTL or explicit Forget.
type Source struct {
	client redis.UniversalClient
	next   deploycache.Source
	ttl    time.Duration
	logger *slog.Logger
}

// NewClient connects to the Redis server at url (redis://host:port/db).
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// NewSource wraps next with a Redis cache.
func NewSource(logger *slog.Logger, client redis.UniversalClient, next deploycache.Source, ttl time.Duration) *Source {
	return &Source{
		client: client,
		next:   next,
		ttl:    ttl,
		logger: logger.With("module", "redisdefs"),
	}
}

// LoadDefinition returns the cached resource or loads and caches it. Redis
// failures degrade to reading through.
func (s *Source) LoadDefinition(ctx context.Context, definitionID string) (*models.DefinitionResource, error) {
	data, err := s.client.Get(ctx, keyPrefix+definitionID).Bytes()

	switch {
	case err == nil:
		var resource models.DefinitionResource
		if err := json.Unmarshal(data, &resource); err == nil {
			return &resource, nil
		}

		s.logger.WarnContext(ctx, "Discarding undecodable cached definition", "definition_id", definitionID)
	case errors.Is(err, redis.Nil):
	default:
		s.logger.WarnContext(ctx, "Redis read failed, loading from store", "definition_id", definitionID, "error", err)
	}

	resource, err := s.next.LoadDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition %s: %w", definitionID, err)
	}

	if err := s.client.Set(ctx, keyPrefix+definitionID, encoded, s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "Redis write failed", "definition_id", definitionID, "error", err)
	}

	return resource, nil
}

// Forget removes the given definitions from Redis.
func (s *Source) Forget(ctx context.Context, definitionIDs ...string) error {
	if len(definitionIDs) == 0 {
		return nil
	}

	keys := make([]string, len(definitionIDs))
	for n, id := range definitionIDs {
		keys[n] = keyPrefix + id
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to forget definitions: %w", err)
	}

	return nil
}
