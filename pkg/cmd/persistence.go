// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/persistence/bolt"
	"github.com/dukex/caseflow/pkg/persistence/memory"
	"github.com/dukex/caseflow/pkg/persistence/postgresql"
)

var ErrUnsupportedStore = errors.New("unsupported store provider")

var supportedStoreProviders = []string{"postgres", "postgresql", "bolt", "memory"}

// NewStore opens the store named by the URL scheme. With shared set, callers
// asking for the same URL get one store, closed once its last user closed it.
func NewStore(ctx context.Context, logger *slog.Logger, storeURL string, shared bool) (persistence.Store, error) {
	if !shared {
		return openStore(ctx, logger, storeURL)
	}

	return sharedStores.acquire(ctx, logger, storeURL)
}

func openStore(ctx context.Context, logger *slog.Logger, storeURL string) (persistence.Store, error) {
	provider, location := parseStoreProvider(storeURL)

	switch provider {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, storeURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "bolt":
		store, err := bolt.NewStore(ctx, logger, location)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q, expected one of %s",
			ErrUnsupportedStore, provider, strings.Join(supportedStoreProviders, ", "))
	}
}

func parseStoreProvider(storeURL string) (string, string) {
	provider, location, found := strings.Cut(storeURL, "://")
	if !found {
		return "", storeURL
	}

	return provider, location
}

var sharedStores = &storeRegistry{stores: make(map[string]*sharedStore)}

type storeRegistry struct {
	mu     sync.Mutex
	stores map[string]*sharedStore
}

func (r *storeRegistry) acquire(ctx context.Context, logger *slog.Logger, storeURL string) (persistence.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[storeURL]; ok {
		s.refs++

		return s, nil
	}

	store, err := openStore(ctx, logger, storeURL)
	if err != nil {
		return nil, err
	}

	s := &sharedStore{Store: store, registry: r, url: storeURL, refs: 1}
	r.stores[storeURL] = s

	return s, nil
}

func (r *storeRegistry) release(ctx context.Context, s *sharedStore) error {
	r.mu.Lock()

	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()

		return nil
	}

	delete(r.stores, s.url)
	r.mu.Unlock()

	return s.Store.Close(ctx)
}

// sharedStore counts the users of one store.
type sharedStore struct {
	persistence.Store

	registry *storeRegistry
	url      string
	refs     int
}

func (s *sharedStore) Close(ctx context.Context) error {
	return s.registry.release(ctx, s)
}
