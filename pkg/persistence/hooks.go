package persistence

import (
	"context"
	"sync"
)

type hooksKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

// WithCommitHooks returns a context collecting callbacks registered through
// AfterCommit, and the function running them. The owner of the transaction
// calls it once the commit succeeded; on rollback the callbacks are dropped.
func WithCommitHooks(ctx context.Context) (context.Context, func(context.Context)) {
	hooks := &commitHooks{}

	run := func(ctx context.Context) {
		hooks.mu.Lock()
		fns := hooks.fns
		hooks.fns = nil
		hooks.mu.Unlock()

		for _, fn := range fns {
			fn(ctx)
		}
	}

	return context.WithValue(ctx, hooksKey{}, hooks), run
}

// AfterCommit defers fn until the transaction of ctx committed. Without a
// collecting context fn runs immediately.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	hooks, ok := ctx.Value(hooksKey{}).(*commitHooks)
	if !ok {
		fn(ctx)

		return
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()

	hooks.fns = append(hooks.fns, fn)
}
