package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/caseflow/pkg/otelhelper"
	"github.com/dukex/caseflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Command is one unit of work run inside a single transaction. The
// transaction is also carried by ctx.
type Command[T any] func(ctx context.Context, tx persistence.Tx) (T, error)

// CommandExecutor runs commands, each in its own transaction, committing on
// success and rolling back on error. Callbacks registered with
// persistence.AfterCommit run once the commit succeeded.
type CommandExecutor struct {
	logger *slog.Logger
	store  persistence.Store
	tracer trace.Tracer
}

// NewCommandExecutor creates a command executor over the store.
func NewCommandExecutor(logger *slog.Logger, store persistence.Store, tracer trace.Tracer) *CommandExecutor {
	return &CommandExecutor{
		logger: logger.With("module", "command_executor"),
		store:  store,
		tracer: tracer,
	}
}

// Execute runs cmd in a new transaction.
func Execute[T any](ctx context.Context, ce *CommandExecutor, name string, cmd Command[T]) (T, error) {
	var zero T

	ctx, span := otelhelper.StartSpan(ctx, ce.tracer, "engine."+name,
		attribute.String(otelhelper.CommandKey, name))
	defer span.End()

	tx, err := ce.store.Begin(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = persistence.Rollback(tx) }()

	ctx, afterCommit := persistence.WithCommitHooks(persistence.ContextWithTx(ctx, tx))

	result, err := cmd(ctx, tx)
	if err != nil {
		otelhelper.SetError(span, err)

		if persistence.IsConflict(err) {
			ce.logger.DebugContext(ctx, "Command lost a write race", "command", name, "error", err)
		}

		return zero, err
	}

	if err := tx.Commit(); err != nil {
		otelhelper.SetError(span, err)

		return zero, fmt.Errorf("failed to commit %s: %w", name, err)
	}

	afterCommit(ctx)

	return result, nil
}
