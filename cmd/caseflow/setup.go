package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dukex/caseflow/pkg/cmd"
	"github.com/dukex/caseflow/pkg/config"
	"github.com/dukex/caseflow/pkg/engine"
	"github.com/dukex/caseflow/pkg/log"
	"github.com/dukex/caseflow/pkg/persistence/redisdefs"
	cli "github.com/urfave/cli/v3"
)

func setupLogging(ctx context.Context, command *cli.Command) (context.Context, error) {
	log.Setup(command.String("log-level"), command.String("log-format"))

	return ctx, nil
}

// withEngine builds an engine from the global flags, runs fn and releases
// everything fn was given.
func withEngine(ctx context.Context, command *cli.Command, fn func(*slog.Logger, *engine.ProcessEngine) error, opts ...engine.Option) (err error) {
	logger := log.WithModule("caseflow")
	closeCtx := context.WithoutCancel(ctx)

	cfg, err := config.LoadOrDefault(command.String("config"))
	if err != nil {
		return err
	}

	store, err := cmd.NewStore(ctx, logger, command.String("database-url"), cfg.SharedStore)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	defer func() {
		if closeErr := store.Close(closeCtx); closeErr != nil {
			logger.ErrorContext(closeCtx, "Failed to close store", "error", closeErr)
		}
	}()

	engineOpts := cfg.EngineOptions()

	if url := command.String("redis-url"); url != "" {
		client, err := redisdefs.NewClient(ctx, url)
		if err != nil {
			return err
		}

		engineOpts = append(engineOpts,
			engine.WithDefinitionCache(client, command.Duration("redis-ttl")),
			engine.WithCloser(func(context.Context) error { return client.Close() }),
		)
	}

	pe, err := engine.New(logger, store, append(engineOpts, opts...)...)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := pe.Close(closeCtx); closeErr != nil {
			logger.ErrorContext(closeCtx, "Failed to close engine", "error", closeErr)
		}
	}()

	return fn(logger, pe)
}

func output(command *cli.Command) io.Writer {
	if w := command.Root().Writer; w != nil {
		return w
	}

	return os.Stdout
}

func printJSON(command *cli.Command, v any) error {
	encoder := json.NewEncoder(output(command))
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}

func parseVariables(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}

	var variables map[string]any
	if err := json.Unmarshal([]byte(raw), &variables); err != nil {
		return nil, fmt.Errorf("variables must be a JSON object: %w", err)
	}

	return variables, nil
}
