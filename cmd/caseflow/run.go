package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/caseflow/pkg/cmd"
	"github.com/dukex/caseflow/pkg/engine"
	"github.com/dukex/caseflow/pkg/eventbus"
	"github.com/dukex/caseflow/pkg/log"
	"github.com/dukex/caseflow/pkg/otelhelper"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Run an engine node executing due jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "node-id",
				Aliases: []string{"id"},
				Usage:   "Node ID stamped on published events (auto-generated if not provided)",
				Sources: cli.EnvVars("NODE_ID"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers of the kafka event bus",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			nodeID := command.String("node-id")
			if nodeID == "" {
				nodeID = "node-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("caseflow-run").With("node_id", nodeID)

			var opts []engine.Option

			if command.Bool("otel-enabled") {
				tracer, shutdown, err := otelhelper.NewTracer(ctx, "caseflow")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.ErrorContext(ctx, "Failed to shut down tracer", "error", err)
					}
				}()

				opts = append(opts, engine.WithTracer(tracer))
			}

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			notifier := eventbus.NewNotifier(logger, eventBus, nodeID)
			opts = append(opts, engine.WithListener(notifier), engine.WithFailureListener(notifier))

			return withEngine(ctx, command, func(logger *slog.Logger, pe *engine.ProcessEngine) error {
				if err := pe.HealthCheck(ctx); err != nil {
					return fmt.Errorf("store is not healthy: %w", err)
				}

				if err := pe.Start(ctx); err != nil {
					return fmt.Errorf("failed to start engine: %w", err)
				}

				logger.InfoContext(ctx, "Engine node running", "node_id", nodeID, "lock_owner", pe.Scheduler().LockOwner())

				<-ctx.Done()

				logger.InfoContext(context.WithoutCancel(ctx), "Shutting down engine node")

				return nil
			}, opts...)
		},
	}
}
