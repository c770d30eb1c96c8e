package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/engine"
	"github.com/dukex/caseflow/pkg/models"
	cli "github.com/urfave/cli/v3"
)

var errMissingArgument = errors.New("missing argument")

// adminEngine runs one administrative command without executing jobs.
func adminEngine(ctx context.Context, command *cli.Command, fn func(*slog.Logger, *engine.ProcessEngine) error) error {
	return withEngine(ctx, command, fn, engine.WithJobExecutorActivate(false))
}

func readResources(paths []string) ([]engine.Resource, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: at least one definition file", errMissingArgument)
	}

	resources := make([]engine.Resource, 0, len(paths))

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
		}

		resources = append(resources, engine.Resource{Name: filepath.Base(path), Data: data})
	}

	return resources, nil
}

func NewDeployCommand() *cli.Command {
	return &cli.Command{
		Name:      "deploy",
		Usage:     "Deploy process definition files",
		ArgsUsage: "<file>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Deployment name",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			resources, err := readResources(command.Args().Slice())
			if err != nil {
				return err
			}

			return adminEngine(ctx, command, func(_ *slog.Logger, pe *engine.ProcessEngine) error {
				deployment, err := pe.Deploy(ctx, command.String("name"), resources...)
				if err != nil {
					return err
				}

				return printJSON(command, deployment)
			})
		},
	}
}

func NewStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a process instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "key",
				Usage: "Definition key, starting its latest version",
			},
			&cli.StringFlag{
				Name:  "definition-id",
				Usage: "Exact definition version to start",
			},
			&cli.StringFlag{
				Name:  "business-key",
				Usage: "Business key of the instance",
			},
			&cli.StringFlag{
				Name:  "variables",
				Usage: "Initial variables as a JSON object",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			variables, err := parseVariables(command.String("variables"))
			if err != nil {
				return err
			}

			key, definitionID := command.String("key"), command.String("definition-id")
			if (key == "") == (definitionID == "") {
				return fmt.Errorf("%w: exactly one of --key or --definition-id", errMissingArgument)
			}

			return adminEngine(ctx, command, func(_ *slog.Logger, pe *engine.ProcessEngine) error {
				var (
					instance *models.Instance
					err      error
				)

				if key != "" {
					instance, err = pe.StartProcessInstanceByKey(ctx, key, command.String("business-key"), variables)
				} else {
					instance, err = pe.StartProcessInstanceByID(ctx, definitionID, command.String("business-key"), variables)
				}

				if err != nil {
					return err
				}

				return printJSON(command, instance)
			})
		},
	}
}

func NewSignalCommand() *cli.Command {
	return &cli.Command{
		Name:      "signal",
		Usage:     "Deliver a signal to an execution",
		ArgsUsage: "<execution-id> <signal>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "variables",
				Usage: "Variables set on the execution before the signal, as a JSON object",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 2 {
				return fmt.Errorf("%w: execution id and signal name", errMissingArgument)
			}

			variables, err := parseVariables(command.String("variables"))
			if err != nil {
				return err
			}

			return adminEngine(ctx, command, func(_ *slog.Logger, pe *engine.ProcessEngine) error {
				instance, err := pe.Signal(ctx, command.Args().Get(0), command.Args().Get(1), nil, variables)
				if err != nil {
					return err
				}

				return printJSON(command, instance)
			})
		},
	}
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate process definition files without deploying them",
		ArgsUsage: "<file>...",
		Action: func(_ context.Context, command *cli.Command) error {
			resources, err := readResources(command.Args().Slice())
			if err != nil {
				return err
			}

			var invalid error

			for _, resource := range resources {
				if err := validateResource(resource); err != nil {
					invalid = errors.Join(invalid, fmt.Errorf("%s: %w", resource.Name, err))

					continue
				}

				fmt.Fprintf(output(command), "%s: valid\n", resource.Name)
			}

			return invalid
		},
	}
}

func validateResource(resource engine.Resource) error {
	document, err := definition.Decode(resource.Data)
	if err != nil {
		return err
	}

	_, err = definition.Parse(&models.DefinitionResource{
		ID:           document.Key + ":0",
		Key:          document.Key,
		ResourceName: resource.Name,
		Data:         resource.Data,
	})

	return err
}

func NewIncidentsCommand() *cli.Command {
	return &cli.Command{
		Name:      "incidents",
		Usage:     "List open incidents",
		ArgsUsage: "[instance-id]",
		Action: func(ctx context.Context, command *cli.Command) error {
			return adminEngine(ctx, command, func(_ *slog.Logger, pe *engine.ProcessEngine) error {
				incidents, err := pe.Incidents(ctx, command.Args().First())
				if err != nil {
					return err
				}

				if incidents == nil {
					incidents = []*models.Incident{}
				}

				return printJSON(command, incidents)
			})
		},
	}
}

func NewRetriesCommand() *cli.Command {
	return &cli.Command{
		Name:      "retries",
		Usage:     "Set the retries of a job, resolving its incident",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "retries",
				Usage: "New retry budget",
				Value: 1,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("%w: job id", errMissingArgument)
			}

			return adminEngine(ctx, command, func(_ *slog.Logger, pe *engine.ProcessEngine) error {
				job, err := pe.SetJobRetries(ctx, command.Args().First(), command.Int("retries"))
				if err != nil {
					return err
				}

				return printJSON(command, job)
			})
		},
	}
}
