package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "caseflow",
		EnableShellCompletion: true,
		Usage:                 "Run and administer the caseflow process engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Store URL (postgres://, bolt://<path> or memory://)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the engine configuration file",
				Value:   "caseflow.yaml",
				Sources: cli.EnvVars("CASEFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL sharing deployed definitions between nodes",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "redis-ttl",
				Usage:   "Expiry of definitions shared through Redis",
				Value:   0,
				Sources: cli.EnvVars("REDIS_TTL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			NewRunCommand(),
			NewDeployCommand(),
			NewStartCommand(),
			NewSignalCommand(),
			NewValidateCommand(),
			NewIncidentsCommand(),
			NewRetriesCommand(),
		},
	}
}
