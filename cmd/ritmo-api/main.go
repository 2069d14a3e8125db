package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/ritmohq/ritmo/pkg/cmd"
	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/log"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "ritmo-api",
		Usage:                 "Create, validate and manage workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the suspension wake store",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("ritmo-api")
			logger.InfoContext(ctx, "Initializing API")

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			// The API needs the engine only for run cancellation; execution
			// itself happens in the workers.
			eng := engine.New(engine.Config{
				Persistence: persistence,
				Registry:    cmd.NewRegistry(),
				Suspensions: cmd.NewSuspensionStore(command.String("redis-url")),
				EventBus:    eventBus,
				WorkerID:    "api",
			})

			api := NewAPI(logger, persistence, eng, eventBus)

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
