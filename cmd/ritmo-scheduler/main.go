package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/ritmohq/ritmo/pkg/cmd"
	"github.com/ritmohq/ritmo/pkg/log"
	"github.com/ritmohq/ritmo/pkg/triggers/schedule"
)

func main() {
	command := &cli.Command{
		Name:                  "ritmo-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Fire schedule triggers and wake delayed runs",
		Flags: []cli.Flag{
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
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often to poll for due schedules and wakes",
				Value:   schedule.DefaultPollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
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

			schedulerID := "scheduler-" + uuid.New().String()[:8]
			logger := log.WithModule("ritmo-scheduler").With("scheduler_id", schedulerID)
			logger.InfoContext(ctx, "Initializing scheduler")

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

			scheduler := schedule.NewScheduler(
				persistence,
				cmd.NewSuspensionStore(command.String("redis-url")),
				eventBus,
				schedulerID,
				command.Duration("poll-interval"),
			)

			if err := scheduler.Start(ctx); err != nil && err != context.Canceled {
				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
