package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/eventbus"
	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/persistence"
	"github.com/ritmohq/ritmo/pkg/workflow"
)

// WorkerManager subscribes to the event bus and drives the engine: entity
// events and schedule firings open runs, queued runs execute, resume events
// continue suspended runs.
type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	engine      *engine.Engine
	matcher     *workflow.Matcher
	eventBus    eventbus.EventBus
}

func NewWorkerManager(id string, persistence persistence.Persistence, eventBus eventbus.EventBus, engine *engine.Engine, logger *slog.Logger) *WorkerManager {
	return &WorkerManager{
		id:          id,
		logger:      logger.With("module", "ritmo-worker", "worker_id", id),
		persistence: persistence,
		engine:      engine,
		matcher:     workflow.NewMatcher(),
		eventBus:    eventBus,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	w.eventBus.Handle(events.EntityEventType, w.handleEntityEvent)
	w.eventBus.Handle(events.ScheduleFiredType, w.handleScheduleFired)
	w.eventBus.Handle(events.RunQueuedEvent, w.handleRunQueued)
	w.eventBus.Handle(events.RunResumeEvent, w.handleRunResume)

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigChan:
	}

	w.logger.InfoContext(ctx, "Shutting down worker")

	return nil
}

// handleEntityEvent matches a business entity event against active workflow
// triggers and opens a run per match.
func (w *WorkerManager) handleEntityEvent(ctx context.Context, event any) error {
	entityEvent, ok := event.(*events.EntityEvent)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for EntityEvent")

		return nil
	}

	logger := w.logger.With(
		"module_name", entityEvent.Module,
		"entity_type", entityEvent.EntityType,
		"event_type", entityEvent.EventType,
	)

	workflows, err := w.persistence.Workflows(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load workflows", "error", err)

		return err
	}

	for _, match := range w.matcher.MatchWorkflows(*entityEvent, workflows) {
		run, err := w.engine.StartRun(ctx, match.Workflow, match.Trigger.ID, entityEvent.Payload)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to open run",
				"workflow_id", match.Workflow.ID, "error", err)

			continue
		}

		logger.InfoContext(ctx, "Opened run",
			"workflow_id", match.Workflow.ID,
			"trigger_id", match.Trigger.ID,
			"run_id", run.ID)
	}

	return nil
}

// handleScheduleFired opens a run for the workflow whose schedule came due.
func (w *WorkerManager) handleScheduleFired(ctx context.Context, event any) error {
	fired, ok := event.(*events.ScheduleFired)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ScheduleFired")

		return nil
	}

	logger := w.logger.With("workflow_id", fired.WorkflowID, "trigger_id", fired.TriggerID)

	definition, err := w.persistence.WorkflowByID(ctx, fired.WorkflowID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load workflow for schedule", "error", err)

		return err
	}

	payload := map[string]any{
		"scheduleId":     fired.ScheduleID,
		"cronExpression": fired.CronExpression,
		"firedAt":        fired.FiredAt.Format(time.RFC3339),
	}

	run, err := w.engine.StartRun(ctx, definition, fired.TriggerID, payload)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to open scheduled run", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Opened scheduled run", "run_id", run.ID)

	return nil
}

func (w *WorkerManager) handleRunQueued(ctx context.Context, event any) error {
	queued, ok := event.(*events.RunQueued)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunQueued")

		return nil
	}

	logger := w.logger.With("run_id", queued.RunID, "workflow_id", queued.WorkflowID)
	logger.InfoContext(ctx, "Executing queued run")

	if err := w.engine.Execute(ctx, queued.RunID); err != nil {
		logger.ErrorContext(ctx, "Run execution failed", "error", err)
	}

	// Failures are recorded on the run itself; redelivery would re-execute
	// a run that already settled.
	return nil
}

func (w *WorkerManager) handleRunResume(ctx context.Context, event any) error {
	resume, ok := event.(*events.RunResume)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunResume")

		return nil
	}

	logger := w.logger.With("run_id", resume.RunID)
	logger.InfoContext(ctx, "Resuming run")

	if err := w.engine.Resume(ctx, resume.RunID, resume.Token, resume.Approved, resume.Approver); err != nil {
		logger.ErrorContext(ctx, "Run resume failed", "error", err)
	}

	return nil
}
