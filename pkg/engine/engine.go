// Package engine executes validated workflow definitions. A run is a
// persisted record (environment, cursor, per-node log), never a live call
// stack: the walker re-enters the graph from the trigger roots and skips
// nodes already logged as succeeded, so suspensions of days and process
// restarts are survivable by construction.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ritmohq/ritmo/pkg/eventbus"
	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/log"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/otelhelper"
	"github.com/ritmohq/ritmo/pkg/persistence"
	"github.com/ritmohq/ritmo/pkg/protocol"
	"github.com/ritmohq/ritmo/pkg/registry"
	"github.com/ritmohq/ritmo/pkg/template"
)

const (
	// DefaultActionTimeout bounds each external call made by a node.
	DefaultActionTimeout = 30 * time.Second

	// envTriggerKey is the reserved environment key holding the trigger
	// payload.
	envTriggerKey = "trigger"

	// envNodesKey is the reserved environment key holding per-node
	// outputs, addressed as nodes.<nodeId>.
	envNodesKey = "nodes"
)

// Config carries the engine's collaborators. Persistence and Registry are
// required; the rest may be nil when the deployment does not use them, and
// nodes needing an absent collaborator fail with a clear error.
type Config struct {
	Persistence   persistence.Persistence
	Registry      *registry.Registry
	Records       protocol.RecordStore
	Notifier      protocol.Notifier
	DataSource    protocol.DataSource
	Suspensions   SuspensionStore
	EventBus      eventbus.EventBus
	Tracer        trace.Tracer
	WorkerID      string
	ActionTimeout time.Duration
}

// Engine interprets workflow definitions against trigger events.
type Engine struct {
	persistence   persistence.Persistence
	registry      *registry.Registry
	records       protocol.RecordStore
	notifier      protocol.Notifier
	dataSource    protocol.DataSource
	suspensions   SuspensionStore
	eventBus      eventbus.EventBus
	tracer        trace.Tracer
	logger        *slog.Logger
	workerID      string
	actionTimeout time.Duration
}

func New(cfg Config) *Engine {
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}

	suspensions := cfg.Suspensions
	if suspensions == nil {
		suspensions = NewMemorySuspensionStore()
	}

	return &Engine{
		persistence:   cfg.Persistence,
		registry:      cfg.Registry,
		records:       cfg.Records,
		notifier:      cfg.Notifier,
		dataSource:    cfg.DataSource,
		suspensions:   suspensions,
		eventBus:      cfg.EventBus,
		tracer:        cfg.Tracer,
		logger:        log.WithModule("engine"),
		workerID:      cfg.WorkerID,
		actionTimeout: timeout,
	}
}

// Suspensions exposes the wake store so schedulers can poll due delays.
func (e *Engine) Suspensions() SuspensionStore {
	return e.suspensions
}

// StartRun creates and persists a pending run for an active workflow and
// announces it on the bus. Execution happens when a worker picks the run up.
func (e *Engine) StartRun(ctx context.Context, workflow *models.Workflow, triggerID string, payload map[string]any) (*models.Run, error) {
	if workflow.Status != models.WorkflowStatusActive {
		return nil, fmt.Errorf("%w: workflow %s has status %s", ErrWorkflowNotActive, workflow.ID, workflow.Status)
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:             uuid.New().String(),
		WorkflowID:     workflow.ID,
		TriggerID:      triggerID,
		Status:         models.RunStatusPending,
		TriggerPayload: payload,
		Env:            seedEnv(workflow, payload),
		NodeLogs:       make(map[string]*models.NodeLog),
		StartedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.persistence.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	e.publish(ctx, workflow.ID, events.RunQueued{
		BaseEvent:      e.baseEvent(events.RunQueuedEvent, workflow.ID),
		RunID:          run.ID,
		TriggerID:      triggerID,
		TriggerPayload: payload,
	})

	return run, nil
}

// Execute loads a run and walks its workflow graph from the trigger roots,
// skipping nodes already logged as succeeded. It is called for fresh runs
// and again after every resume.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	run, err := e.persistence.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	if run.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, run.ID, run.Status)
	}

	workflow, err := e.persistence.WorkflowByID(ctx, run.WorkflowID)
	if err != nil {
		return err
	}

	if e.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "workflow.run",
			attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
			attribute.String(otelhelper.RunIDKey, run.ID),
			attribute.String(otelhelper.WorkerIDKey, e.workerID),
		)
		defer span.End()
	}

	return e.execute(ctx, workflow, run)
}

// Resume applies a resolved suspension (elapsed delay or approval decision)
// to a suspended run and continues it.
func (e *Engine) Resume(ctx context.Context, runID, token string, approved *bool, approver string) error {
	run, err := e.persistence.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status != models.RunStatusSuspended || run.Resumption == nil {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotSuspended, run.ID, run.Status)
	}

	if run.Resumption.Token != token {
		return ErrUnknownToken
	}

	// Withdraw the token. Elapsed delays were already claimed by the
	// scheduler's poll, so an unknown token here is fine.
	if _, err := e.suspensions.Resolve(ctx, token); err != nil && err != ErrUnknownToken {
		return fmt.Errorf("failed to withdraw resumption token: %w", err)
	}

	workflow, err := e.persistence.WorkflowByID(ctx, run.WorkflowID)
	if err != nil {
		return err
	}

	node := workflow.NodeByID(run.Resumption.NodeID)
	if node == nil {
		return fmt.Errorf("suspended node %s no longer exists in workflow %s", run.Resumption.NodeID, workflow.ID)
	}

	entry := run.Log(node.NodeID)
	completed := time.Now().UTC()
	entry.CompletedAt = &completed
	entry.Status = models.NodeLogSucceeded

	switch node.Type {
	case models.NodeTypeDelay:
		entry.Output = map[string]any{"elapsed": true}
	case models.NodeTypeApproval:
		if approved == nil {
			return fmt.Errorf("approval node %s resumed without a decision", node.NodeID)
		}

		decision := map[string]any{"approved": *approved, "approver": approver, "decidedAt": completed.Format(time.RFC3339)}
		entry.Output = decision

		cfg := node.MustConfig().(*models.ApprovalConfig)
		if cfg.OutputVariable != "" {
			template.Env(run.Env).Set(cfg.OutputVariable, decision)
		}
	default:
		return fmt.Errorf("node %s of type %s cannot be resumed", node.NodeID, node.Type)
	}

	run.Resumption = nil
	run.Status = models.RunStatusRunning
	run.UpdatedAt = completed

	if err := e.persistence.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist resumed run: %w", err)
	}

	e.logger.Info("Resuming run", "run_id", run.ID, "node_id", node.NodeID)

	return e.execute(ctx, workflow, run)
}

// Cancel terminates a run. A suspended run's wake token is withdrawn so the
// scheduler never fires it.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	run, err := e.persistence.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	if run.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, run.ID, run.Status)
	}

	if run.Resumption != nil {
		if _, err := e.suspensions.Resolve(ctx, run.Resumption.Token); err != nil && err != ErrUnknownToken {
			return fmt.Errorf("failed to withdraw suspension token: %w", err)
		}
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusCancelled
	run.Resumption = nil
	run.CompletedAt = &now
	run.UpdatedAt = now

	if reason != "" {
		run.Error = reason
	}

	if err := e.persistence.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist cancelled run: %w", err)
	}

	e.publish(ctx, run.WorkflowID, events.RunCancelled{
		BaseEvent: e.baseEvent(events.RunCancelledEvent, run.WorkflowID),
		RunID:     run.ID,
		Reason:    reason,
	})

	return nil
}

// execute performs one walking pass over the graph and settles the run into
// suspended, completed or failed.
func (e *Engine) execute(ctx context.Context, workflow *models.Workflow, run *models.Run) error {
	run.Status = models.RunStatusRunning
	run.UpdatedAt = time.Now().UTC()

	if err := e.persistence.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist running state: %w", err)
	}

	e.publish(ctx, workflow.ID, events.RunStarted{
		BaseEvent: e.baseEvent(events.RunStartedEvent, workflow.ID),
		RunID:     run.ID,
	})

	walker := newWalker(e, workflow, run)

	err := walker.walk(ctx)
	now := time.Now().UTC()
	run.UpdatedAt = now

	if signal, ok := asSuspend(err); ok {
		run.Status = models.RunStatusSuspended

		if saveErr := e.persistence.SaveRun(ctx, run); saveErr != nil {
			return fmt.Errorf("failed to persist suspended run: %w", saveErr)
		}

		e.publish(ctx, workflow.ID, events.RunSuspended{
			BaseEvent: e.baseEvent(events.RunSuspendedEvent, workflow.ID),
			RunID:     run.ID,
			NodeID:    signal.nodeID,
			Token:     signal.token,
			ResumeAt:  resumeAt(run),
		})

		e.logger.Info("Run suspended", "run_id", run.ID, "node_id", signal.nodeID)

		return nil
	}

	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		run.CompletedAt = &now

		if saveErr := e.persistence.SaveRun(ctx, run); saveErr != nil {
			return fmt.Errorf("failed to persist failed run: %w", saveErr)
		}

		e.publish(ctx, workflow.ID, events.RunFailed{
			BaseEvent: e.baseEvent(events.RunFailedEvent, workflow.ID),
			RunID:     run.ID,
			Error:     err.Error(),
			Duration:  now.Sub(run.StartedAt),
		})

		e.logger.Error("Run failed", "run_id", run.ID, "error", err)

		return err
	}

	run.Status = models.RunStatusCompleted
	run.CompletedAt = &now

	if saveErr := e.persistence.SaveRun(ctx, run); saveErr != nil {
		return fmt.Errorf("failed to persist completed run: %w", saveErr)
	}

	e.publish(ctx, workflow.ID, events.RunCompleted{
		BaseEvent: e.baseEvent(events.RunCompletedEvent, workflow.ID),
		RunID:     run.ID,
		Duration:  now.Sub(run.StartedAt),
	})

	e.logger.Info("Run completed", "run_id", run.ID, "duration", now.Sub(run.StartedAt))

	return nil
}

func (e *Engine) baseEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	id := uuid.New().String()
	if e.eventBus != nil {
		id = e.eventBus.GenerateID()
	}

	return events.BaseEvent{
		ID:         id,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		WorkerID:   e.workerID,
	}
}

func (e *Engine) publish(ctx context.Context, key string, event events.Event) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, key, event); err != nil {
		e.logger.Warn("Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// seedEnv builds the initial run environment: declared variable defaults,
// then the trigger payload under the reserved "trigger" key.
func seedEnv(workflow *models.Workflow, payload map[string]any) map[string]any {
	env := make(map[string]any)

	for _, variable := range workflow.Variables {
		if variable.DefaultValue != nil {
			env[variable.Name] = variable.DefaultValue
		}
	}

	env[envTriggerKey] = payload
	env[envNodesKey] = make(map[string]any)

	return env
}

func resumeAt(run *models.Run) *time.Time {
	if run.Resumption == nil {
		return nil
	}

	return run.Resumption.ResumeAt
}
