package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/mocks"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence/file"
	"github.com/ritmohq/ritmo/pkg/registry"
	"github.com/ritmohq/ritmo/pkg/testutil"
)

func newTestWorker(t *testing.T) (*WorkerManager, *file.Persistence, *mocks.MockEventBus) {
	t.Helper()

	persistence := file.NewPersistence(t.TempDir())

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	bus.On("GenerateID").Return("event-test")

	reg := registry.NewRegistry()
	reg.RegisterDefaultActions()

	eng := engine.New(engine.Config{
		Persistence: persistence,
		Registry:    reg,
		EventBus:    bus,
		WorkerID:    "worker-test",
	})

	manager := NewWorkerManager("worker-test", persistence, bus, eng, slog.Default())

	return manager, persistence, bus
}

func TestHandleEntityEventOpensRun(t *testing.T) {
	manager, persistence, bus := newTestWorker(t)
	ctx := context.Background()

	workflow := testutil.Workflow()
	require.NoError(t, persistence.SaveWorkflow(ctx, workflow))

	event := &events.EntityEvent{
		Module:     "crm",
		EntityType: "deal",
		EventType:  "created",
		Payload:    map[string]any{"amount": float64(100)},
	}

	require.NoError(t, manager.handleEntityEvent(ctx, event))

	runs, err := persistence.Runs(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusPending, runs[0].Status)
	assert.Equal(t, "trigger-1", runs[0].TriggerID)

	bus.AssertCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleEntityEventNoMatch(t *testing.T) {
	manager, persistence, _ := newTestWorker(t)
	ctx := context.Background()

	workflow := testutil.Workflow()
	require.NoError(t, persistence.SaveWorkflow(ctx, workflow))

	event := &events.EntityEvent{Module: "billing", EntityType: "invoice", EventType: "paid"}

	require.NoError(t, manager.handleEntityEvent(ctx, event))

	runs, err := persistence.Runs(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestHandleEntityEventLoadFailure(t *testing.T) {
	manager, _, bus := newTestWorker(t)

	store := &mocks.MockPersistence{}
	store.On("Workflows", mock.Anything).Return(nil, errors.New("storage down"))
	manager.persistence = store

	event := &events.EntityEvent{Module: "crm", EntityType: "deal", EventType: "created"}

	err := manager.handleEntityEvent(context.Background(), event)
	require.Error(t, err)

	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestHandleRunQueuedExecutesRun(t *testing.T) {
	manager, persistence, _ := newTestWorker(t)
	ctx := context.Background()

	workflow := testutil.Workflow()
	require.NoError(t, persistence.SaveWorkflow(ctx, workflow))

	run, err := manager.engine.StartRun(ctx, workflow, "trigger-1", nil)
	require.NoError(t, err)

	queued := &events.RunQueued{RunID: run.ID}
	queued.WorkflowID = workflow.ID

	require.NoError(t, manager.handleRunQueued(ctx, queued))

	executed, err := persistence.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, executed.Status)
}

func TestHandleRunQueuedSwallowsExecutionFailure(t *testing.T) {
	manager, _, _ := newTestWorker(t)

	// A missing run must not bounce the message back for redelivery.
	err := manager.handleRunQueued(context.Background(), &events.RunQueued{RunID: "gone"})
	assert.NoError(t, err)
}

func TestHandleScheduleFiredOpensRun(t *testing.T) {
	manager, persistence, _ := newTestWorker(t)
	ctx := context.Background()

	workflow := testutil.Workflow(func(w *models.Workflow) {
		w.Triggers = []*models.Trigger{
			{ID: "cron-1", Kind: models.TriggerKindSchedule, CronExpression: "0 9 * * *"},
		}
		w.Nodes[0].Config = nil
	})
	require.NoError(t, persistence.SaveWorkflow(ctx, workflow))

	fired := &events.ScheduleFired{
		ScheduleID:     "s-1",
		TriggerID:      "cron-1",
		CronExpression: "0 9 * * *",
	}
	fired.WorkflowID = workflow.ID

	require.NoError(t, manager.handleScheduleFired(ctx, fired))

	runs, err := persistence.Runs(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "cron-1", runs[0].TriggerID)
	assert.Equal(t, "s-1", runs[0].TriggerPayload["scheduleId"])
}

func TestHandleRunResumeCompletesSuspendedRun(t *testing.T) {
	manager, persistence, _ := newTestWorker(t)
	ctx := context.Background()

	workflow := testutil.Workflow()
	workflow.Nodes = append(workflow.Nodes,
		testutil.Node("wait", models.NodeTypeDelay, map[string]any{"delayMs": 3600000}),
	)
	testutil.Connect(workflow, "start", "wait")
	require.NoError(t, persistence.SaveWorkflow(ctx, workflow))

	run, err := manager.engine.StartRun(ctx, workflow, "trigger-1", nil)
	require.NoError(t, err)
	require.NoError(t, manager.engine.Execute(ctx, run.ID))

	suspended, err := persistence.RunByID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSuspended, suspended.Status)

	resume := &events.RunResume{RunID: run.ID, Token: suspended.Resumption.Token}
	require.NoError(t, manager.handleRunResume(ctx, resume))

	final, err := persistence.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
}

func TestHandlersIgnoreWrongEventTypes(t *testing.T) {
	manager, _, _ := newTestWorker(t)
	ctx := context.Background()

	assert.NoError(t, manager.handleEntityEvent(ctx, "not an event"))
	assert.NoError(t, manager.handleScheduleFired(ctx, 42))
	assert.NoError(t, manager.handleRunQueued(ctx, nil))
	assert.NoError(t, manager.handleRunResume(ctx, struct{}{}))
}
