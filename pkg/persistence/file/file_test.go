package file

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence"
	"github.com/ritmohq/ritmo/pkg/testutil"
)

func TestWorkflowRoundTrip(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	workflow := testutil.Workflow()
	workflow.Nodes = append(workflow.Nodes,
		testutil.Node("notify", models.NodeTypeEmail, map[string]any{
			"recipient": "a@b.test",
			"subject":   "s",
			"htmlBody":  "b",
		}),
	)
	testutil.Connect(workflow, "start", "notify")

	require.NoError(t, store.SaveWorkflow(ctx, workflow))

	loaded, err := store.WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Name, loaded.Name)
	require.Len(t, loaded.Nodes, 2)
	assert.Equal(t, models.NodeTypeEmail, loaded.Nodes[1].Type)

	// Raw node configs survive the round trip intact.
	config, err := loaded.Nodes[1].DecodeConfig()
	require.NoError(t, err)
	assert.Equal(t, "a@b.test", config.(*models.EmailConfig).Recipient)
}

func TestWorkflowByIDUnknown(t *testing.T) {
	store := NewPersistence(t.TempDir())

	_, err := store.WorkflowByID(context.Background(), "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestDeleteWorkflowHidesIt(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	workflow := testutil.Workflow()
	require.NoError(t, store.SaveWorkflow(ctx, workflow))
	require.NoError(t, store.DeleteWorkflow(ctx, workflow.ID))

	_, err := store.WorkflowByID(ctx, workflow.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	all, err := store.Workflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunRoundTripPreservesLogsAndResumption(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	resumeAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	started := time.Now().UTC().Truncate(time.Second)

	run := &models.Run{
		ID:         uuid.New().String(),
		WorkflowID: "wf-1",
		TriggerID:  "trigger-1",
		Status:     models.RunStatusSuspended,
		Env: map[string]any{
			"total": float64(12.5),
			"nodes": map[string]any{"fetch": map[string]any{"count": float64(3)}},
		},
		Resumption: &models.Resumption{
			Token:    "tok-1",
			NodeID:   "wait",
			ResumeAt: &resumeAt,
		},
		NodeLogs: map[string]*models.NodeLog{
			"fetch": {NodeID: "fetch", Status: models.NodeLogSucceeded, Attempts: 1},
		},
		Warnings:  []string{"optional node x failed: boom"},
		StartedAt: started,
	}

	require.NoError(t, store.SaveRun(ctx, run))

	loaded, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuspended, loaded.Status)
	require.NotNil(t, loaded.Resumption)
	assert.Equal(t, "tok-1", loaded.Resumption.Token)
	assert.True(t, loaded.Resumption.ResumeAt.Equal(resumeAt))
	assert.True(t, loaded.Succeeded("fetch"))
	assert.Equal(t, run.Warnings, loaded.Warnings)
	assert.Equal(t, float64(12.5), loaded.Env["total"])
}

func TestRunsFiltersByWorkflow(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	for _, workflowID := range []string{"wf-1", "wf-1", "wf-2"} {
		run := &models.Run{ID: uuid.New().String(), WorkflowID: workflowID, Status: models.RunStatusCompleted}
		require.NoError(t, store.SaveRun(ctx, run))
	}

	runs, err := store.Runs(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	all, err := store.Runs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRunByIDUnknown(t *testing.T) {
	store := NewPersistence(t.TempDir())

	_, err := store.RunByID(context.Background(), "missing")
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestDueSchedules(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	due, err := models.NewSchedule("s-due", "wf-1", "t-1", "* * * * *", "")
	require.NoError(t, err)
	due.NextDueAt = time.Now().UTC().Add(-time.Minute)

	later, err := models.NewSchedule("s-later", "wf-1", "t-2", "0 9 * * *", "")
	require.NoError(t, err)
	later.NextDueAt = time.Now().UTC().Add(time.Hour)

	require.NoError(t, store.SaveSchedule(ctx, due))
	require.NoError(t, store.SaveSchedule(ctx, later))

	found, err := store.DueSchedules(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "s-due", found[0].ID)
}

func TestDeleteSchedulesForWorkflow(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	first, err := models.NewSchedule("s-1", "wf-1", "t-1", "* * * * *", "")
	require.NoError(t, err)

	second, err := models.NewSchedule("s-2", "wf-2", "t-1", "* * * * *", "")
	require.NoError(t, err)

	require.NoError(t, store.SaveSchedule(ctx, first))
	require.NoError(t, store.SaveSchedule(ctx, second))
	require.NoError(t, store.DeleteSchedulesForWorkflow(ctx, "wf-1"))

	remaining, err := store.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "wf-2", remaining[0].ID)
}
