package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritmohq/ritmo/pkg/channels/gochannel"
	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/eventbus"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence/file"
	"github.com/ritmohq/ritmo/pkg/registry"
	"github.com/ritmohq/ritmo/pkg/testutil"
)

type testAPI struct {
	app         *fiber.App
	persistence *file.Persistence
	engine      *engine.Engine
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()

	persistence := file.NewPersistence(t.TempDir())

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(slog.Default()))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	reg := registry.NewRegistry()
	reg.RegisterDefaultActions()

	eng := engine.New(engine.Config{
		Persistence: persistence,
		Registry:    reg,
		WorkerID:    "api-test",
	})

	api := NewAPI(slog.Default(), persistence, eng, bus)

	return &testAPI{app: api.App(), persistence: persistence, engine: eng}
}

func (a *testAPI) request(t *testing.T, method, target string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	})

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var value T

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&value))

	return value
}

func draftManifest() *models.Workflow {
	workflow := testutil.Workflow(testutil.WithStatus(models.WorkflowStatusDraft))
	workflow.ID = ""
	workflow.Name = "Deal follow-up"
	workflow.Nodes = append(workflow.Nodes,
		testutil.Node("notify", models.NodeTypeEmail, map[string]any{
			"recipient": "ops@acme.test",
			"subject":   "New deal",
			"htmlBody":  "<p>Deal created</p>",
		}),
	)
	testutil.Connect(workflow, "start", "notify")

	return workflow
}

func TestRootEndpoint(t *testing.T) {
	api := setupTestAPI(t)

	resp := api.request(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Ritmo API", string(body))
}

func TestLiveness(t *testing.T) {
	api := setupTestAPI(t)

	resp := api.request(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetWorkflowsEmpty(t *testing.T) {
	api := setupTestAPI(t)

	resp := api.request(t, http.MethodGet, "/workflows", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, float64(0), body["count"])
}

func TestCreateWorkflow(t *testing.T) {
	api := setupTestAPI(t)

	resp := api.request(t, http.MethodPost, "/workflows", draftManifest())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[models.Workflow](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status)

	fetch := api.request(t, http.MethodGet, "/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, fetch.StatusCode)
}

func TestCreateWorkflowInvalidBody(t *testing.T) {
	api := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := api.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateWorkflowMissingName(t *testing.T) {
	api := setupTestAPI(t)

	manifest := draftManifest()
	manifest.Name = ""

	resp := api.request(t, http.MethodPost, "/workflows", manifest)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflowNotFound(t *testing.T) {
	api := setupTestAPI(t)

	resp := api.request(t, http.MethodGet, "/workflows/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateActiveWorkflowConflicts(t *testing.T) {
	api := setupTestAPI(t)

	created := decode[models.Workflow](t, api.request(t, http.MethodPost, "/workflows", draftManifest()))

	activate := api.request(t, http.MethodPost, "/workflows/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, activate.StatusCode)

	resp := api.request(t, http.MethodPatch, "/workflows/"+created.ID, draftManifest())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestActivateInvalidDraftReturnsIssues(t *testing.T) {
	api := setupTestAPI(t)

	manifest := draftManifest()
	manifest.Connections = append(manifest.Connections, &models.Connection{
		SourceNodeID: "notify",
		TargetNodeID: "ghost",
	})

	created := decode[models.Workflow](t, api.request(t, http.MethodPost, "/workflows", manifest))

	resp := api.request(t, http.MethodPost, "/workflows/"+created.ID+"/activate", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Contains(t, body, "validation")
}

func TestValidateEndpoint(t *testing.T) {
	api := setupTestAPI(t)

	created := decode[models.Workflow](t, api.request(t, http.MethodPost, "/workflows", draftManifest()))

	resp := api.request(t, http.MethodPost, "/workflows/"+created.ID+"/validate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Empty(t, body["errors"])
}

func TestDeleteWorkflow(t *testing.T) {
	api := setupTestAPI(t)

	created := decode[models.Workflow](t, api.request(t, http.MethodPost, "/workflows", draftManifest()))

	resp := api.request(t, http.MethodDelete, "/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	fetch := api.request(t, http.MethodGet, "/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, fetch.StatusCode)
}

func TestArchiveWorkflow(t *testing.T) {
	api := setupTestAPI(t)

	created := decode[models.Workflow](t, api.request(t, http.MethodPost, "/workflows", draftManifest()))

	activate := api.request(t, http.MethodPost, "/workflows/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, activate.StatusCode)

	resp := api.request(t, http.MethodPost, "/workflows/"+created.ID+"/archive", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	archived := decode[models.Workflow](t, resp)
	assert.Equal(t, models.WorkflowStatusArchived, archived.Status)
}

func TestIngestEvent(t *testing.T) {
	api := setupTestAPI(t)

	resp := api.request(t, http.MethodPost, "/events", map[string]any{
		"module":     "crm",
		"entityType": "deal",
		"eventType":  "created",
		"entityId":   "deal-1",
		"payload":    map[string]any{"amount": 100},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.NotEmpty(t, body["eventId"])
}

func TestIngestEventMissingFields(t *testing.T) {
	api := setupTestAPI(t)

	resp := api.request(t, http.MethodPost, "/events", map[string]any{"module": "crm"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRunNotFound(t *testing.T) {
	api := setupTestAPI(t)

	resp := api.request(t, http.MethodGet, "/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// suspendRun drives a delay workflow to its suspension point through the
// engine, sharing the API's persistence.
func suspendRun(t *testing.T, api *testAPI) *models.Run {
	t.Helper()

	ctx := context.Background()

	workflow := testutil.Workflow()
	workflow.Nodes = append(workflow.Nodes,
		testutil.Node("signoff", models.NodeTypeApproval, map[string]any{
			"approvers": []string{"manager@acme.test"},
		}),
	)
	testutil.Connect(workflow, "start", "signoff")
	require.NoError(t, api.persistence.SaveWorkflow(ctx, workflow))

	run, err := api.engine.StartRun(ctx, workflow, "trigger-1", nil)
	require.NoError(t, err)
	require.NoError(t, api.engine.Execute(ctx, run.ID))

	suspended, err := api.persistence.RunByID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSuspended, suspended.Status)

	return suspended
}

func TestDecideApproval(t *testing.T) {
	api := setupTestAPI(t)
	run := suspendRun(t, api)

	approved := true
	resp := api.request(t, http.MethodPost, "/runs/"+run.ID+"/approvals", map[string]any{
		"token":    run.Resumption.Token,
		"approved": approved,
		"approver": "manager@acme.test",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, run.ID, body["runId"])
}

func TestDecideApprovalWrongToken(t *testing.T) {
	api := setupTestAPI(t)
	run := suspendRun(t, api)

	resp := api.request(t, http.MethodPost, "/runs/"+run.ID+"/approvals", map[string]any{
		"token":    "bogus",
		"approved": true,
		"approver": "manager@acme.test",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDecideApprovalUnauthorizedApprover(t *testing.T) {
	api := setupTestAPI(t)
	run := suspendRun(t, api)

	resp := api.request(t, http.MethodPost, "/runs/"+run.ID+"/approvals", map[string]any{
		"token":    run.Resumption.Token,
		"approved": true,
		"approver": "intern@acme.test",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDecideApprovalRunNotSuspended(t *testing.T) {
	api := setupTestAPI(t)

	ctx := context.Background()
	workflow := testutil.Workflow()
	require.NoError(t, api.persistence.SaveWorkflow(ctx, workflow))

	run, err := api.engine.StartRun(ctx, workflow, "trigger-1", nil)
	require.NoError(t, err)
	require.NoError(t, api.engine.Execute(ctx, run.ID))

	resp := api.request(t, http.MethodPost, "/runs/"+run.ID+"/approvals", map[string]any{
		"token":    "whatever",
		"approved": true,
		"approver": "manager@acme.test",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	api := setupTestAPI(t)
	run := suspendRun(t, api)

	resp := api.request(t, http.MethodPost, "/runs/"+run.ID+"/cancel", map[string]any{"reason": "duplicate"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancelled, err := api.persistence.RunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)

	again := api.request(t, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, again.StatusCode)
}

func TestGetRunsFiltersByWorkflow(t *testing.T) {
	api := setupTestAPI(t)
	run := suspendRun(t, api)

	resp := api.request(t, http.MethodGet, "/runs/?workflowId="+run.WorkflowID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, float64(1), body["count"])

	resp = api.request(t, http.MethodGet, "/runs/?workflowId=other", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body = decode[map[string]any](t, resp)
	assert.Equal(t, float64(0), body["count"])
}

func TestGetWorkflowRuns(t *testing.T) {
	api := setupTestAPI(t)
	run := suspendRun(t, api)

	resp := api.request(t, http.MethodGet, "/workflows/"+run.WorkflowID+"/runs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, float64(1), body["count"])
}
