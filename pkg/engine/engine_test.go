package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence/file"
	"github.com/ritmohq/ritmo/pkg/protocol"
	"github.com/ritmohq/ritmo/pkg/registry"
	"github.com/ritmohq/ritmo/pkg/testutil"
)

type fakeRecords struct {
	mu      sync.Mutex
	created []map[string]any
	updated []map[string]any
	failFor int
}

func (f *fakeRecords) CreateRecord(_ context.Context, model string, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFor > 0 {
		f.failFor--

		return "", errors.New("record store unavailable")
	}

	f.created = append(f.created, map[string]any{"model": model, "fields": fields})

	return fmt.Sprintf("rec-%d", len(f.created)), nil
}

func (f *fakeRecords) UpdateRecord(_ context.Context, model string, recordID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updated = append(f.updated, map[string]any{"model": model, "recordId": recordID, "fields": fields})

	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	emails   []protocol.Email
	messages []protocol.SMS
	failFor  int
}

func (f *fakeNotifier) SendEmail(_ context.Context, email protocol.Email) (protocol.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFor > 0 {
		f.failFor--

		return protocol.DeliveryResult{}, errors.New("smtp unavailable")
	}

	f.emails = append(f.emails, email)

	return protocol.DeliveryResult{MessageID: fmt.Sprintf("msg-%d", len(f.emails)), Delivered: true}, nil
}

func (f *fakeNotifier) SendSMS(_ context.Context, sms protocol.SMS) (protocol.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages = append(f.messages, sms)

	return protocol.DeliveryResult{Delivered: true}, nil
}

func (f *fakeNotifier) smsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.messages)
}

type fakeData struct {
	records   []map[string]any
	aggregate float64
}

func (f *fakeData) Query(_ context.Context, _ string, _ map[string]any) ([]map[string]any, error) {
	return f.records, nil
}

func (f *fakeData) Aggregate(_ context.Context, _ string, _ string, _ string) (float64, error) {
	return f.aggregate, nil
}

type harness struct {
	engine   *Engine
	records  *fakeRecords
	notifier *fakeNotifier
	data     *fakeData
	store    *MemorySuspensionStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.NewRegistry()
	reg.RegisterDefaultActions()

	records := &fakeRecords{}
	notifier := &fakeNotifier{}
	data := &fakeData{}
	store := NewMemorySuspensionStore()

	eng := New(Config{
		Persistence: file.NewPersistence(t.TempDir()),
		Registry:    reg,
		Records:     records,
		Notifier:    notifier,
		DataSource:  data,
		Suspensions: store,
		WorkerID:    "test-worker",
	})

	return &harness{engine: eng, records: records, notifier: notifier, data: data, store: store}
}

func (h *harness) start(t *testing.T, wf *models.Workflow, payload map[string]any) *models.Run {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, h.engine.persistence.SaveWorkflow(ctx, wf))

	run, err := h.engine.StartRun(ctx, wf, "trigger-1", payload)
	require.NoError(t, err)

	return run
}

func (h *harness) reload(t *testing.T, runID string) *models.Run {
	t.Helper()

	run, err := h.engine.persistence.RunByID(context.Background(), runID)
	require.NoError(t, err)

	return run
}

func TestStartRunRejectsInactiveWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := testutil.Workflow(testutil.WithStatus(models.WorkflowStatusDraft))

	_, err := h.engine.StartRun(context.Background(), wf, "trigger-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkflowNotActive)
}

func TestLinearFlow(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("create", models.NodeTypeCreateRecord, map[string]any{
			"model": "invoice",
			"fieldMappings": map[string]any{
				"customer": "{{trigger.customer}}",
				"amount":   "{{trigger.amount}}",
			},
			"outputVariable": "invoiceId",
		}),
		testutil.Node("notify", models.NodeTypeEmail, map[string]any{
			"recipient": "{{trigger.email}}",
			"subject":   "Invoice {{invoiceId}}",
			"htmlBody":  "<p>Created</p>",
		}),
	)
	testutil.Connect(wf, "start", "create")
	testutil.Connect(wf, "create", "notify")

	run := h.start(t, wf, map[string]any{
		"customer": "Acme",
		"amount":   float64(99),
		"email":    "billing@acme.test",
	})

	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.True(t, final.Succeeded("create"))
	assert.True(t, final.Succeeded("notify"))

	require.Len(t, h.records.created, 1)
	fields := h.records.created[0]["fields"].(map[string]any)
	assert.Equal(t, "Acme", fields["customer"])
	assert.Equal(t, float64(99), fields["amount"])

	require.Len(t, h.notifier.emails, 1)
	assert.Equal(t, "billing@acme.test", h.notifier.emails[0].Recipient)
	assert.Equal(t, "Invoice rec-1", h.notifier.emails[0].Subject)
}

func TestUnresolvedFieldMappingDegradesToNil(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("create", models.NodeTypeCreateRecord, map[string]any{
			"model": "task",
			"fieldMappings": map[string]any{
				"title": "{{trigger.missingField}}",
				"owner": "{{trigger.owner}}",
			},
		}),
	)
	testutil.Connect(wf, "start", "create")

	run := h.start(t, wf, map[string]any{"owner": "ops"})

	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.True(t, final.Succeeded("create"))

	require.Len(t, h.records.created, 1)
	fields := h.records.created[0]["fields"].(map[string]any)
	assert.Nil(t, fields["title"])
	assert.Equal(t, "ops", fields["owner"])
}

func TestUnresolvedActionParamDegradesToNil(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("bind", models.NodeTypeAction, map[string]any{
			"actionType": "set_variable",
			"params": map[string]any{
				"name":  "assignee",
				"value": "{{trigger.assignee}}",
			},
		}),
	)
	testutil.Connect(wf, "start", "bind")

	run := h.start(t, wf, map[string]any{})

	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.True(t, final.Succeeded("bind"))
}

func TestConditionRoutesTrueBranch(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("gate", models.NodeTypeCondition, map[string]any{
			"conditions": []map[string]any{
				{"field": "trigger.amount", "operator": "greater_than", "value": 1000},
			},
			"trueBranch":  "big",
			"falseBranch": "small",
		}),
		testutil.Node("big", models.NodeTypeSMS, map[string]any{"recipient": "1", "message": "big deal"}),
		testutil.Node("small", models.NodeTypeSMS, map[string]any{"recipient": "1", "message": "small deal"}),
	)
	testutil.Connect(wf, "start", "gate")

	run := h.start(t, wf, map[string]any{"amount": float64(5000)})
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.True(t, final.Succeeded("big"))
	assert.False(t, final.Succeeded("small"))

	require.Len(t, h.notifier.messages, 1)
	assert.Equal(t, "big deal", h.notifier.messages[0].Message)
}

func TestConditionEmptyBranchEndsPath(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("gate", models.NodeTypeCondition, map[string]any{
			"conditions": []map[string]any{
				{"field": "trigger.amount", "operator": "less_than", "value": 10},
			},
			"trueBranch": "cheap",
		}),
		testutil.Node("cheap", models.NodeTypeSMS, map[string]any{"message": "cheap"}),
	)
	testutil.Connect(wf, "start", "gate")

	run := h.start(t, wf, map[string]any{"amount": float64(5000)})
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, 0, h.notifier.smsCount())
}

func TestConnectionGuardSkipsEdge(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("guarded", models.NodeTypeSMS, map[string]any{"message": "never"}),
		testutil.Node("open", models.NodeTypeSMS, map[string]any{"message": "always"}),
	)
	wf.Connections = append(wf.Connections,
		&models.Connection{
			SourceNodeID: "start",
			TargetNodeID: "guarded",
			Conditions: []models.ConditionClause{
				{Field: "trigger.plan", Operator: models.OperatorEquals, Value: "enterprise"},
			},
		},
		&models.Connection{SourceNodeID: "start", TargetNodeID: "open", ExecutionOrder: 1},
	)

	run := h.start(t, wf, map[string]any{"plan": "starter"})
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	require.Len(t, h.notifier.messages, 1)
	assert.Equal(t, "always", h.notifier.messages[0].Message)
}

func TestLoopIteratesCollection(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("each", models.NodeTypeLoop, map[string]any{
			"dataSource":     "{{trigger.items}}",
			"itemVariable":   "item",
			"loopBodyNodeId": "remind",
			"outputVariable": "processed",
		}),
		testutil.Node("remind", models.NodeTypeSMS, map[string]any{
			"recipient": "{{item.phone}}",
			"message":   "Hello {{item.name}}",
		}),
	)
	testutil.Connect(wf, "start", "each")

	run := h.start(t, wf, map[string]any{
		"items": []any{
			map[string]any{"name": "Ana", "phone": "1"},
			map[string]any{"name": "Bo", "phone": "2"},
			map[string]any{"name": "Cy", "phone": "3"},
		},
	})
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)

	require.Len(t, h.notifier.messages, 3)
	assert.Equal(t, "Hello Ana", h.notifier.messages[0].Message)
	assert.Equal(t, "Hello Cy", h.notifier.messages[2].Message)

	processed, ok := final.Env["processed"].([]any)
	require.True(t, ok)
	assert.Len(t, processed, 3)
}

func TestLoopTruncatesAtMaxIterations(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("each", models.NodeTypeLoop, map[string]any{
			"dataSource":     "{{trigger.items}}",
			"loopBodyNodeId": "remind",
			"maxIterations":  2,
		}),
		testutil.Node("remind", models.NodeTypeSMS, map[string]any{"message": "{{item}}"}),
	)
	testutil.Connect(wf, "start", "each")

	run := h.start(t, wf, map[string]any{"items": []any{"a", "b", "c", "d"}})
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, 2, h.notifier.smsCount())
	require.NotEmpty(t, final.Warnings)
	assert.Contains(t, final.Warnings[0], "truncated")
}

func TestLoopEmptyCollection(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("each", models.NodeTypeLoop, map[string]any{
			"dataSource":     "{{trigger.items}}",
			"loopBodyNodeId": "remind",
		}),
		testutil.Node("remind", models.NodeTypeSMS, map[string]any{"message": "x"}),
	)
	testutil.Connect(wf, "start", "each")

	run := h.start(t, wf, map[string]any{"items": []any{}})
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, 0, h.notifier.smsCount())
	assert.True(t, final.Succeeded("each"))
}

func TestParallelContinueOnFailure(t *testing.T) {
	h := newHarness(t)
	h.records.failFor = 1

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("fan", models.NodeTypeParallel, map[string]any{
			"branches":        []string{"flaky", "steady"},
			"failureHandling": "continue_on_failure",
		}),
		testutil.Node("flaky", models.NodeTypeCreateRecord, map[string]any{
			"model":         "task",
			"fieldMappings": map[string]any{"title": "t"},
		}),
		testutil.Node("steady", models.NodeTypeSMS, map[string]any{"message": "done"}),
		testutil.Node("after", models.NodeTypeSMS, map[string]any{"message": "joined"}),
	)
	testutil.Connect(wf, "start", "fan")
	testutil.Connect(wf, "fan", "after")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.True(t, final.Succeeded("steady"))
	assert.True(t, final.Succeeded("after"))
	assert.Equal(t, models.NodeLogFailed, final.NodeLogs["flaky"].Status)
	require.NotEmpty(t, final.Warnings)

	// Both the branch message and the post-join message went out.
	assert.Equal(t, 2, h.notifier.smsCount())
}

func TestParallelFailFast(t *testing.T) {
	h := newHarness(t)
	h.records.failFor = 1

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("fan", models.NodeTypeParallel, map[string]any{
			"branches": []string{"flaky", "steady"},
		}),
		testutil.Node("flaky", models.NodeTypeCreateRecord, map[string]any{
			"model":         "task",
			"fieldMappings": map[string]any{"title": "t"},
		}),
		testutil.Node("steady", models.NodeTypeSMS, map[string]any{"message": "done"}),
	)
	testutil.Connect(wf, "start", "fan")

	run := h.start(t, wf, nil)
	err := h.engine.Execute(context.Background(), run.ID)
	require.Error(t, err)

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	h := newHarness(t)
	h.notifier.failFor = 2

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("notify", models.NodeTypeEmail, map[string]any{
			"recipient": "a@b.test",
			"subject":   "s",
			"htmlBody":  "b",
		}, testutil.WithRetries(2)),
	)
	testutil.Connect(wf, "start", "notify")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, 3, final.NodeLogs["notify"].Attempts)
	assert.Len(t, h.notifier.emails, 1)
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	h := newHarness(t)
	h.notifier.failFor = 10

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("notify", models.NodeTypeEmail, map[string]any{
			"recipient": "a@b.test",
			"subject":   "s",
			"htmlBody":  "b",
		}, testutil.WithRetries(1)),
	)
	testutil.Connect(wf, "start", "notify")

	run := h.start(t, wf, nil)
	err := h.engine.Execute(context.Background(), run.ID)
	require.Error(t, err)

	var nodeErr *NodeError

	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, "notify", nodeErr.NodeID)

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, 2, final.NodeLogs["notify"].Attempts)
}

func TestOptionalNodeFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.notifier.failFor = 10

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("notify", models.NodeTypeEmail, map[string]any{
			"recipient": "a@b.test",
			"subject":   "s",
			"htmlBody":  "b",
		}, testutil.WithOptional()),
		testutil.Node("record", models.NodeTypeCreateRecord, map[string]any{
			"model":         "audit",
			"fieldMappings": map[string]any{"event": "done"},
		}),
	)
	testutil.Connect(wf, "start", "notify")
	testutil.Connect(wf, "notify", "record")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, models.NodeLogFailed, final.NodeLogs["notify"].Status)
	assert.True(t, final.Succeeded("record"))
	require.NotEmpty(t, final.Warnings)
	assert.Contains(t, final.Warnings[0], "optional node")
}

func TestDataTransformQueryAndExtract(t *testing.T) {
	h := newHarness(t)
	h.data.records = []map[string]any{
		{"email": "a@x.test", "amount": float64(10)},
		{"email": "b@x.test", "amount": float64(20)},
	}

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("fetch", models.NodeTypeDataTransform, map[string]any{
			"operation":      "query",
			"source":         "invoices",
			"outputVariable": "overdue",
		}),
		testutil.Node("emails", models.NodeTypeDataTransform, map[string]any{
			"operation":      "extract",
			"inputVariable":  "overdue",
			"field":          "email",
			"outputVariable": "recipients",
		}),
	)
	testutil.Connect(wf, "start", "fetch")
	testutil.Connect(wf, "fetch", "emails")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)

	recipients, ok := final.Env["recipients"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a@x.test", "b@x.test"}, recipients)
}

func TestActionNodeBindsVariables(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("assign", models.NodeTypeAction, map[string]any{
			"actionType": "set_variable",
			"params": map[string]any{
				"name":  "priority",
				"value": "high",
			},
		}),
		testutil.Node("notify", models.NodeTypeSMS, map[string]any{"message": "priority: {{priority}}"}),
	)
	testutil.Connect(wf, "start", "assign")
	testutil.Connect(wf, "assign", "notify")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	require.Len(t, h.notifier.messages, 1)
	assert.Equal(t, "priority: high", h.notifier.messages[0].Message)
}

func TestDelaySuspendsAndResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("record", models.NodeTypeCreateRecord, map[string]any{
			"model":         "task",
			"fieldMappings": map[string]any{"title": "first"},
		}),
		testutil.Node("wait", models.NodeTypeDelay, map[string]any{"delayMs": 3600000}),
		testutil.Node("followup", models.NodeTypeSMS, map[string]any{"message": "follow up"}),
	)
	testutil.Connect(wf, "start", "record")
	testutil.Connect(wf, "record", "wait")
	testutil.Connect(wf, "wait", "followup")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(ctx, run.ID))

	suspended := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusSuspended, suspended.Status)
	require.NotNil(t, suspended.Resumption)
	assert.Equal(t, "wait", suspended.Resumption.NodeID)
	require.NotNil(t, suspended.Resumption.ResumeAt)
	assert.Equal(t, 0, h.notifier.smsCount())

	require.NoError(t, h.engine.Resume(ctx, run.ID, suspended.Resumption.Token, nil, ""))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.True(t, final.Succeeded("followup"))

	// The node before the delay must not run twice across the resume.
	assert.Len(t, h.records.created, 1)
	assert.Equal(t, 1, h.notifier.smsCount())
}

func TestResumeWithWrongToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("wait", models.NodeTypeDelay, map[string]any{"delayMs": 3600000}),
	)
	testutil.Connect(wf, "start", "wait")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(ctx, run.ID))

	err := h.engine.Resume(ctx, run.ID, "bogus", nil, "")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestApprovalSuspendsUntilDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("signoff", models.NodeTypeApproval, map[string]any{
			"approvers":      []string{"manager@acme.test"},
			"message":        "Approve discount for {{trigger.customer}}",
			"outputVariable": "decision",
		}),
		testutil.Node("apply", models.NodeTypeSMS, map[string]any{"message": "approved: {{decision.approved}}"}),
	)
	testutil.Connect(wf, "start", "signoff")
	testutil.Connect(wf, "signoff", "apply")

	run := h.start(t, wf, map[string]any{"customer": "Acme"})
	require.NoError(t, h.engine.Execute(ctx, run.ID))

	suspended := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusSuspended, suspended.Status)
	require.NotNil(t, suspended.Resumption)
	assert.Nil(t, suspended.Resumption.ResumeAt)
	assert.Equal(t, []string{"manager@acme.test"}, suspended.Resumption.Approvers)

	approved := true
	require.NoError(t, h.engine.Resume(ctx, run.ID, suspended.Resumption.Token, &approved, "manager@acme.test"))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)

	decision, ok := final.Env["decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, decision["approved"])
	assert.Equal(t, "manager@acme.test", decision["approver"])

	require.Len(t, h.notifier.messages, 1)
	assert.Equal(t, "approved: true", h.notifier.messages[0].Message)
}

func TestApprovalResumeRequiresDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("signoff", models.NodeTypeApproval, map[string]any{
			"approvers": []string{"boss"},
		}),
	)
	testutil.Connect(wf, "start", "signoff")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(ctx, run.ID))

	suspended := h.reload(t, run.ID)
	require.NotNil(t, suspended.Resumption)

	err := h.engine.Resume(ctx, run.ID, suspended.Resumption.Token, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a decision")
}

func TestSuspensionInsideLoopResumesIteration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("each", models.NodeTypeLoop, map[string]any{
			"dataSource":     "{{trigger.items}}",
			"loopBodyNodeId": "step",
		}),
		testutil.Node("step", models.NodeTypeDelay, map[string]any{"delayMs": 3600000}),
	)
	testutil.Connect(wf, "start", "each")

	run := h.start(t, wf, map[string]any{"items": []any{"a", "b"}})

	// First pass suspends inside iteration 0.
	require.NoError(t, h.engine.Execute(ctx, run.ID))
	first := h.reload(t, run.ID)
	require.Equal(t, models.RunStatusSuspended, first.Status)

	// Resuming finishes iteration 0 and suspends again in iteration 1.
	require.NoError(t, h.engine.Resume(ctx, run.ID, first.Resumption.Token, nil, ""))
	second := h.reload(t, run.ID)
	require.Equal(t, models.RunStatusSuspended, second.Status)
	assert.NotEqual(t, first.Resumption.Token, second.Resumption.Token)

	require.NoError(t, h.engine.Resume(ctx, run.ID, second.Resumption.Token, nil, ""))
	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.True(t, final.Succeeded("each"))
}

func TestCancelSuspendedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("wait", models.NodeTypeDelay, map[string]any{"delayMs": 3600000}),
	)
	testutil.Connect(wf, "start", "wait")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(ctx, run.ID))

	suspended := h.reload(t, run.ID)
	token := suspended.Resumption.Token

	require.NoError(t, h.engine.Cancel(ctx, run.ID, "no longer needed"))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCancelled, final.Status)
	assert.Nil(t, final.Resumption)

	// The wake token is withdrawn with the run.
	_, err := h.store.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrUnknownToken)

	err = h.engine.Resume(ctx, run.ID, token, nil, "")
	assert.ErrorIs(t, err, ErrRunNotSuspended)
}

func TestCancelTerminalRunFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := testutil.Workflow()
	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(ctx, run.ID))

	err := h.engine.Cancel(ctx, run.ID, "")
	assert.ErrorIs(t, err, ErrRunTerminal)
}

func TestDelayUntilInPastIsNoOp(t *testing.T) {
	h := newHarness(t)

	wf := testutil.Workflow()
	wf.Nodes = append(wf.Nodes,
		testutil.Node("wait", models.NodeTypeDelay, map[string]any{
			"delayUntil": "2000-01-01T00:00:00Z",
		}),
		testutil.Node("after", models.NodeTypeSMS, map[string]any{"message": "immediate"}),
	)
	testutil.Connect(wf, "start", "wait")
	testutil.Connect(wf, "wait", "after")

	run := h.start(t, wf, nil)
	require.NoError(t, h.engine.Execute(context.Background(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, 1, h.notifier.smsCount())
}
