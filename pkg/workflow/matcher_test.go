package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/testutil"
)

func dealCreated(payload map[string]any) events.EntityEvent {
	return events.EntityEvent{
		Module:     "crm",
		EntityType: "deal",
		EventType:  "created",
		EntityID:   "deal-42",
		Payload:    payload,
	}
}

func TestMatchWorkflowsExactTrigger(t *testing.T) {
	matcher := NewMatcher()
	workflow := testutil.Workflow()

	matches := matcher.MatchWorkflows(dealCreated(nil), []*models.Workflow{workflow})
	require.Len(t, matches, 1)
	assert.Equal(t, workflow.ID, matches[0].Workflow.ID)
	assert.Equal(t, "trigger-1", matches[0].Trigger.ID)
}

func TestMatchWorkflowsSkipsInactive(t *testing.T) {
	matcher := NewMatcher()
	draft := testutil.Workflow(testutil.WithStatus(models.WorkflowStatusDraft))
	archived := testutil.Workflow(testutil.WithStatus(models.WorkflowStatusArchived))

	matches := matcher.MatchWorkflows(dealCreated(nil), []*models.Workflow{draft, archived})
	assert.Empty(t, matches)
}

func TestMatchWorkflowsMismatchedEvent(t *testing.T) {
	matcher := NewMatcher()
	workflow := testutil.Workflow()

	event := events.EntityEvent{Module: "crm", EntityType: "deal", EventType: "updated"}

	matches := matcher.MatchWorkflows(event, []*models.Workflow{workflow})
	assert.Empty(t, matches)
}

func TestMatchWorkflowsEmptyFieldIsWildcard(t *testing.T) {
	matcher := NewMatcher()
	workflow := testutil.Workflow(func(w *models.Workflow) {
		w.Triggers[0].EntityType = ""
		w.Triggers[0].EventType = ""
	})

	event := events.EntityEvent{Module: "crm", EntityType: "contact", EventType: "deleted"}

	matches := matcher.MatchWorkflows(event, []*models.Workflow{workflow})
	assert.Len(t, matches, 1)
}

func TestMatchWorkflowsTriggerConditions(t *testing.T) {
	matcher := NewMatcher()
	workflow := testutil.Workflow(func(w *models.Workflow) {
		w.Triggers[0].Conditions = []models.ConditionClause{
			{Field: "amount", Operator: models.OperatorGreaterThan, Value: 1000},
		}
	})

	matches := matcher.MatchWorkflows(dealCreated(map[string]any{"amount": float64(5000)}), []*models.Workflow{workflow})
	assert.Len(t, matches, 1)

	matches = matcher.MatchWorkflows(dealCreated(map[string]any{"amount": float64(10)}), []*models.Workflow{workflow})
	assert.Empty(t, matches)
}

func TestMatchWorkflowsConditionOnEventMetadata(t *testing.T) {
	matcher := NewMatcher()
	workflow := testutil.Workflow(func(w *models.Workflow) {
		w.Triggers[0].Conditions = []models.ConditionClause{
			{Field: "entityId", Operator: models.OperatorEquals, Value: "deal-42"},
		}
	})

	matches := matcher.MatchWorkflows(dealCreated(nil), []*models.Workflow{workflow})
	assert.Len(t, matches, 1)
}

func TestMatchWorkflowsUnresolvableConditionDoesNotMatch(t *testing.T) {
	matcher := NewMatcher()
	workflow := testutil.Workflow(func(w *models.Workflow) {
		w.Triggers[0].Conditions = []models.ConditionClause{
			{Field: "missing.path", Operator: models.OperatorEquals, Value: "x"},
		}
	})

	matches := matcher.MatchWorkflows(dealCreated(nil), []*models.Workflow{workflow})
	assert.Empty(t, matches)
}

func TestMatchWorkflowsMultipleTriggers(t *testing.T) {
	matcher := NewMatcher()
	workflow := testutil.Workflow(func(w *models.Workflow) {
		w.Triggers = append(w.Triggers, &models.Trigger{
			ID:     "trigger-2",
			Kind:   models.TriggerKindEntityEvent,
			Module: "crm",
		})
	})

	matches := matcher.MatchWorkflows(dealCreated(nil), []*models.Workflow{workflow})
	require.Len(t, matches, 2)
	assert.Equal(t, "trigger-1", matches[0].Trigger.ID)
	assert.Equal(t, "trigger-2", matches[1].Trigger.ID)
}

func TestMatchWorkflowsScheduleTriggerIgnored(t *testing.T) {
	matcher := NewMatcher()
	workflow := testutil.Workflow(func(w *models.Workflow) {
		w.Triggers = []*models.Trigger{
			{ID: "cron-1", Kind: models.TriggerKindSchedule, CronExpression: "0 9 * * *"},
		}
	})

	matches := matcher.MatchWorkflows(dealCreated(nil), []*models.Workflow{workflow})
	assert.Empty(t, matches)
}

func TestChangedFieldsInclude(t *testing.T) {
	event := dealCreated(nil)
	event.ChangedFields = []string{"stage", "amount"}

	assert.True(t, ChangedFieldsInclude(event, "amount"))
	assert.False(t, ChangedFieldsInclude(event, "owner"))

	untracked := dealCreated(nil)
	assert.True(t, ChangedFieldsInclude(untracked, "anything"))
}
