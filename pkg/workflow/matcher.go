package workflow

import (
	"log/slog"
	"slices"

	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/log"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/template"
)

// Matcher routes entity lifecycle events to the active workflows whose
// triggers subscribe to them.
type Matcher struct {
	logger *slog.Logger
}

// Match is one workflow/trigger pair activated by an event.
type Match struct {
	Workflow *models.Workflow
	Trigger  *models.Trigger
}

func NewMatcher() *Matcher {
	return &Matcher{logger: log.WithModule("matcher")}
}

// MatchWorkflows returns every active workflow whose entity-event triggers
// match the event. Each matched trigger produces a separate run, so a
// workflow can appear more than once.
func (m *Matcher) MatchWorkflows(event events.EntityEvent, workflows []*models.Workflow) []Match {
	matches := make([]Match, 0)

	for _, workflow := range workflows {
		if workflow.Status != models.WorkflowStatusActive {
			continue
		}

		for _, trigger := range workflow.Triggers {
			if m.matches(event, trigger) {
				matches = append(matches, Match{Workflow: workflow, Trigger: trigger})

				m.logger.Debug("Matched workflow",
					"workflow_id", workflow.ID,
					"trigger_id", trigger.ID,
					"module", event.Module,
					"entity_type", event.EntityType,
					"event_type", event.EventType)
			}
		}
	}

	m.logger.Info("Completed trigger matching",
		"module", event.Module,
		"entity_type", event.EntityType,
		"event_type", event.EventType,
		"matches_found", len(matches))

	return matches
}

// matches checks one trigger against the event. Module, entity type and
// event type must match exactly when declared; an empty field subscribes to
// all values. Trigger conditions evaluate against the event payload, and a
// condition that cannot be evaluated does not match.
func (m *Matcher) matches(event events.EntityEvent, trigger *models.Trigger) bool {
	if trigger.Kind != models.TriggerKindEntityEvent {
		return false
	}

	if trigger.Module != "" && trigger.Module != event.Module {
		return false
	}

	if trigger.EntityType != "" && trigger.EntityType != event.EntityType {
		return false
	}

	if trigger.EventType != "" && trigger.EventType != event.EventType {
		return false
	}

	if len(trigger.Conditions) == 0 {
		return true
	}

	env := template.Env(payload(event))

	held, err := engine.EvaluateClauses(trigger.Conditions, models.LogicalAnd, env)
	if err != nil {
		m.logger.Warn("Trigger condition evaluation failed",
			"trigger_id", trigger.ID, "error", err)

		return false
	}

	return held
}

// payload exposes the event to trigger conditions the same way the run
// environment later will: fields at the top level plus event metadata.
func payload(event events.EntityEvent) map[string]any {
	env := make(map[string]any, len(event.Payload)+4)

	for key, value := range event.Payload {
		env[key] = value
	}

	env["module"] = event.Module
	env["entityType"] = event.EntityType
	env["eventType"] = event.EventType

	if event.EntityID != "" {
		env["entityId"] = event.EntityID
	}

	if len(event.ChangedFields) > 0 {
		env["changedFields"] = toAny(event.ChangedFields)
	}

	return env
}

// ChangedFieldsInclude reports whether any of the given fields changed in
// the event. An event without change tracking matches everything.
func ChangedFieldsInclude(event events.EntityEvent, fields ...string) bool {
	if len(event.ChangedFields) == 0 {
		return true
	}

	for _, field := range fields {
		if slices.Contains(event.ChangedFields, field) {
			return true
		}
	}

	return false
}

func toAny(values []string) []any {
	output := make([]any, len(values))
	for i, value := range values {
		output[i] = value
	}

	return output
}
