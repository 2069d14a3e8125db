// Package models defines the core domain models for workflow automation:
// the workflow definition manifest, its nodes and connections, and the
// run-time execution record.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not executable
	WorkflowStatusActive   WorkflowStatus = "active"   // Validated, executable
	WorkflowStatusArchived WorkflowStatus = "archived" // Historical, not executable
)

// Workflow is the declarative definition of an automation: triggers, a graph
// of typed nodes joined by connections, and declared variables. A definition
// is immutable once activated for a given run; edits produce a new draft.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"        validate:"required,min=3"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Status      WorkflowStatus  `json:"status"      validate:"required"`
	Triggers    []*Trigger      `json:"triggers"    validate:"required,min=1,dive"`
	Nodes       []*Node         `json:"nodes"       validate:"required,min=1,dive"`
	Connections []*Connection   `json:"connections" validate:"dive"`
	Variables   []*Variable     `json:"variables"   validate:"dive"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Owner       string          `json:"owner"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	ActivatedAt *time.Time      `json:"activatedAt,omitempty"`
	DeletedAt   *time.Time      `json:"deletedAt,omitempty"`
}

// NodeByID returns the node with the given nodeId, or nil.
func (w *Workflow) NodeByID(nodeID string) *Node {
	for _, node := range w.Nodes {
		if node.NodeID == nodeID {
			return node
		}
	}

	return nil
}

// TriggerNodes returns every node of type trigger, in declaration order.
func (w *Workflow) TriggerNodes() []*Node {
	nodes := make([]*Node, 0, 1)

	for _, node := range w.Nodes {
		if node.Type == NodeTypeTrigger {
			nodes = append(nodes, node)
		}
	}

	return nodes
}

// TriggerKind discriminates what starts a workflow run.
type TriggerKind string

const (
	TriggerKindEntityEvent TriggerKind = "entity_event" // Business entity lifecycle event
	TriggerKindSchedule    TriggerKind = "schedule"     // Cron-like time trigger
)

// Trigger declares one way a workflow may be started. A workflow may declare
// several; any one firing creates a run.
type Trigger struct {
	ID             string            `json:"id"   validate:"required"`
	Kind           TriggerKind       `json:"kind" validate:"required,oneof=entity_event schedule"`
	Module         string            `json:"module,omitempty"`
	EntityType     string            `json:"entityType,omitempty"`
	EventType      string            `json:"eventType,omitempty"`
	Conditions     []ConditionClause `json:"conditions,omitempty"`
	CronExpression string            `json:"cronExpression,omitempty"`
	Timezone       string            `json:"timezone,omitempty"`
}

// Connection is a directed edge between two nodes. Connections, together
// with branch targets embedded in node configs, define the execution DAG.
// The flat executionOrder on nodes is a display hint only.
type Connection struct {
	SourceNodeID   string            `json:"sourceNodeId" validate:"required"`
	TargetNodeID   string            `json:"targetNodeId" validate:"required"`
	ExecutionOrder int               `json:"executionOrder"`
	Conditions     []ConditionClause `json:"conditions,omitempty"` // Guard: edge taken only when these hold
	Language       string            `json:"language,omitempty"`   // Guard language, "simple" (default) or "expr"
	Expression     string            `json:"expression,omitempty"` // expr-language guard body
}

// VariableType is the declared type of a workflow variable.
type VariableType string

const (
	VariableTypeString  VariableType = "string"
	VariableTypeNumber  VariableType = "number"
	VariableTypeBoolean VariableType = "boolean"
	VariableTypeArray   VariableType = "array"
	VariableTypeObject  VariableType = "object"
)

// Variable is declared at the workflow level but populated only during a
// run: trigger payload fields, node output bindings, loop item bindings.
type Variable struct {
	Name         string       `json:"name" validate:"required"`
	Type         VariableType `json:"type" validate:"required,oneof=string number boolean array object"`
	Description  string       `json:"description,omitempty"`
	DefaultValue any          `json:"defaultValue,omitempty"`
}

// ConditionOperator is one of the fixed comparison operators supported by
// condition clauses.
type ConditionOperator string

const (
	OperatorEquals             ConditionOperator = "equals"
	OperatorNotEquals          ConditionOperator = "not_equals"
	OperatorGreaterThan        ConditionOperator = "greater_than"
	OperatorGreaterThanOrEqual ConditionOperator = "greater_than_or_equal"
	OperatorLessThan           ConditionOperator = "less_than"
)

// LogicalOperator combines the clauses of a condition list.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// ConditionClause compares one environment field against a value. The field
// is a dotted path into the run environment; the value may itself contain
// {{...}} expressions.
type ConditionClause struct {
	Field    string            `json:"field"    validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required,oneof=equals not_equals greater_than greater_than_or_equal less_than"`
	Value    any               `json:"value"`
}
