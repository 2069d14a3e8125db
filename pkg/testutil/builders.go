// Package testutil provides test data builders for workflow definitions.
package testutil

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ritmohq/ritmo/pkg/models"
)

// Workflow builds an active workflow with one entity-event trigger and a
// trigger node, ready to extend with more nodes and connections.
func Workflow(overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:     uuid.New().String(),
		Name:   "Test Workflow",
		Status: models.WorkflowStatusActive,
		Triggers: []*models.Trigger{
			{
				ID:         "trigger-1",
				Kind:       models.TriggerKindEntityEvent,
				Module:     "crm",
				EntityType: "deal",
				EventType:  "created",
			},
		},
		Nodes: []*models.Node{
			Node("start", models.NodeTypeTrigger, map[string]any{"triggerId": "trigger-1"}),
		},
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// Node builds a typed node. The config map is marshaled into the raw config
// payload the same way a stored manifest carries it.
func Node(nodeID string, nodeType models.NodeType, config map[string]any, overrides ...func(*models.Node)) *models.Node {
	var raw json.RawMessage

	if config != nil {
		data, err := json.Marshal(config)
		if err != nil {
			panic(err)
		}

		raw = data
	}

	node := &models.Node{
		NodeID: nodeID,
		Type:   nodeType,
		Name:   nodeID,
		Config: raw,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// Connect appends a plain edge between two nodes.
func Connect(workflow *models.Workflow, source, target string) {
	workflow.Connections = append(workflow.Connections, &models.Connection{
		SourceNodeID:   source,
		TargetNodeID:   target,
		ExecutionOrder: len(workflow.Connections),
	})
}

// WithStatus overrides the workflow status.
func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// WithOptional marks a node as optional.
func WithOptional() func(*models.Node) {
	return func(n *models.Node) {
		n.IsOptional = true
	}
}

// WithRetries sets a node's retry limit.
func WithRetries(limit int) func(*models.Node) {
	return func(n *models.Node) {
		n.RetryLimit = limit
	}
}
