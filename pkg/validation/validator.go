package validation

import (
	"fmt"

	"github.com/ritmohq/ritmo/pkg/models"
)

const (
	maxLoopIterations  = 1000
	maxParallelBranches = 10
)

// Validator is the structural gate a workflow must pass before activation.
// Validate is a pure function of (nodes, connections): identical input
// always yields identical output and the workflow is never mutated.
type Validator struct{}

// New creates a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate runs the full structural pipeline over a workflow definition.
func (v *Validator) Validate(workflow *models.Workflow) *Result {
	result := &Result{}

	if workflow == nil {
		result.AddError("", "", "workflow definition is nil")

		return result
	}

	if len(workflow.Nodes) == 0 {
		result.AddError("", "nodes", "workflow must have at least one node")

		return result
	}

	nodeIDs := v.collectNodeIDs(workflow, result)

	for _, node := range workflow.Nodes {
		v.validateNodeConfig(node, nodeIDs, result)
	}

	v.validateConnections(workflow, nodeIDs, result)
	v.detectOrphans(workflow, result)
	v.detectCycles(workflow, result)

	return result
}

// collectNodeIDs indexes the node set and reports duplicate IDs.
func (v *Validator) collectNodeIDs(workflow *models.Workflow, result *Result) map[string]bool {
	nodeIDs := make(map[string]bool, len(workflow.Nodes))

	for _, node := range workflow.Nodes {
		if node.NodeID == "" {
			result.AddError("", "nodeId", "node is missing a nodeId")

			continue
		}

		if nodeIDs[node.NodeID] {
			result.AddError(node.NodeID, "nodeId", fmt.Sprintf("duplicate nodeId %q", node.NodeID))

			continue
		}

		nodeIDs[node.NodeID] = true

		if node.Name == "" {
			result.AddWarning(node.NodeID, "name", "node has no name")
		}
	}

	return nodeIDs
}

// validateNodeConfig applies the per-type required-field table and checks
// that branch targets embedded in the config resolve to existing nodes.
func (v *Validator) validateNodeConfig(node *models.Node, nodeIDs map[string]bool, result *Result) {
	config, err := node.DecodeConfig()
	if err != nil {
		result.AddError(node.NodeID, "type", err.Error())

		return
	}

	switch c := config.(type) {
	case *models.ConditionConfig:
		if len(c.Conditions) == 0 && c.Expression == "" {
			result.AddError(node.NodeID, "conditions", "must have at least one condition")
		}
	case *models.LoopConfig:
		if c.DataSource == "" {
			result.AddError(node.NodeID, "dataSource", "must have a data source")
		}

		if c.MaxIterations > maxLoopIterations {
			result.AddWarning(node.NodeID, "maxIterations",
				fmt.Sprintf("maxIterations %d exceeds %d, loop will be truncated", c.MaxIterations, maxLoopIterations))
		}
	case *models.ParallelConfig:
		if len(c.Branches) == 0 {
			result.AddError(node.NodeID, "branches", "must have at least one parallel node")
		}

		if len(c.Branches) > maxParallelBranches {
			result.AddWarning(node.NodeID, "branches",
				fmt.Sprintf("%d parallel branches exceeds recommended limit of %d", len(c.Branches), maxParallelBranches))
		}
	case *models.TransformConfig:
		if c.Operation == "" {
			result.AddError(node.NodeID, "operation", "must have an operation")
		}
	case *models.ApprovalConfig:
		if len(c.Approvers) == 0 {
			result.AddError(node.NodeID, "approvers", "must have at least one approver")
		}
	case *models.CreateRecordConfig:
		if c.Model == "" {
			result.AddError(node.NodeID, "model", "must have a model")
		}

		if len(c.FieldMappings) == 0 {
			result.AddError(node.NodeID, "fieldMappings", "must have at least one field mapping")
		}
	case *models.UpdateRecordConfig:
		if c.Model == "" {
			result.AddError(node.NodeID, "model", "must have a model")
		}

		if c.RecordID == "" {
			result.AddError(node.NodeID, "recordId", "must have a record id")
		}

		if len(c.FieldMappings) == 0 {
			result.AddError(node.NodeID, "fieldMappings", "must have at least one field mapping")
		}
	case *models.EmailConfig:
		if c.Subject == "" {
			result.AddError(node.NodeID, "subject", "must have a subject")
		}

		if c.HTMLBody == "" {
			result.AddError(node.NodeID, "htmlBody", "must have an email body")
		}
	case *models.SMSConfig:
		if c.Message == "" {
			result.AddError(node.NodeID, "message", "must have a message")
		}
	}

	for _, target := range config.BranchTargets() {
		if !nodeIDs[target] {
			result.AddError(node.NodeID, "config",
				fmt.Sprintf("branch target %q does not exist", target))
		}
	}
}

// validateConnections checks edge endpoints against the node set and rejects
// self-loops.
func (v *Validator) validateConnections(workflow *models.Workflow, nodeIDs map[string]bool, result *Result) {
	for _, conn := range workflow.Connections {
		if !nodeIDs[conn.SourceNodeID] {
			result.AddError(conn.SourceNodeID, "sourceNodeId",
				fmt.Sprintf("connection source %q does not exist", conn.SourceNodeID))
		}

		if !nodeIDs[conn.TargetNodeID] {
			result.AddError(conn.TargetNodeID, "targetNodeId",
				fmt.Sprintf("connection target %q does not exist", conn.TargetNodeID))
		}

		if conn.SourceNodeID != "" && conn.SourceNodeID == conn.TargetNodeID {
			result.AddError(conn.SourceNodeID, "targetNodeId",
				fmt.Sprintf("connection from %q to itself is not allowed", conn.SourceNodeID))
		}
	}
}

// detectOrphans warns about nodes untouched by any connection. Trigger nodes
// are exempt: they are graph roots. Nodes referenced only as branch or loop
// body targets still warn, since the connection scan does not see them; the
// graph author is expected to decide whether that was intentional.
func (v *Validator) detectOrphans(workflow *models.Workflow, result *Result) {
	connected := make(map[string]bool)

	for _, conn := range workflow.Connections {
		connected[conn.SourceNodeID] = true
		connected[conn.TargetNodeID] = true
	}

	for _, node := range workflow.Nodes {
		if node.Type == models.NodeTypeTrigger {
			continue
		}

		if !connected[node.NodeID] {
			result.AddWarning(node.NodeID, "",
				fmt.Sprintf("node %q is not connected to the workflow graph", node.NodeID))
		}
	}
}

// detectCycles runs a depth-first search with a recursion stack over the
// adjacency list built from connections. Any cycle is fatal; the reported
// path covers exactly the cycle's nodes.
func (v *Validator) detectCycles(workflow *models.Workflow, result *Result) {
	adjacency := make(map[string][]string, len(workflow.Nodes))
	for _, conn := range workflow.Connections {
		// Self-loops are already rejected by validateConnections; keeping
		// them here would report the same defect twice.
		if conn.SourceNodeID == conn.TargetNodeID {
			continue
		}

		adjacency[conn.SourceNodeID] = append(adjacency[conn.SourceNodeID], conn.TargetNodeID)
	}

	visited := make(map[string]bool, len(workflow.Nodes))
	onStack := make(map[string]bool, len(workflow.Nodes))
	stack := make([]string, 0, len(workflow.Nodes))

	var walk func(nodeID string) bool

	walk = func(nodeID string) bool {
		visited[nodeID] = true
		onStack[nodeID] = true
		stack = append(stack, nodeID)

		for _, next := range adjacency[nodeID] {
			if !visited[next] {
				if walk(next) {
					return true
				}
			} else if onStack[next] {
				cycle := v.cycleFrom(stack, next)
				result.Errors = append(result.Errors, Issue{
					NodeID:  next,
					Message: fmt.Sprintf("workflow contains a cycle: %v", cycle),
					Cycle:   cycle,
				})

				return true
			}
		}

		onStack[nodeID] = false
		stack = stack[:len(stack)-1]

		return false
	}

	for _, node := range workflow.Nodes {
		if !visited[node.NodeID] {
			if walk(node.NodeID) {
				return
			}
		}
	}
}

// cycleFrom slices the DFS stack from the revisited node onward.
func (v *Validator) cycleFrom(stack []string, start string) []string {
	for i, nodeID := range stack {
		if nodeID == start {
			cycle := make([]string, len(stack)-i)
			copy(cycle, stack[i:])

			return cycle
		}
	}

	return []string{start}
}
