package models

import "time"

// RunStatus represents the lifecycle state of one workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// NodeLogStatus is the per-node execution status recorded in the run log.
type NodeLogStatus string

const (
	NodeLogPending   NodeLogStatus = "pending"
	NodeLogRunning   NodeLogStatus = "running"
	NodeLogSucceeded NodeLogStatus = "succeeded"
	NodeLogFailed    NodeLogStatus = "failed"
	NodeLogSkipped   NodeLogStatus = "skipped"
)

// NodeLog records one node's execution within a run. Completed entries make
// resumption idempotent: a node logged as succeeded is skipped when the run
// is re-entered after a crash or suspension.
type NodeLog struct {
	NodeID      string        `json:"nodeId"`
	Status      NodeLogStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// Resumption is the persisted token that lets a suspended run continue after
// a delay elapses or an approval decision arrives, surviving process
// restarts.
type Resumption struct {
	Token      string     `json:"token"`
	NodeID     string     `json:"nodeId"`               // node that suspended the run
	ResumeAt   *time.Time `json:"resumeAt,omitempty"`   // wake time for delays
	Approvers  []string   `json:"approvers,omitempty"`  // pending approvers for approvals
	SuspendKey string     `json:"suspendKey,omitempty"` // loop/branch frame key, empty at top level
}

// Run is one execution instance of a workflow against one triggering event.
// It is a persisted record (environment + cursor + log), never a live call
// stack, so suspensions of days survive restarts.
type Run struct {
	ID             string              `json:"id"`
	WorkflowID     string              `json:"workflowId"`
	TriggerID      string              `json:"triggerId,omitempty"`
	Status         RunStatus           `json:"status"`
	TriggerPayload map[string]any      `json:"triggerPayload,omitempty"`
	Env            map[string]any      `json:"env,omitempty"`
	CursorNodeID   string              `json:"cursorNodeId,omitempty"`
	Resumption     *Resumption         `json:"resumption,omitempty"`
	NodeLogs       map[string]*NodeLog `json:"nodeLogs"`
	Warnings       []string            `json:"warnings,omitempty"`
	Error          string              `json:"error,omitempty"`
	StartedAt      time.Time           `json:"startedAt"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Log returns the log entry for a node, creating it on first use.
func (r *Run) Log(nodeID string) *NodeLog {
	if r.NodeLogs == nil {
		r.NodeLogs = make(map[string]*NodeLog)
	}

	entry, ok := r.NodeLogs[nodeID]
	if !ok {
		entry = &NodeLog{NodeID: nodeID, Status: NodeLogPending}
		r.NodeLogs[nodeID] = entry
	}

	return entry
}

// Succeeded reports whether a node already completed successfully in this
// run.
func (r *Run) Succeeded(nodeID string) bool {
	entry, ok := r.NodeLogs[nodeID]

	return ok && entry.Status == NodeLogSucceeded
}

// Terminal reports whether the run reached a final state.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}
