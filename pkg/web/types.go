// Package web provides the REST API for workflow management, event
// ingestion and approval callbacks.
package web

// EntityEventRequest is the ingestion body for a business entity lifecycle
// event. The payload becomes the trigger payload of any run it opens.
type EntityEventRequest struct {
	Module        string         `json:"module"     validate:"required"`
	EntityType    string         `json:"entityType" validate:"required"`
	EventType     string         `json:"eventType"  validate:"required"`
	EntityID      string         `json:"entityId,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// ApprovalDecisionRequest is the callback body deciding a suspended approval
// node.
type ApprovalDecisionRequest struct {
	Token    string `json:"token"    validate:"required"`
	Approved *bool  `json:"approved" validate:"required"`
	Approver string `json:"approver" validate:"required"`
}

// CancelRunRequest optionally carries the reason a run is being cancelled.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}
