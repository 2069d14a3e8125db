// Package protocol defines the contracts between the workflow engine and its
// external collaborators: record storage, notification dispatch, generic
// data access and pluggable actions. The engine owns none of these; it only
// invokes them.
package protocol

import (
	"context"
	"log/slog"

	"github.com/ritmohq/ritmo/pkg/template"
)

// RecordStore is the generic create/update capability over business records.
// The engine never sees entity schemas; field values arrive fully resolved.
type RecordStore interface {
	// CreateRecord creates a record of the given model and returns its ID.
	CreateRecord(ctx context.Context, model string, fields map[string]any) (string, error)

	// UpdateRecord mutates an existing record.
	UpdateRecord(ctx context.Context, model string, recordID string, fields map[string]any) error
}

// DeliveryResult reports the outcome of a notification dispatch.
type DeliveryResult struct {
	MessageID string `json:"messageId,omitempty"`
	Delivered bool   `json:"delivered"`
	Detail    string `json:"detail,omitempty"`
}

// Email is a fully resolved outbound email.
type Email struct {
	Recipient     string `json:"recipient,omitempty"`
	RecipientType string `json:"recipientType,omitempty"`
	Subject       string `json:"subject"`
	HTMLBody      string `json:"htmlBody"`
}

// SMS is a fully resolved outbound text message.
type SMS struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// Notifier dispatches emails and SMS messages.
type Notifier interface {
	SendEmail(ctx context.Context, email Email) (DeliveryResult, error)
	SendSMS(ctx context.Context, sms SMS) (DeliveryResult, error)
}

// DataSource is the read side consumed by data-transform nodes.
type DataSource interface {
	// Query returns records from a named source matching the filters.
	Query(ctx context.Context, source string, filters map[string]any) ([]map[string]any, error)

	// Aggregate computes sum/avg/count/min/max over a field.
	Aggregate(ctx context.Context, source string, field string, op string) (float64, error)
}

// ActionResult is what an action hands back to the engine. Output is bound
// to the node's outputVariable when declared; Bindings are written into the
// environment directly (used by set_variable).
type ActionResult struct {
	Output   any
	Bindings map[string]any
}

// Action is one invocable effect from the action registry.
type Action interface {
	Execute(ctx context.Context, env template.Env, logger *slog.Logger) (*ActionResult, error)
}

// ActionFactory creates action instances and describes their configuration.
type ActionFactory interface {
	// Create builds an action from resolved params.
	Create(params map[string]any) (Action, error)

	// ID returns the action type name used in node configs.
	ID() string

	// Schema returns the JSON Schema for the action's params.
	Schema() map[string]any
}
