package models

import (
	"encoding/json"
	"fmt"
)

// NodeType is the closed set of step types a workflow graph may contain.
type NodeType string

const (
	NodeTypeTrigger       NodeType = "trigger"
	NodeTypeCondition     NodeType = "condition"
	NodeTypeLoop          NodeType = "loop"
	NodeTypeParallel      NodeType = "parallel"
	NodeTypeDataTransform NodeType = "data_transform"
	NodeTypeCreateRecord  NodeType = "create_record"
	NodeTypeUpdateRecord  NodeType = "update_record"
	NodeTypeEmail         NodeType = "email"
	NodeTypeSMS           NodeType = "sms"
	NodeTypeAction        NodeType = "action"
	NodeTypeDelay         NodeType = "delay"
	NodeTypeApproval      NodeType = "approval"
)

// KnownNodeTypes lists every valid node type.
var KnownNodeTypes = []NodeType{
	NodeTypeTrigger, NodeTypeCondition, NodeTypeLoop, NodeTypeParallel,
	NodeTypeDataTransform, NodeTypeCreateRecord, NodeTypeUpdateRecord,
	NodeTypeEmail, NodeTypeSMS, NodeTypeAction, NodeTypeDelay,
	NodeTypeApproval,
}

// Node is one typed step in a workflow graph. NodeID is a stable key scoped
// to the workflow, not a database identifier. The type-specific configuration
// is carried raw in the manifest and decoded into its typed variant via
// DecodeConfig.
type Node struct {
	NodeID         string          `json:"nodeId" validate:"required"`
	Type           NodeType        `json:"type"   validate:"required"`
	Name           string          `json:"name"`
	ExecutionOrder int             `json:"executionOrder"`
	Config         json.RawMessage `json:"config,omitempty"`
	IsOptional     bool            `json:"isOptional"`
	RetryLimit     int             `json:"retryLimit,omitempty"`
}

// NodeConfig is the tagged union of per-type configuration payloads. The
// concrete variant is selected by the node's Type, so required fields are
// enforced by the type system rather than by runtime casts.
type NodeConfig interface {
	// BranchTargets returns node IDs referenced from inside this config
	// (condition branches, loop bodies, parallel branches). These are part
	// of the execution DAG even when not materialized as connections.
	BranchTargets() []string
}

// TriggerConfig carries the optional binding from a graph trigger node back
// to a declared workflow trigger.
type TriggerConfig struct {
	TriggerID string `json:"triggerId,omitempty"`
}

func (c *TriggerConfig) BranchTargets() []string { return nil }

// ConditionConfig evaluates a clause list and routes to one of two branches.
// Either branch may be empty, which ends that path.
type ConditionConfig struct {
	Conditions      []ConditionClause `json:"conditions"`
	LogicalOperator LogicalOperator   `json:"logicalOperator,omitempty"` // defaults to "and"
	Language        string            `json:"language,omitempty"`        // "simple" (default) or "expr"
	Expression      string            `json:"expression,omitempty"`      // expr-language body when Language == "expr"
	TrueBranch      string            `json:"trueBranch,omitempty"`
	FalseBranch     string            `json:"falseBranch,omitempty"`
}

func (c *ConditionConfig) BranchTargets() []string {
	targets := make([]string, 0, 2)
	if c.TrueBranch != "" {
		targets = append(targets, c.TrueBranch)
	}

	if c.FalseBranch != "" {
		targets = append(targets, c.FalseBranch)
	}

	return targets
}

// LoopConfig iterates a collection, binding each element and executing the
// subgraph rooted at LoopBodyNodeID once per element.
type LoopConfig struct {
	DataSource     string `json:"dataSource"`
	ItemVariable   string `json:"itemVariable,omitempty"`  // defaults to "item"
	IndexVariable  string `json:"indexVariable,omitempty"` // defaults to "index"
	LoopBodyNodeID string `json:"loopBodyNodeId,omitempty"`
	MaxIterations  int    `json:"maxIterations,omitempty"`
	OutputVariable string `json:"outputVariable,omitempty"` // accumulates per-iteration results
}

func (c *LoopConfig) BranchTargets() []string {
	if c.LoopBodyNodeID == "" {
		return nil
	}

	return []string{c.LoopBodyNodeID}
}

// ParallelFailureHandling selects how a parallel node treats branch failures.
type ParallelFailureHandling string

const (
	FailureHandlingContinue ParallelFailureHandling = "continue_on_failure"
	FailureHandlingFailFast ParallelFailureHandling = "fail_fast"
)

// ParallelConfig fans out the listed branch subgraphs concurrently and
// rendezvous before the workflow proceeds past the node.
type ParallelConfig struct {
	Branches        []string                `json:"branches"`
	FailureHandling ParallelFailureHandling `json:"failureHandling,omitempty"` // defaults to fail_fast
}

func (c *ParallelConfig) BranchTargets() []string { return c.Branches }

// TransformOperation is the kind of read performed by a data transform node.
type TransformOperation string

const (
	TransformQuery     TransformOperation = "query"
	TransformAggregate TransformOperation = "aggregate"
	TransformExtract   TransformOperation = "extract"
)

// TransformConfig reads or aggregates from an external data source and binds
// the result to OutputVariable.
type TransformConfig struct {
	Operation      TransformOperation `json:"operation"`
	Source         string             `json:"source,omitempty"`
	Filters        map[string]any     `json:"filters,omitempty"`
	Field          string             `json:"field,omitempty"`
	AggregateOp    string             `json:"aggregateOp,omitempty"` // sum, avg, count, min, max
	InputVariable  string             `json:"inputVariable,omitempty"`
	OutputVariable string             `json:"outputVariable,omitempty"`
}

func (c *TransformConfig) BranchTargets() []string { return nil }

// CreateRecordConfig creates a business record through the external record
// store. Field mapping values may contain {{...}} expressions.
type CreateRecordConfig struct {
	Model          string            `json:"model"`
	FieldMappings  map[string]string `json:"fieldMappings"`
	OutputVariable string            `json:"outputVariable,omitempty"` // bound to the new record ID
}

func (c *CreateRecordConfig) BranchTargets() []string { return nil }

// UpdateRecordConfig mutates an existing business record. RecordID may
// contain {{...}} expressions.
type UpdateRecordConfig struct {
	Model         string            `json:"model"`
	RecordID      string            `json:"recordId"`
	FieldMappings map[string]string `json:"fieldMappings"`
}

func (c *UpdateRecordConfig) BranchTargets() []string { return nil }

// EmailConfig dispatches a templated email through the external notifier.
type EmailConfig struct {
	Recipient     string `json:"recipient,omitempty"`
	RecipientType string `json:"recipientType,omitempty"` // e.g. "contact_owner", resolved by the notifier
	Subject       string `json:"subject"`
	HTMLBody      string `json:"htmlBody"`
}

func (c *EmailConfig) BranchTargets() []string { return nil }

// SMSConfig dispatches a templated SMS through the external notifier.
type SMSConfig struct {
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message"`
}

func (c *SMSConfig) BranchTargets() []string { return nil }

// ActionConfig invokes a named action from the action registry: an escape
// hatch for engine-internal effects such as variable assignment or external
// artifacts like payment links and calendar events.
type ActionConfig struct {
	ActionType     string         `json:"actionType"`
	Params         map[string]any `json:"params,omitempty"`
	OutputVariable string         `json:"outputVariable,omitempty"`
}

func (c *ActionConfig) BranchTargets() []string { return nil }

// DelayConfig suspends the run for a fixed duration or until an absolute
// resolved timestamp. Exactly one of the two should be set.
type DelayConfig struct {
	DelayMs    int64  `json:"delayMs,omitempty"`
	DelayUntil string `json:"delayUntil,omitempty"` // RFC 3339 or a {{...}} expression resolving to one
}

func (c *DelayConfig) BranchTargets() []string { return nil }

// ApprovalConfig suspends the run pending a decision from one of the
// declared approvers.
type ApprovalConfig struct {
	Approvers      []string `json:"approvers"`
	Message        string   `json:"message,omitempty"`
	OutputVariable string   `json:"outputVariable,omitempty"` // bound to the decision
}

func (c *ApprovalConfig) BranchTargets() []string { return nil }

// DecodeConfig decodes the raw config payload into the typed variant for the
// node's type. A nil raw config decodes to the zero variant, so required
// field checks in the validator see empty values rather than a decode error.
func (n *Node) DecodeConfig() (NodeConfig, error) {
	var config NodeConfig

	switch n.Type {
	case NodeTypeTrigger:
		config = &TriggerConfig{}
	case NodeTypeCondition:
		config = &ConditionConfig{}
	case NodeTypeLoop:
		config = &LoopConfig{}
	case NodeTypeParallel:
		config = &ParallelConfig{}
	case NodeTypeDataTransform:
		config = &TransformConfig{}
	case NodeTypeCreateRecord:
		config = &CreateRecordConfig{}
	case NodeTypeUpdateRecord:
		config = &UpdateRecordConfig{}
	case NodeTypeEmail:
		config = &EmailConfig{}
	case NodeTypeSMS:
		config = &SMSConfig{}
	case NodeTypeAction:
		config = &ActionConfig{}
	case NodeTypeDelay:
		config = &DelayConfig{}
	case NodeTypeApproval:
		config = &ApprovalConfig{}
	default:
		return nil, fmt.Errorf("unknown node type %q for node %s", n.Type, n.NodeID)
	}

	if len(n.Config) == 0 {
		return config, nil
	}

	if err := json.Unmarshal(n.Config, config); err != nil {
		return nil, fmt.Errorf("failed to decode config for node %s: %w", n.NodeID, err)
	}

	return config, nil
}

// MustConfig is DecodeConfig for callers that already validated the node.
func (n *Node) MustConfig() NodeConfig {
	config, err := n.DecodeConfig()
	if err != nil {
		panic(err)
	}

	return config
}
