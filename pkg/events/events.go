// Package events defines the event types exchanged between the trigger
// sources, the API and the execution workers: business entity lifecycle
// events, schedule firings, and run lifecycle notifications.
package events

import (
	"time"
)

type EventType string

// Topic is the event-bus topic all workflow events travel on.
const Topic = "ritmo.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Trigger-side events.
	EntityEventType   EventType = "entity.event"
	ScheduleFiredType EventType = "schedule.fired"

	// Run lifecycle events.
	RunQueuedEvent    EventType = "run.queued"
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunSuspendedEvent EventType = "run.suspended"
	RunResumeEvent    EventType = "run.resume"
	RunCancelledEvent EventType = "run.cancelled"

	// Per-node events.
	NodeFinishedEvent EventType = "node.finished"
	NodeFailedEvent   EventType = "node.failed"
)

// Event is implemented by every message on the bus.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflowId,omitempty"`
	WorkerID   string         `json:"workerId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EntityEvent is an entity-lifecycle event emitted by the business modules:
// a record was created, updated, or transitioned status.
type EntityEvent struct {
	BaseEvent

	Module        string         `json:"module"`
	EntityType    string         `json:"entityType"`
	EventType     string         `json:"eventType"`
	EntityID      string         `json:"entityId,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func (e EntityEvent) GetType() EventType {
	return EntityEventType
}

// ScheduleFired is emitted by the scheduler when a cron trigger becomes due.
type ScheduleFired struct {
	BaseEvent

	ScheduleID     string    `json:"scheduleId"`
	TriggerID      string    `json:"triggerId"`
	CronExpression string    `json:"cronExpression"`
	Timezone       string    `json:"timezone,omitempty"`
	FiredAt        time.Time `json:"firedAt"`
}

func (e ScheduleFired) GetType() EventType {
	return ScheduleFiredType
}

// RunQueued asks a worker to start one run of a workflow.
type RunQueued struct {
	BaseEvent

	RunID          string         `json:"runId"`
	TriggerID      string         `json:"triggerId,omitempty"`
	TriggerPayload map[string]any `json:"triggerPayload,omitempty"`
}

func (e RunQueued) GetType() EventType {
	return RunQueuedEvent
}

type RunStarted struct {
	BaseEvent

	RunID string `json:"runId"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunCompleted struct {
	BaseEvent

	RunID    string        `json:"runId"`
	Duration time.Duration `json:"duration"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	RunID    string        `json:"runId"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

// RunSuspended is emitted when a delay or approval node parks the run.
type RunSuspended struct {
	BaseEvent

	RunID    string     `json:"runId"`
	NodeID   string     `json:"nodeId"`
	Token    string     `json:"token"`
	ResumeAt *time.Time `json:"resumeAt,omitempty"`
}

func (e RunSuspended) GetType() EventType {
	return RunSuspendedEvent
}

// RunResume asks a worker to continue a suspended run. For approvals the
// decision fields are set; for elapsed delays they are empty.
type RunResume struct {
	BaseEvent

	RunID    string `json:"runId"`
	Token    string `json:"token"`
	Approved *bool  `json:"approved,omitempty"`
	Approver string `json:"approver,omitempty"`
}

func (e RunResume) GetType() EventType {
	return RunResumeEvent
}

type RunCancelled struct {
	BaseEvent

	RunID  string `json:"runId"`
	Reason string `json:"reason,omitempty"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

type NodeFinished struct {
	BaseEvent

	RunID      string        `json:"runId"`
	NodeID     string        `json:"nodeId"`
	Status     string        `json:"status"`
	DurationMs int64         `json:"durationMs"`
	Output     any           `json:"output,omitempty"`
}

func (e NodeFinished) GetType() EventType {
	return NodeFinishedEvent
}

type NodeFailed struct {
	BaseEvent

	RunID   string `json:"runId"`
	NodeID  string `json:"nodeId"`
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}
