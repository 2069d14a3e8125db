// Package workflow provides the definition lifecycle service (draft, active,
// archived) and the matcher that routes entity events to the workflows their
// triggers subscribe to.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence"
	"github.com/ritmohq/ritmo/pkg/validation"
)

// Service owns workflow definition lifecycle. Structural validation runs on
// demand and as a hard gate on activation: a definition that fails
// validation never becomes executable.
type Service struct {
	persistence persistence.Persistence
	validator   *validation.Validator
	structural  *validator.Validate
}

func NewService(persistence persistence.Persistence) *Service {
	return &Service{
		persistence: persistence,
		validator:   validation.New(),
		structural:  validator.New(),
	}
}

// HealthCheck reports whether the persistence layer is reachable.
func (s *Service) HealthCheck(ctx context.Context) (string, bool) {
	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "persistence layer is unhealthy: " + err.Error(), false
	}

	return "persistence layer is healthy", true
}

// Create stores a new workflow as a draft. The definition may be structurally
// incomplete; completeness is enforced at activation.
func (s *Service) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, &ServiceError{Op: "create", Err: ErrWorkflowNil}
	}

	if workflow.Name == "" {
		return nil, &ServiceError{Op: "create", Err: ErrWorkflowNameRequired}
	}

	now := time.Now().UTC()

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	workflow.Status = models.WorkflowStatusDraft
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	if err := s.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, &ServiceError{Op: "create", Err: err}
	}

	return workflow, nil
}

// Update replaces a draft definition. Active and archived workflows are
// immutable; edits require archiving or cloning into a new draft.
func (s *Service) Update(ctx context.Context, id string, updated *models.Workflow) (*models.Workflow, error) {
	if updated == nil {
		return nil, &ServiceError{Op: "update", Err: ErrWorkflowNil}
	}

	existing, err := s.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, &ServiceError{Op: "update", Err: err}
	}

	switch existing.Status {
	case models.WorkflowStatusActive:
		return nil, &ServiceError{Op: "update", Err: ErrActiveWorkflow}
	case models.WorkflowStatusArchived:
		return nil, &ServiceError{Op: "update", Err: ErrArchived}
	}

	updated.ID = existing.ID
	updated.Status = existing.Status
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	if err := s.persistence.SaveWorkflow(ctx, updated); err != nil {
		return nil, &ServiceError{Op: "update", Err: err}
	}

	return updated, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return s.persistence.WorkflowByID(ctx, id)
}

// List returns workflows, optionally filtered by status.
func (s *Service) List(ctx context.Context, status *models.WorkflowStatus) ([]*models.Workflow, error) {
	workflows, err := s.persistence.Workflows(ctx)
	if err != nil {
		return nil, &ServiceError{Op: "list", Err: err}
	}

	if status == nil {
		return workflows, nil
	}

	filtered := make([]*models.Workflow, 0, len(workflows))

	for _, workflow := range workflows {
		if workflow.Status == *status {
			filtered = append(filtered, workflow)
		}
	}

	return filtered, nil
}

// Delete soft-deletes a workflow and removes its schedules so the scheduler
// stops firing it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.persistence.DeleteWorkflow(ctx, id); err != nil {
		return &ServiceError{Op: "delete", Err: err}
	}

	if err := s.persistence.DeleteSchedulesForWorkflow(ctx, id); err != nil {
		return &ServiceError{Op: "delete", Err: err}
	}

	return nil
}

// Validate runs the structural validator without changing any state, so
// builders can surface issues while a draft is still being edited.
func (s *Service) Validate(ctx context.Context, id string) (*validation.Result, error) {
	workflow, err := s.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.validator.Validate(workflow), nil
}

// Activate validates a draft and, when it passes, marks it active and
// materializes a schedule per schedule-kind trigger. The validation result
// is returned either way so callers can show the issues.
func (s *Service) Activate(ctx context.Context, id string) (*models.Workflow, *validation.Result, error) {
	workflow, err := s.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if workflow.Status != models.WorkflowStatusDraft {
		return nil, nil, &ServiceError{Op: "activate", Err: ErrNotDraft}
	}

	if err := s.structural.Struct(workflow); err != nil {
		return nil, nil, &ServiceError{Op: "activate", Err: fmt.Errorf("%w: %w", ErrValidationGate, err)}
	}

	result := s.validator.Validate(workflow)
	if !result.Valid() {
		return nil, result, &ServiceError{Op: "activate", Err: ErrValidationGate}
	}

	now := time.Now().UTC()
	workflow.Status = models.WorkflowStatusActive
	workflow.ActivatedAt = &now
	workflow.UpdatedAt = now

	if err := s.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, result, &ServiceError{Op: "activate", Err: err}
	}

	for _, trigger := range workflow.Triggers {
		if trigger.Kind != models.TriggerKindSchedule {
			continue
		}

		schedule, err := models.NewSchedule(uuid.New().String(), workflow.ID, trigger.ID, trigger.CronExpression, trigger.Timezone)
		if err != nil {
			return nil, result, &ServiceError{Op: "activate", Err: fmt.Errorf("trigger %s: %w", trigger.ID, err)}
		}

		if err := s.persistence.SaveSchedule(ctx, schedule); err != nil {
			return nil, result, &ServiceError{Op: "activate", Err: err}
		}
	}

	return workflow, result, nil
}

// Archive retires an active workflow. In-flight runs finish; no new runs
// start and its schedules are removed.
func (s *Service) Archive(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := s.persistence.WorkflowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return nil, &ServiceError{Op: "archive", Err: ErrArchived}
	}

	workflow.Status = models.WorkflowStatusArchived
	workflow.UpdatedAt = time.Now().UTC()

	if err := s.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, &ServiceError{Op: "archive", Err: err}
	}

	if err := s.persistence.DeleteSchedulesForWorkflow(ctx, id); err != nil {
		return nil, &ServiceError{Op: "archive", Err: err}
	}

	return workflow, nil
}

// Runs lists the runs of one workflow.
func (s *Service) Runs(ctx context.Context, workflowID string) ([]*models.Run, error) {
	return s.persistence.Runs(ctx, workflowID)
}

// Run fetches a single run.
func (s *Service) Run(ctx context.Context, runID string) (*models.Run, error) {
	return s.persistence.RunByID(ctx, runID)
}
