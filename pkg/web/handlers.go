package web

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/eventbus"
	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/workflow"
)

type APIHandlers struct {
	service  *workflow.Service
	engine   *engine.Engine
	eventBus eventbus.EventBus
	validate *validator.Validate
}

func NewAPIHandlers(service *workflow.Service, eng *engine.Engine, eventBus eventbus.EventBus, validate *validator.Validate) *APIHandlers {
	return &APIHandlers{
		service:  service,
		engine:   eng,
		eventBus: eventBus,
		validate: validate,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	detail, healthy := h.service.HealthCheck(c.Context())
	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"detail": detail,
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	var status *models.WorkflowStatus

	if statusStr := c.Query("status"); statusStr != "" {
		value := models.WorkflowStatus(statusStr)
		status = &value
	}

	workflows, err := h.service.List(c.Context(), status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": workflows, "count": len(workflows)})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	definition, err := h.service.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var definition models.Workflow

	if err := c.Bind().JSON(&definition); err != nil {
		return badRequest(c, "invalid workflow manifest: "+err.Error())
	}

	created, err := h.service.Create(c.Context(), &definition)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var definition models.Workflow

	if err := c.Bind().JSON(&definition); err != nil {
		return badRequest(c, "invalid workflow manifest: "+err.Error())
	}

	updated, err := h.service.Update(c.Context(), c.Params("id"), &definition)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.service.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ValidateWorkflow runs structural validation without changing state,
// returning errors and warnings so builders can fix drafts incrementally.
func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	result, err := h.service.Validate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

// ActivateWorkflow validates a draft and makes it executable. A failed
// validation returns the full issue list alongside the 400.
func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	activated, result, err := h.service.Activate(c.Context(), c.Params("id"))
	if err != nil {
		if result != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":      "workflow failed validation",
				"validation": result,
			})
		}

		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"workflow": activated, "validation": result})
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	archived, err := h.service.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(archived)
}

func (h *APIHandlers) GetWorkflowRuns(c fiber.Ctx) error {
	runs, err := h.service.Runs(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs, "count": len(runs)})
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	runs, err := h.service.Runs(c.Context(), c.Query("workflowId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs, "count": len(runs)})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.service.Run(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRunRequest

	// The body is optional.
	_ = c.Bind().JSON(&req)

	if err := h.engine.Cancel(c.Context(), c.Params("id"), req.Reason); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// IngestEvent accepts a business entity lifecycle event and puts it on the
// bus. Matching against workflow triggers happens asynchronously in the
// workers, so ingestion stays fast regardless of how many workflows listen.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var req EntityEventRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid event: "+err.Error())
	}

	if err := h.validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	event := events.EntityEvent{
		BaseEvent: events.BaseEvent{
			ID:        uuid.New().String(),
			Type:      events.EntityEventType,
			Timestamp: time.Now().UTC(),
		},
		Module:        req.Module,
		EntityType:    req.EntityType,
		EventType:     req.EventType,
		EntityID:      req.EntityID,
		ChangedFields: req.ChangedFields,
		Payload:       req.Payload,
	}

	if err := h.eventBus.Publish(c.Context(), req.Module+"."+req.EntityType, event); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"eventId": event.ID})
}

// DecideApproval resolves a suspended approval node. The decision travels as
// a RunResume event so whichever worker picks it up continues the run.
func (h *APIHandlers) DecideApproval(c fiber.Ctx) error {
	var req ApprovalDecisionRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid decision: "+err.Error())
	}

	if err := h.validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.service.Run(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if run.Status != models.RunStatusSuspended || run.Resumption == nil {
		return conflict(c, "run is not awaiting approval")
	}

	if run.Resumption.Token != req.Token {
		return notFound(c, "unknown resumption token")
	}

	if len(run.Resumption.Approvers) > 0 && !approverAllowed(run.Resumption.Approvers, req.Approver) {
		return conflict(c, "approver is not in the approver list")
	}

	event := events.RunResume{
		BaseEvent: events.BaseEvent{
			ID:         uuid.New().String(),
			Type:       events.RunResumeEvent,
			Timestamp:  time.Now().UTC(),
			WorkflowID: run.WorkflowID,
		},
		RunID:    run.ID,
		Token:    req.Token,
		Approved: req.Approved,
		Approver: req.Approver,
	}

	if err := h.eventBus.Publish(c.Context(), run.ID, event); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"runId": run.ID})
}

func approverAllowed(approvers []string, approver string) bool {
	for _, allowed := range approvers {
		if allowed == approver {
			return true
		}
	}

	return false
}
