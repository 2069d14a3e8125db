// Package persistence provides the storage abstraction for workflow
// definitions, runs and schedules.
package persistence

import (
	"context"
	"time"

	"github.com/ritmohq/ritmo/pkg/models"
)

type Persistence interface {
	// Workflow definitions.
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs. A run is persisted at every node boundary so suspensions of
	// days survive process restarts.
	Runs(ctx context.Context, workflowID string) ([]*models.Run, error)
	SaveRun(ctx context.Context, run *models.Run) error
	RunByID(ctx context.Context, id string) (*models.Run, error)

	// Schedules for schedule-kind triggers.
	Schedules(ctx context.Context) ([]*models.Schedule, error)
	SaveSchedule(ctx context.Context, schedule *models.Schedule) error
	DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	DeleteSchedulesForWorkflow(ctx context.Context, workflowID string) error

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
