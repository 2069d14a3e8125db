package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ritmohq/ritmo/pkg/models"
)

// ScheduleRepository stores schedule entries with the precomputed next-due
// time in a queryable column, so the scheduler poll is one indexed select.
type ScheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) GetAll(ctx context.Context) ([]*models.Schedule, error) {
	return r.query(ctx, "SELECT id, workflow_id, trigger_id, cron_expression, timezone, next_due_at, active, created_at, updated_at FROM schedules")
}

func (r *ScheduleRepository) GetDue(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	return r.query(ctx,
		"SELECT id, workflow_id, trigger_id, cron_expression, timezone, next_due_at, active, created_at, updated_at FROM schedules WHERE active AND next_due_at <= $1",
		now)
}

func (r *ScheduleRepository) Save(ctx context.Context, schedule *models.Schedule) error {
	schedule.UpdatedAt = time.Now().UTC()

	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = schedule.UpdatedAt
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, workflow_id, trigger_id, cron_expression, timezone, next_due_at, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			next_due_at = EXCLUDED.next_due_at,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		schedule.ID, schedule.WorkflowID, schedule.TriggerID, schedule.CronExpression,
		schedule.Timezone, schedule.NextDueAt, schedule.Active, schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save schedule %s: %w", schedule.ID, err)
	}

	return nil
}

func (r *ScheduleRepository) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE workflow_id = $1", workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete schedules for workflow %s: %w", workflowID, err)
	}

	return nil
}

func (r *ScheduleRepository) query(ctx context.Context, query string, args ...any) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	schedules := make([]*models.Schedule, 0)

	for rows.Next() {
		var schedule models.Schedule

		err := rows.Scan(&schedule.ID, &schedule.WorkflowID, &schedule.TriggerID,
			&schedule.CronExpression, &schedule.Timezone, &schedule.NextDueAt,
			&schedule.Active, &schedule.CreatedAt, &schedule.UpdatedAt)
		if err != nil {
			return nil, err
		}

		schedules = append(schedules, &schedule)
	}

	return schedules, rows.Err()
}
