package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence"
)

// RunRepository stores run state as JSONB documents. Runs are rewritten at
// every node boundary, so the document always reflects the last durable
// cursor position.
type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Run, error) {
	query := "SELECT document FROM runs ORDER BY started_at DESC"
	args := []any{}

	if workflowID != "" {
		query = "SELECT document FROM runs WHERE workflow_id = $1 ORDER BY started_at DESC"
		args = append(args, workflowID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}

		var run models.Run
		if err := json.Unmarshal(document, &run); err != nil {
			return nil, fmt.Errorf("failed to decode run document: %w", err)
		}

		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, "SELECT document FROM runs WHERE id = $1", id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", id, err)
	}

	var run models.Run
	if err := json.Unmarshal(document, &run); err != nil {
		return nil, persistence.NewRunError("GetByID", id, err)
	}

	return &run, nil
}

func (r *RunRepository) Save(ctx context.Context, run *models.Run) error {
	run.UpdatedAt = time.Now().UTC()

	document, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, status, document, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		run.ID, run.WorkflowID, run.Status, document, run.StartedAt, run.UpdatedAt)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	return nil
}
