// Package file provides file-based persistence for development and tests.
// Each workflow, run and schedule is one JSON document on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence"
)

const dirPerm = 0o755

// Persistence implements persistence.Persistence on the local file system.
type Persistence struct {
	root string
}

// NewPersistence creates a file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Workflows returns every stored workflow.
func (fp *Persistence) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	workflows := make([]*models.Workflow, 0)

	err := fp.readAll(ctx, "workflows", func(data []byte) error {
		var workflow models.Workflow
		if err := json.Unmarshal(data, &workflow); err != nil {
			return err
		}

		if workflow.DeletedAt == nil {
			workflows = append(workflows, &workflow)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return workflows, nil
}

func (fp *Persistence) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	workflow.UpdatedAt = time.Now().UTC()

	return fp.write("workflows", workflow.ID, workflow)
}

func (fp *Persistence) WorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	var workflow models.Workflow

	err := fp.read("workflows", id, &workflow)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	if workflow.DeletedAt != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return &workflow, nil
}

// DeleteWorkflow soft deletes by setting the deleted timestamp.
func (fp *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	workflow, err := fp.WorkflowByID(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	workflow.DeletedAt = &now

	return fp.SaveWorkflow(ctx, workflow)
}

// Runs returns runs, optionally filtered by workflow ID.
func (fp *Persistence) Runs(ctx context.Context, workflowID string) ([]*models.Run, error) {
	runs := make([]*models.Run, 0)

	err := fp.readAll(ctx, "runs", func(data []byte) error {
		var run models.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}

		if workflowID == "" || run.WorkflowID == workflowID {
			runs = append(runs, &run)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return runs, nil
}

func (fp *Persistence) SaveRun(_ context.Context, run *models.Run) error {
	run.UpdatedAt = time.Now().UTC()

	return fp.write("runs", run.ID, run)
}

func (fp *Persistence) RunByID(_ context.Context, id string) (*models.Run, error) {
	var run models.Run

	err := fp.read("runs", id, &run)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", id, err)
	}

	return &run, nil
}

func (fp *Persistence) Schedules(ctx context.Context) ([]*models.Schedule, error) {
	schedules := make([]*models.Schedule, 0)

	err := fp.readAll(ctx, "schedules", func(data []byte) error {
		var schedule models.Schedule
		if err := json.Unmarshal(data, &schedule); err != nil {
			return err
		}

		schedules = append(schedules, &schedule)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return schedules, nil
}

func (fp *Persistence) SaveSchedule(_ context.Context, schedule *models.Schedule) error {
	return fp.write("schedules", schedule.ID, schedule)
}

func (fp *Persistence) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	all, err := fp.Schedules(ctx)
	if err != nil {
		return nil, err
	}

	due := make([]*models.Schedule, 0)

	for _, schedule := range all {
		if schedule.IsDue(now) {
			due = append(due, schedule)
		}
	}

	return due, nil
}

func (fp *Persistence) DeleteSchedulesForWorkflow(ctx context.Context, workflowID string) error {
	all, err := fp.Schedules(ctx)
	if err != nil {
		return err
	}

	for _, schedule := range all {
		if schedule.WorkflowID == workflowID {
			path := fp.path("schedules", schedule.ID)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}

	return nil
}

func (fp *Persistence) path(kind, id string) string {
	return filepath.Join(fp.root, kind, id+".json")
}

func (fp *Persistence) write(kind, id string, value any) error {
	if id == "" {
		return fmt.Errorf("cannot persist %s without an id", kind)
	}

	dir := filepath.Join(fp.root, kind)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	// Write via temp file then rename so readers never see partial documents.
	tmp, err := os.CreateTemp(dir, id+".*.tmp")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), fp.path(kind, id))
}

func (fp *Persistence) read(kind, id string, value any) error {
	data, err := os.ReadFile(fp.path(kind, id))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, value)
}

func (fp *Persistence) readAll(ctx context.Context, kind string, visit func(data []byte) error) error {
	dir := filepath.Join(fp.root, kind)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}

		if err := visit(data); err != nil {
			return fmt.Errorf("failed to load %s document %s: %w", kind, entry.Name(), err)
		}
	}

	return nil
}
