package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when schedule validation fails.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// Schedule is a stored entry for one schedule-kind workflow trigger. The
// next execution time is precomputed so the scheduler can poll for due
// entries without keeping per-schedule timers.
type Schedule struct {
	ID             string    `json:"id"             validate:"required"`
	WorkflowID     string    `json:"workflowId"     validate:"required"`
	TriggerID      string    `json:"triggerId"      validate:"required"`
	CronExpression string    `json:"cronExpression" validate:"required"`
	Timezone       string    `json:"timezone,omitempty"` // IANA name, defaults to UTC
	NextDueAt      time.Time `json:"nextDueAt"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NewSchedule creates a Schedule with the first execution time computed from
// now.
func NewSchedule(id, workflowID, triggerID, cronExpression, timezone string) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:             id,
		WorkflowID:     workflowID,
		TriggerID:      triggerID,
		CronExpression: cronExpression,
		Timezone:       timezone,
		CreatedAt:      now,
		UpdatedAt:      now,
		Active:         true,
	}

	if err := schedule.calculateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// UpdateNextDueAt advances the next execution time past the current time.
func (s *Schedule) UpdateNextDueAt() error {
	return s.calculateNextDueAt(time.Now().UTC())
}

func (s *Schedule) calculateNextDueAt(referenceTime time.Time) error {
	cronSchedule, err := s.parse()
	if err != nil {
		return err
	}

	loc, err := s.location()
	if err != nil {
		return err
	}

	s.NextDueAt = cronSchedule.Next(referenceTime.In(loc)).UTC()
	s.UpdatedAt = time.Now().UTC()

	return nil
}

// IsDue reports whether this schedule should fire at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}

// Validate checks the schedule's fields, including the cron expression.
func (s *Schedule) Validate() error {
	if s.ID == "" || s.WorkflowID == "" || s.TriggerID == "" || s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	if _, err := s.location(); err != nil {
		return err
	}

	_, err := s.parse()

	return err
}

func (s *Schedule) parse() (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	return parser.Parse(s.CronExpression)
}

func (s *Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}

	return time.LoadLocation(s.Timezone)
}
