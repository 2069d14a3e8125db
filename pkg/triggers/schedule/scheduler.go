// Package schedule drives time-based workflow triggers and delayed-run
// wake-ups. Due schedules are polled from persistence; inside the polling
// horizon each firing is armed on a timing wheel so it lands on its exact
// due second instead of the next poll tick.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/google/uuid"

	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/eventbus"
	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/log"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence"
)

const (
	// DefaultPollInterval is how often due schedules and suspension wakes
	// are polled.
	DefaultPollInterval = 10 * time.Second

	// wheelSlots sizes the timing wheel to cover a full polling horizon at
	// one-second resolution.
	wheelSlots = 120
)

// Scheduler polls schedules and suspended-run wake times, publishing
// ScheduleFired and RunResume events for workers to act on. It holds no
// execution state and can run alongside replicas; the suspension store's
// claim-on-read keeps duplicates out.
type Scheduler struct {
	persistence  persistence.Persistence
	suspensions  engine.SuspensionStore
	eventBus     eventbus.EventBus
	logger       *slog.Logger
	wheel        *timingwheel.TimingWheel
	pollInterval time.Duration
	workerID     string

	mu    sync.Mutex
	armed map[string]bool
}

func NewScheduler(persistence persistence.Persistence, suspensions engine.SuspensionStore, eventBus eventbus.EventBus, workerID string, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Scheduler{
		persistence:  persistence,
		suspensions:  suspensions,
		eventBus:     eventBus,
		logger:       log.WithModule("scheduler"),
		wheel:        timingwheel.NewTimingWheel(time.Second, wheelSlots),
		pollInterval: pollInterval,
		workerID:     workerID,
		armed:        make(map[string]bool),
	}
}

// Start runs the polling loops until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "poll_interval", s.pollInterval)

	s.wheel.Start()
	defer s.wheel.Stop()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Catch anything already due before the first tick.
	s.pollSchedules(ctx)
	s.pollSuspensions(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")

			return ctx.Err()
		case <-ticker.C:
			s.pollSchedules(ctx)
			s.pollSuspensions(ctx)
		}
	}
}

// pollSchedules arms every schedule falling due within one polling horizon.
func (s *Scheduler) pollSchedules(ctx context.Context) {
	horizon := time.Now().UTC().Add(s.pollInterval)

	schedules, err := s.persistence.DueSchedules(ctx, horizon)
	if err != nil {
		s.logger.Error("Failed to poll due schedules", "error", err)

		return
	}

	for _, schedule := range schedules {
		s.arm(ctx, schedule)
	}
}

// arm places one firing on the timing wheel. A schedule stays armed until it
// fires, so overlapping polls do not double-fire it.
func (s *Scheduler) arm(ctx context.Context, schedule *models.Schedule) {
	s.mu.Lock()
	if s.armed[schedule.ID] {
		s.mu.Unlock()

		return
	}

	s.armed[schedule.ID] = true
	s.mu.Unlock()

	delay := time.Until(schedule.NextDueAt)
	if delay < 0 {
		delay = 0
	}

	s.wheel.AfterFunc(delay, func() {
		s.fire(ctx, schedule)
	})
}

func (s *Scheduler) fire(ctx context.Context, schedule *models.Schedule) {
	defer func() {
		s.mu.Lock()
		delete(s.armed, schedule.ID)
		s.mu.Unlock()
	}()

	firedAt := time.Now().UTC()

	// Advance before publishing: a crash after the save misses one firing,
	// the other order would fire it twice.
	if err := schedule.UpdateNextDueAt(); err != nil {
		s.logger.Error("Failed to advance schedule", "schedule_id", schedule.ID, "error", err)

		return
	}

	if err := s.persistence.SaveSchedule(ctx, schedule); err != nil {
		s.logger.Error("Failed to save schedule", "schedule_id", schedule.ID, "error", err)

		return
	}

	event := events.ScheduleFired{
		BaseEvent: events.BaseEvent{
			ID:         uuid.New().String(),
			Type:       events.ScheduleFiredType,
			Timestamp:  firedAt,
			WorkflowID: schedule.WorkflowID,
			WorkerID:   s.workerID,
		},
		ScheduleID:     schedule.ID,
		TriggerID:      schedule.TriggerID,
		CronExpression: schedule.CronExpression,
		Timezone:       schedule.Timezone,
		FiredAt:        firedAt,
	}

	if err := s.eventBus.Publish(ctx, schedule.WorkflowID, event); err != nil {
		s.logger.Error("Failed to publish schedule firing", "schedule_id", schedule.ID, "error", err)

		return
	}

	s.logger.Info("Schedule fired",
		"schedule_id", schedule.ID,
		"workflow_id", schedule.WorkflowID,
		"next_due_at", schedule.NextDueAt)
}

// pollSuspensions releases delayed runs whose wake time arrived.
func (s *Scheduler) pollSuspensions(ctx context.Context) {
	wakes, err := s.suspensions.Due(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("Failed to poll due suspensions", "error", err)

		return
	}

	for _, wake := range wakes {
		event := events.RunResume{
			BaseEvent: events.BaseEvent{
				ID:        uuid.New().String(),
				Type:      events.RunResumeEvent,
				Timestamp: time.Now().UTC(),
				WorkerID:  s.workerID,
			},
			RunID: wake.RunID,
			Token: wake.Token,
		}

		if err := s.eventBus.Publish(ctx, wake.RunID, event); err != nil {
			s.logger.Error("Failed to publish run resume", "run_id", wake.RunID, "error", err)

			continue
		}

		s.logger.Info("Delay elapsed, resuming run", "run_id", wake.RunID)
	}
}
