package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritmohq/ritmo/pkg/engine"
	"github.com/ritmohq/ritmo/pkg/eventbus"
	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/persistence/file"
)

type captureBus struct {
	mu        sync.Mutex
	published []events.Event
	notify    chan struct{}
}

func newCaptureBus() *captureBus {
	return &captureBus{notify: make(chan struct{}, 16)}
}

func (b *captureBus) Publish(_ context.Context, _ string, event events.Event) error {
	b.mu.Lock()
	b.published = append(b.published, event)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}

	return nil
}

func (b *captureBus) Handle(events.EventType, eventbus.EventHandler) {}

func (b *captureBus) Subscribe(context.Context) error { return nil }

func (b *captureBus) GenerateID() string { return uuid.New().String() }

func (b *captureBus) Close() error { return nil }

func (b *captureBus) events() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]events.Event(nil), b.published...)
}

func newTestScheduler(t *testing.T, bus *captureBus) (*Scheduler, *engine.MemorySuspensionStore) {
	t.Helper()

	store := engine.NewMemorySuspensionStore()
	scheduler := NewScheduler(file.NewPersistence(t.TempDir()), store, bus, "scheduler-test", 50*time.Millisecond)

	return scheduler, store
}

func dueSchedule(t *testing.T, workflowID string) *models.Schedule {
	t.Helper()

	schedule, err := models.NewSchedule(uuid.New().String(), workflowID, "cron-1", "* * * * *", "")
	require.NoError(t, err)

	// Force it due now; NewSchedule computes the next minute boundary.
	schedule.NextDueAt = time.Now().UTC().Add(-time.Second)

	return schedule
}

func TestFireAdvancesScheduleBeforePublishing(t *testing.T) {
	bus := newCaptureBus()
	scheduler, _ := newTestScheduler(t, bus)
	ctx := context.Background()

	schedule := dueSchedule(t, "wf-1")
	require.NoError(t, scheduler.persistence.SaveSchedule(ctx, schedule))

	scheduler.fire(ctx, schedule)

	published := bus.events()
	require.Len(t, published, 1)

	fired, ok := published[0].(events.ScheduleFired)
	require.True(t, ok)
	assert.Equal(t, schedule.ID, fired.ScheduleID)
	assert.Equal(t, "cron-1", fired.TriggerID)
	assert.Equal(t, "wf-1", fired.BaseEvent.WorkflowID)

	// The stored next-due time moved past now before the event went out.
	stored, err := scheduler.persistence.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].NextDueAt.After(time.Now().UTC()))
}

func TestPollSchedulesFiresDueEntryOnce(t *testing.T) {
	bus := newCaptureBus()
	scheduler, _ := newTestScheduler(t, bus)
	ctx := context.Background()

	schedule := dueSchedule(t, "wf-2")
	require.NoError(t, scheduler.persistence.SaveSchedule(ctx, schedule))

	scheduler.wheel.Start()
	defer scheduler.wheel.Stop()

	// Overlapping polls must not double-arm the same schedule.
	scheduler.pollSchedules(ctx)
	scheduler.pollSchedules(ctx)

	select {
	case <-bus.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule never fired")
	}

	// Give a second firing time to show up if one was armed.
	time.Sleep(1500 * time.Millisecond)
	assert.Len(t, bus.events(), 1)
}

func TestPollSuspensionsPublishesRunResume(t *testing.T) {
	bus := newCaptureBus()
	scheduler, store := newTestScheduler(t, bus)
	ctx := context.Background()

	require.NoError(t, store.Schedule(ctx, "tok-1", "run-1", time.Now().UTC().Add(-time.Minute)))
	require.NoError(t, store.Schedule(ctx, "tok-later", "run-2", time.Now().UTC().Add(time.Hour)))

	scheduler.pollSuspensions(ctx)

	published := bus.events()
	require.Len(t, published, 1)

	resume, ok := published[0].(events.RunResume)
	require.True(t, ok)
	assert.Equal(t, "run-1", resume.RunID)
	assert.Equal(t, "tok-1", resume.Token)

	// The wake was claimed; the next poll republishes nothing.
	scheduler.pollSuspensions(ctx)
	assert.Len(t, bus.events(), 1)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	bus := newCaptureBus()
	scheduler, _ := newTestScheduler(t, bus)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- scheduler.Start(ctx) }()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
