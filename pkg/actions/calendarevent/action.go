// Package calendarevent implements the action that creates a calendar event
// artifact, typically for follow-up meetings scheduled by a workflow.
package calendarevent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ritmohq/ritmo/pkg/protocol"
	"github.com/ritmohq/ritmo/pkg/template"
)

const defaultDuration = 30 * time.Minute

type Action struct {
	title     string
	startsAt  time.Time
	endsAt    time.Time
	attendees []string
}

func NewAction(params map[string]any) (*Action, error) {
	title, ok := params["title"].(string)
	if !ok || title == "" {
		return nil, errors.New("missing required param 'title'")
	}

	startsAt, err := parseTime(params["startsAt"])
	if err != nil {
		return nil, fmt.Errorf("invalid param 'startsAt': %w", err)
	}

	endsAt, err := parseTime(params["endsAt"])
	if err != nil {
		endsAt = startsAt.Add(defaultDuration)
	}

	var attendees []string

	if raw, ok := params["attendees"].([]any); ok {
		for _, entry := range raw {
			if attendee, ok := entry.(string); ok {
				attendees = append(attendees, attendee)
			}
		}
	}

	return &Action{
		title:     title,
		startsAt:  startsAt,
		endsAt:    endsAt,
		attendees: attendees,
	}, nil
}

func (a *Action) Execute(_ context.Context, _ template.Env, logger *slog.Logger) (*protocol.ActionResult, error) {
	eventID := "evt-" + uuid.New().String()[:8]

	logger.Info("Created calendar event",
		"event_id", eventID,
		"title", a.title,
		"starts_at", a.startsAt)

	return &protocol.ActionResult{
		Output: map[string]any{
			"eventId":   eventID,
			"title":     a.title,
			"startsAt":  a.startsAt.Format(time.RFC3339),
			"endsAt":    a.endsAt.Format(time.RFC3339),
			"attendees": a.attendees,
		},
	}, nil
}

func parseTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339, v)
	default:
		return time.Time{}, fmt.Errorf("cannot parse %T as a time", value)
	}
}
