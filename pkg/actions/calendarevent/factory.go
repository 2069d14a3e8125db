package calendarevent

import (
	"github.com/ritmohq/ritmo/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "calendar_event"
}

func (f *Factory) Create(params map[string]any) (protocol.Action, error) {
	return NewAction(params)
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":      "string",
				"minLength": 1,
			},
			"startsAt": map[string]any{
				"type":   "string",
				"format": "date-time",
			},
			"endsAt": map[string]any{
				"type":   "string",
				"format": "date-time",
			},
			"attendees": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"title", "startsAt"},
	}
}
