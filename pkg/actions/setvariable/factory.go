package setvariable

import (
	"github.com/ritmohq/ritmo/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "set_variable"
}

func (f *Factory) Create(params map[string]any) (protocol.Action, error) {
	return NewAction(params)
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Variable name to bind in the run environment",
			},
			"value": map[string]any{
				"description": "Value to bind; may be produced by a template expression",
			},
		},
		"required": []any{"name"},
	}
}
