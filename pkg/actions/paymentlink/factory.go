package paymentlink

import (
	"github.com/ritmohq/ritmo/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "payment_link"
}

func (f *Factory) Create(params map[string]any) (protocol.Action, error) {
	return NewAction(params)
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"amount": map[string]any{
				"type":             "number",
				"exclusiveMinimum": 0,
			},
			"currency": map[string]any{
				"type":      "string",
				"minLength": 3,
				"maxLength": 3,
			},
			"description": map[string]any{
				"type": "string",
			},
			"baseUrl": map[string]any{
				"type":   "string",
				"format": "uri",
			},
		},
		"required": []any{"amount"},
	}
}
