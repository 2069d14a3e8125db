// Package setvariable implements the action that writes a value into the
// run's variable environment.
package setvariable

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ritmohq/ritmo/pkg/protocol"
	"github.com/ritmohq/ritmo/pkg/template"
)

type Action struct {
	name  string
	value any
}

func NewAction(params map[string]any) (*Action, error) {
	name, ok := params["name"].(string)
	if !ok || name == "" {
		return nil, errors.New("missing required param 'name'")
	}

	return &Action{name: name, value: params["value"]}, nil
}

func (a *Action) Execute(_ context.Context, _ template.Env, logger *slog.Logger) (*protocol.ActionResult, error) {
	logger.Debug("Setting workflow variable", "name", a.name)

	return &protocol.ActionResult{
		Output:   a.value,
		Bindings: map[string]any{a.name: a.value},
	}, nil
}
