// Package registry holds the extensible action-type registry used by action
// nodes. Factories register a JSON Schema for their params; params are
// validated against it before the action is instantiated.
package registry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ritmohq/ritmo/pkg/protocol"
)

type Registry struct {
	factories map[string]protocol.ActionFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]protocol.ActionFactory),
	}
}

// RegisterAction makes an action type available to workflows.
func (r *Registry) RegisterAction(factory protocol.ActionFactory) {
	r.factories[factory.ID()] = factory
}

// ActionTypes returns the registered action type names.
func (r *Registry) ActionTypes() []string {
	types := make([]string, 0, len(r.factories))
	for actionType := range r.factories {
		types = append(types, actionType)
	}

	return types
}

// CreateAction validates params against the factory's schema and builds the
// action.
func (r *Registry) CreateAction(actionType string, params map[string]any) (protocol.Action, error) {
	factory, ok := r.factories[actionType]
	if !ok {
		return nil, fmt.Errorf("action type %q not registered", actionType)
	}

	if schema := factory.Schema(); schema != nil {
		if err := validateParams(params, schema); err != nil {
			return nil, fmt.Errorf("invalid params for action %q: %w", actionType, err)
		}
	}

	return factory.Create(params)
}

func validateParams(params map[string]any, schema map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			messages = append(messages, resultError.String())
		}

		return fmt.Errorf("schema validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}
