package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/protocol"
	"github.com/ritmohq/ritmo/pkg/template"
)

// executeLeaf runs an effect node against its external collaborator. Every
// external call is bounded by the engine's action timeout.
func (e *Engine) executeLeaf(ctx context.Context, node *models.Node, env template.Env) (any, error) {
	cfg, err := node.DecodeConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	switch config := cfg.(type) {
	case *models.TransformConfig:
		return e.executeTransform(ctx, config, env)
	case *models.CreateRecordConfig:
		return e.executeCreateRecord(ctx, config, env)
	case *models.UpdateRecordConfig:
		return e.executeUpdateRecord(ctx, config, env)
	case *models.EmailConfig:
		return e.executeEmail(ctx, config, env)
	case *models.SMSConfig:
		return e.executeSMS(ctx, config, env)
	case *models.ActionConfig:
		return e.executeAction(ctx, config, env)
	default:
		return nil, fmt.Errorf("node %s of type %s has no executor", node.NodeID, node.Type)
	}
}

func (e *Engine) executeTransform(ctx context.Context, cfg *models.TransformConfig, env template.Env) (any, error) {
	var output any

	switch cfg.Operation {
	case models.TransformQuery:
		if e.dataSource == nil {
			return nil, fmt.Errorf("no data source configured for query on %q", cfg.Source)
		}

		filters, err := resolveValues(cfg.Filters, env)
		if err != nil {
			return nil, err
		}

		records, err := e.dataSource.Query(ctx, cfg.Source, filters)
		if err != nil {
			return nil, fmt.Errorf("query on %q failed: %w", cfg.Source, err)
		}

		output = toAnySlice(records)
	case models.TransformAggregate:
		if e.dataSource == nil {
			return nil, fmt.Errorf("no data source configured for aggregate on %q", cfg.Source)
		}

		value, err := e.dataSource.Aggregate(ctx, cfg.Source, cfg.Field, cfg.AggregateOp)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s(%s) on %q failed: %w", cfg.AggregateOp, cfg.Field, cfg.Source, err)
		}

		output = value
	case models.TransformExtract:
		value, err := extractField(cfg, env)
		if err != nil {
			return nil, err
		}

		output = value
	default:
		return nil, fmt.Errorf("unsupported transform operation %q", cfg.Operation)
	}

	if cfg.OutputVariable != "" {
		env.Set(cfg.OutputVariable, output)
	}

	return output, nil
}

// extractField pulls a field out of an in-environment value: a single field
// from an object, or that field from every element of a collection.
func extractField(cfg *models.TransformConfig, env template.Env) (any, error) {
	source, ok := env.Lookup(cfg.InputVariable)
	if !ok {
		return nil, fmt.Errorf("%w: extract input %q", template.ErrUnresolved, cfg.InputVariable)
	}

	switch value := source.(type) {
	case map[string]any:
		field, ok := value[cfg.Field]
		if !ok {
			return nil, fmt.Errorf("field %q not present in %q", cfg.Field, cfg.InputVariable)
		}

		return field, nil
	case []any:
		extracted := make([]any, 0, len(value))

		for _, element := range value {
			object, ok := element.(map[string]any)
			if !ok {
				continue
			}

			if field, ok := object[cfg.Field]; ok {
				extracted = append(extracted, field)
			}
		}

		return extracted, nil
	default:
		return nil, fmt.Errorf("extract input %q is %T, not an object or collection", cfg.InputVariable, source)
	}
}

func (e *Engine) executeCreateRecord(ctx context.Context, cfg *models.CreateRecordConfig, env template.Env) (any, error) {
	if e.records == nil {
		return nil, fmt.Errorf("no record store configured for model %q", cfg.Model)
	}

	fields, err := resolveMappings(cfg.FieldMappings, env)
	if err != nil {
		return nil, err
	}

	recordID, err := e.records.CreateRecord(ctx, cfg.Model, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s record: %w", cfg.Model, err)
	}

	if cfg.OutputVariable != "" {
		env.Set(cfg.OutputVariable, recordID)
	}

	return map[string]any{"recordId": recordID, "model": cfg.Model}, nil
}

func (e *Engine) executeUpdateRecord(ctx context.Context, cfg *models.UpdateRecordConfig, env template.Env) (any, error) {
	if e.records == nil {
		return nil, fmt.Errorf("no record store configured for model %q", cfg.Model)
	}

	recordID, err := template.Render(cfg.RecordID, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve record id: %w", err)
	}

	fields, err := resolveMappings(cfg.FieldMappings, env)
	if err != nil {
		return nil, err
	}

	if err := e.records.UpdateRecord(ctx, cfg.Model, recordID, fields); err != nil {
		return nil, fmt.Errorf("failed to update %s record %s: %w", cfg.Model, recordID, err)
	}

	return map[string]any{"recordId": recordID, "model": cfg.Model, "updatedFields": len(fields)}, nil
}

func (e *Engine) executeEmail(ctx context.Context, cfg *models.EmailConfig, env template.Env) (any, error) {
	if e.notifier == nil {
		return nil, fmt.Errorf("no notifier configured for email")
	}

	recipient, err := template.Render(cfg.Recipient, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}

	subject, err := template.Render(cfg.Subject, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subject: %w", err)
	}

	body, err := template.Render(cfg.HTMLBody, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve body: %w", err)
	}

	result, err := e.notifier.SendEmail(ctx, protocol.Email{
		Recipient:     recipient,
		RecipientType: cfg.RecipientType,
		Subject:       subject,
		HTMLBody:      body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	return result, nil
}

func (e *Engine) executeSMS(ctx context.Context, cfg *models.SMSConfig, env template.Env) (any, error) {
	if e.notifier == nil {
		return nil, fmt.Errorf("no notifier configured for sms")
	}

	recipient, err := template.Render(cfg.Recipient, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}

	message, err := template.Render(cfg.Message, env)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve message: %w", err)
	}

	result, err := e.notifier.SendSMS(ctx, protocol.SMS{Recipient: recipient, Message: message})
	if err != nil {
		return nil, fmt.Errorf("failed to send sms: %w", err)
	}

	return result, nil
}

func (e *Engine) executeAction(ctx context.Context, cfg *models.ActionConfig, env template.Env) (any, error) {
	if e.registry == nil {
		return nil, fmt.Errorf("no action registry configured for action %q", cfg.ActionType)
	}

	params, err := resolveValues(cfg.Params, env)
	if err != nil {
		return nil, err
	}

	action, err := e.registry.CreateAction(cfg.ActionType, params)
	if err != nil {
		return nil, err
	}

	result, err := action.Execute(ctx, env, e.logger)
	if err != nil {
		return nil, fmt.Errorf("action %q failed: %w", cfg.ActionType, err)
	}

	if result == nil {
		return nil, nil
	}

	for name, value := range result.Bindings {
		env.Set(name, value)
	}

	if cfg.OutputVariable != "" && result.Output != nil {
		env.Set(cfg.OutputVariable, result.Output)
	}

	return result.Output, nil
}

// resolveMappings resolves {{...}} expressions in field mapping values. A
// value that is a single expression keeps its native type; mixed text
// renders to a string.
func resolveMappings(mappings map[string]string, env template.Env) (map[string]any, error) {
	resolved := make(map[string]any, len(mappings))

	for field, raw := range mappings {
		value, err := resolveString(raw, env)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}

		resolved[field] = value
	}

	return resolved, nil
}

// resolveValues resolves expressions nested anywhere in a parameter tree.
func resolveValues(values map[string]any, env template.Env) (map[string]any, error) {
	if values == nil {
		return nil, nil
	}

	resolved := make(map[string]any, len(values))

	for key, value := range values {
		result, err := resolveAny(value, env)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", key, err)
		}

		resolved[key] = result
	}

	return resolved, nil
}

func resolveAny(value any, env template.Env) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, env)
	case map[string]any:
		return resolveValues(v, env)
	case []any:
		resolved := make([]any, len(v))

		for i, element := range v {
			result, err := resolveAny(element, env)
			if err != nil {
				return nil, err
			}

			resolved[i] = result
		}

		return resolved, nil
	default:
		return value, nil
	}
}

// resolveString evaluates expressions in content position. An unresolved
// reference degrades to a nil binding rather than failing the node; only
// control-flow consumers treat unresolved references as fatal.
func resolveString(raw string, env template.Env) (any, error) {
	if !template.HasExpressions(raw) {
		return raw, nil
	}

	value, err := template.Value(raw, env)
	if err != nil {
		if errors.Is(err, template.ErrUnresolved) {
			return nil, nil
		}

		return nil, err
	}

	return value, nil
}

func toAnySlice(records []map[string]any) []any {
	output := make([]any, len(records))
	for i, record := range records {
		output[i] = record
	}

	return output
}
