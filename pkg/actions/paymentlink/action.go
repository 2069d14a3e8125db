// Package paymentlink implements the action that creates a hosted payment
// link artifact for an invoice or quote amount.
package paymentlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ritmohq/ritmo/pkg/protocol"
	"github.com/ritmohq/ritmo/pkg/template"
)

const defaultCurrency = "USD"

type Action struct {
	amount      float64
	currency    string
	description string
	baseURL     string
}

func NewAction(params map[string]any) (*Action, error) {
	amount, ok := toFloat(params["amount"])
	if !ok || amount <= 0 {
		return nil, errors.New("param 'amount' must be a positive number")
	}

	currency, _ := params["currency"].(string)
	if currency == "" {
		currency = defaultCurrency
	}

	description, _ := params["description"].(string)

	baseURL, _ := params["baseUrl"].(string)
	if baseURL == "" {
		baseURL = "https://pay.ritmo.dev"
	}

	return &Action{
		amount:      amount,
		currency:    currency,
		description: description,
		baseURL:     baseURL,
	}, nil
}

func (a *Action) Execute(_ context.Context, _ template.Env, logger *slog.Logger) (*protocol.ActionResult, error) {
	linkID := "pay-" + uuid.New().String()[:8]

	logger.Info("Created payment link",
		"link_id", linkID,
		"amount", a.amount,
		"currency", a.currency)

	return &protocol.ActionResult{
		Output: map[string]any{
			"id":          linkID,
			"url":         fmt.Sprintf("%s/l/%s", a.baseURL, linkID),
			"amount":      a.amount,
			"currency":    a.currency,
			"description": a.description,
		},
	}, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
