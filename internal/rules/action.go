package rules

import (
	"encoding/json"
	"fmt"
)

// Action kinds.
const (
	ActionPlaceOrder  = "place_order"
	ActionCancelOrder = "cancel_order"
	ActionCancelRule  = "cancel_rule"
)

// Action is the effect side of a rule. Every variant may carry an
// also_cancel_rule id, the hook OCO pair creation uses: the referenced
// sibling is disabled whenever this rule fires, whatever the primary
// action's outcome.
type Action interface {
	Kind() string
	Validate() error
	AlsoCancel() *uint64
}

// ParseAction decodes and validates an action config for the given kind.
func ParseAction(kind string, cfg []byte) (Action, error) {
	var a Action
	switch kind {
	case ActionPlaceOrder:
		a = &PlaceOrderAction{}
	case ActionCancelOrder:
		a = &CancelOrderAction{}
	case ActionCancelRule:
		a = &CancelRuleAction{}
	default:
		return nil, fmt.Errorf("unknown action type %q", kind)
	}
	if err := json.Unmarshal(cfg, a); err != nil {
		return nil, fmt.Errorf("parse %s action: %w", kind, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%s action: %w", kind, err)
	}
	return a, nil
}

// PlaceOrderAction places a broker order. Price 0 means market order.
type PlaceOrderAction struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange,omitempty"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Price           float64 `json:"price,omitempty"`
	AlsoCancelRule  *uint64 `json:"also_cancel_rule,omitempty"`
}

func (a *PlaceOrderAction) Kind() string        { return ActionPlaceOrder }
func (a *PlaceOrderAction) AlsoCancel() *uint64 { return a.AlsoCancelRule }

func (a *PlaceOrderAction) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if a.TransactionType != "BUY" && a.TransactionType != "SELL" {
		return fmt.Errorf("invalid transaction_type %q", a.TransactionType)
	}
	if a.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", a.Quantity)
	}
	switch a.OrderType {
	case "MARKET":
		if a.Price != 0 {
			return fmt.Errorf("market order must not carry a price")
		}
	case "LIMIT":
		if a.Price <= 0 {
			return fmt.Errorf("limit order requires a positive price")
		}
	default:
		return fmt.Errorf("invalid order_type %q", a.OrderType)
	}
	return nil
}

// CancelOrderAction cancels an open broker order.
type CancelOrderAction struct {
	OrderID        string  `json:"order_id"`
	AlsoCancelRule *uint64 `json:"also_cancel_rule,omitempty"`
}

func (a *CancelOrderAction) Kind() string        { return ActionCancelOrder }
func (a *CancelOrderAction) AlsoCancel() *uint64 { return a.AlsoCancelRule }

func (a *CancelOrderAction) Validate() error {
	if a.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	return nil
}

// CancelRuleAction disables a sibling rule instead of touching the broker.
type CancelRuleAction struct {
	RuleID         uint64  `json:"rule_id"`
	AlsoCancelRule *uint64 `json:"also_cancel_rule,omitempty"`
}

func (a *CancelRuleAction) Kind() string        { return ActionCancelRule }
func (a *CancelRuleAction) AlsoCancel() *uint64 { return a.AlsoCancelRule }

func (a *CancelRuleAction) Validate() error {
	if a.RuleID == 0 {
		return fmt.Errorf("rule_id is required")
	}
	return nil
}
