package executor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"tradewatch/internal/broker"
	"tradewatch/internal/models"
	"tradewatch/internal/rules"
)

// BrokerSession is the slice of a broker session the executor dispatches to.
type BrokerSession interface {
	PlaceOrder(p broker.OrderParams) (string, error)
	CancelOrder(orderID string) error
}

// Store is the slice of the repository the executor needs.
type Store interface {
	RecordFire(ctx context.Context, entry *models.RuleFireLog) error
	SetRuleEnabled(ctx context.Context, id uint64, enabled bool) error
}

// ActionResult is the persisted outcome of one dispatched action.
type ActionResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error,omitempty"`

	// CancelledRules lists the sibling rule ids actually disabled.
	CancelledRules []uint64 `json:"cancelled_rules,omitempty"`
}

// Executor turns a fired evaluation result into broker and repository effects.
// Every fire produces exactly one fire-log entry, whether or not the action
// itself succeeded.
type Executor struct {
	store Store
	log   *zap.Logger
}

func New(store Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{store: store, log: log}
}

// Execute dispatches the result's action and records the fire. Non-fired
// results are a no-op. Sibling cancellations run independently of the primary
// action's outcome.
func (e *Executor) Execute(ctx context.Context, rule *models.MonitorRule, res rules.Result, bs BrokerSession) {
	if !res.Fired {
		return
	}
	log := e.log.With(zap.Uint64("rule_id", rule.ID), zap.String("user_id", rule.UserID))

	result := e.dispatch(rule, res.Action, bs, log)
	result.CancelledRules = e.cancelSiblings(ctx, rule, res.RulesToCancel, log)

	entry := &models.RuleFireLog{
		RuleID:          rule.ID,
		UserID:          rule.UserID,
		TriggerSnapshot: append(datatypes.JSON(nil), rule.TriggerConfig...),
		ActionTaken:     rule.ActionType,
		ActionResult:    mustJSON(result),
		FiredAt:         time.Now(),
	}
	if err := e.store.RecordFire(ctx, entry); err != nil {
		log.Error("record fire failed", zap.Error(err))
	}
	if result.Success {
		log.Info("rule fired", zap.String("action", rule.ActionType), zap.String("order_id", result.OrderID))
	} else {
		log.Warn("rule fired but action failed", zap.String("action", rule.ActionType), zap.String("error", result.Error))
	}
}

func (e *Executor) dispatch(rule *models.MonitorRule, act rules.Action, bs BrokerSession, log *zap.Logger) ActionResult {
	switch a := act.(type) {
	case *rules.PlaceOrderAction:
		if bs == nil {
			return ActionResult{Error: "no broker session"}
		}
		orderID, err := bs.PlaceOrder(broker.OrderParams{
			Symbol:          a.Symbol,
			Exchange:        a.Exchange,
			TransactionType: a.TransactionType,
			Quantity:        a.Quantity,
			OrderType:       a.OrderType,
			Product:         a.Product,
			Price:           a.Price,
		})
		if err != nil {
			return ActionResult{Error: err.Error()}
		}
		return ActionResult{Success: true, OrderID: orderID}
	case *rules.CancelOrderAction:
		if bs == nil {
			return ActionResult{Error: "no broker session"}
		}
		if err := bs.CancelOrder(a.OrderID); err != nil {
			return ActionResult{Error: err.Error()}
		}
		return ActionResult{Success: true, OrderID: a.OrderID}
	case *rules.CancelRuleAction:
		// The target is already in RulesToCancel; the dispatch itself has
		// nothing left to do.
		return ActionResult{Success: true}
	}
	log.Error("unknown action type", zap.String("action", rule.ActionType))
	return ActionResult{Error: "unknown action type " + rule.ActionType}
}

// cancelSiblings disables each referenced rule, continuing past individual
// failures so one bad id cannot shield the rest of an OCO group.
func (e *Executor) cancelSiblings(ctx context.Context, rule *models.MonitorRule, ids []uint64, log *zap.Logger) []uint64 {
	var done []uint64
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == rule.ID {
			continue
		}
		seen[id] = struct{}{}
		if err := e.store.SetRuleEnabled(ctx, id, false); err != nil {
			log.Warn("disable sibling rule failed", zap.Uint64("sibling_id", id), zap.Error(err))
			continue
		}
		done = append(done, id)
	}
	return done
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(b)
}
