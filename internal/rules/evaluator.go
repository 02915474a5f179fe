package rules

import (
	"time"

	"tradewatch/internal/models"
)

// DefaultTimeTolerance is how far past its target a time trigger may still
// fire. The daemon's poll loop, not a tick-exact scheduler, drives time
// rules, so the window must cover at least one poll interval.
const DefaultTimeTolerance = time.Minute

// OrderEvent is the slice of a portfolio-stream order update that
// order-status triggers match against.
type OrderEvent struct {
	OrderID string
	Status  string
}

// EvalContext is the point-in-time state one evaluation runs against. It is
// built per tick (or per poll, for time rules) and never persisted.
type EvalContext struct {
	Now        time.Time
	MarketData map[string]float64

	// PrevPrices holds the last reference price seen per instrument,
	// from before the current tick. Crossing conditions need it.
	PrevPrices map[uint32]float64

	IndicatorValues     map[string]float64
	PrevIndicatorValues map[string]float64

	OrderEvent *OrderEvent

	// TimeTolerance overrides DefaultTimeTolerance when positive.
	TimeTolerance time.Duration
}

func (ctx *EvalContext) tolerance() time.Duration {
	if ctx.TimeTolerance > 0 {
		return ctx.TimeTolerance
	}
	return DefaultTimeTolerance
}

// Result is the outcome of evaluating one rule against one context.
type Result struct {
	RuleID     uint64
	Fired      bool
	Skipped    bool
	ActionType string

	// Action is the parsed action config, set only when Fired.
	Action Action

	// RulesToCancel lists sibling rules to disable: the target of a
	// cancel_rule action plus any also_cancel_rule reference.
	RulesToCancel []uint64

	// TriggerUpdate is set when a trailing stop moved its extreme without
	// firing. The caller must persist it back onto the rule.
	TriggerUpdate *TrailingStopTrigger
}

// Evaluate runs one rule against a point-in-time context. Pure: no I/O, no
// mutation of the rule or context. An error means the rule's stored config
// failed to parse, which the store boundary should have prevented.
func Evaluate(rule *models.MonitorRule, ctx *EvalContext) (Result, error) {
	res := Result{RuleID: rule.ID, ActionType: rule.ActionType}
	if !rule.ShouldEvaluate(ctx.Now) {
		res.Skipped = true
		return res, nil
	}

	trig, err := ParseTrigger(rule.TriggerType, rule.TriggerConfig)
	if err != nil {
		return res, err
	}
	fired, update := evalTrigger(trig, rule.InstrumentToken, ctx)
	res.TriggerUpdate = update
	if !fired {
		return res, nil
	}

	act, err := ParseAction(rule.ActionType, rule.ActionConfig)
	if err != nil {
		return res, err
	}
	res.Fired = true
	res.Action = act
	if cancel, ok := act.(*CancelRuleAction); ok {
		res.RulesToCancel = append(res.RulesToCancel, cancel.RuleID)
	}
	if id := act.AlsoCancel(); id != nil {
		res.RulesToCancel = append(res.RulesToCancel, *id)
	}
	return res, nil
}

func evalTrigger(t Trigger, token *uint32, ctx *EvalContext) (bool, *TrailingStopTrigger) {
	switch tr := t.(type) {
	case *PriceTrigger:
		return evalPrice(tr, token, ctx), nil
	case *TimeTrigger:
		return evalTime(tr, ctx), nil
	case *IndicatorTrigger:
		return evalIndicator(tr, ctx), nil
	case *OrderStatusTrigger:
		ev := ctx.OrderEvent
		return ev != nil && ev.OrderID == tr.OrderID && ev.Status == tr.Status, nil
	case *CompoundTrigger:
		return evalCompound(tr, token, ctx), nil
	case *TrailingStopTrigger:
		return evalTrailingStop(tr, ctx)
	}
	return false, nil
}

func evalPrice(t *PriceTrigger, token *uint32, ctx *EvalContext) bool {
	cur, ok := ctx.MarketData[t.reference()]
	if !ok {
		return false
	}
	switch t.Condition {
	case CondLTE:
		return cur <= t.Price
	case CondGTE:
		return cur >= t.Price
	case CondCrossesAbove, CondCrossesBelow:
		// The first tick ever seen cannot cross anything.
		if token == nil {
			return false
		}
		prev, seen := ctx.PrevPrices[*token]
		if !seen {
			return false
		}
		if t.Condition == CondCrossesAbove {
			return prev < t.Price && cur >= t.Price
		}
		return prev > t.Price && cur <= t.Price
	}
	return false
}

func evalTime(t *TimeTrigger, ctx *EvalContext) bool {
	now := ctx.Now
	if len(t.OnDays) > 0 {
		tag := dayTags[now.Weekday()]
		found := false
		for _, d := range t.OnDays {
			if d == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if t.MarketOnly {
		if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	hh, mm, err := t.clock()
	if err != nil {
		return false
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	since := now.Sub(target)
	return since >= 0 && since < ctx.tolerance()
}

func evalIndicator(t *IndicatorTrigger, ctx *EvalContext) bool {
	key := t.Key()
	cur, ok := ctx.IndicatorValues[key]
	if !ok {
		// Not enough candles yet. Not an error, just not computable.
		return false
	}
	switch t.Condition {
	case CondLTE:
		return cur <= t.Value
	case CondGTE:
		return cur >= t.Value
	case CondCrossesAbove, CondCrossesBelow:
		prev, seen := ctx.PrevIndicatorValues[key]
		if !seen {
			return false
		}
		if t.Condition == CondCrossesAbove {
			return prev < t.Value && cur >= t.Value
		}
		return prev > t.Value && cur <= t.Value
	}
	return false
}

func evalCompound(t *CompoundTrigger, token *uint32, ctx *EvalContext) bool {
	if t.Operator == OpAnd {
		for _, c := range t.Conditions {
			if fired, _ := evalTrigger(c, token, ctx); !fired {
				return false
			}
		}
		return len(t.Conditions) > 0
	}
	for _, c := range t.Conditions {
		if fired, _ := evalTrigger(c, token, ctx); fired {
			return true
		}
	}
	return false
}

// evalTrailingStop fires when price retraces trail_percent from the tracked
// extreme, or returns an updated config when the extreme moved. A single
// call never does both.
func evalTrailingStop(t *TrailingStopTrigger, ctx *EvalContext) (bool, *TrailingStopTrigger) {
	cur, ok := ctx.MarketData[t.reference()]
	if !ok {
		return false, nil
	}
	if t.direction() == DirectionShort {
		low := t.LowestPrice
		if low == 0 {
			low = t.InitialPrice
		}
		if low == 0 {
			return false, nil
		}
		if cur >= low*(1+t.TrailPercent/100) {
			return true, nil
		}
		if cur < low {
			update := *t
			update.LowestPrice = cur
			return false, &update
		}
		return false, nil
	}
	high := t.HighestPrice
	if high == 0 {
		high = t.InitialPrice
	}
	if high == 0 {
		return false, nil
	}
	if cur <= high*(1-t.TrailPercent/100) {
		return true, nil
	}
	if cur > high {
		update := *t
		update.HighestPrice = cur
		return false, &update
	}
	return false, nil
}
