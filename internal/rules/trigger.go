package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// Trigger kinds.
const (
	TriggerPrice        = "price"
	TriggerTime         = "time"
	TriggerIndicator    = "indicator"
	TriggerOrderStatus  = "order_status"
	TriggerCompound     = "compound"
	TriggerTrailingStop = "trailing_stop"
)

// Comparison conditions shared by price and indicator triggers.
const (
	CondLTE          = "lte"
	CondGTE          = "gte"
	CondCrossesAbove = "crosses_above"
	CondCrossesBelow = "crosses_below"
)

// Price reference fields.
const (
	RefLTP  = "ltp"
	RefBid  = "bid"
	RefAsk  = "ask"
	RefOpen = "open"
	RefHigh = "high"
	RefLow  = "low"
)

// Indicator names.
const (
	IndicatorRSI          = "rsi"
	IndicatorMACD         = "macd"
	IndicatorEMACrossover = "ema_crossover"
	IndicatorVolumeSpike  = "volume_spike"
)

// Compound operators.
const (
	OpAnd = "and"
	OpOr  = "or"
)

// Trailing stop directions.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Trigger is the condition side of a rule. One concrete type per trigger
// kind; configs are validated when parsed, not at evaluation time.
type Trigger interface {
	Kind() string
	Validate() error
}

// ParseTrigger decodes and validates a trigger config for the given kind.
func ParseTrigger(kind string, cfg []byte) (Trigger, error) {
	var t Trigger
	switch kind {
	case TriggerPrice:
		t = &PriceTrigger{}
	case TriggerTime:
		t = &TimeTrigger{}
	case TriggerIndicator:
		t = &IndicatorTrigger{}
	case TriggerOrderStatus:
		t = &OrderStatusTrigger{}
	case TriggerCompound:
		t = &CompoundTrigger{}
	case TriggerTrailingStop:
		t = &TrailingStopTrigger{}
	default:
		return nil, fmt.Errorf("unknown trigger type %q", kind)
	}
	if err := json.Unmarshal(cfg, t); err != nil {
		return nil, fmt.Errorf("parse %s trigger: %w", kind, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%s trigger: %w", kind, err)
	}
	return t, nil
}

// RequiresInstrument reports whether rules of the given trigger kind need an
// instrument token to be evaluated against market data.
func RequiresInstrument(kind string) bool {
	switch kind {
	case TriggerPrice, TriggerIndicator, TriggerCompound, TriggerTrailingStop:
		return true
	}
	return false
}

var validConditions = map[string]bool{
	CondLTE:          true,
	CondGTE:          true,
	CondCrossesAbove: true,
	CondCrossesBelow: true,
}

var validReferences = map[string]bool{
	RefLTP:  true,
	RefBid:  true,
	RefAsk:  true,
	RefOpen: true,
	RefHigh: true,
	RefLow:  true,
}

// PriceTrigger compares a tick's reference price to a fixed threshold.
type PriceTrigger struct {
	Condition string  `json:"condition"`
	Price     float64 `json:"price"`
	Reference string  `json:"reference,omitempty"`
}

func (t *PriceTrigger) Kind() string { return TriggerPrice }

func (t *PriceTrigger) reference() string {
	if t.Reference == "" {
		return RefLTP
	}
	return t.Reference
}

func (t *PriceTrigger) Validate() error {
	if !validConditions[t.Condition] {
		return fmt.Errorf("invalid condition %q", t.Condition)
	}
	if t.Price <= 0 {
		return fmt.Errorf("price must be positive, got %v", t.Price)
	}
	if t.Reference != "" && !validReferences[t.Reference] {
		return fmt.Errorf("invalid reference %q", t.Reference)
	}
	return nil
}

var dayTags = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// TimeTrigger fires once a day at a wall-clock time, within a tolerance
// window sized to the daemon's poll interval. Empty OnDays means every day.
type TimeTrigger struct {
	At         string   `json:"at"`
	OnDays     []string `json:"on_days,omitempty"`
	MarketOnly bool     `json:"market_only,omitempty"`
}

func (t *TimeTrigger) Kind() string { return TriggerTime }

func (t *TimeTrigger) Validate() error {
	if _, _, err := t.clock(); err != nil {
		return err
	}
	valid := map[string]bool{}
	for _, tag := range dayTags {
		valid[tag] = true
	}
	for _, d := range t.OnDays {
		if !valid[d] {
			return fmt.Errorf("invalid day tag %q", d)
		}
	}
	return nil
}

func (t *TimeTrigger) clock() (hh, mm int, err error) {
	if _, err := fmt.Sscanf(t.At, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", t.At)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", t.At)
	}
	return hh, mm, nil
}

// IndicatorTrigger compares a computed indicator value to a fixed threshold.
// Params are passed through to the indicator engine (period, fast, slow,
// signal, lookback) and default there when absent.
type IndicatorTrigger struct {
	Indicator string             `json:"indicator"`
	Timeframe string             `json:"timeframe"`
	Condition string             `json:"condition"`
	Value     float64            `json:"value"`
	Params    map[string]float64 `json:"params,omitempty"`
}

func (t *IndicatorTrigger) Kind() string { return TriggerIndicator }

// Key is the slot this trigger reads from the session's indicator value map.
func (t *IndicatorTrigger) Key() string {
	return t.Indicator + "_" + t.Timeframe
}

func (t *IndicatorTrigger) Validate() error {
	switch t.Indicator {
	case IndicatorRSI, IndicatorMACD, IndicatorEMACrossover, IndicatorVolumeSpike:
	default:
		return fmt.Errorf("invalid indicator %q", t.Indicator)
	}
	if !validConditions[t.Condition] {
		return fmt.Errorf("invalid condition %q", t.Condition)
	}
	if _, err := time.ParseDuration(t.Timeframe); err != nil {
		return fmt.Errorf("invalid timeframe %q: %w", t.Timeframe, err)
	}
	return nil
}

// OrderStatusTrigger fires when a portfolio-stream order event matches.
type OrderStatusTrigger struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (t *OrderStatusTrigger) Kind() string { return TriggerOrderStatus }

func (t *OrderStatusTrigger) Validate() error {
	if t.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	switch t.Status {
	case "complete", "rejected", "cancelled", "partially_filled":
		return nil
	}
	return fmt.Errorf("invalid status %q", t.Status)
}

// CompoundTrigger combines sub-conditions with and/or. Sub-conditions are the
// same tagged union, discriminated by an explicit "type" field, and may nest.
type CompoundTrigger struct {
	Operator   string
	Conditions []Trigger
}

func (t *CompoundTrigger) Kind() string { return TriggerCompound }

func (t *CompoundTrigger) UnmarshalJSON(b []byte) error {
	var raw struct {
		Operator   string            `json:"operator"`
		Conditions []json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Operator = raw.Operator
	t.Conditions = nil
	for i, c := range raw.Conditions {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(c, &head); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		sub, err := ParseTrigger(head.Type, c)
		if err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		t.Conditions = append(t.Conditions, sub)
	}
	return nil
}

func (t *CompoundTrigger) Validate() error {
	if t.Operator != OpAnd && t.Operator != OpOr {
		return fmt.Errorf("invalid operator %q", t.Operator)
	}
	if len(t.Conditions) == 0 {
		return fmt.Errorf("at least one condition is required")
	}
	for _, c := range t.Conditions {
		switch c.Kind() {
		case TriggerPrice, TriggerTime, TriggerIndicator, TriggerCompound:
		default:
			return fmt.Errorf("trigger type %q not allowed in compound conditions", c.Kind())
		}
	}
	return nil
}

// TrailingStopTrigger tracks the best price seen since the rule was created
// and fires when price retraces trail_percent from it. All state lives in the
// config itself; moved extremes come back as a TriggerUpdate to persist.
// Direction defaults to long for rules persisted before shorts were added.
type TrailingStopTrigger struct {
	TrailPercent float64 `json:"trail_percent"`
	InitialPrice float64 `json:"initial_price,omitempty"`
	HighestPrice float64 `json:"highest_price,omitempty"`
	LowestPrice  float64 `json:"lowest_price,omitempty"`
	Direction    string  `json:"direction,omitempty"`
	Reference    string  `json:"reference,omitempty"`
}

func (t *TrailingStopTrigger) Kind() string { return TriggerTrailingStop }

func (t *TrailingStopTrigger) direction() string {
	if t.Direction == DirectionShort {
		return DirectionShort
	}
	return DirectionLong
}

func (t *TrailingStopTrigger) reference() string {
	if t.Reference == "" {
		return RefLTP
	}
	return t.Reference
}

func (t *TrailingStopTrigger) Validate() error {
	if t.TrailPercent <= 0 || t.TrailPercent >= 100 {
		return fmt.Errorf("trail_percent must be in (0, 100), got %v", t.TrailPercent)
	}
	if t.Direction != "" && t.Direction != DirectionLong && t.Direction != DirectionShort {
		return fmt.Errorf("invalid direction %q", t.Direction)
	}
	if t.Reference != "" && !validReferences[t.Reference] {
		return fmt.Errorf("invalid reference %q", t.Reference)
	}
	return nil
}

// IndicatorSpecs returns every indicator sub-trigger reachable from t,
// including those nested inside compound conditions. The session manager
// uses this to decide which candle buffers a rule needs.
func IndicatorSpecs(t Trigger) []*IndicatorTrigger {
	switch tr := t.(type) {
	case *IndicatorTrigger:
		return []*IndicatorTrigger{tr}
	case *CompoundTrigger:
		var out []*IndicatorTrigger
		for _, c := range tr.Conditions {
			out = append(out, IndicatorSpecs(c)...)
		}
		return out
	}
	return nil
}
