package rules

import "testing"

func TestParseTrigger_Valid(t *testing.T) {
	cases := map[string]string{
		TriggerPrice:        `{"condition":"crosses_above","price":150,"reference":"ltp"}`,
		TriggerTime:         `{"at":"09:15","on_days":["mon","fri"],"market_only":true}`,
		TriggerIndicator:    `{"indicator":"ema_crossover","timeframe":"15m","condition":"crosses_above","value":0,"params":{"fast":9,"slow":21}}`,
		TriggerOrderStatus:  `{"order_id":"xyz","status":"complete"}`,
		TriggerCompound:     `{"operator":"and","conditions":[{"type":"price","condition":"gte","price":100}]}`,
		TriggerTrailingStop: `{"trail_percent":5,"initial_price":100,"direction":"short"}`,
	}
	for kind, cfg := range cases {
		trig, err := ParseTrigger(kind, []byte(cfg))
		if err != nil {
			t.Fatalf("%s: err=%v", kind, err)
		}
		if trig.Kind() != kind {
			t.Fatalf("kind=%s want=%s", trig.Kind(), kind)
		}
	}
}

func TestParseTrigger_Invalid(t *testing.T) {
	cases := []struct {
		name string
		kind string
		cfg  string
	}{
		{"unknown kind", "volume", `{}`},
		{"bad condition", TriggerPrice, `{"condition":"eq","price":100}`},
		{"zero price", TriggerPrice, `{"condition":"lte","price":0}`},
		{"bad reference", TriggerPrice, `{"condition":"lte","price":100,"reference":"vwap"}`},
		{"bad clock", TriggerTime, `{"at":"25:00"}`},
		{"bad day tag", TriggerTime, `{"at":"09:15","on_days":["monday"]}`},
		{"bad indicator", TriggerIndicator, `{"indicator":"stoch","timeframe":"5m","condition":"lte","value":20}`},
		{"bad timeframe", TriggerIndicator, `{"indicator":"rsi","timeframe":"5minute","condition":"lte","value":20}`},
		{"bad status", TriggerOrderStatus, `{"order_id":"x","status":"filled"}`},
		{"bad operator", TriggerCompound, `{"operator":"xor","conditions":[{"type":"price","condition":"lte","price":1}]}`},
		{"empty conditions", TriggerCompound, `{"operator":"and","conditions":[]}`},
		{"trailing stop in compound", TriggerCompound, `{"operator":"and","conditions":[{"type":"trailing_stop","trail_percent":5}]}`},
		{"bad sub-condition", TriggerCompound, `{"operator":"and","conditions":[{"type":"price","condition":"eq","price":1}]}`},
		{"trail percent too big", TriggerTrailingStop, `{"trail_percent":150}`},
		{"bad direction", TriggerTrailingStop, `{"trail_percent":5,"direction":"flat"}`},
	}
	for _, tc := range cases {
		if _, err := ParseTrigger(tc.kind, []byte(tc.cfg)); err == nil {
			t.Fatalf("%s: err=nil want error", tc.name)
		}
	}
}

func TestIndicatorSpecs_Nested(t *testing.T) {
	cfg := `{"operator":"or","conditions":[
		{"type":"indicator","indicator":"rsi","timeframe":"5m","condition":"lte","value":30},
		{"type":"compound","operator":"and","conditions":[
			{"type":"price","condition":"gte","price":100},
			{"type":"indicator","indicator":"macd","timeframe":"15m","condition":"crosses_above","value":0}
		]}
	]}`
	trig, err := ParseTrigger(TriggerCompound, []byte(cfg))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	specs := IndicatorSpecs(trig)
	if len(specs) != 2 {
		t.Fatalf("specs=%d want=2", len(specs))
	}
	keys := map[string]bool{}
	for _, s := range specs {
		keys[s.Key()] = true
	}
	if !keys["rsi_5m"] || !keys["macd_15m"] {
		t.Fatalf("keys=%v want rsi_5m and macd_15m", keys)
	}
}

func TestParseAction(t *testing.T) {
	valid := map[string]string{
		ActionPlaceOrder:  `{"symbol":"INFY","transaction_type":"SELL","quantity":10,"order_type":"LIMIT","product":"CNC","price":1450.5}`,
		ActionCancelOrder: `{"order_id":"230607000123"}`,
		ActionCancelRule:  `{"rule_id":9}`,
	}
	for kind, cfg := range valid {
		if _, err := ParseAction(kind, []byte(cfg)); err != nil {
			t.Fatalf("%s: err=%v", kind, err)
		}
	}

	invalid := []struct {
		name string
		kind string
		cfg  string
	}{
		{"unknown kind", "notify", `{}`},
		{"missing symbol", ActionPlaceOrder, `{"transaction_type":"BUY","quantity":1,"order_type":"MARKET","product":"MIS"}`},
		{"bad side", ActionPlaceOrder, `{"symbol":"X","transaction_type":"HOLD","quantity":1,"order_type":"MARKET","product":"MIS"}`},
		{"zero quantity", ActionPlaceOrder, `{"symbol":"X","transaction_type":"BUY","quantity":0,"order_type":"MARKET","product":"MIS"}`},
		{"limit without price", ActionPlaceOrder, `{"symbol":"X","transaction_type":"BUY","quantity":1,"order_type":"LIMIT","product":"MIS"}`},
		{"market with price", ActionPlaceOrder, `{"symbol":"X","transaction_type":"BUY","quantity":1,"order_type":"MARKET","product":"MIS","price":10}`},
		{"missing order id", ActionCancelOrder, `{}`},
		{"zero rule id", ActionCancelRule, `{"rule_id":0}`},
	}
	for _, tc := range invalid {
		if _, err := ParseAction(tc.kind, []byte(tc.cfg)); err == nil {
			t.Fatalf("%s: err=nil want error", tc.name)
		}
	}
}
