package session

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"tradewatch/internal/candle"
	"tradewatch/internal/models"
	"tradewatch/internal/rules"
	"tradewatch/internal/stream"
)

type recordedTick struct {
	userID string
	token  uint32
	ctx    *rules.EvalContext
}

type stubHandler struct {
	ticks        []recordedTick
	orders       []stream.OrderUpdate
	authFailures []string
}

func (h *stubHandler) HandleTick(userID string, token uint32, ctx *rules.EvalContext) {
	h.ticks = append(h.ticks, recordedTick{userID: userID, token: token, ctx: ctx})
}
func (h *stubHandler) HandleOrder(userID string, upd stream.OrderUpdate) {
	h.orders = append(h.orders, upd)
}
func (h *stubHandler) HandleAuthFailure(userID string) {
	h.authFailures = append(h.authFailures, userID)
}

func u32Ptr(v uint32) *uint32 { return &v }

func priceRule(id uint64, token uint32) models.MonitorRule {
	return models.MonitorRule{
		ID:              id,
		UserID:          "u1",
		Enabled:         true,
		TriggerType:     rules.TriggerPrice,
		TriggerConfig:   datatypes.JSON([]byte(`{"condition":"gte","price":100}`)),
		ActionType:      rules.ActionPlaceOrder,
		ActionConfig:    datatypes.JSON([]byte(`{"symbol":"X","transaction_type":"BUY","quantity":1,"order_type":"MARKET","product":"MIS"}`)),
		InstrumentToken: u32Ptr(token),
	}
}

func indicatorRule(id uint64, token uint32, cfg string) models.MonitorRule {
	r := priceRule(id, token)
	r.TriggerType = rules.TriggerIndicator
	r.TriggerConfig = datatypes.JSON([]byte(cfg))
	return r
}

func TestRequiredState(t *testing.T) {
	ruleSet := []models.MonitorRule{
		priceRule(1, 100),
		indicatorRule(2, 200, `{"indicator":"rsi","timeframe":"5m","condition":"lte","value":30}`),
		func() models.MonitorRule {
			r := priceRule(3, 300)
			r.TriggerType = rules.TriggerCompound
			r.TriggerConfig = datatypes.JSON([]byte(`{"operator":"and","conditions":[
				{"type":"price","condition":"gte","price":50},
				{"type":"indicator","indicator":"macd","timeframe":"15m","condition":"crosses_above","value":0}
			]}`))
			return r
		}(),
		func() models.MonitorRule {
			// Order-status rules need no market subscription.
			r := priceRule(4, 400)
			r.TriggerType = rules.TriggerOrderStatus
			r.TriggerConfig = datatypes.JSON([]byte(`{"order_id":"x","status":"complete"}`))
			r.InstrumentToken = nil
			return r
		}(),
	}
	instruments, specs := requiredState(ruleSet, zap.NewNop())
	if len(instruments) != 3 {
		t.Fatalf("instruments=%v want 3", instruments)
	}
	if len(specs) != 2 {
		t.Fatalf("specs=%d want 2 (rsi@200, macd@300)", len(specs))
	}
	spec, ok := specs[bufferKey(200, "5m")]
	if !ok || spec.timeframe != 5*time.Minute || len(spec.indicators) != 1 {
		t.Fatalf("spec for 200_5m=%+v ok=%v", spec, ok)
	}
	if _, ok := specs[bufferKey(300, "15m")]; !ok {
		t.Fatalf("nested compound indicator produced no buffer spec")
	}
}

func TestRequiredState_SkipsUnparseableRule(t *testing.T) {
	bad := priceRule(1, 100)
	bad.TriggerConfig = datatypes.JSON([]byte(`{broken`))
	instruments, specs := requiredState([]models.MonitorRule{bad}, zap.NewNop())
	if len(instruments) != 0 || len(specs) != 0 {
		t.Fatalf("instruments=%v specs=%v want empty", instruments, specs)
	}
}

func mkSession(userID string) (*Manager, *UserSession, *stubHandler) {
	h := &stubHandler{}
	m := NewManager(ManagerOptions{Handler: h, Logger: zap.NewNop()})
	us := &UserSession{
		userID:         userID,
		specs:          make(map[string]bufferSpec),
		buffers:        make(map[string]*candle.Buffer),
		prevPrices:     make(map[uint32]float64),
		indicators:     make(map[string]float64),
		prevIndicators: make(map[string]float64),
	}
	return m, us, h
}

func TestOnMarketTicks_PrevPriceOrdering(t *testing.T) {
	m, us, h := mkSession("u1")

	first := stream.Tick{InstrumentToken: 100, Mode: stream.ModeLTP, LTP: 149}
	second := stream.Tick{InstrumentToken: 100, Mode: stream.ModeLTP, LTP: 151}
	m.onMarketTicks(us, []stream.Tick{first})
	m.onMarketTicks(us, []stream.Tick{second})

	if len(h.ticks) != 2 {
		t.Fatalf("ticks=%d want=2", len(h.ticks))
	}
	if _, ok := h.ticks[0].ctx.PrevPrices[100]; ok {
		t.Fatalf("first tick saw a previous price")
	}
	// The second evaluation must see the first tick's price, not its own.
	if prev := h.ticks[1].ctx.PrevPrices[100]; prev != 149 {
		t.Fatalf("prev=%v want=149", prev)
	}
	if h.ticks[1].ctx.MarketData[rules.RefLTP] != 151 {
		t.Fatalf("market data ltp=%v want=151", h.ticks[1].ctx.MarketData[rules.RefLTP])
	}
}

func TestOnMarketTicks_IndicatorRecomputeOnCompletion(t *testing.T) {
	m, us, h := mkSession("u1")
	ispec := &rules.IndicatorTrigger{Indicator: rules.IndicatorRSI, Timeframe: "1m", Condition: rules.CondLTE, Value: 30}
	key := bufferKey(100, "1m")
	us.specs[key] = bufferSpec{token: 100, timeframe: time.Minute, indicators: []*rules.IndicatorTrigger{ispec}}
	buf := candle.NewBuffer(time.Minute, 0)
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	var seed []candle.Candle
	for i := 0; i < 20; i++ {
		p := 100 + float64(i)
		seed = append(seed, candle.Candle{Start: start.Add(time.Duration(i) * time.Minute), Open: p, High: p, Low: p, Close: p, Volume: 10})
	}
	buf.Seed(seed)
	us.buffers[key] = buf

	// Tick inside a fresh window: no candle completes yet, no indicator.
	m.onMarketTicks(us, []stream.Tick{{InstrumentToken: 100, Mode: stream.ModeFull, LTP: 120, LastQty: 5, ExchangeTime: start.Add(20 * time.Minute)}})
	if _, ok := h.ticks[0].ctx.IndicatorValues["rsi_1m"]; ok {
		t.Fatalf("indicator appeared before any candle completed")
	}

	// Next window: previous candle completes, indicator computes.
	m.onMarketTicks(us, []stream.Tick{{InstrumentToken: 100, Mode: stream.ModeFull, LTP: 121, LastQty: 5, ExchangeTime: start.Add(21 * time.Minute)}})
	if _, ok := h.ticks[1].ctx.IndicatorValues["rsi_1m"]; !ok {
		t.Fatalf("indicator missing after candle completion")
	}

	// Another completion copies current into previous first.
	m.onMarketTicks(us, []stream.Tick{{InstrumentToken: 100, Mode: stream.ModeFull, LTP: 122, LastQty: 5, ExchangeTime: start.Add(22 * time.Minute)}})
	ctx := h.ticks[2].ctx
	if _, ok := ctx.PrevIndicatorValues["rsi_1m"]; !ok {
		t.Fatalf("previous indicator value not carried")
	}
}

func TestMarketData_ModeFields(t *testing.T) {
	ltpOnly := marketData(stream.Tick{Mode: stream.ModeLTP, LTP: 10})
	if _, ok := ltpOnly[rules.RefOpen]; ok {
		t.Fatalf("ltp-mode tick exposed ohlc fields")
	}
	full := marketData(stream.Tick{Mode: stream.ModeFull, LTP: 10, Open: 9, High: 11, Low: 8, BestBid: 9.9, BestAsk: 10.1})
	if full[rules.RefBid] != 9.9 || full[rules.RefAsk] != 10.1 || full[rules.RefHigh] != 11 {
		t.Fatalf("full-mode fields=%v", full)
	}
	quoteNoDepth := marketData(stream.Tick{Mode: stream.ModeQuote, LTP: 10, Open: 9})
	if _, ok := quoteNoDepth[rules.RefBid]; ok {
		t.Fatalf("quote tick without depth exposed bid")
	}
}
