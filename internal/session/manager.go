package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradewatch/internal/broker"
	"tradewatch/internal/candle"
	"tradewatch/internal/indicator"
	"tradewatch/internal/models"
	"tradewatch/internal/rules"
	"tradewatch/internal/stream"
)

// seedLookback is how many historical candles a fresh buffer is seeded with.
// Enough for every supported indicator's lookback at default periods.
const seedLookback = 60

// Handler receives engine events with the user id explicit, so no per-session
// closures capture state the daemon also owns.
type Handler interface {
	// HandleTick runs rule evaluation for one tick. It is called before
	// the session records the tick into prev_prices, so crossing checks
	// see the pre-tick reference price.
	HandleTick(userID string, instrumentToken uint32, evalCtx *rules.EvalContext)
	HandleOrder(userID string, upd stream.OrderUpdate)
	HandleAuthFailure(userID string)
}

type bufferSpec struct {
	token      uint32
	timeframe  time.Duration
	indicators []*rules.IndicatorTrigger
}

// UserSession is one user's live state: two streams, subscriptions, candle
// buffers and indicator values.
type UserSession struct {
	userID string
	broker *broker.Session

	market    *stream.MarketStream
	portfolio *stream.PortfolioStream

	mu             sync.Mutex
	specs          map[string]bufferSpec
	buffers        map[string]*candle.Buffer
	prevPrices     map[uint32]float64
	indicators     map[string]float64
	prevIndicators map[string]float64
}

// Manager owns one UserSession per active user.
type Manager struct {
	broker     *broker.Client
	handler    Handler
	log        *zap.Logger
	backoffMax time.Duration

	mu       sync.Mutex
	sessions map[string]*UserSession
}

type ManagerOptions struct {
	Broker     *broker.Client
	Handler    Handler
	Logger     *zap.Logger
	BackoffMax time.Duration
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		broker:     opts.Broker,
		handler:    opts.Handler,
		log:        opts.Logger,
		backoffMax: opts.BackoffMax,
		sessions:   make(map[string]*UserSession),
	}
}

func (m *Manager) Has(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[userID]
	return ok
}

func (m *Manager) ActiveUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// StartUser opens both streams for the user, subscribes to every instrument
// the rules reference and seeds the candle buffers indicator rules need.
// An existing session for the user is torn down first.
func (m *Manager) StartUser(ctx context.Context, userID string, bs *broker.Session, ruleSet []models.MonitorRule) error {
	if bs == nil {
		return fmt.Errorf("start user %s: nil broker session", userID)
	}
	m.StopUser(userID)

	us := &UserSession{
		userID:         userID,
		broker:         bs,
		specs:          make(map[string]bufferSpec),
		buffers:        make(map[string]*candle.Buffer),
		prevPrices:     make(map[uint32]float64),
		indicators:     make(map[string]float64),
		prevIndicators: make(map[string]float64),
	}
	log := m.log.With(zap.String("user_id", userID))
	us.market = stream.NewMarketStream(stream.MarketStreamOptions{
		Authorize:     func(context.Context) (string, error) { return bs.MarketFeedURL(), nil },
		OnTicks:       func(ticks []stream.Tick) { m.onMarketTicks(us, ticks) },
		OnAuthFailure: func() { m.handler.HandleAuthFailure(userID) },
		BackoffMax:    m.backoffMax,
		Logger:        log,
	})
	us.portfolio = stream.NewPortfolioStream(stream.PortfolioStreamOptions{
		Authorize:     func(context.Context) (string, error) { return bs.PortfolioFeedURL(), nil },
		OnOrder:       func(upd stream.OrderUpdate) { m.handler.HandleOrder(userID, upd) },
		OnAuthFailure: func() { m.handler.HandleAuthFailure(userID) },
		BackoffMax:    m.backoffMax,
		Logger:        log,
	})

	instruments, specs := requiredState(ruleSet, log)
	for key, spec := range specs {
		us.specs[key] = spec
		us.buffers[key] = m.newSeededBuffer(us, spec)
	}

	m.mu.Lock()
	m.sessions[userID] = us
	m.mu.Unlock()

	us.market.Start()
	us.portfolio.Start()
	us.market.Subscribe(ctx, instruments)
	log.Info("user session started",
		zap.Int("instruments", len(instruments)), zap.Int("buffers", len(specs)))
	return nil
}

// SyncRules diffs the required instrument and buffer sets against the live
// session, issuing only incremental subscribe/unsubscribe and buffer
// create/drop operations.
func (m *Manager) SyncRules(ctx context.Context, userID string, ruleSet []models.MonitorRule) error {
	m.mu.Lock()
	us := m.sessions[userID]
	m.mu.Unlock()
	if us == nil {
		return fmt.Errorf("sync rules: no session for user %s", userID)
	}
	log := m.log.With(zap.String("user_id", userID))
	instruments, specs := requiredState(ruleSet, log)

	want := make(map[uint32]struct{}, len(instruments))
	for _, t := range instruments {
		want[t] = struct{}{}
	}
	have := make(map[uint32]struct{})
	for _, t := range us.market.Subscribed() {
		have[t] = struct{}{}
	}
	var added, removed []uint32
	for t := range want {
		if _, ok := have[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range have {
		if _, ok := want[t]; !ok {
			removed = append(removed, t)
		}
	}

	us.mu.Lock()
	for key, spec := range specs {
		if _, ok := us.buffers[key]; ok {
			us.specs[key] = spec
			continue
		}
		us.specs[key] = spec
		us.buffers[key] = m.newSeededBuffer(us, spec)
	}
	for key := range us.buffers {
		if _, ok := specs[key]; !ok {
			delete(us.buffers, key)
			delete(us.specs, key)
		}
	}
	us.mu.Unlock()

	us.market.Subscribe(ctx, added)
	us.market.Unsubscribe(ctx, removed)
	if len(added) > 0 || len(removed) > 0 {
		log.Info("subscriptions synced",
			zap.Int("added", len(added)), zap.Int("removed", len(removed)))
	}
	return nil
}

func (m *Manager) StopUser(userID string) {
	m.mu.Lock()
	us := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if us == nil {
		return
	}
	us.market.Stop()
	us.portfolio.Stop()
	m.log.Info("user session stopped", zap.String("user_id", userID))
}

func (m *Manager) StopAll() {
	for _, id := range m.ActiveUsers() {
		m.StopUser(id)
	}
}

func (m *Manager) newSeededBuffer(us *UserSession, spec bufferSpec) *candle.Buffer {
	buf := candle.NewBuffer(spec.timeframe, 0)
	hist, err := us.broker.HistoricalCandles(spec.token, spec.timeframe, seedLookback)
	if err != nil {
		m.log.Warn("candle seed failed, indicators will warm up from live ticks",
			zap.String("user_id", us.userID),
			zap.Uint32("instrument", spec.token),
			zap.Duration("timeframe", spec.timeframe),
			zap.Error(err))
		return buf
	}
	buf.Seed(hist)
	return buf
}

// onMarketTicks feeds candle buffers, recomputes indicators on candle
// completion and forwards each tick to the handler. The handler runs before
// prev_prices is overwritten with the new price.
func (m *Manager) onMarketTicks(us *UserSession, ticks []stream.Tick) {
	for _, tick := range ticks {
		us.mu.Lock()
		ts := tick.ExchangeTime
		if ts.IsZero() {
			ts = time.Now()
		}
		for key, spec := range us.specs {
			if spec.token != tick.InstrumentToken {
				continue
			}
			buf := us.buffers[key]
			if !buf.AddTick(tick.LTP, float64(tick.LastQty), ts) {
				continue
			}
			completed := buf.CompletedCandles()
			for _, ispec := range spec.indicators {
				ikey := ispec.Key()
				if old, ok := us.indicators[ikey]; ok {
					us.prevIndicators[ikey] = old
				}
				if v := indicator.Compute(ispec.Indicator, completed, ispec.Params); v != nil {
					us.indicators[ikey] = *v
				}
			}
		}
		evalCtx := &rules.EvalContext{
			Now:                 time.Now(),
			MarketData:          marketData(tick),
			PrevPrices:          copyU32Map(us.prevPrices),
			IndicatorValues:     copyStrMap(us.indicators),
			PrevIndicatorValues: copyStrMap(us.prevIndicators),
		}
		us.mu.Unlock()

		m.handler.HandleTick(us.userID, tick.InstrumentToken, evalCtx)

		us.mu.Lock()
		us.prevPrices[tick.InstrumentToken] = tick.LTP
		us.mu.Unlock()
	}
}

// marketData maps a tick onto the reference fields triggers compare against.
// Absent fields stay absent so "missing reference" semantics hold.
func marketData(tick stream.Tick) map[string]float64 {
	out := map[string]float64{rules.RefLTP: tick.LTP}
	if tick.Mode == stream.ModeLTP {
		return out
	}
	out[rules.RefOpen] = tick.Open
	out[rules.RefHigh] = tick.High
	out[rules.RefLow] = tick.Low
	if tick.BestBid > 0 {
		out[rules.RefBid] = tick.BestBid
	}
	if tick.BestAsk > 0 {
		out[rules.RefAsk] = tick.BestAsk
	}
	return out
}

// requiredState derives the instruments to subscribe and the candle buffers
// to maintain from a user's rules, including indicator conditions nested in
// compound triggers. Rules with configs that fail to parse are skipped.
func requiredState(ruleSet []models.MonitorRule, log *zap.Logger) ([]uint32, map[string]bufferSpec) {
	instruments := make(map[uint32]struct{})
	specs := make(map[string]bufferSpec)
	for i := range ruleSet {
		rule := &ruleSet[i]
		if !rules.RequiresInstrument(rule.TriggerType) || rule.InstrumentToken == nil {
			continue
		}
		trig, err := rules.ParseTrigger(rule.TriggerType, rule.TriggerConfig)
		if err != nil {
			log.Warn("skipping rule with invalid trigger config",
				zap.Uint64("rule_id", rule.ID), zap.Error(err))
			continue
		}
		token := *rule.InstrumentToken
		instruments[token] = struct{}{}
		for _, ispec := range rules.IndicatorSpecs(trig) {
			tf, err := time.ParseDuration(ispec.Timeframe)
			if err != nil {
				continue
			}
			key := bufferKey(token, ispec.Timeframe)
			spec, ok := specs[key]
			if !ok {
				spec = bufferSpec{token: token, timeframe: tf}
			}
			spec.indicators = append(spec.indicators, ispec)
			specs[key] = spec
		}
	}
	out := make([]uint32, 0, len(instruments))
	for t := range instruments {
		out = append(out, t)
	}
	return out, specs
}

func bufferKey(token uint32, timeframe string) string {
	return fmt.Sprintf("%d_%s", token, timeframe)
}

func copyU32Map(in map[uint32]float64) map[uint32]float64 {
	out := make(map[uint32]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStrMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
