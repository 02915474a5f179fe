package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Subscription modes, in increasing order of payload size.
const (
	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"
)

// Exchange segments that quote prices in something other than paise.
const (
	segmentNSECD = 3
	segmentBSECD = 6
)

// Tick is one decoded market-data packet.
type Tick struct {
	InstrumentToken uint32
	Mode            string
	IsIndex         bool

	LTP      float64
	LastQty  uint32
	AvgPrice float64
	Volume   uint32
	BuyQty   uint32
	SellQty  uint32

	Open  float64
	High  float64
	Low   float64
	Close float64

	LastTradeTime time.Time
	OI            uint32
	ExchangeTime  time.Time

	BestBid float64
	BestAsk float64
}

// ParseTicks decodes one binary frame: a big-endian int16 packet count, then
// length-prefixed packets. Packets of unknown length are skipped, never an
// error. A frame under two bytes is a heartbeat and yields nothing.
func ParseTicks(data []byte) []Tick {
	if len(data) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset := 2
	ticks := make([]Tick, 0, count)
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			break
		}
		plen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+plen > len(data) {
			break
		}
		if tick, ok := parsePacket(data[offset : offset+plen]); ok {
			ticks = append(ticks, tick)
		}
		offset += plen
	}
	return ticks
}

func parsePacket(b []byte) (Tick, bool) {
	if len(b) < 8 {
		return Tick{}, false
	}
	token := binary.BigEndian.Uint32(b[0:4])
	div := priceDivisor(token)
	price := func(off int) float64 {
		return float64(int32(binary.BigEndian.Uint32(b[off:off+4]))) / div
	}
	u32 := func(off int) uint32 {
		return binary.BigEndian.Uint32(b[off : off+4])
	}

	tick := Tick{InstrumentToken: token, LTP: price(4)}
	switch len(b) {
	case 8:
		tick.Mode = ModeLTP
		return tick, true

	case 28, 32:
		// Index packets carry OHLC but no traded quantities.
		tick.IsIndex = true
		tick.Mode = ModeQuote
		tick.High = price(8)
		tick.Low = price(12)
		tick.Open = price(16)
		tick.Close = price(20)
		if len(b) == 32 {
			tick.Mode = ModeFull
			tick.ExchangeTime = time.Unix(int64(u32(28)), 0)
		}
		return tick, true

	case 44, 184:
		tick.Mode = ModeQuote
		tick.LastQty = u32(8)
		tick.AvgPrice = price(12)
		tick.Volume = u32(16)
		tick.BuyQty = u32(20)
		tick.SellQty = u32(24)
		tick.Open = price(28)
		tick.High = price(32)
		tick.Low = price(36)
		tick.Close = price(40)
		if len(b) == 184 {
			tick.Mode = ModeFull
			tick.LastTradeTime = time.Unix(int64(u32(44)), 0)
			tick.OI = u32(48)
			tick.ExchangeTime = time.Unix(int64(u32(60)), 0)
			// Five 12-byte depth entries per side; only the best
			// levels feed bid/ask references.
			tick.BestBid = price(64 + 4)
			tick.BestAsk = price(64 + 60 + 4)
		}
		return tick, true
	}
	return Tick{}, false
}

func priceDivisor(token uint32) float64 {
	switch token & 0xFF {
	case segmentNSECD:
		return 10000000
	case segmentBSECD:
		return 10000
	}
	return 100
}

// MarketStreamOptions configures one user's market-data stream.
type MarketStreamOptions struct {
	Authorize     func(ctx context.Context) (string, error)
	OnTicks       func(ticks []Tick)
	OnAuthFailure func()
	BackoffMax    time.Duration
	Logger        *zap.Logger
}

// MarketStream is the reconnecting market-data feed: binary ticks in,
// JSON subscription control out. The subscription set survives reconnects;
// every connect replays it in full mode.
type MarketStream struct {
	stream *Stream
	log    *zap.Logger

	mu         sync.Mutex
	subscribed map[uint32]struct{}

	onTicks func(ticks []Tick)
}

func NewMarketStream(opts MarketStreamOptions) *MarketStream {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &MarketStream{
		log:        opts.Logger,
		subscribed: make(map[uint32]struct{}),
		onTicks:    opts.OnTicks,
	}
	m.stream = New(Options{
		Name:          "market",
		Authorize:     opts.Authorize,
		OnMessage:     m.handleMessage,
		OnConnect:     m.resubscribe,
		OnAuthFailure: opts.OnAuthFailure,
		BackoffMax:    opts.BackoffMax,
		Logger:        opts.Logger,
	})
	return m
}

func (m *MarketStream) Start() { m.stream.Start() }
func (m *MarketStream) Stop()  { m.stream.Stop() }

// Subscribed returns the current subscription set.
func (m *MarketStream) Subscribed() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, 0, len(m.subscribed))
	for t := range m.subscribed {
		out = append(out, t)
	}
	return out
}

// Subscribe adds instruments to the stream. If the socket is down the set
// still updates; the on-connect hook replays it.
func (m *MarketStream) Subscribe(ctx context.Context, tokens []uint32) {
	if len(tokens) == 0 {
		return
	}
	m.mu.Lock()
	for _, t := range tokens {
		m.subscribed[t] = struct{}{}
	}
	m.mu.Unlock()
	m.sendControl(ctx, "subscribe", tokens)
	m.sendMode(ctx, ModeFull, tokens)
}

// Unsubscribe removes instruments from the stream.
func (m *MarketStream) Unsubscribe(ctx context.Context, tokens []uint32) {
	if len(tokens) == 0 {
		return
	}
	m.mu.Lock()
	for _, t := range tokens {
		delete(m.subscribed, t)
	}
	m.mu.Unlock()
	m.sendControl(ctx, "unsubscribe", tokens)
}

// SetMode changes the subscription mode for the given instruments.
func (m *MarketStream) SetMode(ctx context.Context, mode string, tokens []uint32) {
	m.sendMode(ctx, mode, tokens)
}

func (m *MarketStream) resubscribe(ctx context.Context) error {
	tokens := m.Subscribed()
	if len(tokens) == 0 {
		return nil
	}
	payload, err := json.Marshal(controlRequest{A: "subscribe", V: tokens})
	if err != nil {
		return err
	}
	if err := m.stream.Send(ctx, payload); err != nil {
		return err
	}
	mode, err := json.Marshal(controlRequest{A: "mode", V: []any{ModeFull, tokens}})
	if err != nil {
		return err
	}
	return m.stream.Send(ctx, mode)
}

type controlRequest struct {
	A string `json:"a"`
	V any    `json:"v"`
}

func (m *MarketStream) sendControl(ctx context.Context, action string, tokens []uint32) {
	payload, err := json.Marshal(controlRequest{A: action, V: tokens})
	if err != nil {
		return
	}
	if err := m.stream.Send(ctx, payload); err != nil {
		// Not connected: the on-connect hook replays the set.
		m.log.Debug("market control deferred", zap.String("action", action), zap.Error(err))
	}
}

func (m *MarketStream) sendMode(ctx context.Context, mode string, tokens []uint32) {
	payload, err := json.Marshal(controlRequest{A: "mode", V: []any{mode, tokens}})
	if err != nil {
		return
	}
	if err := m.stream.Send(ctx, payload); err != nil {
		m.log.Debug("market mode deferred", zap.String("mode", mode), zap.Error(err))
	}
}

func (m *MarketStream) handleMessage(typ websocket.MessageType, data []byte) {
	if typ != websocket.MessageBinary {
		// Text frames on the market socket are broker notices; the
		// portfolio stream owns order events.
		return
	}
	ticks := ParseTicks(data)
	if len(ticks) == 0 {
		return
	}
	if m.onTicks != nil {
		m.onTicks(ticks)
	}
}
