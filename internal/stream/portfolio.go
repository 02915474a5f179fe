package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// OrderUpdate is one order event off the portfolio stream.
type OrderUpdate struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
	StatusMessage   string  `json:"status_message"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

type portfolioEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseOrderUpdates decodes a portfolio frame: line-delimited JSON events.
// Heartbeats (empty lines, bare "ping") and non-order events are dropped;
// a malformed line is skipped, never an error.
func ParseOrderUpdates(data []byte) []OrderUpdate {
	var out []OrderUpdate
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.Equal(line, []byte("ping")) {
			continue
		}
		var env portfolioEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if env.Type != "order" || len(env.Data) == 0 {
			continue
		}
		var upd OrderUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil {
			continue
		}
		if upd.OrderID == "" {
			continue
		}
		out = append(out, upd)
	}
	return out
}

// PortfolioStreamOptions configures one user's portfolio stream.
type PortfolioStreamOptions struct {
	Authorize     func(ctx context.Context) (string, error)
	OnOrder       func(upd OrderUpdate)
	OnAuthFailure func()
	BackoffMax    time.Duration
	Logger        *zap.Logger
}

// PortfolioStream is the reconnecting order/position event feed.
type PortfolioStream struct {
	stream  *Stream
	onOrder func(upd OrderUpdate)
}

func NewPortfolioStream(opts PortfolioStreamOptions) *PortfolioStream {
	p := &PortfolioStream{onOrder: opts.OnOrder}
	p.stream = New(Options{
		Name:          "portfolio",
		Authorize:     opts.Authorize,
		OnMessage:     p.handleMessage,
		OnAuthFailure: opts.OnAuthFailure,
		BackoffMax:    opts.BackoffMax,
		Logger:        opts.Logger,
	})
	return p
}

func (p *PortfolioStream) Start() { p.stream.Start() }
func (p *PortfolioStream) Stop()  { p.stream.Stop() }

func (p *PortfolioStream) handleMessage(typ websocket.MessageType, data []byte) {
	if typ != websocket.MessageText {
		return
	}
	for _, upd := range ParseOrderUpdates(data) {
		if p.onOrder != nil {
			p.onOrder(upd)
		}
	}
}
