package broker

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"tradewatch/internal/candle"
	"tradewatch/internal/models"
)

const (
	DefaultMarketFeedBase    = "wss://ws.kite.trade"
	DefaultPortfolioFeedBase = "wss://ws.kite.trade/portfolio"

	defaultTimeout = 10 * time.Second
)

// Config holds broker endpoints shared by every user session. APIBase is
// only overridden in tests.
type Config struct {
	APIBase           string
	MarketFeedBase    string
	PortfolioFeedBase string
	Timeout           time.Duration
}

// Client is the broker entry point. It is stateless per call; per-user state
// lives in the Session handles it hands out.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.MarketFeedBase == "" {
		cfg.MarketFeedBase = DefaultMarketFeedBase
	}
	if cfg.PortfolioFeedBase == "" {
		cfg.PortfolioFeedBase = DefaultPortfolioFeedBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg}
}

// Session binds one user's credentials to the REST API and feed URLs.
func (c *Client) Session(apiKey, accessToken string) *Session {
	kc := kiteconnect.New(apiKey)
	kc.SetAccessToken(accessToken)
	kc.SetHTTPClient(&http.Client{Timeout: c.cfg.Timeout})
	if c.cfg.APIBase != "" {
		kc.SetBaseURI(c.cfg.APIBase)
	}
	return &Session{cfg: c.cfg, apiKey: apiKey, token: accessToken, kc: kc}
}

// GenerateSession exchanges a login request token for an access token.
func (c *Client) GenerateSession(apiKey, requestToken, apiSecret string) (string, error) {
	kc := kiteconnect.New(apiKey)
	kc.SetHTTPClient(&http.Client{Timeout: c.cfg.Timeout})
	if c.cfg.APIBase != "" {
		kc.SetBaseURI(c.cfg.APIBase)
	}
	data, err := kc.GenerateSession(requestToken, apiSecret)
	if err != nil {
		return "", fmt.Errorf("generate session: %w", err)
	}
	return data.AccessToken, nil
}

type Session struct {
	cfg    Config
	apiKey string
	token  string
	kc     *kiteconnect.Client
}

func (s *Session) AccessToken() string { return s.token }

// MarketFeedURL is the one-time authorized URL for the binary tick stream.
func (s *Session) MarketFeedURL() string {
	return fmt.Sprintf("%s?api_key=%s&access_token=%s",
		s.cfg.MarketFeedBase, url.QueryEscape(s.apiKey), url.QueryEscape(s.token))
}

// PortfolioFeedURL is the authorized URL for the order/position event stream.
func (s *Session) PortfolioFeedURL() string {
	return fmt.Sprintf("%s?api_key=%s&access_token=%s",
		s.cfg.PortfolioFeedBase, url.QueryEscape(s.apiKey), url.QueryEscape(s.token))
}

// OrderParams is the slice of an order the engine places.
type OrderParams struct {
	Symbol          string
	Exchange        string
	TransactionType string
	Quantity        int
	OrderType       string
	Product         string
	Price           float64
}

// PlaceOrder submits a regular order and returns the broker order id.
// Price 0 means market order.
func (s *Session) PlaceOrder(p OrderParams) (string, error) {
	exchange := p.Exchange
	if exchange == "" {
		exchange = kiteconnect.ExchangeNSE
	}
	params := kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   p.Symbol,
		TransactionType: p.TransactionType,
		Quantity:        p.Quantity,
		OrderType:       p.OrderType,
		Product:         p.Product,
		Validity:        "DAY",
	}
	if p.OrderType == kiteconnect.OrderTypeLimit && p.Price > 0 {
		params.Price = p.Price
	}
	resp, err := s.kc.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	return resp.OrderID, nil
}

// CancelOrder cancels an open regular order.
func (s *Session) CancelOrder(orderID string) error {
	if _, err := s.kc.CancelOrder(kiteconnect.VarietyRegular, orderID, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// HistoricalCandles fetches lookback completed candles for one instrument,
// used to seed candle buffers before the first live tick.
func (s *Session) HistoricalCandles(token uint32, timeframe time.Duration, lookback int) ([]candle.Candle, error) {
	interval, err := Interval(timeframe)
	if err != nil {
		return nil, err
	}
	to := time.Now()
	from := to.Add(-timeframe * time.Duration(lookback+1))
	data, err := s.kc.GetHistoricalData(int(token), interval, from, to, false, false)
	if err != nil {
		return nil, fmt.Errorf("historical data for %d: %w", token, err)
	}
	out := make([]candle.Candle, 0, len(data))
	for _, d := range data {
		out = append(out, candle.Candle{
			Start:  d.Date.Time,
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: float64(d.Volume),
		})
	}
	return out, nil
}

// Instruments downloads the full instrument dump for the local cache.
func (s *Session) Instruments() ([]models.Instrument, error) {
	dump, err := s.kc.GetInstruments()
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}
	out := make([]models.Instrument, 0, len(dump))
	for _, in := range dump {
		out = append(out, models.Instrument{
			Token:    uint32(in.InstrumentToken),
			Symbol:   in.Tradingsymbol,
			Exchange: in.Exchange,
			Name:     in.Name,
			TickSize: in.TickSize,
			LotSize:  int(in.LotSize),
		})
	}
	return out, nil
}

var intervals = map[time.Duration]string{
	time.Minute:      "minute",
	3 * time.Minute:  "3minute",
	5 * time.Minute:  "5minute",
	10 * time.Minute: "10minute",
	15 * time.Minute: "15minute",
	30 * time.Minute: "30minute",
	time.Hour:        "60minute",
	24 * time.Hour:   "day",
}

// Interval maps a candle timeframe to the broker's historical-data interval.
func Interval(timeframe time.Duration) (string, error) {
	if iv, ok := intervals[timeframe]; ok {
		return iv, nil
	}
	return "", fmt.Errorf("unsupported timeframe %s", timeframe)
}
