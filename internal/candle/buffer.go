package candle

import "time"

// DefaultMaxCandles bounds per-buffer memory. Indicators need far fewer.
const DefaultMaxCandles = 200

// Candle is one fixed-width OHLCV aggregate.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Buffer aggregates ticks into fixed-width candles for one
// (instrument, timeframe) pair. Not safe for concurrent use; the session
// manager feeds it from a single goroutine.
type Buffer struct {
	timeframe  time.Duration
	maxCandles int

	completed []Candle
	current   *Candle
}

// NewBuffer creates a buffer. maxCandles <= 0 selects DefaultMaxCandles.
func NewBuffer(timeframe time.Duration, maxCandles int) *Buffer {
	if maxCandles <= 0 {
		maxCandles = DefaultMaxCandles
	}
	return &Buffer{timeframe: timeframe, maxCandles: maxCandles}
}

func (b *Buffer) Timeframe() time.Duration { return b.timeframe }

// AddTick folds one tick into the buffer and reports whether it completed a
// candle. A tick inside the open candle's window updates it in place; a tick
// in a new window finalizes the open candle and starts the next one.
func (b *Buffer) AddTick(price, volume float64, ts time.Time) bool {
	start := ts.Truncate(b.timeframe)
	if b.current != nil && b.current.Start.Equal(start) {
		if price > b.current.High {
			b.current.High = price
		}
		if price < b.current.Low {
			b.current.Low = price
		}
		b.current.Close = price
		b.current.Volume += volume
		return false
	}

	completed := false
	if b.current != nil {
		b.append(*b.current)
		completed = true
	}
	b.current = &Candle{Start: start, Open: price, High: price, Low: price, Close: price, Volume: volume}
	return completed
}

// Seed preloads completed candles, typically from the broker's historical
// data endpoint, so indicators have lookback before the first live tick.
func (b *Buffer) Seed(candles []Candle) {
	for _, c := range candles {
		b.append(c)
	}
}

// Candles returns completed candles plus the in-progress one, if any.
func (b *Buffer) Candles() []Candle {
	out := make([]Candle, 0, len(b.completed)+1)
	out = append(out, b.completed...)
	if b.current != nil {
		out = append(out, *b.current)
	}
	return out
}

// CompletedCandles excludes the in-progress candle.
func (b *Buffer) CompletedCandles() []Candle {
	out := make([]Candle, len(b.completed))
	copy(out, b.completed)
	return out
}

func (b *Buffer) append(c Candle) {
	b.completed = append(b.completed, c)
	if over := len(b.completed) - b.maxCandles; over > 0 {
		b.completed = append(b.completed[:0], b.completed[over:]...)
	}
}
