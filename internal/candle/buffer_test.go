package candle

import (
	"testing"
	"time"
)

func at(t *testing.T, hhmm string) time.Time {
	t.Helper()
	ts, err := time.Parse("15:04", hhmm)
	if err != nil {
		t.Fatalf("parse %q: %v", hhmm, err)
	}
	return time.Date(2025, 6, 2, ts.Hour(), ts.Minute(), 0, 0, time.UTC)
}

func TestBuffer_AggregatesOneWindow(t *testing.T) {
	b := NewBuffer(5*time.Minute, 0)

	if b.AddTick(100, 1000, at(t, "10:01")) {
		t.Fatalf("first tick completed a candle")
	}
	b.AddTick(105, 500, at(t, "10:02"))
	b.AddTick(98, 800, at(t, "10:03"))

	candles := b.Candles()
	if len(candles) != 1 {
		t.Fatalf("candles=%d want=1", len(candles))
	}
	c := candles[0]
	if c.Open != 100 || c.High != 105 || c.Low != 98 || c.Close != 98 || c.Volume != 2300 {
		t.Fatalf("candle=%+v want open=100 high=105 low=98 close=98 volume=2300", c)
	}
	if len(b.CompletedCandles()) != 0 {
		t.Fatalf("in-progress candle counted as completed")
	}
}

func TestBuffer_NewWindowFinalizes(t *testing.T) {
	b := NewBuffer(5*time.Minute, 0)
	b.AddTick(100, 1000, at(t, "10:01"))
	b.AddTick(105, 500, at(t, "10:02"))

	if !b.AddTick(110, 200, at(t, "10:06")) {
		t.Fatalf("tick in new window did not complete the open candle")
	}
	done := b.CompletedCandles()
	if len(done) != 1 {
		t.Fatalf("completed=%d want=1", len(done))
	}
	if done[0].Close != 105 {
		t.Fatalf("completed close=%v want=105", done[0].Close)
	}
	if cur := b.Candles(); len(cur) != 2 || cur[1].Open != 110 {
		t.Fatalf("candles=%v want finalized + fresh candle opening at 110", cur)
	}
}

func TestBuffer_CandleCountInvariant(t *testing.T) {
	b := NewBuffer(time.Minute, 0)
	ts := at(t, "09:15")
	for i := 0; i < 50; i++ {
		b.AddTick(float64(100+i%5), 10, ts.Add(time.Duration(i*20)*time.Second))
		diff := len(b.Candles()) - len(b.CompletedCandles())
		if diff != 0 && diff != 1 {
			t.Fatalf("candles-completed=%d want 0 or 1", diff)
		}
	}
}

func TestBuffer_SeedProvidesLookback(t *testing.T) {
	b := NewBuffer(5*time.Minute, 0)
	hist := []Candle{
		{Start: at(t, "09:15"), Open: 99, High: 101, Low: 98, Close: 100, Volume: 500},
		{Start: at(t, "09:20"), Open: 100, High: 102, Low: 99, Close: 101, Volume: 400},
	}
	b.Seed(hist)
	if got := len(b.CompletedCandles()); got != 2 {
		t.Fatalf("completed=%d want=2", got)
	}
	b.AddTick(102, 100, at(t, "09:26"))
	if got := len(b.Candles()); got != 3 {
		t.Fatalf("candles=%d want=3", got)
	}
}

func TestBuffer_RetentionDropsOldest(t *testing.T) {
	b := NewBuffer(time.Minute, 5)
	ts := at(t, "09:15")
	for i := 0; i < 10; i++ {
		b.AddTick(float64(100+i), 10, ts.Add(time.Duration(i)*time.Minute))
	}
	done := b.CompletedCandles()
	if len(done) != 5 {
		t.Fatalf("completed=%d want=5 after retention", len(done))
	}
	if done[0].Open != 104 {
		t.Fatalf("oldest retained open=%v want=104", done[0].Open)
	}
}
