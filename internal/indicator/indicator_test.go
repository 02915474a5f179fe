package indicator

import (
	"math"
	"testing"
	"time"

	"tradewatch/internal/candle"
	"tradewatch/internal/rules"
)

func mkCandles(closes ...float64) []candle.Candle {
	start := time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{Start: start.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 100}
	}
	return out
}

func TestRSI_InsufficientHistory(t *testing.T) {
	candles := mkCandles(100, 101, 102)
	if v := Compute(rules.IndicatorRSI, candles, nil); v != nil {
		t.Fatalf("rsi with 3 candles = %v want nil", *v)
	}
}

func TestRSI_AllGains(t *testing.T) {
	closes := make([]float64, 15)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	v := Compute(rules.IndicatorRSI, mkCandles(closes...), nil)
	if v == nil || *v != 100 {
		t.Fatalf("rsi=%v want=100 for monotone gains", v)
	}
}

func TestRSI_BalancedGainsAndLosses(t *testing.T) {
	// Seven +1 changes then seven -1 changes: avg gain == avg loss, RSI 50.
	closes := []float64{100, 101, 102, 103, 104, 105, 106, 107, 106, 105, 104, 103, 102, 101, 100}
	v := Compute(rules.IndicatorRSI, mkCandles(closes...), nil)
	if v == nil || math.Abs(*v-50) > 1e-9 {
		t.Fatalf("rsi=%v want=50", v)
	}
}

func TestRSI_CustomPeriod(t *testing.T) {
	candles := mkCandles(100, 99, 98, 97, 96, 95)
	v := Compute(rules.IndicatorRSI, candles, map[string]float64{"period": 5})
	if v == nil || *v != 0 {
		t.Fatalf("rsi=%v want=0 for monotone losses", v)
	}
}

func TestMACD_Histogram(t *testing.T) {
	// Flat, then a late jump: fast EMA reacts first, histogram positive.
	closes := make([]float64, 40)
	for i := range closes {
		if i < 34 {
			closes[i] = 100
		} else {
			closes[i] = 110
		}
	}
	v := Compute(rules.IndicatorMACD, mkCandles(closes...), nil)
	if v == nil || *v <= 0 {
		t.Fatalf("macd histogram=%v want>0 after upward break", v)
	}

	if v := Compute(rules.IndicatorMACD, mkCandles(closes[:30]...), nil); v != nil {
		t.Fatalf("macd with 30 candles = %v want nil (needs slow+signal)", *v)
	}
}

func TestEMACrossover_SignTracksTrend(t *testing.T) {
	up := make([]float64, 30)
	down := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
		down[i] = 100 - float64(i)
	}
	v := Compute(rules.IndicatorEMACrossover, mkCandles(up...), nil)
	if v == nil || *v <= 0 {
		t.Fatalf("ema diff=%v want>0 in uptrend", v)
	}
	v = Compute(rules.IndicatorEMACrossover, mkCandles(down...), nil)
	if v == nil || *v >= 0 {
		t.Fatalf("ema diff=%v want<0 in downtrend", v)
	}

	if v := Compute(rules.IndicatorEMACrossover, mkCandles(up[:10]...), map[string]float64{"fast": 9, "slow": 21}); v != nil {
		t.Fatalf("ema diff with 10 candles = %v want nil", *v)
	}
}

func TestVolumeSpike(t *testing.T) {
	candles := mkCandles(make([]float64, 21)...)
	for i := range candles {
		candles[i].Volume = 100
	}
	candles[20].Volume = 300
	v := Compute(rules.IndicatorVolumeSpike, candles, nil)
	if v == nil || math.Abs(*v-3) > 1e-9 {
		t.Fatalf("volume spike=%v want=3", v)
	}

	if v := Compute(rules.IndicatorVolumeSpike, candles[:10], nil); v != nil {
		t.Fatalf("volume spike with 10 candles = %v want nil", *v)
	}
}

func TestCompute_UnknownIndicator(t *testing.T) {
	if v := Compute("stoch", mkCandles(1, 2, 3), nil); v != nil {
		t.Fatalf("unknown indicator = %v want nil", *v)
	}
}
