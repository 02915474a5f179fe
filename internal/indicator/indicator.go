package indicator

import (
	"tradewatch/internal/candle"
	"tradewatch/internal/rules"
)

// Default periods, used when a rule's params omit them.
const (
	DefaultRSIPeriod      = 14
	DefaultMACDFast       = 12
	DefaultMACDSlow       = 26
	DefaultMACDSignal     = 9
	DefaultEMAFast        = 9
	DefaultEMASlow        = 21
	DefaultVolumeLookback = 20
)

// Compute evaluates one indicator over completed candles. It returns nil
// whenever fewer candles exist than the minimum lookback: not computable
// yet, not an error and not zero. The returned scalar is the single value
// triggers compare against (for MACD that is the histogram, for
// ema_crossover the fast-slow difference).
func Compute(name string, candles []candle.Candle, params map[string]float64) *float64 {
	switch name {
	case rules.IndicatorRSI:
		return rsi(closes(candles), period(params, "period", DefaultRSIPeriod))
	case rules.IndicatorMACD:
		return macdHistogram(closes(candles),
			period(params, "fast", DefaultMACDFast),
			period(params, "slow", DefaultMACDSlow),
			period(params, "signal", DefaultMACDSignal))
	case rules.IndicatorEMACrossover:
		return emaDiff(closes(candles),
			period(params, "fast", DefaultEMAFast),
			period(params, "slow", DefaultEMASlow))
	case rules.IndicatorVolumeSpike:
		return volumeSpike(candles, period(params, "lookback", DefaultVolumeLookback))
	}
	return nil
}

func period(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok && v >= 1 {
		return int(v)
	}
	return def
}

func closes(candles []candle.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// rsi is Wilder's RSI: simple average over the first period changes, then
// Wilder smoothing for the rest.
func rsi(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		if d := closes[i] - closes[i-1]; d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	for i := period + 1; i < len(closes); i++ {
		var gain, loss float64
		if d := closes[i] - closes[i-1]; d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		v := 100.0
		return &v
	}
	v := 100 - 100/(1+avgGain/avgLoss)
	return &v
}

func emaSeries(values []float64, period int) []float64 {
	k := 2.0 / (float64(period) + 1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

func macdHistogram(closes []float64, fast, slow, signal int) *float64 {
	if len(closes) < slow+signal {
		return nil
	}
	fastEMA := emaSeries(closes, fast)
	slowEMA := emaSeries(closes, slow)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	signalEMA := emaSeries(line, signal)
	last := len(closes) - 1
	v := line[last] - signalEMA[last]
	return &v
}

func emaDiff(closes []float64, fast, slow int) *float64 {
	if len(closes) < slow {
		return nil
	}
	last := len(closes) - 1
	v := emaSeries(closes, fast)[last] - emaSeries(closes, slow)[last]
	return &v
}

// volumeSpike is the latest candle's volume over the average of the
// preceding lookback candles.
func volumeSpike(candles []candle.Candle, lookback int) *float64 {
	if len(candles) < lookback+1 {
		return nil
	}
	last := len(candles) - 1
	var sum float64
	for _, c := range candles[last-lookback : last] {
		sum += c.Volume
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return nil
	}
	v := candles[last].Volume / avg
	return &v
}
