package indicator

import "math"

// NeutralRSI is reported before enough deltas exist and for a series with no movement.
const NeutralRSI = 50.0

// RSI computes Wilder's relative strength index for every close. The first period deltas seed
// the averages with a simple mean; later values use avg = (avg*(period-1) + x) / period.
// Indices before period report NeutralRSI.
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = NeutralRSI
	}
	if period < 1 || len(closes) <= period {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain += gain
		avgLoss += loss
	}
	p := float64(period)
	avgGain /= p
	avgLoss /= p
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(closes); i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func split(delta float64) (gain, loss float64) {
	if math.IsNaN(delta) {
		return 0, 0
	}
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiValue(avgGain, avgLoss float64) float64 {
	const eps = 1e-12
	if avgLoss <= eps {
		if avgGain <= eps {
			return NeutralRSI
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
