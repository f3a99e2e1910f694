package domain

import "math"

// RoundToTick rounds price to the nearest multiple of tick. tick <= 0 is
// treated as "no rounding" so callers never have to special-case it.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// CalcSL returns the stop-loss price for an entry at the given signal,
// sl_pct and tick: entry moved against the trade's direction by sl_pct
// percent, rounded to the nearest tick.
//
// calc_sl(entry, +1, p, t) < entry and calc_sl(entry, -1, p, t) > entry for
// every p > 0 — the SL always sits on the losing side of entry.
func CalcSL(entry float64, signal Signal, slPct, tick float64) float64 {
	sl := entry - float64(signal)*entry*slPct/100
	return RoundToTick(sl, tick)
}

// SignalStrength is the signed distance from ltp to the predicted target in
// the direction of the signal. Positive means the predicted move hasn't
// played out yet and the trade is still worth entering.
func SignalStrength(signal Signal, target, ltp float64) float64 {
	return float64(signal) * (target - ltp)
}

// GetNewSL returns the new trailing-stop price and true if the SL should be
// moved: the current SL must lag ltp by more than (sl_pct+trail_sl_pct)
// percent of ltp. Otherwise it returns (0, false) — "no update."
func GetNewSL(p *Position, ltp float64) (float64, bool) {
	threshold := ltp * (p.SLPct + p.TrailSLPct) / 100
	if math.Abs(ltp-p.SLPrice) <= threshold {
		return 0, false
	}
	newSL := ltp - float64(p.Signal)*ltp*p.SLPct/100
	return RoundToTick(newSL, p.Tick), true
}

// CalcTarget extends the original predicted target by strength, in the
// trade's direction, if the trade was already through its original target
// at fill time (a buy that filled at or above target, or a sell that
// filled at or below target); otherwise the original target is kept.
func CalcTarget(origTarget, entryPrice float64, direction string, strength float64) float64 {
	switch direction {
	case "B":
		if entryPrice >= origTarget {
			return entryPrice + strength
		}
	case "S":
		if entryPrice <= origTarget {
			return entryPrice - strength
		}
	}
	return origTarget
}
