package position

import (
	"math"

	"sessionpilot/internal/types"

	"github.com/shopspring/decimal"
)

// 价格比较统一走 decimal，避免 0.95*110 这类浮点误差把止损往回拉。

var (
	decOne      = decimal.NewFromInt(1)
	decimalEps  = decimal.NewFromFloat(1e-8)
	decimalZero = decimal.Zero
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }

// stopLossFor places the initial stop pct away from entry, on the losing side.
func stopLossFor(dir types.Direction, entry, pct float64) float64 {
	base := decFromFloat(entry)
	p := decFromFloat(pct)
	if dir == types.Short {
		return decToFloat(base.Mul(decOne.Add(p)))
	}
	return decToFloat(base.Mul(decOne.Sub(p)))
}

// takeProfitFor places the target pct away from entry, on the winning side.
func takeProfitFor(dir types.Direction, entry, pct float64) float64 {
	base := decFromFloat(entry)
	p := decFromFloat(pct)
	if dir == types.Short {
		return decToFloat(base.Mul(decOne.Sub(p)))
	}
	return decToFloat(base.Mul(decOne.Add(p)))
}

func trailingStopFor(dir types.Direction, extreme, pct float64) float64 {
	if extreme <= 0 || pct <= 0 {
		return 0
	}
	base := decFromFloat(extreme)
	p := decFromFloat(pct)
	if dir == types.Short {
		return decToFloat(base.Mul(decOne.Add(p)))
	}
	return decToFloat(base.Mul(decOne.Sub(p)))
}

// shouldUpdateStop only accepts a candidate that tightens the stop.
func shouldUpdateStop(dir types.Direction, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	cand := decFromFloat(candidate)
	curr := decFromFloat(current)
	if dir == types.Short {
		return cand.Cmp(curr.Sub(decimalEps)) < 0
	}
	return cand.Cmp(curr.Add(decimalEps)) > 0
}

// nextExtreme returns the favorable extreme after a bar: highest high for
// Long, lowest low for Short.
func nextExtreme(dir types.Direction, current, high, low float64) float64 {
	if dir == types.Short {
		if low > 0 && (current <= 0 || low < current) {
			return low
		}
		return current
	}
	if high > current {
		return high
	}
	return current
}

func stopBreached(dir types.Direction, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	if dir == types.Short {
		return decimalGTE(price, stop)
	}
	return decimalLTE(price, stop)
}

func targetHit(dir types.Direction, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	if dir == types.Short {
		return decimalLTE(price, target)
	}
	return decimalGTE(price, target)
}

// realizedPnL = (exit - entry) * qty, sign flipped for Short.
func realizedPnL(dir types.Direction, entry, exit, qty float64) float64 {
	diff := decFromFloat(exit).Sub(decFromFloat(entry)).Mul(decFromFloat(qty))
	if dir == types.Short {
		diff = diff.Neg()
	}
	return decToFloat(diff)
}
