package risk

import (
	"fmt"
	"math"

	"sessionpilot/internal/types"

	talib "github.com/markcheno/go-talib"
)

// KellyFraction returns f* = (p·b − (1−p)) / b with b = avgWin/avgLoss,
// clamped to zero when the edge is not positive.
func KellyFraction(winRate, avgWin, avgLoss float64) (float64, error) {
	switch {
	case math.IsNaN(winRate) || winRate < 0 || winRate > 1:
		return 0, fmt.Errorf("kelly: win rate %.4f outside [0,1]: %w", winRate, types.ErrInvalidInput)
	case !(avgWin > 0):
		return 0, fmt.Errorf("kelly: avg win %.4f must be positive: %w", avgWin, types.ErrInvalidInput)
	case !(avgLoss > 0):
		return 0, fmt.Errorf("kelly: avg loss %.4f must be positive: %w", avgLoss, types.ErrInvalidInput)
	}
	b := avgWin / avgLoss
	f := (winRate*b - (1 - winRate)) / b
	if f < 0 {
		return 0, nil
	}
	return f, nil
}

// PositionSize returns the notional to commit: the scaled Kelly stake, capped
// at maxPositionPct of capital.
func PositionSize(capital, kellyFraction, fractionMultiplier, maxPositionPct float64) float64 {
	if capital <= 0 {
		return 0
	}
	raw := capital * kellyFraction * fractionMultiplier
	limit := capital * maxPositionPct
	size := math.Min(raw, limit)
	if size < 0 {
		return 0
	}
	return size
}

// ATRTrailingPct converts the latest ATR into a trailing distance relative to
// the last close: mult·ATR/close. It returns ok=false until enough candles
// exist for the period.
func ATRTrailingPct(highs, lows, closes []float64, period int, mult float64) (float64, bool) {
	n := len(closes)
	if period <= 0 || mult <= 0 || n <= period || len(highs) != n || len(lows) != n {
		return 0, false
	}
	series := talib.Atr(highs, lows, closes, period)
	atr := series[len(series)-1]
	last := closes[n-1]
	if math.IsNaN(atr) || math.IsInf(atr, 0) || atr <= 0 || last <= 0 {
		return 0, false
	}
	return mult * atr / last, true
}
