package types

import (
	"errors"
	"strings"
)

// ErrInvalidInput is returned synchronously for bad sizing parameters and
// illegal position transitions. Callers match it with errors.Is.
var ErrInvalidInput = errors.New("invalid input")

// Direction 表示仓位方向。
type Direction string

const (
	Long  Direction = "Long"
	Short Direction = "Short"
)

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Opposite returns the other side; unknown directions map to "".
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return ""
	}
}

// Sign is +1 for Long and -1 for Short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// ParseDirection accepts long/short/buy/sell in any case.
func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return Long, true
	case "short", "sell":
		return Short, true
	default:
		return "", false
	}
}

// TransitionKind is the outcome of a single price tick on an open position.
type TransitionKind string

const (
	NoOp          TransitionKind = "NoOp"
	StopHit       TransitionKind = "StopHit"
	TakeProfitHit TransitionKind = "TakeProfitHit"
)

// ExitReason labels why a position was closed.
type ExitReason string

const (
	ExitStopHit       ExitReason = "StopHit"
	ExitTakeProfitHit ExitReason = "TakeProfitHit"
	ExitSignal        ExitReason = "Signal"
	ExitReversal      ExitReason = "Reversal"
)
