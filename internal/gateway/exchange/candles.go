package exchange

import (
	"strconv"
	"strings"
	"time"
)

// DefaultCandleGrace 是交易所收线延迟的容忍时间。
const DefaultCandleGrace = 10 * time.Second

// ParseInterval parses "15m", "1h", "4h", "1d", "1w" into a duration.
// Returns (0, false) on invalid input.
func ParseInterval(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// DropUnclosed drops the last bar if it is still forming at now. Bars without
// an open time are kept as is.
func DropUnclosed(bars []Candle, interval time.Duration, now time.Time) []Candle {
	if len(bars) == 0 || interval <= 0 {
		return bars
	}
	last := bars[len(bars)-1]
	if last.OpenTime.IsZero() {
		return bars
	}
	cutoff := last.OpenTime.Add(interval + DefaultCandleGrace)
	if now.Before(cutoff) {
		return bars[:len(bars)-1]
	}
	return bars
}
