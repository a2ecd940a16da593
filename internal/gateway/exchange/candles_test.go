package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"15m": 15 * time.Minute,
		"1H":  time.Hour,
		"1d":  24 * time.Hour,
		"2w":  14 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, ok := ParseInterval(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "h", "0m", "5s", "x1h"} {
		_, ok := ParseInterval(bad)
		assert.False(t, ok, bad)
	}
}

func TestDropUnclosed(t *testing.T) {
	open := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	bars := []Candle{{OpenTime: open.Add(-time.Hour)}, {OpenTime: open}}

	// 10:30 时 10:00 的 1h K 线还没收
	assert.Len(t, DropUnclosed(bars, time.Hour, open.Add(30*time.Minute)), 1)
	assert.Len(t, DropUnclosed(bars, time.Hour, open.Add(time.Hour+5*time.Second)), 1)
	assert.Len(t, DropUnclosed(bars, time.Hour, open.Add(time.Hour+DefaultCandleGrace)), 2)
	assert.Len(t, DropUnclosed([]Candle{{Close: 1}}, time.Hour, open), 1)
	assert.Len(t, DropUnclosed(bars, 0, open), 2)
}
