// Package exchange defines the broker abstraction the session trades through,
// so the desk works the same against a paper book or a live venue.
package exchange

import (
	"context"
	"time"

	"sessionpilot/internal/types"
)

// Broker is the minimal venue surface a session needs.
type Broker interface {
	Name() string

	GetPrice(ctx context.Context, symbol string) (float64, error)

	PlaceOrder(ctx context.Context, symbol string, dir types.Direction, quantity float64) (string, error)
}

// Candle is one OHLC bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// CandleSource is implemented by brokers that can serve recent bars; the data
// phase uses it to size trailing stops from ATR.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// Fill records one executed order.
type Fill struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Direction types.Direction `json:"direction"`
	Quantity  float64         `json:"quantity"`
	Price     float64         `json:"price"`
	At        time.Time       `json:"at"`
}

// Series splits candles into the high/low/close slices indicator code wants.
func Series(candles []Candle) (highs, lows, closes []float64) {
	highs = make([]float64, 0, len(candles))
	lows = make([]float64, 0, len(candles))
	closes = make([]float64, 0, len(candles))
	for _, c := range candles {
		highs = append(highs, c.High)
		lows = append(lows, c.Low)
		closes = append(closes, c.Close)
	}
	return highs, lows, closes
}
