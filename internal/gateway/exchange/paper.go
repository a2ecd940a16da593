package exchange

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"sessionpilot/internal/pkg/symbol"
	"sessionpilot/internal/types"

	"github.com/google/uuid"
)

// Paper is an in-memory broker: quotes come from a price table and every
// market order fills at the current quote.
type Paper struct {
	mu      sync.RWMutex
	prices  map[string]float64
	candles map[string][]Candle
	fills   []Fill
	nowFn   func() time.Time
}

func NewPaper(prices map[string]float64) *Paper {
	p := &Paper{
		prices:  make(map[string]float64, len(prices)),
		candles: make(map[string][]Candle),
		nowFn:   time.Now,
	}
	for sym, px := range prices {
		p.prices[symbol.Compact(sym)] = px
	}
	return p
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) SetPrice(sym string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol.Compact(sym)] = price
}

// SetCandles replaces the bar history served for sym.
func (p *Paper) SetCandles(sym string, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol.Compact(sym)] = append([]Candle(nil), candles...)
}

// PriceStep maps a symbol's last quote to the next one.
type PriceStep func(sym string, last float64) float64

// Advance moves every quote one step; non-positive results are ignored.
func (p *Paper) Advance(step PriceStep) {
	if step == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for sym, px := range p.prices {
		if next := step(sym, px); next > 0 {
			p.prices[sym] = next
		}
	}
}

// RandomWalk moves each quote by a uniform random fraction in [-maxPct, maxPct].
func RandomWalk(r *rand.Rand, maxPct float64) PriceStep {
	return func(_ string, last float64) float64 {
		return last * (1 + (r.Float64()*2-1)*maxPct)
	}
}

func (p *Paper) GetPrice(ctx context.Context, sym string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.prices[symbol.Compact(sym)]
	if !ok || px <= 0 {
		return 0, fmt.Errorf("paper: no quote for %s", sym)
	}
	return px, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, sym string, dir types.Direction, quantity float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !dir.Valid() || !(quantity > 0) {
		return "", fmt.Errorf("paper: order %s %s %.8f: %w", sym, dir, quantity, types.ErrInvalidInput)
	}
	key := symbol.Compact(sym)
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.prices[key]
	if !ok || px <= 0 {
		return "", fmt.Errorf("paper: no quote for %s", sym)
	}
	fill := Fill{
		OrderID:   uuid.NewString(),
		Symbol:    key,
		Direction: dir,
		Quantity:  quantity,
		Price:     px,
		At:        p.nowFn().UTC(),
	}
	p.fills = append(p.fills, fill)
	return fill.OrderID, nil
}

func (p *Paper) Candles(ctx context.Context, sym, _ string, limit int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	bars := p.candles[symbol.Compact(sym)]
	if len(bars) == 0 {
		return nil, fmt.Errorf("paper: no candles for %s", sym)
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]Candle(nil), bars...), nil
}

// Fills returns executed orders in order.
func (p *Paper) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Fill(nil), p.fills...)
}
