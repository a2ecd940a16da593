package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sessionpilot/internal/gateway/exchange"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/pkg/symbol"
	"sessionpilot/internal/position"
	"sessionpilot/internal/risk"
	"sessionpilot/internal/store"
	"sessionpilot/internal/types"
)

// ErrNoEdge means Kelly sizing found no positive edge; the entry is skipped.
var ErrNoEdge = errors.New("kelly: no positive edge")

// SizingMethod tells which rule sized an entry.
type SizingMethod string

const (
	SizingKelly SizingMethod = "kelly"
	SizingFixed SizingMethod = "fixed"
)

// Sizing configures how the desk sizes and protects entries.
type Sizing struct {
	KellyMultiplier  float64
	MaxPositionPct   float64
	FixedPositionPct float64
	StopLossPct      float64
	TakeProfitPct    float64
	TrailingPct      float64
	ATRPeriod        int
	ATRMultiplier    float64
	CandleInterval   string
}

// TradeStats feeds Kelly sizing. A nil *TradeStats on an entry request
// selects the fixed fallback.
type TradeStats struct {
	WinRate float64
	AvgWin  float64
	AvgLoss float64
}

type EntryRequest struct {
	Symbol    string
	Direction types.Direction
	Stats     *TradeStats
	// zero keeps the configured default
	StopLossPct   float64
	TakeProfitPct float64
}

type EntryResult struct {
	Position position.Position
	OrderID  string
	Notional float64
	Method   SizingMethod
}

// Desk is what phase bodies trade through. It joins broker, position
// manager and risk manager and keeps realized equity apart from marks.
type Desk struct {
	sessionID string
	broker    exchange.Broker
	positions *position.Manager
	risk      *risk.Manager
	store     store.Store
	sizing    Sizing

	mu        sync.Mutex
	realized  float64
	trailing  map[string]float64
	marks     map[string]float64
	pending   map[string]position.Position
	persisted int
}

func newDesk(sessionID string, broker exchange.Broker, rm *risk.Manager, st store.Store, sizing Sizing) *Desk {
	return &Desk{
		sessionID: sessionID,
		broker:    broker,
		risk:      rm,
		store:     st,
		sizing:    sizing,
		realized:  rm.CurrentEquity(),
		trailing:  make(map[string]float64),
		marks:     make(map[string]float64),
		pending:   make(map[string]position.Position),
	}
}

// RealizePnL is handed to the position manager and runs under its lock, so it
// only moves realized equity. The curve point for the close is written by
// recordEquity once the book is released.
func (d *Desk) RealizePnL(pnl float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.realized += pnl
	return d.realized
}

func (d *Desk) Positions() *position.Manager { return d.positions }

func (d *Desk) Price(ctx context.Context, sym string) (float64, error) {
	if d.broker == nil {
		return 0, fmt.Errorf("desk: broker not configured")
	}
	sym = normalize(sym)
	px, err := d.broker.GetPrice(ctx, sym)
	if err == nil {
		d.mark(sym, px)
	}
	return px, err
}

// PendingExits lists positions closed in the book whose closing order has not
// reached the broker yet.
func (d *Desk) PendingExits() []position.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]position.Position, 0, len(d.pending))
	for _, pos := range d.pending {
		out = append(out, pos)
	}
	return out
}

// SettlePending resends every pending closing order. The first failure is
// returned and the rest stay queued.
func (d *Desk) SettlePending(ctx context.Context) error {
	for _, pos := range d.PendingExits() {
		if err := d.settle(ctx, pos.Symbol); err != nil {
			return err
		}
	}
	return nil
}

// settle resends the closing order for sym if one is pending. Until it goes
// through the symbol accepts no new orders.
func (d *Desk) settle(ctx context.Context, sym string) error {
	d.mu.Lock()
	pos, ok := d.pending[sym]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := d.broker.PlaceOrder(ctx, sym, pos.Direction.Opposite(), pos.Quantity); err != nil {
		return fmt.Errorf("settle %s: closing order after %s: %w", sym, pos.ExitReason, err)
	}
	d.mu.Lock()
	delete(d.pending, sym)
	d.mu.Unlock()
	logger.Infof("desk: pending exit %s settled qty=%.6f", sym, pos.Quantity)
	d.flushTrades(ctx)
	return nil
}

func (d *Desk) mark(sym string, px float64) {
	if px <= 0 {
		return
	}
	d.mu.Lock()
	d.marks[sym] = px
	d.mu.Unlock()
}

// Enter sizes and opens a position. Sizing uses Kelly when stats are given
// and valid; otherwise it falls back to the fixed fraction and says so in the
// result.
func (d *Desk) Enter(ctx context.Context, req EntryRequest) (EntryResult, error) {
	sym := normalize(req.Symbol)
	if !req.Direction.Valid() {
		return EntryResult{}, fmt.Errorf("enter %s: direction %q: %w", sym, req.Direction, types.ErrInvalidInput)
	}
	if err := d.settle(ctx, sym); err != nil {
		return EntryResult{}, err
	}
	if _, open := d.positions.Get(sym); open {
		return EntryResult{}, fmt.Errorf("enter %s: %w", sym, position.ErrAlreadyOpen)
	}
	price, err := d.Price(ctx, sym)
	if err != nil {
		return EntryResult{}, err
	}
	notional, method, err := d.size(req.Stats)
	if err != nil {
		return EntryResult{}, fmt.Errorf("enter %s: %w", sym, err)
	}
	qty := notional / price
	if !(qty > 0) {
		return EntryResult{}, fmt.Errorf("enter %s: notional %.4f at %.6f: %w", sym, notional, price, types.ErrInvalidInput)
	}
	slPct, tpPct := d.protection(req)

	orderID, err := d.broker.PlaceOrder(ctx, sym, req.Direction, qty)
	if err != nil {
		return EntryResult{}, err
	}
	pos, err := d.positions.Open(sym, req.Direction, price, qty, slPct, tpPct)
	if err != nil {
		return EntryResult{}, err
	}
	d.armTrailing(ctx, sym)
	logger.Infof("desk: enter %s %s notional=%.2f sizing=%s order=%s", sym, req.Direction, notional, method, orderID)
	return EntryResult{Position: pos, OrderID: orderID, Notional: notional, Method: method}, nil
}

// Tick applies one bar to the open position. A stop or target hit sends the
// closing order and persists the trade. When that order fails the exit stays
// pending and is resent by the next call touching the symbol or SettlePending.
func (d *Desk) Tick(ctx context.Context, raw string, high, low, close float64) (types.TransitionKind, error) {
	sym := normalize(raw)
	if err := d.settle(ctx, sym); err != nil {
		return types.NoOp, err
	}
	d.mark(sym, close)
	var trail *float64
	d.mu.Lock()
	if pct, ok := d.trailing[sym]; ok && pct > 0 {
		v := pct
		trail = &v
	}
	d.mu.Unlock()

	kind, closed := d.positions.OnPriceUpdate(sym, high, low, close, trail)
	if err := d.positions.Err(); err != nil {
		return kind, err
	}
	if closed == nil {
		return kind, nil
	}
	d.forgetTrailing(sym)
	d.mu.Lock()
	d.pending[sym] = *closed
	d.mu.Unlock()
	if err := d.settle(ctx, sym); err != nil {
		d.recordEquity(ctx)
		logger.Warnf("desk: %s exit pending: %v", sym, err)
		return kind, err
	}
	return kind, nil
}

// Exit closes the open position at the current broker price.
func (d *Desk) Exit(ctx context.Context, raw string) (position.Position, error) {
	sym := normalize(raw)
	d.mu.Lock()
	queued, wasPending := d.pending[sym]
	d.mu.Unlock()
	if wasPending {
		if err := d.settle(ctx, sym); err != nil {
			return position.Position{}, err
		}
		return queued, nil
	}
	cur, ok := d.positions.Get(sym)
	if !ok {
		return position.Position{}, fmt.Errorf("exit %s: %w", sym, position.ErrNoOpenPosition)
	}
	price, err := d.Price(ctx, sym)
	if err != nil {
		return position.Position{}, err
	}
	if _, err := d.broker.PlaceOrder(ctx, sym, cur.Direction.Opposite(), cur.Quantity); err != nil {
		return position.Position{}, err
	}
	closed, err := d.positions.Close(sym, price)
	if err != nil {
		return closed, err
	}
	d.forgetTrailing(sym)
	d.flushTrades(ctx)
	return closed, nil
}

// Flip reverses the position on symbol in one step. The broker sees a single
// order covering the old quantity plus the new one.
func (d *Desk) Flip(ctx context.Context, req EntryRequest) (EntryResult, error) {
	sym := normalize(req.Symbol)
	if !req.Direction.Valid() {
		return EntryResult{}, fmt.Errorf("flip %s: direction %q: %w", sym, req.Direction, types.ErrInvalidInput)
	}
	if err := d.settle(ctx, sym); err != nil {
		return EntryResult{}, err
	}
	cur, hasCur := d.positions.Get(sym)
	if hasCur && cur.Direction == req.Direction {
		return EntryResult{}, fmt.Errorf("flip %s: already %s: %w", sym, req.Direction, types.ErrInvalidInput)
	}
	price, err := d.Price(ctx, sym)
	if err != nil {
		return EntryResult{}, err
	}
	notional, method, err := d.size(req.Stats)
	if err != nil {
		return EntryResult{}, fmt.Errorf("flip %s: %w", sym, err)
	}
	qty := notional / price
	if !(qty > 0) {
		return EntryResult{}, fmt.Errorf("flip %s: notional %.4f: %w", sym, notional, types.ErrInvalidInput)
	}
	orderQty := qty
	if hasCur {
		orderQty += cur.Quantity
	}
	orderID, err := d.broker.PlaceOrder(ctx, sym, req.Direction, orderQty)
	if err != nil {
		return EntryResult{}, err
	}
	slPct, tpPct := d.protection(req)
	pos, err := d.positions.Reverse(sym, req.Direction, price, qty, slPct, tpPct)
	if err != nil {
		return EntryResult{}, err
	}
	d.armTrailing(ctx, sym)
	d.flushTrades(ctx)
	return EntryResult{Position: pos, OrderID: orderID, Notional: notional, Method: method}, nil
}

// MarkToMarket records equity as realized plus the unrealized PnL of every
// open position at current broker prices.
func (d *Desk) MarkToMarket(ctx context.Context) (risk.EquityPoint, error) {
	open := d.positions.OpenPositions()
	marks := make(map[string]float64, len(open))
	for _, pos := range open {
		px, err := d.Price(ctx, pos.Symbol)
		if err != nil {
			return risk.EquityPoint{}, fmt.Errorf("mark %s: %w", pos.Symbol, err)
		}
		marks[pos.Symbol] = px
	}
	unrealized := d.positions.Unrealized(marks)
	d.mu.Lock()
	equity := d.realized + unrealized
	d.mu.Unlock()
	pt := d.risk.RecordEquity(equity)
	d.persistEquity(ctx, pt)
	logger.Debugf("desk: mark to market equity=%.2f unrealized=%.2f dd=%.2f%%", pt.Equity, unrealized, pt.DrawdownPct)
	return pt, nil
}

// RealizedEquity is capital plus closed PnL, marks excluded.
func (d *Desk) RealizedEquity() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.realized
}

func (d *Desk) size(stats *TradeStats) (float64, SizingMethod, error) {
	capital := d.RealizedEquity()
	if stats != nil {
		f, err := risk.KellyFraction(stats.WinRate, stats.AvgWin, stats.AvgLoss)
		switch {
		case err == nil && f == 0:
			return 0, SizingKelly, ErrNoEdge
		case err == nil:
			return risk.PositionSize(capital, f, d.sizing.KellyMultiplier, d.sizing.MaxPositionPct), SizingKelly, nil
		case !errors.Is(err, types.ErrInvalidInput):
			return 0, "", err
		default:
			logger.Warnf("desk: kelly inputs rejected (%v), fixed sizing %.2f%%", err, d.sizing.FixedPositionPct*100)
		}
	}
	if d.sizing.FixedPositionPct <= 0 {
		return 0, SizingFixed, fmt.Errorf("fixed sizing disabled: %w", types.ErrInvalidInput)
	}
	return risk.PositionSize(capital, 1, d.sizing.FixedPositionPct, d.sizing.MaxPositionPct), SizingFixed, nil
}

func (d *Desk) protection(req EntryRequest) (float64, float64) {
	sl, tp := req.StopLossPct, req.TakeProfitPct
	if sl <= 0 {
		sl = d.sizing.StopLossPct
	}
	if tp <= 0 {
		tp = d.sizing.TakeProfitPct
	}
	return sl, tp
}

// armTrailing picks the trailing distance for a fresh position: ATR based
// when the broker serves candles, else the configured fixed pct.
func (d *Desk) armTrailing(ctx context.Context, sym string) {
	pct := d.sizing.TrailingPct
	if src, ok := d.broker.(exchange.CandleSource); ok && d.sizing.ATRPeriod > 0 && d.sizing.ATRMultiplier > 0 {
		bars, err := src.Candles(ctx, sym, d.sizing.CandleInterval, d.sizing.ATRPeriod*3)
		if err != nil {
			logger.Debugf("desk: candles %s unavailable: %v", sym, err)
		} else {
			if iv, ok := exchange.ParseInterval(d.sizing.CandleInterval); ok {
				bars = exchange.DropUnclosed(bars, iv, time.Now())
			}
			highs, lows, closes := exchange.Series(bars)
			if v, ok := risk.ATRTrailingPct(highs, lows, closes, d.sizing.ATRPeriod, d.sizing.ATRMultiplier); ok {
				pct = v
			}
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if pct > 0 {
		d.trailing[sym] = pct
	} else {
		delete(d.trailing, sym)
	}
}

func (d *Desk) forgetTrailing(sym string) {
	d.mu.Lock()
	delete(d.trailing, sym)
	d.mu.Unlock()
}

// flushTrades persists every closed position not yet written. Store errors
// are logged only.
func (d *Desk) flushTrades(ctx context.Context) {
	hist := d.positions.History()
	d.mu.Lock()
	from := d.persisted
	d.persisted = len(hist)
	d.mu.Unlock()
	defer d.recordEquity(ctx)
	if d.store == nil || from >= len(hist) {
		return
	}
	for _, pos := range hist[from:] {
		rec := store.TradeRecord{
			SessionID:  d.sessionID,
			Symbol:     pos.Symbol,
			Direction:  string(pos.Direction),
			EntryPrice: pos.EntryPrice,
			ExitPrice:  pos.ExitPrice,
			Quantity:   pos.Quantity,
			PnL:        pos.RealizedPnL,
			ExitReason: string(pos.ExitReason),
			OpenedAt:   pos.OpenedAt,
			ClosedAt:   pos.ClosedAt,
		}
		if err := d.store.AppendTrade(ctx, rec); err != nil {
			logger.Warnf("desk: persist trade %s: %v", pos.Symbol, err)
		}
	}
}

// recordEquity writes a curve point after a close: realized equity plus the
// open book valued at the last seen marks, so closing one position never hides
// the loss on another.
func (d *Desk) recordEquity(ctx context.Context) risk.EquityPoint {
	d.mu.Lock()
	marks := make(map[string]float64, len(d.marks))
	for sym, px := range d.marks {
		marks[sym] = px
	}
	realized := d.realized
	d.mu.Unlock()
	pt := d.risk.RecordEquity(realized + d.positions.Unrealized(marks))
	d.persistEquity(ctx, pt)
	return pt
}

func (d *Desk) persistEquity(ctx context.Context, pt risk.EquityPoint) {
	if d.store == nil {
		return
	}
	err := d.store.AppendEquityPoint(ctx, store.EquityRecord{
		SessionID:   d.sessionID,
		Timestamp:   pt.Timestamp,
		Equity:      pt.Equity,
		DrawdownPct: pt.DrawdownPct,
	})
	if err != nil {
		logger.Warnf("desk: persist equity: %v", err)
	}
}

// normalize maps BTC/USDT, btc-usdt and BTCUSDT to one book key.
func normalize(sym string) string {
	return symbol.Compact(sym)
}
