package position

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sessionpilot/internal/events"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/types"
)

var (
	ErrAlreadyOpen    = fmt.Errorf("position already open: %w", types.ErrInvalidInput)
	ErrNoOpenPosition = fmt.Errorf("no open position: %w", types.ErrInvalidInput)
)

// Status 仓位状态
type Status string

const (
	StatusOpen   Status = "Open"
	StatusClosed Status = "Closed"
)

// Position is one trade on one symbol. Values returned by the Manager are
// copies; a closed Position is frozen.
type Position struct {
	Symbol       string           `json:"symbol"`
	Direction    types.Direction  `json:"direction"`
	EntryPrice   float64          `json:"entry_price"`
	Quantity     float64          `json:"quantity"`
	StopLoss     float64          `json:"stop_loss"`
	TakeProfit   float64          `json:"take_profit"`
	TrailingPct  float64          `json:"trailing_pct,omitempty"`
	ExtremePrice float64          `json:"extreme_price"`
	Status       Status           `json:"status"`
	OpenedAt     time.Time        `json:"opened_at"`
	ClosedAt     time.Time        `json:"closed_at,omitempty"`
	ExitPrice    float64          `json:"exit_price,omitempty"`
	ExitReason   types.ExitReason `json:"exit_reason,omitempty"`
	RealizedPnL  float64          `json:"realized_pnl,omitempty"`
}

// EventSink receives position transitions in the order they happen.
type EventSink interface {
	Append(evt events.Event) error
}

// PnLReporter receives realized PnL and returns the resulting equity.
type PnLReporter interface {
	RealizePnL(pnl float64) float64
}

// Manager runs the Flat → Open → Flat state machine for every symbol. It holds
// at most one open position per symbol.
type Manager struct {
	mu      sync.Mutex
	open    map[string]*Position
	history []Position
	sink    EventSink
	pnl     PnLReporter
	nowFn   func() time.Time
	sinkErr error
}

func NewManager(sink EventSink, pnl PnLReporter) *Manager {
	return &Manager{
		open:  make(map[string]*Position),
		sink:  sink,
		pnl:   pnl,
		nowFn: time.Now,
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Open enters a new position; stop and target are pct offsets from entry.
func (m *Manager) Open(symbol string, dir types.Direction, entryPrice, quantity, stopLossPct, takeProfitPct float64) (Position, error) {
	symbol = normalizeSymbol(symbol)
	if err := validateEntry(symbol, dir, entryPrice, quantity, stopLossPct, takeProfitPct); err != nil {
		return Position{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[symbol]; ok {
		return Position{}, fmt.Errorf("%s: %w", symbol, ErrAlreadyOpen)
	}
	pos := m.openLocked(symbol, dir, entryPrice, quantity, stopLossPct, takeProfitPct)
	return pos, m.takeSinkErr()
}

// OnPriceUpdate applies one bar to the open position on symbol. When close
// crosses the stop or the target the position is closed at that level and
// returned. trailingPct, when non-nil, ratchets the stop behind the extreme.
func (m *Manager) OnPriceUpdate(symbol string, high, low, close float64, trailingPct *float64) (types.TransitionKind, *Position) {
	symbol = normalizeSymbol(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.open[symbol]
	if !ok || close <= 0 {
		return types.NoOp, nil
	}
	if high <= 0 {
		high = close
	}
	if low <= 0 {
		low = close
	}

	pos.ExtremePrice = nextExtreme(pos.Direction, pos.ExtremePrice, high, low)
	if trailingPct != nil && *trailingPct > 0 {
		pos.TrailingPct = *trailingPct
		candidate := trailingStopFor(pos.Direction, pos.ExtremePrice, *trailingPct)
		if shouldUpdateStop(pos.Direction, candidate, pos.StopLoss) {
			prev := pos.StopLoss
			pos.StopLoss = candidate
			logger.Debugf("position %s %s stop %.6f -> %.6f (extreme %.6f)", symbol, pos.Direction, prev, candidate, pos.ExtremePrice)
			m.emit(events.NewPositionUpdated(symbol, pos.Direction, pos.StopLoss, pos.ExtremePrice))
		}
	}

	switch {
	case stopBreached(pos.Direction, close, pos.StopLoss):
		closed := m.closeLocked(pos, pos.StopLoss, types.ExitStopHit)
		return types.StopHit, &closed
	case targetHit(pos.Direction, close, pos.TakeProfit):
		closed := m.closeLocked(pos, pos.TakeProfit, types.ExitTakeProfitHit)
		return types.TakeProfitHit, &closed
	}
	return types.NoOp, nil
}

// Reverse closes whatever is open on symbol at entryPrice and opens newDir in
// the same critical section, so no caller ever observes the symbol flat.
func (m *Manager) Reverse(symbol string, newDir types.Direction, entryPrice, quantity, stopLossPct, takeProfitPct float64) (Position, error) {
	symbol = normalizeSymbol(symbol)
	if err := validateEntry(symbol, newDir, entryPrice, quantity, stopLossPct, takeProfitPct); err != nil {
		return Position{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.open[symbol]; ok {
		if cur.Direction == newDir {
			return Position{}, fmt.Errorf("reverse %s: already %s: %w", symbol, newDir, types.ErrInvalidInput)
		}
		m.closeLocked(cur, entryPrice, types.ExitReversal)
	}
	pos := m.openLocked(symbol, newDir, entryPrice, quantity, stopLossPct, takeProfitPct)
	return pos, m.takeSinkErr()
}

// Close exits the open position on symbol at exitPrice.
func (m *Manager) Close(symbol string, exitPrice float64) (Position, error) {
	symbol = normalizeSymbol(symbol)
	if exitPrice <= 0 {
		return Position{}, fmt.Errorf("close %s: exit price %.6f: %w", symbol, exitPrice, types.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.open[symbol]
	if !ok {
		return Position{}, fmt.Errorf("%s: %w", symbol, ErrNoOpenPosition)
	}
	closed := m.closeLocked(pos, exitPrice, types.ExitSignal)
	return closed, m.takeSinkErr()
}

func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.open[normalizeSymbol(symbol)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// OpenPositions returns the open book sorted by symbol.
func (m *Manager) OpenPositions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.open))
	for _, pos := range m.open {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// History returns closed positions in close order.
func (m *Manager) History() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Position(nil), m.history...)
}

// Unrealized sums mark-to-market PnL of open positions against marks.
// Symbols without a mark contribute nothing.
func (m *Manager) Unrealized(marks map[string]float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for sym, pos := range m.open {
		if px, ok := marks[sym]; ok && px > 0 {
			total += realizedPnL(pos.Direction, pos.EntryPrice, px, pos.Quantity)
		}
	}
	return total
}

// Err returns and clears the first event sink failure seen during a price
// update, which has no error return of its own.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeSinkErr()
}

func (m *Manager) openLocked(symbol string, dir types.Direction, entry, qty, slPct, tpPct float64) Position {
	pos := &Position{
		Symbol:       symbol,
		Direction:    dir,
		EntryPrice:   entry,
		Quantity:     qty,
		StopLoss:     stopLossFor(dir, entry, slPct),
		TakeProfit:   takeProfitFor(dir, entry, tpPct),
		ExtremePrice: entry,
		Status:       StatusOpen,
		OpenedAt:     m.nowFn().UTC(),
	}
	m.open[symbol] = pos
	logger.Infof("position opened %s %s qty=%.6f entry=%.6f sl=%.6f tp=%.6f", symbol, dir, qty, entry, pos.StopLoss, pos.TakeProfit)
	m.emit(events.NewPositionOpened(symbol, dir, entry, qty, pos.StopLoss, pos.TakeProfit))
	return *pos
}

func (m *Manager) closeLocked(pos *Position, exitPrice float64, reason types.ExitReason) Position {
	pos.Status = StatusClosed
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.ClosedAt = m.nowFn().UTC()
	pos.RealizedPnL = realizedPnL(pos.Direction, pos.EntryPrice, exitPrice, pos.Quantity)
	delete(m.open, pos.Symbol)
	closed := *pos
	m.history = append(m.history, closed)

	equity := 0.0
	if m.pnl != nil {
		equity = m.pnl.RealizePnL(closed.RealizedPnL)
	}
	logger.Infof("position closed %s %s reason=%s exit=%.6f pnl=%.4f", closed.Symbol, closed.Direction, reason, exitPrice, closed.RealizedPnL)
	evt := events.NewPositionClosed(closed.Symbol, closed.Direction, reason, exitPrice, closed.RealizedPnL, equity)
	if m.pnl == nil {
		delete(evt.Payload, events.KeyEquity)
	}
	m.emit(evt)
	return closed
}

func (m *Manager) emit(evt events.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Append(evt); err != nil {
		logger.Errorf("position event %s: %v", evt.Type, err)
		if m.sinkErr == nil {
			m.sinkErr = err
		}
	}
}

func (m *Manager) takeSinkErr() error {
	err := m.sinkErr
	m.sinkErr = nil
	return err
}

func validateEntry(symbol string, dir types.Direction, entry, qty, slPct, tpPct float64) error {
	switch {
	case symbol == "":
		return fmt.Errorf("symbol required: %w", types.ErrInvalidInput)
	case !dir.Valid():
		return fmt.Errorf("direction %q: %w", dir, types.ErrInvalidInput)
	case !(entry > 0):
		return fmt.Errorf("entry price %.6f: %w", entry, types.ErrInvalidInput)
	case !(qty > 0):
		return fmt.Errorf("quantity %.6f: %w", qty, types.ErrInvalidInput)
	case !(slPct > 0) || slPct >= 1:
		return fmt.Errorf("stop loss pct %.6f outside (0,1): %w", slPct, types.ErrInvalidInput)
	case !(tpPct > 0) || (dir == types.Short && tpPct >= 1):
		return fmt.Errorf("take profit pct %.6f: %w", tpPct, types.ErrInvalidInput)
	}
	return nil
}
