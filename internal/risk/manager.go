package risk

import (
	"math"
	"sync"
	"time"
)

// EquityPoint is one sample on the session equity curve. DrawdownPct is in
// percent, measured from the highest equity seen so far.
type EquityPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Equity      float64   `json:"equity"`
	DrawdownPct float64   `json:"drawdown_pct"`
}

// Manager owns the equity curve and the drawdown circuit breaker.
// RecordEquity and RealizePnL are the only mutators; all reads take the same
// lock so a check never observes a half-applied write.
type Manager struct {
	mu     sync.RWMutex
	curve  []EquityPoint
	peak   float64
	equity float64
	dd     float64
	nowFn  func() time.Time
}

// NewManager seeds the curve with the starting capital.
func NewManager(initialCapital float64) *Manager {
	m := &Manager{nowFn: time.Now}
	if initialCapital > 0 {
		m.recordLocked(initialCapital)
	}
	return m
}

// RecordEquity appends an equity point and recomputes the drawdown.
func (m *Manager) RecordEquity(value float64) EquityPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(value)
}

// RealizePnL applies a realized profit or loss to current equity and records
// the result. It returns the new equity.
func (m *Manager) RealizePnL(pnl float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt := m.recordLocked(m.equity + pnl)
	return pt.Equity
}

func (m *Manager) recordLocked(value float64) EquityPoint {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = m.equity
	}
	if value > m.peak {
		m.peak = value
	}
	m.equity = value
	m.dd = drawdownPct(m.peak, value)
	pt := EquityPoint{
		Timestamp:   m.nowFn().UTC(),
		Equity:      value,
		DrawdownPct: m.dd,
	}
	m.curve = append(m.curve, pt)
	return pt
}

// CheckCircuitBreaker reports whether the current drawdown has reached the
// limit. It is level triggered and never mutates state.
func (m *Manager) CheckCircuitBreaker(maxDrawdownPct float64) (bool, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dd >= maxDrawdownPct, m.dd
}

func (m *Manager) CurrentEquity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

func (m *Manager) Peak() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peak
}

func (m *Manager) DrawdownPct() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dd
}

// EquityCurve returns a copy of every recorded point.
func (m *Manager) EquityCurve() []EquityPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EquityPoint(nil), m.curve...)
}

// drawdownPct = (peak - equity) / peak, clamped to [0, 100].
func drawdownPct(peak, equity float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - equity) / peak * 100
	if dd < 0 {
		return 0
	}
	if dd > 100 {
		return 100
	}
	return dd
}
