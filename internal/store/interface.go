package store

import (
	"context"
	"time"
)

// TradeRecord is one closed position as persisted for later analysis.
type TradeRecord struct {
	SessionID  string         `json:"session_id"`
	Symbol     string         `json:"symbol"`
	Direction  string         `json:"direction"`
	EntryPrice float64        `json:"entry_price"`
	ExitPrice  float64        `json:"exit_price"`
	Quantity   float64        `json:"quantity"`
	PnL        float64        `json:"pnl"`
	ExitReason string         `json:"exit_reason"`
	OpenedAt   time.Time      `json:"opened_at"`
	ClosedAt   time.Time      `json:"closed_at"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// EquityRecord is one point of a session equity curve.
type EquityRecord struct {
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	Equity      float64   `json:"equity"`
	DrawdownPct float64   `json:"drawdown_pct"`
}

// SessionRecord is the final (or latest) state of one session.
type SessionRecord struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	Summary        []byte    `json:"summary,omitempty"`
}

type TradeQuery struct {
	SessionID string
	Symbol    string
	Since     time.Time
	Limit     int
}

// Store persists trades and equity points. Writes are best effort from the
// session's point of view: the in-memory event log stays authoritative.
type Store interface {
	AppendTrade(ctx context.Context, rec TradeRecord) error
	AppendEquityPoint(ctx context.Context, rec EquityRecord) error
	SaveSession(ctx context.Context, rec SessionRecord) error

	QueryTrades(ctx context.Context, q TradeQuery) ([]TradeRecord, error)
	QueryEquity(ctx context.Context, sessionID string, limit int) ([]EquityRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
