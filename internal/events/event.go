package events

import (
	"encoding/json"
	"fmt"
	"time"

	"sessionpilot/internal/types"
)

// Type 定义事件类型
type Type string

const (
	SessionStart    Type = "SessionStart"
	PhaseStart      Type = "PhaseStart"
	PhaseEnd        Type = "PhaseEnd"
	RiskBreach      Type = "RiskBreach"
	PositionOpened  Type = "PositionOpened"
	PositionUpdated Type = "PositionUpdated"
	PositionClosed  Type = "PositionClosed"
	SessionEnd      Type = "SessionEnd"
)

// Payload keys shared by emitters and the summary fold.
const (
	KeyPhase           = "phase"
	KeyStatus          = "status"
	KeyDurationSeconds = "duration_seconds"
	KeyError           = "error"
	KeyAttempts        = "attempts"
	KeyDrawdownPct     = "drawdown_pct"
	KeyLimitPct        = "limit_pct"
	KeyHalting         = "halting"
	KeySymbol          = "symbol"
	KeyDirection       = "direction"
	KeyEntryPrice      = "entry_price"
	KeyExitPrice       = "exit_price"
	KeyQuantity        = "quantity"
	KeyStopLoss        = "stop_loss"
	KeyTakeProfit      = "take_profit"
	KeyExitReason      = "exit_reason"
	KeyPnL             = "pnl"
	KeyEquity          = "equity"
	KeySessionID       = "session_id"
	KeyInitialCapital  = "initial_capital"
	KeyPhasesTotal     = "phases_total"
	KeyDryRun          = "dry_run"
	KeyMaxDrawdownPct  = "max_drawdown_pct"
	KeyReason          = "reason"
)

// Event is an immutable, timestamped fact. Seq is assigned by the Recorder
// and is strictly increasing within one session.
type Event struct {
	Seq       int64
	Type      Type
	Timestamp time.Time
	Payload   map[string]any
}

// New builds an event with a copy of payload. The timestamp is filled by the
// Recorder when left zero.
func New(t Type, payload map[string]any) Event {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return Event{Type: t, Payload: cp}
}

// Float reads a numeric payload value.
func (e Event) Float(key string) (float64, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// String reads a string payload value.
func (e Event) String(key string) string {
	switch v := e.Payload[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (e Event) clone() Event {
	cp := e
	cp.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		cp.Payload[k] = v
	}
	return cp
}

// MarshalJSON flattens the payload next to type/timestamp/seq, one object per
// log line.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = string(e.Type)
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	out["seq"] = e.Seq
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, _ := raw["type"].(string)
	if typ == "" {
		return fmt.Errorf("event: missing type")
	}
	e.Type = Type(typ)
	delete(raw, "type")
	if ts, ok := raw["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("event: bad timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}
	delete(raw, "timestamp")
	if seq, ok := raw["seq"].(float64); ok {
		e.Seq = int64(seq)
	}
	delete(raw, "seq")
	e.Payload = raw
	return nil
}

func NewSessionStart(sessionID string, initialCapital float64, phasesTotal int, dryRun bool, maxDrawdownPct float64) Event {
	return New(SessionStart, map[string]any{
		KeySessionID:      sessionID,
		KeyInitialCapital: initialCapital,
		KeyPhasesTotal:    phasesTotal,
		KeyDryRun:         dryRun,
		KeyMaxDrawdownPct: maxDrawdownPct,
		KeyEquity:         initialCapital,
	})
}

func NewSessionEnd(status string, equity, drawdownPct float64, reason string) Event {
	payload := map[string]any{
		KeyStatus:      status,
		KeyEquity:      equity,
		KeyDrawdownPct: drawdownPct,
	}
	if reason != "" {
		payload[KeyReason] = reason
	}
	return New(SessionEnd, payload)
}

func NewPhaseStart(phase string) Event {
	return New(PhaseStart, map[string]any{KeyPhase: phase})
}

func NewPhaseEnd(phase, status string, durationSeconds float64, attempts int, errMsg string) Event {
	payload := map[string]any{
		KeyPhase:           phase,
		KeyStatus:          status,
		KeyDurationSeconds: durationSeconds,
		KeyAttempts:        attempts,
	}
	if errMsg != "" {
		payload[KeyError] = errMsg
	}
	return New(PhaseEnd, payload)
}

func NewRiskBreach(drawdownPct, limitPct float64, halting bool) Event {
	return New(RiskBreach, map[string]any{
		KeyDrawdownPct: drawdownPct,
		KeyLimitPct:    limitPct,
		KeyHalting:     halting,
	})
}

func NewPositionOpened(symbol string, dir types.Direction, entry, qty, stopLoss, takeProfit float64) Event {
	return New(PositionOpened, map[string]any{
		KeySymbol:     symbol,
		KeyDirection:  string(dir),
		KeyEntryPrice: entry,
		KeyQuantity:   qty,
		KeyStopLoss:   stopLoss,
		KeyTakeProfit: takeProfit,
	})
}

func NewPositionUpdated(symbol string, dir types.Direction, stopLoss, extreme float64) Event {
	return New(PositionUpdated, map[string]any{
		KeySymbol:    symbol,
		KeyDirection: string(dir),
		KeyStopLoss:  stopLoss,
		"extreme":    extreme,
	})
}

func NewPositionClosed(symbol string, dir types.Direction, reason types.ExitReason, exitPrice, pnl, equity float64) Event {
	return New(PositionClosed, map[string]any{
		KeySymbol:     symbol,
		KeyDirection:  string(dir),
		KeyExitReason: string(reason),
		KeyExitPrice:  exitPrice,
		KeyPnL:        pnl,
		KeyEquity:     equity,
	})
}
