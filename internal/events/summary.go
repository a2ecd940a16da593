package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PhaseOutcome is the summary view of one PhaseEnd event.
type PhaseOutcome struct {
	Phase           string  `json:"phase"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// Summary is derived from the event log; the log stays authoritative.
type Summary struct {
	SessionID       string         `json:"session_id"`
	Status          string         `json:"status"`
	PhasesCompleted int            `json:"phases_completed"`
	PhasesTotal     int            `json:"phases_total"`
	InitialCapital  float64        `json:"initial_capital"`
	CurrentEquity   float64        `json:"current_equity"`
	ROIPct          float64        `json:"roi_pct"`
	LastUpdated     time.Time      `json:"last_updated"`
	DryRun          bool           `json:"dry_run"`
	MaxDrawdownPct  float64        `json:"max_drawdown_pct"`
	DrawdownPct     float64        `json:"drawdown_pct"`
	OpenPositions   int            `json:"open_positions"`
	TradesClosed    int            `json:"trades_closed"`
	RealizedPnL     float64        `json:"realized_pnl"`
	RiskBreaches    int            `json:"risk_breaches"`
	EventsRecorded  int            `json:"events_recorded"`
	Phases          []PhaseOutcome `json:"phase_results,omitempty"`
}

func (s Summary) clone() Summary {
	cp := s
	if len(s.Phases) > 0 {
		cp.Phases = append([]PhaseOutcome(nil), s.Phases...)
	}
	return cp
}

// fold applies one committed event to the running summary.
func (s *Summary) fold(evt Event) {
	s.EventsRecorded++
	s.LastUpdated = evt.Timestamp
	if eq, ok := evt.Float(KeyEquity); ok {
		s.CurrentEquity = eq
	}
	if dd, ok := evt.Float(KeyDrawdownPct); ok {
		s.DrawdownPct = dd
	}
	switch evt.Type {
	case SessionStart:
		s.SessionID = evt.String(KeySessionID)
		s.Status = "Running"
		if v, ok := evt.Float(KeyInitialCapital); ok {
			s.InitialCapital = v
		}
		if v, ok := evt.Float(KeyPhasesTotal); ok {
			s.PhasesTotal = int(v)
		}
		if v, ok := evt.Float(KeyMaxDrawdownPct); ok {
			s.MaxDrawdownPct = v
		}
		if v, ok := evt.Payload[KeyDryRun].(bool); ok {
			s.DryRun = v
		}
	case PhaseEnd:
		outcome := PhaseOutcome{
			Phase:  evt.String(KeyPhase),
			Status: evt.String(KeyStatus),
			Error:  evt.String(KeyError),
		}
		outcome.DurationSeconds, _ = evt.Float(KeyDurationSeconds)
		s.Phases = append(s.Phases, outcome)
		if outcome.Status == "Success" {
			s.PhasesCompleted++
		}
	case RiskBreach:
		s.RiskBreaches++
	case PositionOpened:
		s.OpenPositions++
	case PositionClosed:
		if s.OpenPositions > 0 {
			s.OpenPositions--
		}
		s.TradesClosed++
		if pnl, ok := evt.Float(KeyPnL); ok {
			s.RealizedPnL += pnl
		}
	case SessionEnd:
		if st := evt.String(KeyStatus); st != "" {
			s.Status = st
		}
	}
	if s.InitialCapital > 0 {
		s.ROIPct = (s.CurrentEquity - s.InitialCapital) / s.InitialCapital * 100
	}
}

// SummaryWriter overwrites the summary file atomically (tmp + rename).
type SummaryWriter struct {
	path string
}

func NewSummaryWriter(path string) *SummaryWriter {
	return &SummaryWriter{path: strings.TrimSpace(path)}
}

func (w *SummaryWriter) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

func (w *SummaryWriter) Write(s Summary) error {
	if w == nil || w.path == "" {
		return nil
	}
	if dir := filepath.Dir(w.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("summary: create dir: %w", err)
		}
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("summary: marshal: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("summary: write: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// LoadSummary reads a previously written summary file.
func LoadSummary(path string) (Summary, error) {
	var s Summary
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("summary: decode %s: %w", path, err)
	}
	return s, nil
}
