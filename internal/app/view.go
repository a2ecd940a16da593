package app

import (
	"sessionpilot/internal/events"
	"sessionpilot/internal/position"
	"sessionpilot/internal/risk"
	"sessionpilot/internal/session"
)

// sessionView 把编排器暴露给只读的 HTTP 接口。
type sessionView struct {
	o *session.Orchestrator
}

func (v sessionView) SessionID() string                    { return v.o.ID() }
func (v sessionView) Summary() events.Summary              { return v.o.Recorder().Snapshot() }
func (v sessionView) Events() []events.Event               { return v.o.Recorder().Events() }
func (v sessionView) EquityCurve() []risk.EquityPoint      { return v.o.Risk().EquityCurve() }
func (v sessionView) OpenPositions() []position.Position   { return v.o.Desk().Positions().OpenPositions() }
func (v sessionView) ClosedPositions() []position.Position { return v.o.Desk().Positions().History() }
