package model

import (
	"gorm.io/datatypes"
)

type TradeModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID     string         `gorm:"column:session_id;index:idx_trades_session,priority:1"`
	Symbol        string         `gorm:"column:symbol;index"`
	Direction     string         `gorm:"column:direction"`
	EntryPrice    float64        `gorm:"column:entry_price"`
	ExitPrice     float64        `gorm:"column:exit_price"`
	Quantity      float64        `gorm:"column:quantity"`
	PnL           float64        `gorm:"column:pnl"`
	ExitReason    string         `gorm:"column:exit_reason"`
	OpenedAtUnix  int64          `gorm:"column:opened_at"`
	ClosedAtUnix  int64          `gorm:"column:closed_at;index:idx_trades_session,priority:2"`
	MetaJSON      datatypes.JSON `gorm:"column:meta_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;autoCreateTime:milli"`
}

func (TradeModel) TableName() string { return "trades" }

type EquityPointModel struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID   string  `gorm:"column:session_id;index:idx_equity_session,priority:1"`
	TsUnixMilli int64   `gorm:"column:ts;index:idx_equity_session,priority:2"`
	Equity      float64 `gorm:"column:equity"`
	DrawdownPct float64 `gorm:"column:drawdown_pct"`
}

func (EquityPointModel) TableName() string { return "equity_points" }

type SessionModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	Status         string         `gorm:"column:status"`
	StartedAtUnix  int64          `gorm:"column:started_at"`
	EndedAtUnix    int64          `gorm:"column:ended_at"`
	InitialCapital float64        `gorm:"column:initial_capital"`
	FinalEquity    float64        `gorm:"column:final_equity"`
	SummaryJSON    datatypes.JSON `gorm:"column:summary_json;type:TEXT"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at;autoUpdateTime:milli"`
}

func (SessionModel) TableName() string { return "sessions" }
