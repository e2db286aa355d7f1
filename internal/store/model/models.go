package model

import (
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunStatusDone   RunStatus = "done"
	RunStatusFailed RunStatus = "failed"
)

// RunModel is one backtest or optimizer trial.
type RunModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index"`
	Interval      string         `gorm:"column:interval"`
	Status        RunStatus      `gorm:"column:status"`
	StartTS       int64          `gorm:"column:start_ts"`
	EndTS         int64          `gorm:"column:end_ts"`
	InitialEquity float64        `gorm:"column:initial_equity"`
	FinalEquity   float64        `gorm:"column:final_equity"`
	TotalReturn   float64        `gorm:"column:total_return"`
	Sharpe        float64        `gorm:"column:sharpe"`
	MaxDrawdown   float64        `gorm:"column:max_drawdown"`
	Trades        int            `gorm:"column:trades"`
	WinRate       float64        `gorm:"column:win_rate"`
	Ignored       int            `gorm:"column:ignored"`
	ConfigJSON    datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	MetricsJSON   datatypes.JSON `gorm:"column:metrics_json;type:TEXT"`
	Message       string         `gorm:"column:message"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (RunModel) TableName() string { return "backtest_runs" }

type TradeModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	RunID         string  `gorm:"column:run_id;index"`
	Seq           int     `gorm:"column:seq"`
	Symbol        string  `gorm:"column:symbol"`
	Side          string  `gorm:"column:side"`
	EntryPrice    float64 `gorm:"column:entry_price"`
	ExitPrice     float64 `gorm:"column:exit_price"`
	EntryTS       int64   `gorm:"column:entry_ts"`
	ExitTS        int64   `gorm:"column:exit_ts"`
	Quantity      float64 `gorm:"column:quantity"`
	PnL           float64 `gorm:"column:pnl"`
	PnLPct        float64 `gorm:"column:pnl_pct"`
	Commission    float64 `gorm:"column:commission"`
	HoldingMillis int64   `gorm:"column:holding_ms"`
	EntryReason   string  `gorm:"column:entry_reason"`
	ExitReason    string  `gorm:"column:exit_reason"`
}

func (TradeModel) TableName() string { return "backtest_trades" }

type EquityModel struct {
	RunID    string  `gorm:"column:run_id;primaryKey"`
	Seq      int     `gorm:"column:seq;primaryKey"`
	TS       int64   `gorm:"column:ts"`
	Equity   float64 `gorm:"column:equity"`
	Cash     float64 `gorm:"column:cash"`
	Exposed  bool    `gorm:"column:exposed"`
	Drawdown float64 `gorm:"column:drawdown"`
}

func (EquityModel) TableName() string { return "backtest_equity" }

// LiveOrderModel mirrors an execution order placed by the live runner.
type LiveOrderModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	Symbol         string         `gorm:"column:symbol;index"`
	Side           string         `gorm:"column:side"`
	PositionSide   string         `gorm:"column:position_side"`
	Quantity       float64        `gorm:"column:quantity"`
	FilledQuantity float64        `gorm:"column:filled_quantity"`
	FillPrice      float64        `gorm:"column:fill_price"`
	Commission     float64        `gorm:"column:commission"`
	Status         string         `gorm:"column:status"`
	ExternalID     string         `gorm:"column:external_id"`
	Attempts       int            `gorm:"column:attempts"`
	LastError      string         `gorm:"column:last_error"`
	Reason         string         `gorm:"column:reason"`
	HistoryJSON    datatypes.JSON `gorm:"column:history_json;type:TEXT"`
	CreatedAtUnix  int64          `gorm:"column:created_at;index"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
}

func (LiveOrderModel) TableName() string { return "live_orders" }
