package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meanrev/internal/backtest"
	"meanrev/internal/config"
	"meanrev/internal/execution"
	"meanrev/internal/portfolio"
	storemodel "meanrev/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const batchSize = 500

var ErrRunNotFound = errors.New("backtest run not found")

// Store persists backtest results and live orders in one SQLite file.
type Store struct {
	db *gorm.DB
}

// RunSummary is the list view of a stored run.
type RunSummary struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Interval    string    `json:"interval"`
	Status      string    `json:"status"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	TotalReturn float64   `json:"total_return"`
	Sharpe      float64   `json:"sharpe"`
	MaxDrawdown float64   `json:"max_drawdown"`
	Trades      int       `json:"trades"`
	CreatedAt   time.Time `json:"created_at"`
}

// StoredRun is a run read back with its trade log and equity curve.
type StoredRun struct {
	RunSummary
	Config config.StrategyConfig `json:"config"`
	Result backtest.Result       `json:"result"`
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("result store: path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&storemodel.RunModel{},
		&storemodel.TradeModel{},
		&storemodel.EquityModel{},
		&storemodel.LiveOrderModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun writes a run, its trades and its equity curve in one transaction. Saving the same
// run id twice replaces the earlier rows.
func (s *Store) SaveRun(ctx context.Context, res backtest.Result, interval string, cfg config.StrategyConfig) error {
	if res.RunID == "" {
		return fmt.Errorf("result store: run id required")
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return err
	}
	run := storemodel.RunModel{
		ID:            res.RunID,
		Symbol:        res.Symbol,
		Interval:      interval,
		Status:        storemodel.RunStatusDone,
		StartTS:       res.Start.UnixMilli(),
		EndTS:         res.End.UnixMilli(),
		InitialEquity: res.Metrics.InitialEquity,
		FinalEquity:   res.Metrics.FinalEquity,
		TotalReturn:   res.Metrics.TotalReturn,
		Sharpe:        res.Metrics.Sharpe,
		MaxDrawdown:   res.Metrics.MaxDrawdown,
		Trades:        res.Metrics.Trades,
		WinRate:       res.Metrics.WinRate,
		Ignored:       res.Ignored,
		ConfigJSON:    datatypes.JSON(cfgJSON),
		MetricsJSON:   datatypes.JSON(metricsJSON),
		CreatedAtUnix: time.Now().UnixMilli(),
	}
	trades := make([]storemodel.TradeModel, 0, len(res.TradeLog))
	for i, tr := range res.TradeLog {
		trades = append(trades, storemodel.TradeModel{
			RunID:         res.RunID,
			Seq:           i,
			Symbol:        tr.Symbol,
			Side:          tr.Side.String(),
			EntryPrice:    tr.EntryPrice,
			ExitPrice:     tr.ExitPrice,
			EntryTS:       tr.EntryTime.UnixMilli(),
			ExitTS:        tr.ExitTime.UnixMilli(),
			Quantity:      tr.Quantity,
			PnL:           tr.PnL,
			PnLPct:        tr.PnLPct,
			Commission:    tr.Commission,
			HoldingMillis: tr.HoldingDuration.Milliseconds(),
			EntryReason:   tr.EntryReason,
			ExitReason:    tr.ExitReason,
		})
	}
	points := make([]storemodel.EquityModel, 0, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		points = append(points, storemodel.EquityModel{
			RunID:    res.RunID,
			Seq:      i,
			TS:       p.Time,
			Equity:   p.Equity,
			Cash:     p.Cash,
			Exposed:  p.Exposed,
			Drawdown: p.Drawdown,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteRun(tx, res.RunID); err != nil {
			return err
		}
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		if len(trades) > 0 {
			if err := tx.CreateInBatches(trades, batchSize).Error; err != nil {
				return err
			}
		}
		if len(points) > 0 {
			if err := tx.CreateInBatches(points, batchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveFailedRun records a run that did not complete.
func (s *Store) SaveFailedRun(ctx context.Context, runID, symbol, interval string, runErr error) error {
	run := storemodel.RunModel{
		ID:            runID,
		Symbol:        symbol,
		Interval:      interval,
		Status:        storemodel.RunStatusFailed,
		Message:       runErr.Error(),
		CreatedAtUnix: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&run).Error
}

// ListRuns returns the most recent runs, optionally filtered by symbol.
func (s *Store) ListRuns(ctx context.Context, symbol string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&storemodel.RunModel{}).Order("created_at DESC, id").Limit(limit)
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	var rows []storemodel.RunModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, summaryFromModel(row))
	}
	return out, nil
}

// LoadRun reads a run back with its trades and equity curve in insertion order.
func (s *Store) LoadRun(ctx context.Context, id string) (StoredRun, error) {
	db := s.db.WithContext(ctx)
	var row storemodel.RunModel
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StoredRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return StoredRun{}, err
	}
	out := StoredRun{RunSummary: summaryFromModel(row)}
	if len(row.ConfigJSON) > 0 {
		if err := json.Unmarshal(row.ConfigJSON, &out.Config); err != nil {
			return StoredRun{}, fmt.Errorf("decode run config: %w", err)
		}
	}
	res := backtest.Result{
		RunID:   row.ID,
		Symbol:  row.Symbol,
		Start:   out.Start,
		End:     out.End,
		Ignored: row.Ignored,
	}
	if len(row.MetricsJSON) > 0 {
		if err := json.Unmarshal(row.MetricsJSON, &res.Metrics); err != nil {
			return StoredRun{}, fmt.Errorf("decode run metrics: %w", err)
		}
	}

	var trades []storemodel.TradeModel
	if err := db.Where("run_id = ?", id).Order("seq").Find(&trades).Error; err != nil {
		return StoredRun{}, err
	}
	for _, tr := range trades {
		var side portfolio.Side
		if err := side.UnmarshalText([]byte(tr.Side)); err != nil {
			return StoredRun{}, err
		}
		res.TradeLog = append(res.TradeLog, portfolio.TradeRecord{
			Symbol:          tr.Symbol,
			Side:            side,
			EntryPrice:      tr.EntryPrice,
			ExitPrice:       tr.ExitPrice,
			EntryTime:       time.UnixMilli(tr.EntryTS).UTC(),
			ExitTime:        time.UnixMilli(tr.ExitTS).UTC(),
			Quantity:        tr.Quantity,
			PnL:             tr.PnL,
			PnLPct:          tr.PnLPct,
			Commission:      tr.Commission,
			HoldingDuration: time.Duration(tr.HoldingMillis) * time.Millisecond,
			EntryReason:     tr.EntryReason,
			ExitReason:      tr.ExitReason,
		})
	}

	var points []storemodel.EquityModel
	if err := db.Where("run_id = ?", id).Order("seq").Find(&points).Error; err != nil {
		return StoredRun{}, err
	}
	for _, p := range points {
		res.EquityCurve = append(res.EquityCurve, backtest.EquityPoint{
			Time:     p.TS,
			Equity:   p.Equity,
			Cash:     p.Cash,
			Exposed:  p.Exposed,
			Drawdown: p.Drawdown,
		})
	}
	out.Result = res
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteRun(tx, id)
	})
}

func deleteRun(tx *gorm.DB, id string) error {
	if err := tx.Where("run_id = ?", id).Delete(&storemodel.EquityModel{}).Error; err != nil {
		return err
	}
	if err := tx.Where("run_id = ?", id).Delete(&storemodel.TradeModel{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", id).Delete(&storemodel.RunModel{}).Error
}

// SaveOrder upserts a live order keyed by its id.
func (s *Store) SaveOrder(ctx context.Context, o execution.Order) error {
	history, err := json.Marshal(o.History)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	m := storemodel.LiveOrderModel{
		ID:             o.ID,
		Symbol:         o.Symbol,
		Side:           o.Side.String(),
		PositionSide:   o.PositionSide.String(),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		FillPrice:      o.FillPrice,
		Commission:     o.Commission,
		Status:         o.Status.String(),
		ExternalID:     o.ExternalID,
		Attempts:       o.Attempts,
		LastError:      o.LastError,
		Reason:         o.Reason,
		HistoryJSON:    datatypes.JSON(history),
		CreatedAtUnix:  o.CreatedAt.UnixMilli(),
		UpdatedAtUnix:  now,
	}
	cols := []string{
		"filled_quantity", "fill_price", "commission", "status", "external_id",
		"attempts", "last_error", "history_json", "updated_at",
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&m).Error
}

// OrderRow is the stored view of a live order.
type OrderRow = storemodel.LiveOrderModel

// RecentOrders lists live orders, newest first.
func (s *Store) RecentOrders(ctx context.Context, symbol string, limit int) ([]OrderRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("created_at DESC, id").Limit(limit)
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	var rows []OrderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func summaryFromModel(m storemodel.RunModel) RunSummary {
	return RunSummary{
		ID:          m.ID,
		Symbol:      m.Symbol,
		Interval:    m.Interval,
		Status:      string(m.Status),
		Start:       time.UnixMilli(m.StartTS).UTC(),
		End:         time.UnixMilli(m.EndTS).UTC(),
		TotalReturn: m.TotalReturn,
		Sharpe:      m.Sharpe,
		MaxDrawdown: m.MaxDrawdown,
		Trades:      m.Trades,
		CreatedAt:   time.UnixMilli(m.CreatedAtUnix).UTC(),
	}
}
