package risk

import (
	"errors"
	"fmt"
	"math"

	"meanrev/internal/config"
	"meanrev/internal/portfolio"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPrice  = errors.New("price must be positive")
	ErrInvalidEquity = errors.New("equity must be positive")
)

// Sizing is the result of one sizing request.
type Sizing struct {
	Shares       float64
	Dollars      float64
	PctOfAccount float64
	StopPrice    float64
	RiskAtStop   float64
}

// Request carries the account state a sizing decision depends on.
type Request struct {
	Side   portfolio.Side
	Price  float64
	Equity float64
	Cash   float64
	// ATR enables an ATR-multiple stop when the strategy uses one; NaN or 0 falls back to the
	// fixed percentage.
	ATR float64
}

// Costs are the execution costs an entry pays on top of its notional.
type Costs struct {
	SlippagePct        float64
	CommissionPct      float64
	CommissionPerTrade float64
}

func CostsFrom(cfg config.BacktestConfig) Costs {
	return Costs{
		SlippagePct:        cfg.SlippagePct,
		CommissionPct:      cfg.CommissionPct,
		CommissionPerTrade: cfg.CommissionPerTrade,
	}
}

// Sizer turns equity and price into a share quantity and a stop price.
type Sizer struct {
	cfg   config.StrategyConfig
	costs Costs
}

type Option func(*Sizer)

// WithCosts makes the cash cap leave room for slippage and commission.
func WithCosts(c Costs) Option { return func(s *Sizer) { s.costs = c } }

func NewSizer(cfg config.StrategyConfig, opts ...Option) *Sizer {
	s := &Sizer{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// affordable is the largest notional at the reference price whose slipped fill plus
// commission fits in cash.
func (s *Sizer) affordable(cash decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	cash = cash.Sub(decimal.NewFromFloat(s.costs.CommissionPerTrade))
	if !cash.IsPositive() {
		return decimal.Zero
	}
	factor := one.Add(decimal.NewFromFloat(s.costs.SlippagePct)).
		Mul(one.Add(decimal.NewFromFloat(s.costs.CommissionPct)))
	return cash.Div(factor)
}

// Size computes shares = equity × pct / price, then caps by max_position_value and by the cash
// left above the reserve net of execution costs. A zero share count is valid and means "too
// small to trade".
func (s *Sizer) Size(req Request) (Sizing, error) {
	if math.IsNaN(req.Price) || req.Price <= 0 {
		return Sizing{}, fmt.Errorf("%w: %v", ErrInvalidPrice, req.Price)
	}
	if math.IsNaN(req.Equity) || req.Equity <= 0 {
		return Sizing{}, fmt.Errorf("%w: %v", ErrInvalidEquity, req.Equity)
	}
	pct, stopPct := s.cfg.PositionSizePct, s.cfg.StopLossPct
	if req.Side == portfolio.SideShort || req.Side == portfolio.SideHedge {
		pct, stopPct = s.cfg.ShortPositionSizePct, s.cfg.ShortStopLossPct
	}

	price := decimal.NewFromFloat(req.Price)
	equity := decimal.NewFromFloat(req.Equity)
	dollars := equity.Mul(decimal.NewFromFloat(pct))
	if s.cfg.MaxPositionValue > 0 {
		dollars = decimal.Min(dollars, decimal.NewFromFloat(s.cfg.MaxPositionValue))
	}
	if req.Side != portfolio.SideShort {
		reserve := equity.Mul(decimal.NewFromFloat(s.cfg.CashReservePct))
		spendable := s.affordable(decimal.NewFromFloat(req.Cash).Sub(reserve))
		dollars = decimal.Min(dollars, spendable)
	}
	shares := dollars.Div(price)
	if !s.cfg.FractionalShares {
		shares = shares.Floor()
	} else {
		shares = shares.Truncate(6)
	}
	spent := shares.Mul(price)

	out := Sizing{
		Shares:       shares.InexactFloat64(),
		Dollars:      spent.InexactFloat64(),
		PctOfAccount: spent.Div(equity).InexactFloat64(),
		StopPrice:    s.StopPrice(req.Side, req.Price, req.ATR),
		RiskAtStop:   spent.Mul(decimal.NewFromFloat(stopPct)).InexactFloat64(),
	}
	return out, nil
}

// StopPrice returns the protective stop for a position entered at entry. Long and hedge stops
// sit below the entry; direct short stops sit above it.
func (s *Sizer) StopPrice(side portfolio.Side, entry, atr float64) float64 {
	return StopPrice(s.cfg, side, entry, atr)
}

// StopPrice is shared by the sizer and the stop-loss filter so both agree on the level.
func StopPrice(cfg config.StrategyConfig, side portfolio.Side, entry, atr float64) float64 {
	if entry <= 0 {
		return 0
	}
	e := decimal.NewFromFloat(entry)
	useATR := cfg.ATRStopEnabled && atr > 0 && !math.IsNaN(atr) && !math.IsInf(atr, 0)
	var offset decimal.Decimal
	switch side {
	case portfolio.SideLong:
		offset = e.Mul(decimal.NewFromFloat(cfg.StopLossPct))
	case portfolio.SideShort, portfolio.SideHedge:
		offset = e.Mul(decimal.NewFromFloat(cfg.ShortStopLossPct))
	default:
		return 0
	}
	if useATR {
		offset = decimal.NewFromFloat(atr).Mul(decimal.NewFromFloat(cfg.ATRStopMultiplier))
	}
	if side == portfolio.SideShort {
		return e.Add(offset).InexactFloat64()
	}
	stop := e.Sub(offset)
	if stop.IsNegative() {
		return 0
	}
	return stop.InexactFloat64()
}
