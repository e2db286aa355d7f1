package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/portfolio"

	"github.com/shopspring/decimal"
)

// FillModel prices simulated fills: close × (1 ± slippage) and a flat plus proportional
// commission.
type FillModel struct {
	SlippagePct        float64
	CommissionPct      float64
	CommissionPerTrade float64
}

func FillModelFrom(cfg config.BacktestConfig) FillModel {
	return FillModel{
		SlippagePct:        cfg.SlippagePct,
		CommissionPct:      cfg.CommissionPct,
		CommissionPerTrade: cfg.CommissionPerTrade,
	}
}

// Price returns the fill price for side at ref. Buys pay up, sells give up.
func (m FillModel) Price(side OrderSide, ref float64) float64 {
	r := decimal.NewFromFloat(ref)
	slip := decimal.NewFromFloat(m.SlippagePct)
	switch side {
	case Buy:
		return r.Mul(decimal.NewFromInt(1).Add(slip)).InexactFloat64()
	case Sell:
		return r.Mul(decimal.NewFromInt(1).Sub(slip)).InexactFloat64()
	default:
		return ref
	}
}

func (m FillModel) Commission(qty, price float64) float64 {
	if qty <= 0 {
		return 0
	}
	notional := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))
	return decimal.NewFromFloat(m.CommissionPerTrade).
		Add(notional.Mul(decimal.NewFromFloat(m.CommissionPct))).
		InexactFloat64()
}

// ApplyFill books the filled part of o into the ledger. It returns the trade record when the
// fill closed (part of) a position.
func ApplyFill(l *portfolio.Ledger, o Order, at time.Time) (*portfolio.TradeRecord, error) {
	if o.FilledQuantity <= 0 {
		return nil, nil
	}
	if o.Opens() {
		if pos, ok := l.Position(o.Symbol); ok && pos.Side == o.PositionSide {
			return nil, l.AddToPosition(o.Symbol, o.PositionSide, o.FilledQuantity, o.FillPrice, o.Commission)
		}
		return nil, l.OpenPosition(o.Symbol, o.PositionSide, o.FilledQuantity, o.FillPrice, o.Commission, at, o.Reason)
	}
	rec, err := l.ClosePosition(o.Symbol, o.FilledQuantity, o.FillPrice, o.Commission, at, o.Reason)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type paperOrder struct {
	order Order
	price float64
	step  int
}

// PaperExecutor fills orders in-process with a FillModel and keeps its own venue-side ledger.
// With partial fills configured, each Poll advances one step of the cumulative fractions.
type PaperExecutor struct {
	mu       sync.Mutex
	model    FillModel
	ledger   *portfolio.Ledger
	orders   map[string]*paperOrder
	partials []float64
	seq      int
	now      func() time.Time
}

func NewPaperExecutor(initialCash float64, model FillModel) (*PaperExecutor, error) {
	l, err := portfolio.NewLedger(initialCash)
	if err != nil {
		return nil, err
	}
	return &PaperExecutor{
		model:  model,
		ledger: l,
		orders: make(map[string]*paperOrder),
		now:    time.Now,
	}, nil
}

// WithPartialFills makes later orders fill over several polls. fractions are cumulative and
// the last one should be 1.
func (p *PaperExecutor) WithPartialFills(fractions ...float64) *PaperExecutor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partials = append([]float64(nil), fractions...)
	return p
}

func (p *PaperExecutor) WithClock(now func() time.Time) *PaperExecutor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	return p
}

func (p *PaperExecutor) Name() string { return "paper" }

// SetPrice marks symbol at price for account valuation.
func (p *PaperExecutor) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ledger.UpdatePrices(map[string]float64{symbol: price})
}

func (p *PaperExecutor) Submit(_ context.Context, o Order) (Order, error) {
	if err := o.Validate(); err != nil {
		return o, err
	}
	if !(o.RefPrice > 0) {
		return o, Fatal(fmt.Errorf("paper: order %s has no reference price", o.ID))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	o.ExternalID = fmt.Sprintf("paper-%d", p.seq)
	po := &paperOrder{order: o, price: p.model.Price(o.Side, o.RefPrice)}
	p.orders[o.ExternalID] = po
	if len(p.partials) == 0 {
		if err := p.fillTo(po, 1); err != nil {
			delete(p.orders, o.ExternalID)
			return o, err
		}
	}
	return po.order, nil
}

func (p *PaperExecutor) fillTo(po *paperOrder, fraction float64) error {
	at := p.now()
	o := &po.order
	target := o.Quantity * fraction
	if fraction >= 1 {
		target = o.Quantity
	}
	if inc := target - o.FilledQuantity; inc > 0 {
		o.RecordFill(inc, po.price, p.model.Commission(inc, po.price))
	}
	if fraction < 1 {
		return o.Transition(StatusPartiallyFilled, at)
	}
	if _, err := ApplyFill(p.ledger, *o, at); err != nil {
		return Fatal(fmt.Errorf("paper: %w", err))
	}
	return o.Transition(StatusFilled, at)
}

func (p *PaperExecutor) Poll(_ context.Context, externalID string) (StatusSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[externalID]
	if !ok {
		return StatusSnapshot{}, Fatal(fmt.Errorf("paper: unknown order %s", externalID))
	}
	if !po.order.Status.Terminal() && po.step < len(p.partials) {
		frac := p.partials[po.step]
		po.step++
		if err := p.fillTo(po, frac); err != nil {
			po.order.LastError = err.Error()
			_ = po.order.Transition(StatusRejected, p.now())
		}
	}
	return StatusSnapshot{
		ExternalID:     externalID,
		Status:         po.order.Status,
		FilledQuantity: po.order.FilledQuantity,
		LastPrice:      po.price,
		Commission:     po.order.Commission,
		Message:        po.order.LastError,
		At:             p.now(),
	}, nil
}

func (p *PaperExecutor) Cancel(_ context.Context, externalID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[externalID]
	if !ok {
		return false, Fatal(fmt.Errorf("paper: unknown order %s", externalID))
	}
	if po.order.Status.Terminal() {
		return false, nil
	}
	at := p.now()
	if _, err := ApplyFill(p.ledger, po.order, at); err != nil {
		return false, Fatal(fmt.Errorf("paper: %w", err))
	}
	return true, po.order.Transition(StatusCancelled, at)
}

func (p *PaperExecutor) Account(context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cash := p.ledger.Cash()
	return Account{Cash: cash, Equity: p.ledger.Equity(), BuyingPower: cash}, nil
}

func (p *PaperExecutor) Position(_ context.Context, symbol string) (*portfolio.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.ledger.Position(symbol)
	if !ok {
		return nil, nil
	}
	return &pos, nil
}
