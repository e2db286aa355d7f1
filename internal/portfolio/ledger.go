package portfolio

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var invariantTolerance = decimal.New(1, -6)

// lot is the decimal bookkeeping behind a Position. basis is the unsigned cost of the open
// quantity; commission is the entry commission not yet released by a close.
type lot struct {
	symbol     string
	side       Side
	qty        decimal.Decimal
	basis      decimal.Decimal
	commission decimal.Decimal
	entryTime  time.Time
	reason     string
}

func (l *lot) view() Position {
	qty := l.qty.InexactFloat64()
	avg := 0.0
	if l.qty.IsPositive() {
		avg = l.basis.Div(l.qty).InexactFloat64()
	}
	return Position{
		Symbol:          l.symbol,
		Side:            l.side,
		Quantity:        qty,
		AvgEntryPrice:   avg,
		EntryTime:       l.entryTime,
		EntryReason:     l.reason,
		EntryCommission: l.commission.InexactFloat64(),
	}
}

// Ledger tracks cash, open positions and realized P&L for one account. It is owned by a single
// driving loop and is not safe for concurrent use.
type Ledger struct {
	initialCash decimal.Decimal
	cash        decimal.Decimal
	realized    decimal.Decimal
	positions   map[string]*lot
	marks       map[string]float64
	stats       Stats
	trades      []TradeRecord
}

func NewLedger(initialCash float64) (*Ledger, error) {
	if !finite(initialCash) || initialCash <= 0 {
		return nil, fmt.Errorf("%w: initial cash %v", ErrInvalidOrder, initialCash)
	}
	cash := decimal.NewFromFloat(initialCash)
	return &Ledger{
		initialCash: cash,
		cash:        cash,
		positions:   make(map[string]*lot),
		marks:       make(map[string]float64),
	}, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func checkOrder(qty, price, commission float64) error {
	if !finite(qty) || qty <= 0 {
		return fmt.Errorf("%w: quantity %v", ErrInvalidOrder, qty)
	}
	if !finite(price) || price <= 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidOrder, price)
	}
	if !finite(commission) || commission < 0 {
		return fmt.Errorf("%w: commission %v", ErrInvalidOrder, commission)
	}
	return nil
}

// OpenPosition opens a new position on a flat symbol. Long and hedge opens must be fully funded
// by cash; nothing is downsized.
func (l *Ledger) OpenPosition(symbol string, side Side, qty, price, commission float64, at time.Time, reason string) error {
	symbol = normalizeSymbol(symbol)
	if err := checkOrder(qty, price, commission); err != nil {
		return err
	}
	if side.Sign() == 0 {
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, int(side))
	}
	if existing, ok := l.positions[symbol]; ok {
		if existing.side != side {
			return fmt.Errorf("%w: %s holds %s, requested %s", ErrSideFlip, symbol, existing.side, side)
		}
		return fmt.Errorf("%w: %s %s", ErrPositionExists, symbol, existing.side)
	}
	q := decimal.NewFromFloat(qty)
	notional := q.Mul(decimal.NewFromFloat(price))
	comm := decimal.NewFromFloat(commission)
	if err := l.fund(side, notional, comm); err != nil {
		return err
	}
	l.positions[symbol] = &lot{
		symbol:     symbol,
		side:       side,
		qty:        q,
		basis:      notional,
		commission: comm,
		entryTime:  at,
		reason:     reason,
	}
	l.marks[symbol] = price
	return l.CheckInvariants()
}

// AddToPosition scales into an existing position on the same side and averages its cost basis.
func (l *Ledger) AddToPosition(symbol string, side Side, qty, price, commission float64) error {
	symbol = normalizeSymbol(symbol)
	if err := checkOrder(qty, price, commission); err != nil {
		return err
	}
	existing, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if existing.side != side {
		return fmt.Errorf("%w: %s holds %s, requested %s", ErrSideFlip, symbol, existing.side, side)
	}
	q := decimal.NewFromFloat(qty)
	notional := q.Mul(decimal.NewFromFloat(price))
	comm := decimal.NewFromFloat(commission)
	if err := l.fund(side, notional, comm); err != nil {
		return err
	}
	existing.qty = existing.qty.Add(q)
	existing.basis = existing.basis.Add(notional)
	existing.commission = existing.commission.Add(comm)
	l.marks[symbol] = price
	return l.CheckInvariants()
}

// fund moves cash for an open: owners pay notional plus commission, shorts receive notional
// minus commission.
func (l *Ledger) fund(side Side, notional, comm decimal.Decimal) error {
	switch side {
	case SideLong, SideHedge:
		cost := notional.Add(comm)
		if cost.GreaterThan(l.cash) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(2), l.cash.StringFixed(2))
		}
		l.cash = l.cash.Sub(cost)
	case SideShort:
		if comm.GreaterThan(l.cash.Add(notional)) {
			return fmt.Errorf("%w: commission %s exceeds cash", ErrInsufficientFunds, comm.StringFixed(2))
		}
		l.cash = l.cash.Add(notional).Sub(comm)
	default:
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, int(side))
	}
	return nil
}

// ClosePosition closes qty of the position on symbol at price and appends a TradeRecord. The
// realized P&L deducts the pro-rata share of the entry commission and the exit commission.
func (l *Ledger) ClosePosition(symbol string, qty, price, commission float64, at time.Time, reason string) (TradeRecord, error) {
	symbol = normalizeSymbol(symbol)
	if err := checkOrder(qty, price, commission); err != nil {
		return TradeRecord{}, err
	}
	pos, ok := l.positions[symbol]
	if !ok {
		return TradeRecord{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	q := decimal.NewFromFloat(qty)
	if q.GreaterThan(pos.qty) {
		return TradeRecord{}, fmt.Errorf("%w: close %s, held %s", ErrOversell, q.String(), pos.qty.String())
	}
	full := q.Equal(pos.qty)

	basisPart := pos.basis
	commPart := pos.commission
	if !full {
		basisPart = pos.basis.Mul(q).Div(pos.qty)
		commPart = pos.commission.Mul(q).Div(pos.qty)
	}
	avgEntry := pos.basis.Div(pos.qty)
	gross := q.Mul(decimal.NewFromFloat(price))
	exitComm := decimal.NewFromFloat(commission)

	var pnl decimal.Decimal
	switch pos.side {
	case SideLong, SideHedge:
		pnl = gross.Sub(basisPart)
		l.cash = l.cash.Add(gross).Sub(exitComm)
	case SideShort:
		pnl = basisPart.Sub(gross)
		l.cash = l.cash.Sub(gross).Sub(exitComm)
	default:
		return TradeRecord{}, fmt.Errorf("%w: side %d", ErrInvalidOrder, int(pos.side))
	}
	pnl = pnl.Sub(commPart).Sub(exitComm)
	l.realized = l.realized.Add(pnl)

	entryPrice := avgEntry.InexactFloat64()
	rec := TradeRecord{
		Symbol:          symbol,
		Side:            pos.side,
		EntryPrice:      entryPrice,
		ExitPrice:       price,
		EntryTime:       pos.entryTime,
		ExitTime:        at,
		Quantity:        qty,
		PnL:             pnl.InexactFloat64(),
		Commission:      commPart.Add(exitComm).InexactFloat64(),
		HoldingDuration: at.Sub(pos.entryTime),
		EntryReason:     pos.reason,
		ExitReason:      reason,
	}
	if denom := entryPrice * qty; denom > 0 {
		rec.PnLPct = rec.PnL / denom * 100
	}

	if full {
		delete(l.positions, symbol)
	} else {
		pos.qty = pos.qty.Sub(q)
		pos.basis = pos.basis.Sub(basisPart)
		pos.commission = pos.commission.Sub(commPart)
	}
	l.marks[symbol] = price
	l.stats.Trades++
	if rec.IsWin() {
		l.stats.Wins++
	} else {
		l.stats.Losses++
	}
	l.trades = append(l.trades, rec)
	return rec, l.CheckInvariants()
}

// UpdatePrices records marks for equity; cash is never touched.
func (l *Ledger) UpdatePrices(prices map[string]float64) {
	for sym, px := range prices {
		if !finite(px) || px <= 0 {
			continue
		}
		l.marks[normalizeSymbol(sym)] = px
	}
}

// Mark returns the last recorded price for symbol.
func (l *Ledger) Mark(symbol string) (float64, bool) {
	px, ok := l.marks[normalizeSymbol(symbol)]
	return px, ok
}

func (l *Ledger) Cash() float64 { return l.cash.InexactFloat64() }

func (l *Ledger) InitialCash() float64 { return l.initialCash.InexactFloat64() }

func (l *Ledger) RealizedPnL() float64 { return l.realized.InexactFloat64() }

// Equity is cash plus the signed market value of every open position.
func (l *Ledger) Equity() float64 {
	eq := l.cash
	for sym, pos := range l.positions {
		mark, ok := l.marks[sym]
		if !ok {
			mark = pos.basis.Div(pos.qty).InexactFloat64()
		}
		value := pos.qty.Mul(decimal.NewFromFloat(mark))
		if pos.side == SideShort {
			eq = eq.Sub(value)
		} else {
			eq = eq.Add(value)
		}
	}
	return eq.InexactFloat64()
}

// UnrealizedPnL sums open positions against their marks.
func (l *Ledger) UnrealizedPnL() float64 {
	total := 0.0
	for sym, pos := range l.positions {
		view := pos.view()
		mark, ok := l.marks[sym]
		if !ok {
			continue
		}
		total += view.UnrealizedPnL(mark)
	}
	return total
}

func (l *Ledger) Position(symbol string) (Position, bool) {
	pos, ok := l.positions[normalizeSymbol(symbol)]
	if !ok {
		return Position{}, false
	}
	return pos.view(), true
}

// Positions returns every open position sorted by symbol.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Ledger) Flat() bool { return len(l.positions) == 0 }

func (l *Ledger) Stats() Stats { return l.stats }

// Trades returns a copy of the trade log.
func (l *Ledger) Trades() []TradeRecord {
	out := make([]TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}

// CheckInvariants verifies the accounting identity
//
//	initial_cash == cash + Σ signed basis + Σ open entry commissions − realized_pnl
//
// together with finite values, positive quantities and non-negative cash after owner opens.
func (l *Ledger) CheckInvariants() error {
	sum := l.cash.Sub(l.realized)
	hasOwned := false
	for sym, pos := range l.positions {
		if !pos.qty.IsPositive() {
			return fmt.Errorf("%w: %s quantity %s", ErrInvariantViolated, sym, pos.qty.String())
		}
		if pos.basis.IsNegative() || pos.commission.IsNegative() {
			return fmt.Errorf("%w: %s negative basis or commission", ErrInvariantViolated, sym)
		}
		if pos.side == SideShort {
			sum = sum.Sub(pos.basis)
		} else {
			sum = sum.Add(pos.basis)
			hasOwned = true
		}
		sum = sum.Add(pos.commission)
	}
	if diff := sum.Sub(l.initialCash).Abs(); diff.GreaterThan(invariantTolerance) {
		return fmt.Errorf("%w: identity off by %s", ErrInvariantViolated, diff.String())
	}
	if hasOwned && l.cash.IsNegative() {
		return fmt.Errorf("%w: cash %s below zero", ErrInvariantViolated, l.cash.StringFixed(2))
	}
	if !finite(l.Equity()) {
		return fmt.Errorf("%w: equity not finite", ErrInvariantViolated)
	}
	return nil
}
