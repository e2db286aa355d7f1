package execution

import (
	"errors"
	"fmt"
	"time"

	"meanrev/internal/portfolio"

	"github.com/google/uuid"
)

var ErrIllegalTransition = errors.New("illegal order status transition")

type OrderSide int

const (
	Buy OrderSide = iota + 1
	Sell
)

func (s OrderSide) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

type OrderType int

const (
	Market OrderType = iota + 1
	Limit
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	default:
		return "unknown"
	}
}

// Status is an order status. StatusExpired is only ever reported by an executor; orders
// record it as Cancelled.
type Status int

const (
	StatusPending Status = iota + 1
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	case StatusPending, StatusPartiallyFilled:
		return false
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is one recorded status change.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Order is owned by the loop that created it; executors return updated copies.
type Order struct {
	ID     string    `json:"id"`
	Symbol string    `json:"symbol"`
	Side   OrderSide `json:"side"`
	// PositionSide is the ledger side the order opens or closes.
	PositionSide   portfolio.Side `json:"position_side"`
	Quantity       float64        `json:"quantity"`
	Type           OrderType      `json:"type"`
	LimitPrice     float64        `json:"limit_price,omitempty"`
	Status         Status         `json:"status"`
	FillPrice      float64        `json:"fill_price"`
	FilledQuantity float64        `json:"filled_quantity"`
	Commission     float64        `json:"commission"`
	ExternalID     string         `json:"external_id,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	// RefPrice is the quoted price at decision time; paper fills start from it.
	RefPrice  float64      `json:"ref_price"`
	CreatedAt time.Time    `json:"created_at"`
	FilledAt  time.Time    `json:"filled_at,omitempty"`
	History   []Transition `json:"history,omitempty"`
}

// NewOrder builds a pending market order for side at the given reference price.
func NewOrder(symbol string, posSide portfolio.Side, opening bool, qty, refPrice float64, at time.Time) Order {
	return Order{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Side:         OrderSideFor(posSide, opening),
		PositionSide: posSide,
		Quantity:     qty,
		Type:         Market,
		Status:       StatusPending,
		RefPrice:     refPrice,
		CreatedAt:    at,
	}
}

// OrderSideFor maps a position side and direction to the exchange side. Shorts open by
// selling; long and hedge positions open by buying.
func OrderSideFor(posSide portfolio.Side, opening bool) OrderSide {
	buy := opening
	if posSide == portfolio.SideShort {
		buy = !opening
	}
	if buy {
		return Buy
	}
	return Sell
}

// Opens reports whether the order opens (or adds to) its position.
func (o Order) Opens() bool {
	if o.PositionSide == portfolio.SideShort {
		return o.Side == Sell
	}
	return o.Side == Buy
}

func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// Validate rejects orders no executor should see.
func (o Order) Validate() error {
	if o.Symbol == "" {
		return Fatal(fmt.Errorf("order %s: empty symbol", o.ID))
	}
	if !(o.Quantity > 0) {
		return Fatal(fmt.Errorf("order %s: quantity must be positive, got %v", o.ID, o.Quantity))
	}
	if o.Type == Limit && !(o.LimitPrice > 0) {
		return Fatal(fmt.Errorf("order %s: limit price must be positive", o.ID))
	}
	if o.Side != Buy && o.Side != Sell {
		return Fatal(fmt.Errorf("order %s: unknown side", o.ID))
	}
	return nil
}

// Transition moves the order to status to. Re-entering PartiallyFilled is a no-op; anything
// leaving a terminal status fails with ErrIllegalTransition. Expired is recorded as Cancelled.
func (o *Order) Transition(to Status, at time.Time) error {
	if to == StatusExpired {
		to = StatusCancelled
	}
	from := o.Status
	if from == to && to == StatusPartiallyFilled {
		return nil
	}
	if !legalTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrIllegalTransition, from, to, o.ID)
	}
	o.Status = to
	o.History = append(o.History, Transition{From: from, To: to, At: at})
	if to == StatusFilled {
		o.FilledAt = at
	}
	return nil
}

func legalTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPartiallyFilled || to == StatusFilled || to == StatusCancelled || to == StatusRejected
	case StatusPartiallyFilled:
		return to == StatusFilled || to == StatusCancelled || to == StatusRejected
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return false
	default:
		return false
	}
}

// RecordFill folds a fill of qty at price into the volume-weighted average fill price.
func (o *Order) RecordFill(qty, price, commission float64) {
	if qty <= 0 {
		return
	}
	total := o.FilledQuantity + qty
	o.FillPrice = (o.FillPrice*o.FilledQuantity + price*qty) / total
	o.FilledQuantity = total
	o.Commission += commission
}

// Count reports how many times the order entered status s.
func (o Order) Count(s Status) int {
	n := 0
	for _, tr := range o.History {
		if tr.To == s {
			n++
		}
	}
	return n
}
