package execution

import (
	"context"
	"sync/atomic"
	"time"

	"meanrev/internal/portfolio"
)

// StatusSnapshot is what an executor reports for one order. FilledQuantity is cumulative;
// LastPrice is the price of the most recent fill. Venues that only report a cumulative average
// set AvgPrice instead, which takes precedence.
type StatusSnapshot struct {
	ExternalID     string
	Status         Status
	FilledQuantity float64
	LastPrice      float64
	AvgPrice       float64
	Commission     float64
	Message        string
	At             time.Time
}

// Account is the executor's view of the trading account.
type Account struct {
	Cash        float64
	Equity      float64
	BuyingPower float64
}

// Executor is a venue that accepts orders. Submit returns the accepted order with its
// ExternalID set; it may already be filled.
type Executor interface {
	Name() string
	Submit(ctx context.Context, o Order) (Order, error)
	Poll(ctx context.Context, externalID string) (StatusSnapshot, error)
	Cancel(ctx context.Context, externalID string) (bool, error)
	Account(ctx context.Context) (Account, error)
	Position(ctx context.Context, symbol string) (*portfolio.Position, error)
}

// StopFlag is set from outside the driving loop to ask it to stop at the next wait boundary.
type StopFlag struct {
	stopped atomic.Bool
}

func (f *StopFlag) Stop() {
	if f != nil {
		f.stopped.Store(true)
	}
}

func (f *StopFlag) Stopped() bool {
	return f != nil && f.stopped.Load()
}
