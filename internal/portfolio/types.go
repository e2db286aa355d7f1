package portfolio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPositionExists    = errors.New("position already open")
	ErrSideFlip          = errors.New("side flip must pass through flat")
	ErrOversell          = errors.New("close quantity exceeds held quantity")
	ErrNoPosition        = errors.New("no open position")
	ErrInvalidOrder      = errors.New("invalid quantity, price or commission")
	ErrInvariantViolated = errors.New("ledger invariant violated")
)

// IsValidationError reports whether err is a rejected request that left the ledger untouched.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrPositionExists) ||
		errors.Is(err, ErrSideFlip) ||
		errors.Is(err, ErrOversell) ||
		errors.Is(err, ErrNoPosition) ||
		errors.Is(err, ErrInvalidOrder)
}

type Side int

const (
	SideLong Side = iota + 1
	SideShort
	// SideHedge is a long position in an inverse instrument held instead of a direct short.
	SideHedge
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	case SideHedge:
		return "hedge"
	default:
		return "unknown"
	}
}

// Sign is +1 for positions that own the instrument and -1 for direct shorts.
func (s Side) Sign() float64 {
	switch s {
	case SideShort:
		return -1
	case SideLong, SideHedge:
		return 1
	default:
		return 0
	}
}

// Owns reports whether opening this side spends cash.
func (s Side) Owns() bool {
	return s == SideLong || s == SideHedge
}

func (s Side) MarshalText() ([]byte, error) {
	switch s {
	case SideLong, SideShort, SideHedge:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown side %d", int(s))
	}
}

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "long":
		*s = SideLong
	case "short":
		*s = SideShort
	case "hedge":
		*s = SideHedge
	default:
		return fmt.Errorf("unknown side %q", string(b))
	}
	return nil
}

// Position is a read-only view of one open holding.
type Position struct {
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	AvgEntryPrice   float64   `json:"avg_entry_price"`
	EntryTime       time.Time `json:"entry_time"`
	EntryReason     string    `json:"entry_reason"`
	EntryCommission float64   `json:"entry_commission"`
}

// MarketValue returns the signed value of the position at mark.
func (p Position) MarketValue(mark float64) float64 {
	return p.Side.Sign() * p.Quantity * mark
}

// UnrealizedPnL is the gain against the average entry, excluding commissions.
func (p Position) UnrealizedPnL(mark float64) float64 {
	return p.Side.Sign() * p.Quantity * (mark - p.AvgEntryPrice)
}

// TradeRecord is appended once per full or partial close and never modified afterwards.
type TradeRecord struct {
	Symbol          string        `json:"symbol"`
	Side            Side          `json:"side"`
	EntryPrice      float64       `json:"entry_price"`
	ExitPrice       float64       `json:"exit_price"`
	EntryTime       time.Time     `json:"entry_time"`
	ExitTime        time.Time     `json:"exit_time"`
	Quantity        float64       `json:"quantity"`
	PnL             float64       `json:"pnl"`
	PnLPct          float64       `json:"pnl_pct"`
	Commission      float64       `json:"commission"`
	HoldingDuration time.Duration `json:"holding_duration"`
	EntryReason     string        `json:"entry_reason"`
	ExitReason      string        `json:"exit_reason"`
}

func (t TradeRecord) IsWin() bool {
	return t.PnL > 0
}

// Stats counts closed trades.
type Stats struct {
	Trades int
	Wins   int
	Losses int
}
