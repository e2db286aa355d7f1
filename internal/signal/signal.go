package signal

import (
	"time"

	"meanrev/internal/filter"
	"meanrev/internal/portfolio"
)

// Type is the action a signal asks for.
type Type int

const (
	Hold Type = iota
	Buy
	Sell
	Short
	Cover
	HedgeBuy
	HedgeSell
)

func (t Type) String() string {
	switch t {
	case Hold:
		return "hold"
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	case Short:
		return "short"
	case Cover:
		return "cover"
	case HedgeBuy:
		return "hedge_buy"
	case HedgeSell:
		return "hedge_sell"
	default:
		return "unknown"
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// IsEntry reports whether the signal opens a position.
func (t Type) IsEntry() bool {
	switch t {
	case Buy, Short, HedgeBuy:
		return true
	case Hold, Sell, Cover, HedgeSell:
		return false
	default:
		return false
	}
}

// Side returns the position side the signal opens or closes.
func (t Type) Side() portfolio.Side {
	switch t {
	case Buy, Sell:
		return portfolio.SideLong
	case Short, Cover:
		return portfolio.SideShort
	case HedgeBuy, HedgeSell:
		return portfolio.SideHedge
	case Hold:
		return 0
	default:
		return 0
	}
}

// Signal is the single decision emitted for one bar.
type Signal struct {
	Time   time.Time `json:"time"`
	Type   Type      `json:"type"`
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	RSI    float64   `json:"rsi"`
	Reason string    `json:"reason"`
	// Strength is in [0,1]; 0 marks a forced or stop-loss exit.
	Strength float64         `json:"strength"`
	Exit     filter.ExitKind `json:"-"`
}

// Forced reports whether the signal is a stop-loss or other forced exit.
func (s Signal) Forced() bool {
	return !s.Type.IsEntry() && s.Strength == 0
}
