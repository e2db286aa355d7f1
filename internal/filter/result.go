package filter

import (
	"fmt"
	"math"

	"meanrev/internal/indicator"
	"meanrev/internal/portfolio"

	"github.com/shopspring/decimal"
)

type Outcome int

const (
	OutcomePass Outcome = iota + 1
	OutcomeFail
	OutcomeSkip
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeFail:
		return "fail"
	case OutcomeSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Result is the verdict of one filter check.
type Result struct {
	Outcome Outcome
	Reason  string
	Value   float64
}

func Pass(reason string, value float64) Result {
	return Result{Outcome: OutcomePass, Reason: reason, Value: value}
}

func Fail(reason string) Result {
	return Result{Outcome: OutcomeFail, Reason: reason, Value: math.NaN()}
}

func Skip(reason string) Result {
	return Result{Outcome: OutcomeSkip, Reason: reason, Value: math.NaN()}
}

// Allows reports whether an entry chain may continue past this result; Skip counts as pass.
func (r Result) Allows() bool {
	switch r.Outcome {
	case OutcomePass, OutcomeSkip:
		return true
	case OutcomeFail:
		return false
	default:
		return false
	}
}

// Triggered reports whether an exit check fired. Only an explicit Pass triggers an exit.
func (r Result) Triggered() bool {
	return r.Outcome == OutcomePass
}

// Context is everything a filter may look at for one bar.
type Context struct {
	Snap indicator.Snapshot
	// Hedge is the inverse instrument's snapshot at the same timestamp, nil when absent.
	Hedge *indicator.Snapshot
	// Side and EntryPrice describe the held position; zero when flat.
	Side       portfolio.Side
	EntryPrice float64
	// EntryATR is the ATR the position was sized with. Zero means unknown, and the stop then
	// uses the current bar's ATR.
	EntryATR float64
}

// Filter is implemented by every predicate in the chain.
type Filter interface {
	Name() string
	CheckLongEntry(Context) Result
	CheckLongExit(Context) Result
	CheckShortEntry(Context) Result
	CheckShortExit(Context) Result
}

func dec(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func lte(a, b float64) bool { return dec(a).Cmp(dec(b)) <= 0 }
func gte(a, b float64) bool { return dec(a).Cmp(dec(b)) >= 0 }
func lt(a, b float64) bool  { return dec(a).Cmp(dec(b)) < 0 }
func gt(a, b float64) bool  { return dec(a).Cmp(dec(b)) > 0 }

func f2(v float64) string { return fmt.Sprintf("%.2f", v) }
