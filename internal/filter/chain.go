package filter

import (
	"fmt"
	"strings"

	"meanrev/internal/config"
	"meanrev/internal/portfolio"
)

// Direction selects which half of the capability set a chain evaluates.
type Direction int

const (
	DirectionLong Direction = iota + 1
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "unknown"
	}
}

// ExitKind names the exit condition that fired.
type ExitKind int

const (
	ExitNone ExitKind = iota
	ExitBreakout
	ExitTarget
	ExitStopLoss
)

func (k ExitKind) String() string {
	switch k {
	case ExitNone:
		return "none"
	case ExitBreakout:
		return "breakout"
	case ExitTarget:
		return "rsi_target"
	case ExitStopLoss:
		return "stop_loss"
	default:
		return "unknown"
	}
}

// ChainError reports a chain that cannot be assembled.
type ChainError struct {
	Filter string
	Msg    string
}

func (e *ChainError) Error() string {
	if e.Filter == "" {
		return "filter chain: " + e.Msg
	}
	return fmt.Sprintf("filter chain: %s: %s", e.Filter, e.Msg)
}

// Step is one evaluated filter in a trace.
type Step struct {
	Filter string
	Result Result
}

func (s Step) String() string {
	return fmt.Sprintf("%s %s (%s)", s.Filter, s.Result.Outcome, s.Result.Reason)
}

// EntryDecision is the outcome of an entry chain.
type EntryDecision struct {
	Direction Direction
	Passed    bool
	Steps     []Step
}

// Reason joins the trace of every evaluated filter.
func (d EntryDecision) Reason() string { return joinSteps(d.Steps) }

// ExitDecision is the outcome of an exit chain. Steps always holds all three exit checks.
type ExitDecision struct {
	Kind   ExitKind
	Reason string
	Steps  []Step
}

func (d ExitDecision) Triggered() bool { return d.Kind != ExitNone }

// ExitFilters are the three filters consulted on exit, in precedence order.
type ExitFilters struct {
	Breakout Filter
	Target   Filter
	StopLoss Filter
}

// Chain evaluates entry filters in a fixed order and exits with stop-loss precedence.
type Chain struct {
	entry []Filter
	exit  ExitFilters
}

// NewChain assembles a chain. The first entry filter is the required gate.
func NewChain(entry []Filter, exit ExitFilters) (*Chain, error) {
	if len(entry) == 0 {
		return nil, &ChainError{Msg: "no entry filters"}
	}
	seen := make(map[string]struct{}, len(entry))
	for i, f := range entry {
		if f == nil {
			return nil, &ChainError{Msg: fmt.Sprintf("entry filter %d is nil", i)}
		}
		name := f.Name()
		if _, dup := seen[name]; dup {
			return nil, &ChainError{Filter: name, Msg: "duplicate entry filter"}
		}
		seen[name] = struct{}{}
	}
	roles := []struct {
		name string
		f    Filter
	}{{"breakout", exit.Breakout}, {"target", exit.Target}, {"stop_loss", exit.StopLoss}}
	for _, r := range roles {
		if r.f == nil {
			return nil, &ChainError{Filter: r.name, Msg: "exit filter is nil"}
		}
	}
	return &Chain{entry: append([]Filter(nil), entry...), exit: exit}, nil
}

// Build assembles the standard chain: RSI, SMA, VWAP, Bollinger, Volume on entry; breakout,
// RSI target and stop-loss on exit.
func Build(cfg config.StrategyConfig) *Chain {
	rsi := NewRSIFilter(cfg)
	chain, err := NewChain(
		[]Filter{rsi, NewSMAFilter(cfg), NewVWAPFilter(cfg), NewBollingerFilter(cfg), NewVolumeFilter(cfg)},
		ExitFilters{Breakout: NewBreakoutFilter(cfg), Target: rsi, StopLoss: NewStopLossFilter(cfg)},
	)
	if err != nil {
		// the standard set is fixed and always valid
		panic(err)
	}
	return chain
}

// EvaluateEntry runs the entry filters in order and stops at the first Fail.
func (c *Chain) EvaluateEntry(dir Direction, ctx Context) EntryDecision {
	out := EntryDecision{Direction: dir, Passed: true, Steps: make([]Step, 0, len(c.entry))}
	for _, f := range c.entry {
		var res Result
		switch dir {
		case DirectionLong:
			res = f.CheckLongEntry(ctx)
		case DirectionShort:
			res = f.CheckShortEntry(ctx)
		default:
			res = Fail("unknown direction")
		}
		out.Steps = append(out.Steps, Step{Filter: f.Name(), Result: res})
		if !res.Allows() {
			out.Passed = false
			break
		}
	}
	return out
}

// EvaluateExit checks the exit conditions for the held side. All three are evaluated; a
// triggered stop-loss always wins, otherwise breakout precedes the RSI target.
func (c *Chain) EvaluateExit(ctx Context) ExitDecision {
	long := ctx.Side == portfolio.SideLong
	check := func(f Filter) Step {
		if long {
			return Step{Filter: f.Name(), Result: f.CheckLongExit(ctx)}
		}
		return Step{Filter: f.Name(), Result: f.CheckShortExit(ctx)}
	}
	breakout := check(c.exit.Breakout)
	target := check(c.exit.Target)
	stop := check(c.exit.StopLoss)
	out := ExitDecision{Steps: []Step{breakout, target, stop}}

	switch {
	case stop.Result.Triggered():
		out.Kind = ExitStopLoss
		out.Reason = "stop_loss: " + stop.Result.Reason
	case breakout.Result.Triggered():
		out.Kind = ExitBreakout
		out.Reason = "breakout: " + breakout.Result.Reason
	case target.Result.Triggered():
		out.Kind = ExitTarget
		out.Reason = "rsi_target: " + target.Result.Reason
	}
	return out
}

func joinSteps(steps []Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "; ")
}
