package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/logger"
	"meanrev/internal/metrics"
)

var ErrAwaitTimeout = errors.New("order not terminal before timeout")

// TrackerConfig controls the polling loop.
type TrackerConfig struct {
	PollInterval    time.Duration
	Timeout         time.Duration
	CancelOnTimeout bool
}

func TrackerConfigFrom(cfg config.ExecutionConfig) TrackerConfig {
	return TrackerConfig{
		PollInterval:    cfg.PollInterval(),
		Timeout:         cfg.OrderTimeout(),
		CancelOnTimeout: cfg.CancelOnTimeout,
	}
}

// Tracker polls a submitted order to a terminal status.
type Tracker struct {
	exec    Executor
	cfg     TrackerConfig
	sleep   Sleeper
	now     func() time.Time
	stop    *StopFlag
	metrics *metrics.Metrics
}

func NewTracker(exec Executor, cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{exec: exec, cfg: cfg, sleep: sleepContext, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type TrackerOption func(*Tracker)

func TrackWithSleeper(s Sleeper) TrackerOption          { return func(t *Tracker) { t.sleep = s } }
func TrackWithClock(now func() time.Time) TrackerOption { return func(t *Tracker) { t.now = now } }
func TrackWithStopFlag(f *StopFlag) TrackerOption       { return func(t *Tracker) { t.stop = f } }
func TrackWithMetrics(m *metrics.Metrics) TrackerOption { return func(t *Tracker) { t.metrics = m } }

// Await polls until o is terminal or the timeout elapses. Partial fills accumulate into a
// volume-weighted fill price. On timeout the remainder is cancelled when configured, keeping
// whatever was filled; otherwise ErrAwaitTimeout is returned with the order still open.
func (t *Tracker) Await(ctx context.Context, o Order) (Order, error) {
	if o.Status.Terminal() {
		return o, nil
	}
	if o.ExternalID == "" {
		return o, Fatal(fmt.Errorf("order %s has no external id", o.ID))
	}
	start := t.now()
	for {
		snap, err := t.exec.Poll(ctx, o.ExternalID)
		switch {
		case err == nil:
			done, aerr := t.apply(&o, snap)
			if aerr != nil {
				return o, aerr
			}
			if done {
				t.finish(o)
				return o, nil
			}
		case IsRetryable(err):
			logger.Warnf("[exec] poll %s: %v", o.ExternalID, err)
		default:
			o.LastError = err.Error()
			return o, fmt.Errorf("poll %s: %w", o.ExternalID, err)
		}

		if t.now().Sub(start) >= t.cfg.Timeout {
			return t.timeout(ctx, o)
		}
		if err := wait(ctx, t.sleep, t.stop, t.cfg.PollInterval); err != nil {
			return o, err
		}
	}
}

func (t *Tracker) apply(o *Order, snap StatusSnapshot) (bool, error) {
	at := snap.At
	if at.IsZero() {
		at = t.now()
	}
	if inc := snap.FilledQuantity - o.FilledQuantity; inc > 0 {
		price := snap.LastPrice
		if snap.AvgPrice > 0 {
			price = (snap.AvgPrice*snap.FilledQuantity - o.FillPrice*o.FilledQuantity) / inc
		}
		commission := snap.Commission - o.Commission
		if commission < 0 {
			commission = 0
		}
		if price > 0 {
			o.RecordFill(inc, price, commission)
		}
	}
	switch snap.Status {
	case StatusPending:
		return false, nil
	case StatusPartiallyFilled:
		return false, o.Transition(StatusPartiallyFilled, at)
	case StatusFilled:
		return true, o.Transition(StatusFilled, at)
	case StatusCancelled, StatusExpired, StatusRejected:
		if snap.Message != "" {
			o.LastError = snap.Message
		}
		return true, o.Transition(snap.Status, at)
	default:
		return false, Fatal(fmt.Errorf("order %s: unknown status %d", o.ID, snap.Status))
	}
}

func (t *Tracker) timeout(ctx context.Context, o Order) (Order, error) {
	if !t.cfg.CancelOnTimeout {
		logger.Warnf("[exec] %s %s still %s after %s", o.Symbol, o.ID, o.Status, t.cfg.Timeout)
		return o, fmt.Errorf("%w: %s after %s", ErrAwaitTimeout, o.ID, t.cfg.Timeout)
	}
	ok, err := t.exec.Cancel(ctx, o.ExternalID)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("cancel refused for %s", o.ExternalID)
		}
		o.LastError = err.Error()
		return o, fmt.Errorf("%w: %w", ErrAwaitTimeout, err)
	}
	if err := o.Transition(StatusCancelled, t.now()); err != nil {
		return o, err
	}
	logger.Infof("[exec] %s %s cancelled on timeout, kept %.6f/%.6f filled", o.Symbol, o.ID, o.FilledQuantity, o.Quantity)
	t.finish(o)
	return o, nil
}

func (t *Tracker) finish(o Order) {
	t.metrics.ObserveOutcome(o.Symbol, o.Status.String())
	t.metrics.ObserveFill(o.Symbol, o.Side.String(), o.FilledQuantity)
}
