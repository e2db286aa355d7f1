package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meanrev/internal/logger"
	"meanrev/internal/metrics"
	"meanrev/internal/pkg/circuit"
)

// Adapter submits orders to an Executor with retry, backoff and a circuit breaker.
type Adapter struct {
	exec    Executor
	policy  RetryPolicy
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	sleep   Sleeper
	stop    *StopFlag
	now     func() time.Time
}

type AdapterOption func(*Adapter)

func WithBreaker(b *circuit.Breaker) AdapterOption { return func(a *Adapter) { a.breaker = b } }
func WithMetrics(m *metrics.Metrics) AdapterOption { return func(a *Adapter) { a.metrics = m } }
func WithSleeper(s Sleeper) AdapterOption          { return func(a *Adapter) { a.sleep = s } }
func WithStopFlag(f *StopFlag) AdapterOption       { return func(a *Adapter) { a.stop = f } }
func WithClock(now func() time.Time) AdapterOption { return func(a *Adapter) { a.now = now } }

func NewAdapter(exec Executor, policy RetryPolicy, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		exec:   exec,
		policy: policy,
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.breaker != nil && a.metrics != nil {
		m := a.metrics
		a.breaker.OnStateChange(func(name string, _, to circuit.State) { m.ObserveBreaker(name, int(to)) })
	}
	return a
}

func (a *Adapter) Executor() Executor { return a.exec }

// Submit sends o until it is accepted, a fatal error occurs or the retry budget is spent. On
// any failure the returned order is Rejected with LastError set, and the error is returned.
func (a *Adapter) Submit(ctx context.Context, o Order) (Order, error) {
	if err := o.Validate(); err != nil {
		return a.reject(o, err), err
	}
	var lastErr error
	attempts := a.policy.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d := a.policy.Delay(attempt - 1)
			logger.Warnf("[exec] %s %s retry %d/%d in %s: %v", o.Symbol, o.ID, attempt, a.policy.MaxRetries, d, lastErr)
			if err := wait(ctx, a.sleep, a.stop, d); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
		if !a.breaker.Allow() {
			lastErr = Retryable(fmt.Errorf("%w: %s", ErrBreakerOpen, a.exec.Name()))
			o.Attempts++
			continue
		}
		o.Attempts++
		a.metrics.ObserveAttempt(o.Symbol, attempt > 0)
		accepted, err := a.exec.Submit(ctx, o)
		if err == nil {
			a.breaker.RecordSuccess()
			accepted.Attempts = o.Attempts
			if accepted.Status.Terminal() {
				a.metrics.ObserveOutcome(accepted.Symbol, accepted.Status.String())
				a.metrics.ObserveFill(accepted.Symbol, accepted.Side.String(), accepted.FilledQuantity)
			}
			return accepted, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			logger.Errorf("[exec] %s %s rejected: %v", o.Symbol, o.ID, err)
			return a.reject(o, err), err
		}
		a.breaker.RecordFailure()
	}
	err := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, o.Attempts, lastErr)
	logger.Errorf("[exec] %s %s: %v", o.Symbol, o.ID, err)
	return a.reject(o, err), err
}

func (a *Adapter) reject(o Order, err error) Order {
	o.LastError = err.Error()
	if !o.Status.Terminal() {
		if terr := o.Transition(StatusRejected, a.now()); terr != nil {
			logger.Warnf("[exec] %s: %v", o.ID, terr)
		}
	}
	a.metrics.ObserveOutcome(o.Symbol, o.Status.String())
	return o
}
