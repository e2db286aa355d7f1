package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/portfolio"
	"meanrev/internal/risk"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrStopped          = errors.New("stopped")
	ErrBreakerOpen      = errors.New("circuit breaker open")
)

// RetryPolicy bounds submissions to MaxRetries+1 tries with capped exponential backoff.
type RetryPolicy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	ExponentialBase float64
	MaxDelay        time.Duration
}

func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      cfg.MaxRetries,
		BaseDelay:       cfg.BaseDelay(),
		ExponentialBase: cfg.ExponentialBase,
		MaxDelay:        cfg.MaxDelay(),
	}
}

// Attempts is the total number of tries allowed.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns min(BaseDelay × ExponentialBase^attempt, MaxDelay) for the wait after the
// attempt-th failure (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ClassifiedError pins an error as retryable or fatal regardless of its text.
type ClassifiedError struct {
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Fatal marks err as never retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Retryable: false}
}

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Retryable: true}
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"rate limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"service unavailable",
	"temporarily unavailable",
}

// IsRetryable classifies err. Explicit classification wins, then usage errors, context
// errors and network timeouts, then known transient text.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
		return false
	}
	if errors.Is(err, risk.ErrInvalidPrice) || errors.Is(err, risk.ErrInvalidEquity) || portfolio.IsValidationError(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func wait(ctx context.Context, sleep Sleeper, stop *StopFlag, d time.Duration) error {
	if stop.Stopped() {
		return ErrStopped
	}
	if err := sleep(ctx, d); err != nil {
		return fmt.Errorf("wait interrupted: %w", err)
	}
	if stop.Stopped() {
		return ErrStopped
	}
	return nil
}
