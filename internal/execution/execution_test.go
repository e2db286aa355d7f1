package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"meanrev/internal/pkg/circuit"
	"meanrev/internal/portfolio"
	"meanrev/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Name() string { return "mock" }

func (m *MockExecutor) Submit(ctx context.Context, o Order) (Order, error) {
	args := m.Called(ctx, o)
	return args.Get(0).(Order), args.Error(1)
}

func (m *MockExecutor) Poll(ctx context.Context, id string) (StatusSnapshot, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(StatusSnapshot), args.Error(1)
}

func (m *MockExecutor) Cancel(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockExecutor) Account(ctx context.Context) (Account, error) {
	args := m.Called(ctx)
	return args.Get(0).(Account), args.Error(1)
}

func (m *MockExecutor) Position(ctx context.Context, symbol string) (*portfolio.Position, error) {
	args := m.Called(ctx, symbol)
	pos, _ := args.Get(0).(*portfolio.Position)
	return pos, args.Error(1)
}

// recordingSleeper records every requested delay without sleeping.
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

// fakeClock advances by step on every sleep.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func testOrder() Order {
	return NewOrder("SPY", portfolio.SideLong, true, 100, 50, t0)
}

func TestOrder_Lifecycle(t *testing.T) {
	o := testOrder()
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, Buy, o.Side)
	assert.True(t, o.Opens())
	assert.NotEmpty(t, o.ID)

	require.NoError(t, o.Transition(StatusPartiallyFilled, t0))
	require.NoError(t, o.Transition(StatusPartiallyFilled, t0))
	require.NoError(t, o.Transition(StatusFilled, t0))
	assert.Equal(t, t0, o.FilledAt)
	assert.Len(t, o.History, 2)

	for _, to := range []Status{StatusPending, StatusPartiallyFilled, StatusCancelled, StatusRejected, StatusFilled} {
		assert.ErrorIs(t, o.Transition(to, t0), ErrIllegalTransition, to.String())
	}
	assert.Equal(t, StatusFilled, o.Status)

	e := testOrder()
	require.NoError(t, e.Transition(StatusExpired, t0))
	assert.Equal(t, StatusCancelled, e.Status)
}

func TestOrderSideFor(t *testing.T) {
	assert.Equal(t, Sell, OrderSideFor(portfolio.SideLong, false))
	assert.Equal(t, Sell, OrderSideFor(portfolio.SideShort, true))
	assert.Equal(t, Buy, OrderSideFor(portfolio.SideShort, false))
	assert.Equal(t, Buy, OrderSideFor(portfolio.SideHedge, true))

	cover := NewOrder("SPY", portfolio.SideShort, false, 1, 10, t0)
	assert.False(t, cover.Opens())
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, ExponentialBase: 2, MaxDelay: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, p.Delay(i), "attempt %d", i)
	}
	assert.Equal(t, 6, p.Attempts())
	assert.Equal(t, 1, RetryPolicy{MaxRetries: -1}.Attempts())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit text", errors.New("HTTP 429 Too Many Requests"), true},
		{"gateway", errors.New("upstream returned 502"), true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"exchange rejection", errors.New("insufficient margin"), false},
		{"fatal wins over text", Fatal(errors.New("timeout")), false},
		{"explicit retryable", Retryable(errors.New("weird")), true},
		{"usage error", fmt.Errorf("size: %w", risk.ErrInvalidPrice), false},
		{"ledger error", fmt.Errorf("open: %w", portfolio.ErrInsufficientFunds), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestAdapter_RetriesThenSucceeds(t *testing.T) {
	m := new(MockExecutor)
	o := testOrder()
	filled := o
	filled.ExternalID = "x1"
	filled.Status = StatusFilled
	m.On("Submit", mock.Anything, mock.Anything).Return(Order{}, errors.New("503 service unavailable")).Twice()
	m.On("Submit", mock.Anything, mock.Anything).Return(filled, nil).Once()

	rs := &recordingSleeper{}
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, ExponentialBase: 3, MaxDelay: time.Second}
	a := NewAdapter(m, policy, WithSleeper(rs.sleep))

	out, err := a.Submit(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, rs.delays)
	m.AssertNumberOfCalls(t, "Submit", 3)
}

func TestAdapter_ExhaustionRejects(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 4} {
		t.Run(fmt.Sprintf("max_retries=%d", maxRetries), func(t *testing.T) {
			m := new(MockExecutor)
			m.On("Submit", mock.Anything, mock.Anything).Return(Order{}, errors.New("request timed out"))
			rs := &recordingSleeper{}
			policy := RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, ExponentialBase: 2, MaxDelay: 5 * time.Millisecond}
			a := NewAdapter(m, policy, WithSleeper(rs.sleep), WithClock(func() time.Time { return t0 }))

			out, err := a.Submit(context.Background(), testOrder())
			assert.ErrorIs(t, err, ErrRetriesExhausted)
			assert.Contains(t, err.Error(), "timed out", "last error surfaced")
			assert.Equal(t, StatusRejected, out.Status)
			assert.NotEmpty(t, out.LastError)
			assert.LessOrEqual(t, len(m.Calls), maxRetries+1)
			m.AssertNumberOfCalls(t, "Submit", maxRetries+1)
			assert.Len(t, rs.delays, maxRetries)
			for i, d := range rs.delays {
				assert.Equal(t, policy.Delay(i), d)
			}
		})
	}
}

func TestAdapter_FatalNotRetried(t *testing.T) {
	m := new(MockExecutor)
	m.On("Submit", mock.Anything, mock.Anything).Return(Order{}, errors.New("invalid symbol"))
	a := NewAdapter(m, RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond, ExponentialBase: 2, MaxDelay: time.Second},
		WithSleeper((&recordingSleeper{}).sleep))

	out, err := a.Submit(context.Background(), testOrder())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StatusRejected, out.Status)
	m.AssertNumberOfCalls(t, "Submit", 1)

	bad := testOrder()
	bad.Quantity = 0
	out, err = a.Submit(context.Background(), bad)
	assert.Error(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	m.AssertNumberOfCalls(t, "Submit", 1)
}

func TestAdapter_StopFlagAndBreaker(t *testing.T) {
	t.Run("stop flag ends retries", func(t *testing.T) {
		m := new(MockExecutor)
		m.On("Submit", mock.Anything, mock.Anything).Return(Order{}, errors.New("timeout"))
		stop := &StopFlag{}
		stop.Stop()
		a := NewAdapter(m, RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, ExponentialBase: 2, MaxDelay: time.Second},
			WithStopFlag(stop), WithSleeper((&recordingSleeper{}).sleep))
		out, err := a.Submit(context.Background(), testOrder())
		assert.ErrorIs(t, err, ErrStopped)
		assert.Equal(t, StatusRejected, out.Status)
		m.AssertNumberOfCalls(t, "Submit", 1)
	})

	t.Run("open breaker skips the executor", func(t *testing.T) {
		m := new(MockExecutor)
		m.On("Submit", mock.Anything, mock.Anything).Return(Order{}, errors.New("timeout"))
		b := circuit.New("mock", 1, time.Hour)
		a := NewAdapter(m, RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, ExponentialBase: 2, MaxDelay: time.Second},
			WithBreaker(b), WithSleeper((&recordingSleeper{}).sleep))
		_, err := a.Submit(context.Background(), testOrder())
		assert.ErrorIs(t, err, ErrBreakerOpen)
		m.AssertNumberOfCalls(t, "Submit", 1)
	})
}

func TestTracker_PartialFillsWeightedPrice(t *testing.T) {
	m := new(MockExecutor)
	m.On("Poll", mock.Anything, "x1").Return(StatusSnapshot{Status: StatusPartiallyFilled, FilledQuantity: 30, LastPrice: 10}, nil).Once()
	m.On("Poll", mock.Anything, "x1").Return(StatusSnapshot{Status: StatusPartiallyFilled, FilledQuantity: 70, LastPrice: 11}, nil).Once()
	m.On("Poll", mock.Anything, "x1").Return(StatusSnapshot{Status: StatusFilled, FilledQuantity: 100, LastPrice: 12}, nil).Once()

	clock := &fakeClock{now: t0}
	tr := NewTracker(m, TrackerConfig{PollInterval: time.Second, Timeout: time.Minute},
		TrackWithSleeper(clock.sleep), TrackWithClock(clock.Now))
	o := testOrder()
	o.ExternalID = "x1"

	out, err := tr.Await(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, out.Status)
	assert.Equal(t, 100.0, out.FilledQuantity)
	assert.InDelta(t, (30*10.0+40*11.0+30*12.0)/100, out.FillPrice, 1e-9)
	assert.Equal(t, 1, out.Count(StatusFilled))
	assert.Equal(t, 1, out.Count(StatusPartiallyFilled))
}

func TestTracker_TimeoutKeepsPartial(t *testing.T) {
	newMock := func() *MockExecutor {
		m := new(MockExecutor)
		m.On("Poll", mock.Anything, "x1").Return(StatusSnapshot{Status: StatusPartiallyFilled, FilledQuantity: 40, LastPrice: 20}, nil)
		m.On("Cancel", mock.Anything, "x1").Return(true, nil)
		return m
	}

	t.Run("cancel remainder", func(t *testing.T) {
		m := newMock()
		clock := &fakeClock{now: t0}
		tr := NewTracker(m, TrackerConfig{PollInterval: time.Second, Timeout: 3 * time.Second, CancelOnTimeout: true},
			TrackWithSleeper(clock.sleep), TrackWithClock(clock.Now))
		o := testOrder()
		o.ExternalID = "x1"
		out, err := tr.Await(context.Background(), o)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, out.Status)
		assert.Equal(t, 40.0, out.FilledQuantity)
		assert.Equal(t, 20.0, out.FillPrice)
		m.AssertNumberOfCalls(t, "Cancel", 1)
	})

	t.Run("leave open", func(t *testing.T) {
		m := newMock()
		clock := &fakeClock{now: t0}
		tr := NewTracker(m, TrackerConfig{PollInterval: time.Second, Timeout: 3 * time.Second},
			TrackWithSleeper(clock.sleep), TrackWithClock(clock.Now))
		o := testOrder()
		o.ExternalID = "x1"
		out, err := tr.Await(context.Background(), o)
		assert.ErrorIs(t, err, ErrAwaitTimeout)
		assert.Equal(t, StatusPartiallyFilled, out.Status)
		assert.Equal(t, 40.0, out.FilledQuantity)
		m.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	})
}

func TestTracker_TransientPollErrorAndExpiry(t *testing.T) {
	m := new(MockExecutor)
	m.On("Poll", mock.Anything, "x1").Return(StatusSnapshot{}, errors.New("connection refused")).Once()
	m.On("Poll", mock.Anything, "x1").Return(StatusSnapshot{Status: StatusExpired, Message: "gtc expired"}, nil).Once()
	clock := &fakeClock{now: t0}
	tr := NewTracker(m, TrackerConfig{PollInterval: time.Second, Timeout: time.Minute},
		TrackWithSleeper(clock.sleep), TrackWithClock(clock.Now))
	o := testOrder()
	o.ExternalID = "x1"

	out, err := tr.Await(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, "gtc expired", out.LastError)
}

func TestPaperExecutor(t *testing.T) {
	model := FillModel{SlippagePct: 0.001, CommissionPerTrade: 1}

	t.Run("instant fill books the ledger", func(t *testing.T) {
		p, err := NewPaperExecutor(10000, model)
		require.NoError(t, err)
		p.WithClock(func() time.Time { return t0 })
		a := NewAdapter(p, RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, ExponentialBase: 2, MaxDelay: time.Second})

		out, err := a.Submit(context.Background(), NewOrder("SPY", portfolio.SideLong, true, 10, 100, t0))
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, out.Status)
		assert.InDelta(t, 100.1, out.FillPrice, 1e-9)

		pos, err := p.Position(context.Background(), "SPY")
		require.NoError(t, err)
		require.NotNil(t, pos)
		assert.Equal(t, 10.0, pos.Quantity)

		acct, err := p.Account(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 10000-1001-1, acct.Cash, 1e-9)
	})

	t.Run("scripted partials through the tracker", func(t *testing.T) {
		p, err := NewPaperExecutor(10000, model)
		require.NoError(t, err)
		p.WithPartialFills(0.3, 0.7, 1).WithClock(func() time.Time { return t0 })
		a := NewAdapter(p, RetryPolicy{MaxRetries: 0})
		out, err := a.Submit(context.Background(), NewOrder("SPY", portfolio.SideLong, true, 10, 100, t0))
		require.NoError(t, err)
		assert.Equal(t, StatusPending, out.Status)

		clock := &fakeClock{now: t0}
		tr := NewTracker(p, TrackerConfig{PollInterval: time.Second, Timeout: time.Minute},
			TrackWithSleeper(clock.sleep), TrackWithClock(clock.Now))
		out, err = tr.Await(context.Background(), out)
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, out.Status)
		assert.InDelta(t, 10, out.FilledQuantity, 1e-9)
		assert.InDelta(t, 100.1, out.FillPrice, 1e-9)
	})

	t.Run("insufficient funds is fatal", func(t *testing.T) {
		p, err := NewPaperExecutor(100, model)
		require.NoError(t, err)
		a := NewAdapter(p, RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, ExponentialBase: 2, MaxDelay: time.Second})
		out, err := a.Submit(context.Background(), NewOrder("SPY", portfolio.SideLong, true, 10, 100, t0))
		assert.ErrorIs(t, err, portfolio.ErrInsufficientFunds)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, 1, out.Attempts)
	})
}

func TestFillModel(t *testing.T) {
	m := FillModel{SlippagePct: 0.01, CommissionPct: 0.001, CommissionPerTrade: 2}
	assert.InDelta(t, 101, m.Price(Buy, 100), 1e-9)
	assert.InDelta(t, 99, m.Price(Sell, 100), 1e-9)
	assert.InDelta(t, 3, m.Commission(10, 100), 1e-9)
	assert.Equal(t, 0.0, m.Commission(0, 100))
}
