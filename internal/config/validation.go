package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// validate rejects configurations the strategy cannot run with.
func validate(c *Config) error {
	if err := c.Strategy.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Live.validate(); err != nil {
		return err
	}
	if err := c.Optimizer.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StrategyConfig) validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("strategy.symbol cannot be empty")
	}
	if s.RSIPeriod < 2 {
		return fmt.Errorf("strategy.rsi_period must be >= 2")
	}
	if err := checkRSIBand("strategy.rsi_oversold", s.RSIOversold); err != nil {
		return err
	}
	if err := checkRSIBand("strategy.rsi_overbought", s.RSIOverbought); err != nil {
		return err
	}
	if s.RSIOversold >= s.RSIOverbought {
		return fmt.Errorf("strategy.rsi_oversold must be < strategy.rsi_overbought")
	}
	if s.SMAPeriod < 0 {
		return fmt.Errorf("strategy.sma_period must be >= 0")
	}
	if err := checkFraction("strategy.stop_loss_pct", s.StopLossPct, false); err != nil {
		return err
	}
	if err := checkFraction("strategy.position_size_pct", s.PositionSizePct, false); err != nil {
		return err
	}
	if s.CashReservePct < 0 || s.CashReservePct >= 1 {
		return fmt.Errorf("strategy.cash_reserve_pct must be in [0, 1)")
	}
	if s.MaxPositionValue < 0 {
		return fmt.Errorf("strategy.max_position_value must be >= 0")
	}
	if s.BBFilterEnabled {
		if s.BBPeriod < 2 {
			return fmt.Errorf("strategy.bb_period must be >= 2")
		}
		if s.BBStdDev <= 0 {
			return fmt.Errorf("strategy.bb_std_dev must be > 0")
		}
	}
	if s.VolumeFilterEnabled {
		if s.VolumePeriod < 1 {
			return fmt.Errorf("strategy.volume_period must be >= 1")
		}
		if s.VolumeMinRatio <= 0 {
			return fmt.Errorf("strategy.volume_min_ratio must be > 0")
		}
	}
	if s.VWAPFilterEnabled && s.VWAPPeriod < 1 {
		return fmt.Errorf("strategy.vwap_period must be >= 1")
	}
	if s.ATRStopEnabled {
		if s.ATRPeriod < 1 {
			return fmt.Errorf("strategy.atr_period must be >= 1")
		}
		if s.ATRStopMultiplier <= 0 {
			return fmt.Errorf("strategy.atr_stop_multiplier must be > 0")
		}
	}
	if s.ShortEnabled {
		if err := checkRSIBand("strategy.rsi_overbought_short", s.RSIOverboughtShort); err != nil {
			return err
		}
		if err := checkRSIBand("strategy.rsi_oversold_short", s.RSIOversoldShort); err != nil {
			return err
		}
		if s.RSIOversoldShort >= s.RSIOverboughtShort {
			return fmt.Errorf("strategy.rsi_oversold_short must be < strategy.rsi_overbought_short")
		}
		if err := checkFraction("strategy.short_stop_loss_pct", s.ShortStopLossPct, false); err != nil {
			return err
		}
		if err := checkFraction("strategy.short_position_size_pct", s.ShortPositionSizePct, false); err != nil {
			return err
		}
		if s.UseInverseInstrument {
			if s.InverseSymbol == "" {
				return fmt.Errorf("strategy.inverse_symbol is required when use_inverse_instrument is true")
			}
			if s.InverseSymbol == s.Symbol {
				return fmt.Errorf("strategy.inverse_symbol must differ from strategy.symbol")
			}
		}
	}
	return nil
}

func checkRSIBand(key string, v float64) error {
	if v <= 0 || v >= 100 {
		return fmt.Errorf("%s must be in (0, 100)", key)
	}
	return nil
}

func checkFraction(key string, v float64, allowZero bool) error {
	if allowZero && v == 0 {
		return nil
	}
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be in (0, 1]", key)
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.InitialCash <= 0 {
		return fmt.Errorf("backtest.initial_cash must be > 0")
	}
	if b.SlippagePct < 0 || b.SlippagePct >= 1 {
		return fmt.Errorf("backtest.slippage_pct must be in [0, 1)")
	}
	if b.CommissionPct >= 1 {
		return fmt.Errorf("backtest.commission_pct must be < 1")
	}
	if !IsValidInterval(b.Interval) {
		return fmt.Errorf("backtest.interval %q is invalid", b.Interval)
	}
	if b.PeriodsPerYear <= 0 {
		return fmt.Errorf("backtest.periods_per_year must be > 0")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	switch e.Mode {
	case "paper", "freqtrade":
	default:
		return fmt.Errorf("execution.mode must be paper or freqtrade, got %s", e.Mode)
	}
	if e.Retry.MaxRetries < 0 {
		return fmt.Errorf("execution.retry.max_retries must be >= 0")
	}
	if e.Retry.ExponentialBase < 1 {
		return fmt.Errorf("execution.retry.exponential_base must be >= 1")
	}
	if e.Retry.MaxDelayMS < e.Retry.BaseDelayMS {
		return fmt.Errorf("execution.retry.max_delay_ms must be >= base_delay_ms")
	}
	if e.BreakerThreshold < 1 {
		return fmt.Errorf("execution.breaker_threshold must be >= 1")
	}
	if e.Mode == "freqtrade" {
		return e.Freqtrade.validate()
	}
	return nil
}

func (f *FreqtradeConfig) validate() error {
	if strings.TrimSpace(f.APIURL) == "" {
		return fmt.Errorf("execution.freqtrade.api_url cannot be empty")
	}
	if strings.TrimSpace(f.APIToken) == "" {
		if strings.TrimSpace(f.Username) == "" || strings.TrimSpace(f.Password) == "" {
			return fmt.Errorf("freqtrade requires api_token or username+password")
		}
	}
	if f.PollsPerSecond <= 0 {
		return fmt.Errorf("execution.freqtrade.polls_per_second must be > 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if strings.TrimSpace(m.RESTBaseURL) == "" {
		return fmt.Errorf("market.rest_base_url cannot be empty")
	}
	if m.PageLimit > 1500 {
		return fmt.Errorf("market.page_limit must be <= 1500")
	}
	if m.MinVolume < 0 {
		return fmt.Errorf("market.min_volume must be >= 0")
	}
	return nil
}

func (l *LiveConfig) validate() error {
	if _, err := cron.ParseStandard(l.Schedule); err != nil {
		return fmt.Errorf("live.schedule %q is invalid: %w", l.Schedule, err)
	}
	if l.LookbackBars < 2 {
		return fmt.Errorf("live.lookback_bars must be >= 2")
	}
	return nil
}

func (o *OptimizerConfig) validate() error {
	if o.Workers < 0 {
		return fmt.Errorf("optimizer.workers must be >= 0")
	}
	switch o.Objective {
	case "sharpe", "sortino", "total_return", "calmar", "profit_factor":
	default:
		return fmt.Errorf("optimizer.objective %q is not supported", o.Objective)
	}
	return nil
}

// IsValidInterval accepts a positive count followed by m, h, d or w ("15m", "1d").
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s[0] != '0'
}
