package config

import (
	"strings"
)

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"

	defaultSymbol             = "SPY"
	defaultRSIPeriod          = 14
	defaultRSIOversold        = 30
	defaultRSIOverbought      = 70
	defaultSMAPeriod          = 200
	defaultStopLossPct        = 0.05
	defaultPositionSizePct    = 0.10
	defaultCashReservePct     = 0.05
	defaultBBPeriod           = 20
	defaultBBStdDev           = 2.0
	defaultVolumeMinRatio     = 1.2
	defaultVolumePeriod       = 20
	defaultVWAPPeriod         = 20
	defaultRSIOverboughtShort = 75
	defaultRSIOversoldShort   = 45
	defaultShortStopLossPct   = 0.05
	defaultShortPositionPct   = 0.05
	defaultATRStopMultiplier  = 2.0
	defaultATRPeriod          = 14

	defaultInitialCash    = 10000
	defaultSlippagePct    = 0.0005
	defaultInterval       = "1d"
	defaultPeriodsPerYear = 252

	defaultExecutionMode    = "paper"
	defaultMaxRetries       = 3
	defaultBaseDelayMS      = 500
	defaultExponentialBase  = 2.0
	defaultMaxDelayMS       = 30000
	defaultPollIntervalMS   = 1000
	defaultOrderTimeout     = 60
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30
	defaultFreqtradeAPI     = "http://freqtrade:8080/api/v1"
	defaultFreqtradeTimeout = 15
	defaultFreqtradeStake   = "USDT"
	defaultFreqtradePollRPS = 2

	defaultMarketREST      = "https://fapi.binance.com"
	defaultMarketTimeout   = 15
	defaultMarketRPM       = 600
	defaultMarketPageLimit = 1000

	defaultBarDir       = "data/bars"
	defaultResultDBPath = "data/results.db"

	defaultLiveSchedule = "@every 1h"
	defaultLiveLookback = 300
	defaultMetricsAddr  = ":9464"

	defaultOptimizerObjective = "sharpe"
	defaultOptimizerTopN      = 10
)

// applyDefaults fills every section, skipping keys the user set explicitly (even to zero).
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Live.applyDefaults(keys)
	c.Optimizer.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, 100),
	)
}

// Defaults returns a Config with every field at its default value.
func Defaults() Config {
	var cfg Config
	cfg.applyDefaults(nil)
	return cfg
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.symbol", &s.Symbol, defaultSymbol),
		intFieldDefault("strategy.rsi_period", &s.RSIPeriod, defaultRSIPeriod),
		floatFieldDefault("strategy.rsi_oversold", &s.RSIOversold, defaultRSIOversold),
		floatFieldDefault("strategy.rsi_overbought", &s.RSIOverbought, defaultRSIOverbought),
		intFieldDefault("strategy.sma_period", &s.SMAPeriod, defaultSMAPeriod),
		floatFieldDefault("strategy.stop_loss_pct", &s.StopLossPct, defaultStopLossPct),
		floatFieldDefault("strategy.position_size_pct", &s.PositionSizePct, defaultPositionSizePct),
		floatFieldDefault("strategy.cash_reserve_pct", &s.CashReservePct, defaultCashReservePct),
		boolFieldDefault("strategy.vwap_entry_below", &s.VWAPEntryBelow, true),
		intFieldDefault("strategy.vwap_period", &s.VWAPPeriod, defaultVWAPPeriod),
		intFieldDefault("strategy.bb_period", &s.BBPeriod, defaultBBPeriod),
		floatFieldDefault("strategy.bb_std_dev", &s.BBStdDev, defaultBBStdDev),
		floatFieldDefault("strategy.volume_min_ratio", &s.VolumeMinRatio, defaultVolumeMinRatio),
		intFieldDefault("strategy.volume_period", &s.VolumePeriod, defaultVolumePeriod),
		boolFieldDefault("strategy.prior_bar_exit_enabled", &s.PriorBarExitEnabled, true),
		floatFieldDefault("strategy.rsi_overbought_short", &s.RSIOverboughtShort, defaultRSIOverboughtShort),
		floatFieldDefault("strategy.rsi_oversold_short", &s.RSIOversoldShort, defaultRSIOversoldShort),
		floatFieldDefault("strategy.short_stop_loss_pct", &s.ShortStopLossPct, defaultShortStopLossPct),
		floatFieldDefault("strategy.short_position_size_pct", &s.ShortPositionSizePct, defaultShortPositionPct),
		floatFieldDefault("strategy.atr_stop_multiplier", &s.ATRStopMultiplier, defaultATRStopMultiplier),
		intFieldDefault("strategy.atr_period", &s.ATRPeriod, defaultATRPeriod),
	)
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.InverseSymbol = strings.ToUpper(strings.TrimSpace(s.InverseSymbol))
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("backtest.initial_cash", &b.InitialCash, defaultInitialCash),
		floatFieldDefault("backtest.slippage_pct", &b.SlippagePct, defaultSlippagePct),
		stringFieldDefault("backtest.interval", &b.Interval, defaultInterval),
		intFieldDefault("backtest.periods_per_year", &b.PeriodsPerYear, defaultPeriodsPerYear),
	)
	if b.CommissionPct < 0 {
		b.CommissionPct = 0
	}
	if b.CommissionPerTrade < 0 {
		b.CommissionPerTrade = 0
	}
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("execution.mode", &e.Mode, defaultExecutionMode),
		intFieldDefault("execution.retry.max_retries", &e.Retry.MaxRetries, defaultMaxRetries),
		intFieldDefault("execution.retry.base_delay_ms", &e.Retry.BaseDelayMS, defaultBaseDelayMS),
		floatFieldDefault("execution.retry.exponential_base", &e.Retry.ExponentialBase, defaultExponentialBase),
		intFieldDefault("execution.retry.max_delay_ms", &e.Retry.MaxDelayMS, defaultMaxDelayMS),
		intFieldDefault("execution.poll_interval_ms", &e.PollIntervalMS, defaultPollIntervalMS),
		intFieldDefault("execution.order_timeout_seconds", &e.OrderTimeoutSeconds, defaultOrderTimeout),
		boolFieldDefault("execution.cancel_on_timeout", &e.CancelOnTimeout, true),
		intFieldDefault("execution.breaker_threshold", &e.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("execution.breaker_cooldown_seconds", &e.BreakerCooldownSeconds, defaultBreakerCooldown),
		stringFieldDefault("execution.freqtrade.api_url", &e.Freqtrade.APIURL, defaultFreqtradeAPI),
		intFieldDefault("execution.freqtrade.timeout_seconds", &e.Freqtrade.TimeoutSeconds, defaultFreqtradeTimeout),
		stringFieldDefault("execution.freqtrade.stake_currency", &e.Freqtrade.StakeCurrency, defaultFreqtradeStake),
		floatFieldDefault("execution.freqtrade.polls_per_second", &e.Freqtrade.PollsPerSecond, defaultFreqtradePollRPS),
	)
	e.Mode = strings.ToLower(strings.TrimSpace(e.Mode))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		intFieldDefault("market.http_timeout_seconds", &m.HTTPTimeoutSeconds, defaultMarketTimeout),
		intFieldDefault("market.requests_per_minute", &m.RequestsPerMinute, defaultMarketRPM),
		intFieldDefault("market.page_limit", &m.PageLimit, defaultMarketPageLimit),
	)
	m.ProxyURL = strings.TrimSpace(m.ProxyURL)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.bar_dir", &s.BarDir, defaultBarDir),
		stringFieldDefault("store.result_db_path", &s.ResultDBPath, defaultResultDBPath),
	)
}

func (l *LiveConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("live.schedule", &l.Schedule, defaultLiveSchedule),
		intFieldDefault("live.lookback_bars", &l.LookbackBars, defaultLiveLookback),
		stringFieldDefault("live.metrics_addr", &l.MetricsAddr, defaultMetricsAddr),
	)
}

func (o *OptimizerConfig) applyDefaults(keys keySet) {
	if o == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("optimizer.objective", &o.Objective, defaultOptimizerObjective),
		intFieldDefault("optimizer.top_n", &o.TopN, defaultOptimizerTopN),
	)
	o.Objective = strings.ToLower(strings.TrimSpace(o.Objective))
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

// boolFieldDefault only applies when the key is absent; a bool has no "unset" zero value.
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
