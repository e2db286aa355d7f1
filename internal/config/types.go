package config

import (
	"strings"
	"time"
)

// Config is the root configuration. It is built once by Load and never mutated afterwards;
// components receive the sections they need through their constructors.
type Config struct {
	App       AppConfig       `toml:"app"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Backtest  BacktestConfig  `toml:"backtest"`
	Execution ExecutionConfig `toml:"execution"`
	Market    MarketConfig    `toml:"market"`
	Store     StoreConfig     `toml:"store"`
	Live      LiveConfig      `toml:"live"`
	Optimizer OptimizerConfig `toml:"optimizer"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	LogPath       string `toml:"log_path"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
}

// StrategyConfig holds every tunable of the mean-reversion strategy. Percentages are
// fractions (0.05 == 5%).
type StrategyConfig struct {
	Symbol string `toml:"symbol"`

	RSIPeriod     int     `toml:"rsi_period"`
	RSIOversold   float64 `toml:"rsi_oversold"`
	RSIOverbought float64 `toml:"rsi_overbought"`
	SMAPeriod     int     `toml:"sma_period"`

	StopLossPct     float64 `toml:"stop_loss_pct"`
	PositionSizePct float64 `toml:"position_size_pct"`
	CashReservePct  float64 `toml:"cash_reserve_pct"`
	// MaxPositionValue caps a single entry in account currency; 0 disables the cap.
	MaxPositionValue float64 `toml:"max_position_value"`
	FractionalShares bool    `toml:"fractional_shares"`

	VWAPFilterEnabled bool `toml:"vwap_filter_enabled"`
	VWAPEntryBelow    bool `toml:"vwap_entry_below"`
	VWAPPeriod        int  `toml:"vwap_period"`

	BBFilterEnabled bool    `toml:"bb_filter_enabled"`
	BBPeriod        int     `toml:"bb_period"`
	BBStdDev        float64 `toml:"bb_std_dev"`

	VolumeFilterEnabled bool    `toml:"volume_filter_enabled"`
	VolumeMinRatio      float64 `toml:"volume_min_ratio"`
	VolumePeriod        int     `toml:"volume_period"`

	PriorBarExitEnabled bool `toml:"prior_bar_exit_enabled"`

	ShortEnabled         bool    `toml:"short_enabled"`
	UseInverseInstrument bool    `toml:"use_inverse_instrument"`
	InverseSymbol        string  `toml:"inverse_symbol"`
	RSIOverboughtShort   float64 `toml:"rsi_overbought_short"`
	RSIOversoldShort     float64 `toml:"rsi_oversold_short"`
	ShortStopLossPct     float64 `toml:"short_stop_loss_pct"`
	ShortPositionSizePct float64 `toml:"short_position_size_pct"`

	ATRStopEnabled    bool    `toml:"atr_stop_enabled"`
	ATRStopMultiplier float64 `toml:"atr_stop_multiplier"`
	ATRPeriod         int     `toml:"atr_period"`
}

// PrimarySymbol returns the normalised traded symbol.
func (s StrategyConfig) PrimarySymbol() string {
	return strings.ToUpper(strings.TrimSpace(s.Symbol))
}

// HedgeSymbol returns the instrument traded for short exposure: the inverse instrument when
// hedging, otherwise the primary symbol itself.
func (s StrategyConfig) HedgeSymbol() string {
	if s.UseInverseInstrument {
		return strings.ToUpper(strings.TrimSpace(s.InverseSymbol))
	}
	return s.PrimarySymbol()
}

// BacktestConfig controls the simulated fill model and metric assumptions.
type BacktestConfig struct {
	InitialCash        float64 `toml:"initial_cash"`
	SlippagePct        float64 `toml:"slippage_pct"`
	CommissionPct      float64 `toml:"commission_pct"`
	CommissionPerTrade float64 `toml:"commission_per_trade"`
	RiskFreeRate       float64 `toml:"risk_free_rate"`
	Interval           string  `toml:"interval"`
	PeriodsPerYear     int     `toml:"periods_per_year"`
}

// RetryConfig mirrors execution.RetryPolicy.
type RetryConfig struct {
	MaxRetries      int     `toml:"max_retries"`
	BaseDelayMS     int     `toml:"base_delay_ms"`
	ExponentialBase float64 `toml:"exponential_base"`
	MaxDelayMS      int     `toml:"max_delay_ms"`
}

func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

type ExecutionConfig struct {
	// Mode selects the executor: "paper" or "freqtrade".
	Mode                   string          `toml:"mode"`
	Retry                  RetryConfig     `toml:"retry"`
	PollIntervalMS         int             `toml:"poll_interval_ms"`
	OrderTimeoutSeconds    int             `toml:"order_timeout_seconds"`
	CancelOnTimeout        bool            `toml:"cancel_on_timeout"`
	BreakerThreshold       int             `toml:"breaker_threshold"`
	BreakerCooldownSeconds int             `toml:"breaker_cooldown_seconds"`
	Freqtrade              FreqtradeConfig `toml:"freqtrade"`
}

func (e ExecutionConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

func (e ExecutionConfig) OrderTimeout() time.Duration {
	return time.Duration(e.OrderTimeoutSeconds) * time.Second
}

func (e ExecutionConfig) BreakerCooldown() time.Duration {
	return time.Duration(e.BreakerCooldownSeconds) * time.Second
}

// FreqtradeConfig describes the external execution engine.
type FreqtradeConfig struct {
	APIURL             string  `toml:"api_url"`
	Username           string  `toml:"username"`
	Password           string  `toml:"password"`
	APIToken           string  `toml:"api_token"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	InsecureSkipVerify bool    `toml:"insecure_skip_verify"`
	StakeCurrency      string  `toml:"stake_currency"`
	EntryTag           string  `toml:"entry_tag"`
	PollsPerSecond     float64 `toml:"polls_per_second"`
}

type MarketConfig struct {
	RESTBaseURL        string  `toml:"rest_base_url"`
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"`
	RequestsPerMinute  int     `toml:"requests_per_minute"`
	ProxyURL           string  `toml:"proxy_url"`
	PageLimit          int     `toml:"page_limit"`
	MinVolume          float64 `toml:"min_volume"`
}

type StoreConfig struct {
	BarDir       string `toml:"bar_dir"`
	ResultDBPath string `toml:"result_db_path"`
}

type LiveConfig struct {
	Schedule     string `toml:"schedule"`
	LookbackBars int    `toml:"lookback_bars"`
	MetricsAddr  string `toml:"metrics_addr"`
}

type OptimizerConfig struct {
	Workers   int    `toml:"workers"`
	Objective string `toml:"objective"`
	TopN      int    `toml:"top_n"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
