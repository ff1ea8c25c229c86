// Package config defines all configuration for the zigQuant trading
// runtime. Config is loaded from a YAML file with sensitive fields
// overridable via ZQ_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, mapping directly to the YAML file
// structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Mode       string           `mapstructure:"mode"` // "live" or "backtest"
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Risk       RiskConfig       `mapstructure:"risk"`
	StopLoss   StopLossConfig   `mapstructure:"stop_loss"`
	Money      MoneyConfig      `mapstructure:"money"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing exchange actions.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	AgentOnly  bool   `mapstructure:"agent_only"`
}

// ExchangeConfig holds Hyperliquid API endpoints and pair subscriptions.
type ExchangeConfig struct {
	RESTBaseURL string        `mapstructure:"rest_base_url"`
	WSURL       string        `mapstructure:"ws_url"`
	Testnet     bool          `mapstructure:"testnet"`
	Pairs       []string      `mapstructure:"pairs"`
	RateLimit   float64       `mapstructure:"rate_limit_per_sec"`
	RateBurst   int           `mapstructure:"rate_burst"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RiskConfig sets the pre-trade gate and kill switch thresholds.
type RiskConfig struct {
	MaxPositionNotional  float64       `mapstructure:"max_position_notional"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxLeverage          float64       `mapstructure:"max_leverage"`
	MaxOrdersPerSecond   float64       `mapstructure:"max_orders_per_second"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	MaxDailyLossPct      float64       `mapstructure:"max_daily_loss_pct"`
	KillSwitchDrawdownPct float64      `mapstructure:"kill_switch_drawdown_pct"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

// StopLossConfig sets the default trailing/fixed stop behavior applied to
// new positions unless a strategy supplies its own StopConfig.
type StopLossConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	FixedPct       float64 `mapstructure:"fixed_pct"`
	TrailingPct    float64 `mapstructure:"trailing_pct"`
	ActivationPct  float64 `mapstructure:"activation_pct"`
}

// MoneyConfig tunes position sizing.
type MoneyConfig struct {
	Method        string  `mapstructure:"method"` // fixed_fraction | kelly | risk_parity
	RiskPerTrade  float64 `mapstructure:"risk_per_trade_pct"`
	KellyFraction float64 `mapstructure:"kelly_fraction"`
	MaxPositionPct float64 `mapstructure:"max_position_pct"`
	LotSize       float64 `mapstructure:"lot_size"`
}

// ExecutionConfig tunes the ExecutionEngine's retry and local limits.
type ExecutionConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	BaseBackoff          time.Duration `mapstructure:"base_backoff"`
	MaxOpenOrders        int           `mapstructure:"max_open_orders"`
	MaxOpenOrdersPerPair int           `mapstructure:"max_open_orders_per_pair"`
}

// RecoveryConfig controls checkpointing.
type RecoveryConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	CheckpointDir           string        `mapstructure:"checkpoint_dir"`
	Interval                time.Duration `mapstructure:"interval"`
	RetentionCount          int           `mapstructure:"retention_count"`
	MaxCheckpointAgeHours   int           `mapstructure:"max_checkpoint_age_hours"`
	SyncWithExchange        bool          `mapstructure:"sync_with_exchange"`
	CancelOrphanOrders      bool          `mapstructure:"cancel_orphan_orders"`
	ReconcileDeltaThreshold float64       `mapstructure:"reconcile_delta_threshold"`
}

// BacktestConfig tunes the backtest engine.
type BacktestConfig struct {
	DataDir          string        `mapstructure:"data_dir"`
	StartingCash     float64       `mapstructure:"starting_cash"`
	FeeRateBps       float64       `mapstructure:"fee_rate_bps"`
	LatencyMean      time.Duration `mapstructure:"latency_mean"`
	LatencyStdDev    time.Duration `mapstructure:"latency_stddev"`
	Vectorized       bool          `mapstructure:"vectorized"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ZQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ZQ_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if os.Getenv("ZQ_DRY_RUN") == "true" || os.Getenv("ZQ_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mode != "live" && c.Mode != "backtest" {
		return fmt.Errorf("mode must be \"live\" or \"backtest\"")
	}
	if c.Mode == "live" {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required in live mode (set ZQ_PRIVATE_KEY)")
		}
		if c.Exchange.RESTBaseURL == "" {
			return fmt.Errorf("exchange.rest_base_url is required")
		}
		if len(c.Exchange.Pairs) == 0 {
			return fmt.Errorf("exchange.pairs must list at least one pair")
		}
	}
	if c.Risk.MaxPositionNotional <= 0 {
		return fmt.Errorf("risk.max_position_notional must be > 0")
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return fmt.Errorf("risk.max_global_exposure must be > 0")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if c.Money.LotSize <= 0 {
		return fmt.Errorf("money.lot_size must be > 0")
	}
	switch c.Money.Method {
	case "fixed_fraction", "kelly", "risk_parity":
	default:
		return fmt.Errorf("money.method must be one of: fixed_fraction, kelly, risk_parity")
	}
	if c.Recovery.Enabled && c.Recovery.CheckpointDir == "" {
		return fmt.Errorf("recovery.checkpoint_dir is required when recovery.enabled is true")
	}
	return nil
}
