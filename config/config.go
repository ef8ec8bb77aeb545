// config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// GatewayConfig holds the brokerage gateway connection settings.
type GatewayConfig struct {
	Endpoint              string `yaml:"endpoint"`
	Account               string `yaml:"account"`
	Paper                 bool   `yaml:"paper"`
	BaseClientID          int    `yaml:"base_client_id"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	UseSimulation         bool   `yaml:"use_simulation"`
}

// TradingConfig holds order submission settings.
type TradingConfig struct {
	DryRun             bool    `yaml:"dry_run"`
	LiveTrading        bool    `yaml:"live_trading"`
	OrderType          string  `yaml:"order_type"` // LIMIT or MARKET
	FillTimeoutSeconds int     `yaml:"fill_timeout_seconds"`
	FillPollMillis     int     `yaml:"fill_poll_millis"`
	MaxRetries         int     `yaml:"max_retries"`
	RetryBaseMillis    int     `yaml:"retry_base_millis"`
	ContractMultiplier int     `yaml:"contract_multiplier"`
	TickSize           float64 `yaml:"tick_size"`
	Workers            int     `yaml:"workers"`
}

// RiskConfig holds the admission-control thresholds.
type RiskConfig struct {
	MaxDailyLossPct         float64 `yaml:"max_daily_loss_pct"` // fraction of equity, e.g. 0.02
	MaxPositions            int     `yaml:"max_positions"`
	MaxTradesPerDay         int     `yaml:"max_trades_per_day"`
	MaxMarginUtilization    float64 `yaml:"max_margin_utilization"` // fraction, e.g. 0.80
	ApprovalValiditySeconds int     `yaml:"approval_validity_seconds"`
	MaxSnapshotAgeSeconds   int     `yaml:"max_snapshot_age_seconds"`
}

// ExitConfig holds the exit thresholds.
type ExitConfig struct {
	ProfitTargetPct  float64 `yaml:"profit_target_pct"` // e.g. 0.50 = 50% of premium captured
	StopLossPct      float64 `yaml:"stop_loss_pct"`     // negative, e.g. -2.00
	TimeExitDTE      int     `yaml:"time_exit_dte"`
	EmergencyRetries int     `yaml:"emergency_retries"`
	UseMarketOrders  bool    `yaml:"use_market_orders"`
}

// MonitorConfig holds the position polling settings.
type MonitorConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	MinRefreshSeconds int `yaml:"min_refresh_seconds"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds all general settings.
type NormalConfig struct {
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	LogDirectory             string `yaml:"log_directory"`
	StateDirectory           string `yaml:"state_directory"`
	MetricsAddr              string `yaml:"metrics_addr"`
}

// Config is the top-level configuration structure.
type Config struct {
	Gateway *GatewayConfig `yaml:"gateway"`
	Trading *TradingConfig `yaml:"trading"`
	Risk    *RiskConfig    `yaml:"risk"`
	Exit    *ExitConfig    `yaml:"exit"`
	Monitor *MonitorConfig `yaml:"monitor"`
	Normal  *NormalConfig  `yaml:"normal_config"`
	Logs    *LogConfig     `yaml:"logs"`
}

// NewConfig creates a Config with the safe defaults. Thresholds that decide
// money flow are left at zero and must come from config.yaml.
func NewConfig() *Config {
	return &Config{
		Gateway: &GatewayConfig{
			Paper:                 true,
			BaseClientID:          100,
			RequestTimeoutSeconds: 10,
		},
		Trading: &TradingConfig{
			DryRun:             true,
			OrderType:          "LIMIT",
			FillTimeoutSeconds: 30,
			FillPollMillis:     500,
			MaxRetries:         3,
			RetryBaseMillis:    500,
			ContractMultiplier: 100,
			TickSize:           0.01,
			Workers:            1,
		},
		Risk: &RiskConfig{
			ApprovalValiditySeconds: 5,
			MaxSnapshotAgeSeconds:   60,
		},
		Exit: &ExitConfig{
			EmergencyRetries: 2,
		},
		Monitor: &MonitorConfig{
			IntervalSeconds:   60,
			MinRefreshSeconds: 15,
		},
		Normal: &NormalConfig{
			HeartbeatIntervalMinutes: 10,
			LogDirectory:             "logs",
			StateDirectory:           "state",
		},
		Logs: &LogConfig{
			LogLevel:   "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s, program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}
	cfg.Trading.OrderType = strings.ToUpper(cfg.Trading.OrderType)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the logical consistency and completeness of the entire configuration.
func (c *Config) Validate() error {
	if c.Gateway == nil || c.Trading == nil || c.Risk == nil || c.Exit == nil || c.Monitor == nil || c.Normal == nil || c.Logs == nil {
		return fmt.Errorf("Critical config missing: gateway, trading, risk, exit, monitor, normal_config and logs blocks are all required")
	}

	// Gateway
	if !c.Gateway.UseSimulation && c.Gateway.Endpoint == "" {
		return fmt.Errorf("Critical config missing: 'gateway.endpoint' must be specified unless 'gateway.use_simulation' is true")
	}
	if c.Gateway.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'gateway.request_timeout_seconds' must be positive")
	}
	if c.Gateway.BaseClientID < 0 {
		return fmt.Errorf("Config error: 'gateway.base_client_id' cannot be negative")
	}
	if !c.Gateway.Paper && !c.Trading.LiveTrading {
		return fmt.Errorf("Config error: 'gateway.paper' is false but 'trading.live_trading' is not enabled")
	}

	// Trading
	if c.Trading.OrderType != "LIMIT" && c.Trading.OrderType != "MARKET" {
		return fmt.Errorf("Config error: 'trading.order_type' must be 'LIMIT' or 'MARKET'")
	}
	if c.Trading.FillTimeoutSeconds <= 0 || c.Trading.FillPollMillis <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.fill_timeout_seconds' and 'trading.fill_poll_millis' must be positive")
	}
	if c.Trading.MaxRetries <= 0 || c.Trading.MaxRetries > 10 {
		return fmt.Errorf("Config error: 'trading.max_retries' must be between 1 and 10")
	}
	if c.Trading.RetryBaseMillis <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.retry_base_millis' must be positive")
	}
	if c.Trading.ContractMultiplier <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.contract_multiplier' must be positive")
	}
	if c.Trading.TickSize <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.tick_size' must be positive")
	}
	if c.Trading.Workers <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.workers' must be positive")
	}

	// Risk
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct >= 1 {
		return fmt.Errorf("Critical config missing: 'risk.max_daily_loss_pct' must be a fraction between 0 and 1")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.max_positions' must be explicitly specified and be positive")
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.max_trades_per_day' must be explicitly specified and be positive")
	}
	if c.Risk.MaxMarginUtilization <= 0 || c.Risk.MaxMarginUtilization > 1 {
		return fmt.Errorf("Critical config missing: 'risk.max_margin_utilization' must be a fraction in (0, 1]")
	}
	if c.Risk.ApprovalValiditySeconds <= 0 {
		return fmt.Errorf("Config error: 'risk.approval_validity_seconds' must be positive")
	}
	if c.Risk.MaxSnapshotAgeSeconds <= 0 {
		return fmt.Errorf("Config error: 'risk.max_snapshot_age_seconds' must be positive")
	}

	// Exit. Profit and stop thresholds live on disjoint ranges of pnl_pct.
	if c.Exit.ProfitTargetPct <= 0 {
		return fmt.Errorf("Critical config missing: 'exit.profit_target_pct' must be explicitly specified and be positive")
	}
	if c.Exit.StopLossPct >= 0 {
		return fmt.Errorf("Critical config missing: 'exit.stop_loss_pct' must be explicitly specified and be negative")
	}
	if c.Exit.TimeExitDTE < 0 {
		return fmt.Errorf("Config error: 'exit.time_exit_dte' cannot be negative")
	}
	if c.Exit.EmergencyRetries < 0 || c.Exit.EmergencyRetries > 5 {
		return fmt.Errorf("Config error: 'exit.emergency_retries' must be between 0 and 5")
	}

	// Monitor
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'monitor.interval_seconds' must be positive")
	}
	if c.Monitor.MinRefreshSeconds < 0 {
		return fmt.Errorf("Config error: 'monitor.min_refresh_seconds' cannot be negative")
	}

	// Normal
	if c.Normal.LogDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.log_directory' must be explicitly specified (e.g., 'logs')")
	}
	if c.Normal.StateDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.state_directory' must be explicitly specified (e.g., 'state')")
	}

	// Logs
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("Critical config missing: 'logs.log_level' must be explicitly specified (e.g., 'info', 'debug', 'warn', 'error')")
	}
	if c.Logs.MaxSizeMB <= 0 || c.Logs.MaxBackups <= 0 || c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_size_mb', 'logs.max_backups' and 'logs.max_age_days' must be positive")
	}

	return nil
}

// RequestTimeout returns the per-call gateway timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeoutSeconds) * time.Second
}

type EnvConfig struct {
	GatewayEndpoint string
	GatewayAccount  string
	GatewayToken    string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		GatewayEndpoint: os.Getenv("GATEWAY_ENDPOINT"),
		GatewayAccount:  os.Getenv("GATEWAY_ACCOUNT"),
		GatewayToken:    os.Getenv("GATEWAY_TOKEN"),
	}
}

// ApplyEnv overrides gateway settings with non-empty environment values.
func (c *Config) ApplyEnv(env *EnvConfig) {
	if env == nil {
		return
	}
	if env.GatewayEndpoint != "" {
		c.Gateway.Endpoint = env.GatewayEndpoint
	}
	if env.GatewayAccount != "" {
		c.Gateway.Account = env.GatewayAccount
	}
}
