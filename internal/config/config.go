// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
type Config struct {
	App       AppConfig            `yaml:"app"`
	Scanner   ScannerConfig        `yaml:"scanner"`
	Strategy  StrategyConfig       `yaml:"strategy"`
	Risk      RiskConfig           `yaml:"risk"`
	Rebalance RebalanceConfig      `yaml:"rebalance"`
	Twap      TwapConfig           `yaml:"twap"`
	Fees      map[string]FeeConfig `yaml:"fees"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	LogLevel         string `yaml:"log_level"`
	SymbolCachePath  string `yaml:"symbol_cache_path"`
	DatabasePath     string `yaml:"database_path"`
	MarkPriceFeedURL string `yaml:"mark_price_feed_url"`
}

// ScannerConfig throttles opportunity discovery.
type ScannerConfig struct {
	BatchSize            int     `yaml:"batch_size"`
	BatchDelayMs         int     `yaml:"batch_delay_ms"`
	MinSpread            float64 `yaml:"min_spread"`
	FundingIntervalHours int     `yaml:"funding_interval_hours"`
	SpotBorrowRateHourly float64 `yaml:"spot_borrow_rate_hourly"`
	ScanIntervalSeconds  int     `yaml:"scan_interval_seconds"`
}

// StrategyConfig contains sizing and stickiness parameters.
type StrategyConfig struct {
	BalanceUsagePercent        float64 `yaml:"balance_usage_percent"`
	Leverage                   float64 `yaml:"leverage"`
	MaxPositionSizeUSD         float64 `yaml:"max_position_size_usd"`
	MinPositionSizeUSD         float64 `yaml:"min_position_size_usd"`
	MinOpenInterestUSD         float64 `yaml:"min_open_interest_usd"`
	MaxPositionToVolumePercent float64 `yaml:"max_position_to_volume_percent"`
	MaxBreakEvenHours          float64 `yaml:"max_break_even_hours"`
	SwitchCostMultiplier       float64 `yaml:"switch_cost_multiplier"`
	SevereNegativeSpread       float64 `yaml:"severe_negative_spread"`
	YoungPositionGraceMinutes  int     `yaml:"young_position_grace_minutes"`
	SingleLegCooldownMinutes   int     `yaml:"single_leg_cooldown_minutes"`

	// MaxOpenPairs caps concurrently open paired positions; zero means
	// unlimited.
	MaxOpenPairs int `yaml:"max_open_pairs"`
}

// RiskConfig drives the liquidation monitor.
type RiskConfig struct {
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	EmergencyThreshold   float64 `yaml:"emergency_threshold"`
	WarningThreshold     float64 `yaml:"warning_threshold"`
	DryRun               bool    `yaml:"dry_run"`
	MaxCloseRetries      int     `yaml:"max_close_retries"`
	ScanPoolSize         int     `yaml:"scan_pool_size"`

	// LossBreakerUSD disables entries after realized losses in the window
	// exceed it; zero disables the breaker.
	LossBreakerUSD             float64 `yaml:"loss_breaker_usd"`
	LossBreakerWindowMinutes   int     `yaml:"loss_breaker_window_minutes"`
	LossBreakerCooldownMinutes int     `yaml:"loss_breaker_cooldown_minutes"`
}

// RebalanceConfig drives proactive capital rebalancing.
type RebalanceConfig struct {
	Enabled          bool    `yaml:"enabled"`
	ImbalancePercent float64 `yaml:"imbalance_percent"`
	MinTransferUSD   float64 `yaml:"min_transfer_usd"`
}

// TwapConfig bounds TWAP slicing.
type TwapConfig struct {
	MaxBookUsagePercent     float64 `yaml:"max_book_usage_percent"`
	MinSliceIntervalSeconds int     `yaml:"min_slice_interval_seconds"`
	MaxSliceIntervalSeconds int     `yaml:"max_slice_interval_seconds"`
	MinSliceUSD             float64 `yaml:"min_slice_usd"`
	MaxSliceUSD             float64 `yaml:"max_slice_usd"`
	FundingBufferMinutes    int     `yaml:"funding_buffer_minutes"`
}

// FeeConfig is a per-exchange maker/taker schedule.
type FeeConfig struct {
	Maker float64 `yaml:"maker"`
	Taker float64 `yaml:"taker"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVars replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.Scanner.BatchSize == 0 {
		c.Scanner.BatchSize = 3
	}
	if c.Scanner.BatchDelayMs == 0 {
		c.Scanner.BatchDelayMs = 1500
	}
	if c.Scanner.FundingIntervalHours == 0 {
		c.Scanner.FundingIntervalHours = 1
	}
	if c.Scanner.ScanIntervalSeconds == 0 {
		c.Scanner.ScanIntervalSeconds = 60
	}
	if c.Strategy.BalanceUsagePercent == 0 {
		c.Strategy.BalanceUsagePercent = 0.9
	}
	if c.Strategy.Leverage == 0 {
		c.Strategy.Leverage = 1
	}
	if c.Strategy.MaxBreakEvenHours == 0 {
		c.Strategy.MaxBreakEvenHours = 24 * 7
	}
	if c.Strategy.SwitchCostMultiplier == 0 {
		c.Strategy.SwitchCostMultiplier = 1.5
	}
	if c.Strategy.MaxPositionToVolumePercent == 0 {
		c.Strategy.MaxPositionToVolumePercent = 1
	}
	if c.Strategy.YoungPositionGraceMinutes == 0 {
		c.Strategy.YoungPositionGraceMinutes = 60
	}
	if c.Strategy.SingleLegCooldownMinutes == 0 {
		c.Strategy.SingleLegCooldownMinutes = 30
	}
	if c.Risk.CheckIntervalSeconds == 0 {
		c.Risk.CheckIntervalSeconds = 30
	}
	if c.Risk.EmergencyThreshold == 0 {
		c.Risk.EmergencyThreshold = 0.9
	}
	if c.Risk.WarningThreshold == 0 {
		c.Risk.WarningThreshold = 0.7
	}
	if c.Risk.MaxCloseRetries == 0 {
		c.Risk.MaxCloseRetries = 3
	}
	if c.Risk.ScanPoolSize == 0 {
		c.Risk.ScanPoolSize = 4
	}
	if c.Risk.LossBreakerWindowMinutes == 0 {
		c.Risk.LossBreakerWindowMinutes = 60
	}
	if c.Risk.LossBreakerCooldownMinutes == 0 {
		c.Risk.LossBreakerCooldownMinutes = 30
	}
	if c.Twap.MaxBookUsagePercent == 0 {
		c.Twap.MaxBookUsagePercent = 10
	}
	if c.Twap.MinSliceIntervalSeconds == 0 {
		c.Twap.MinSliceIntervalSeconds = 5
	}
	if c.Twap.MaxSliceIntervalSeconds == 0 {
		c.Twap.MaxSliceIntervalSeconds = 300
	}
	if c.Twap.FundingBufferMinutes == 0 {
		c.Twap.FundingBufferMinutes = 10
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9100
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.App.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{"app.log_level", c.App.LogLevel, "must be one of DEBUG INFO WARN ERROR FATAL"}
	}
	if c.Scanner.BatchSize < 1 || c.Scanner.BatchSize > 50 {
		return ValidationError{"scanner.batch_size", c.Scanner.BatchSize, "must be between 1 and 50"}
	}
	if c.Scanner.MinSpread < 0 {
		return ValidationError{"scanner.min_spread", c.Scanner.MinSpread, "must be non-negative"}
	}
	if c.Strategy.BalanceUsagePercent <= 0 || c.Strategy.BalanceUsagePercent > 1 {
		return ValidationError{"strategy.balance_usage_percent", c.Strategy.BalanceUsagePercent, "must be in (0, 1]"}
	}
	if c.Strategy.Leverage < 1 || c.Strategy.Leverage > 25 {
		return ValidationError{"strategy.leverage", c.Strategy.Leverage, "must be between 1 and 25"}
	}
	if c.Strategy.MinPositionSizeUSD < 0 {
		return ValidationError{"strategy.min_position_size_usd", c.Strategy.MinPositionSizeUSD, "must be non-negative"}
	}
	if c.Strategy.MaxPositionSizeUSD > 0 && c.Strategy.MaxPositionSizeUSD < c.Strategy.MinPositionSizeUSD {
		return ValidationError{"strategy.max_position_size_usd", c.Strategy.MaxPositionSizeUSD, "must be >= min_position_size_usd"}
	}
	if c.Strategy.MaxPositionToVolumePercent <= 0 || c.Strategy.MaxPositionToVolumePercent > 100 {
		return ValidationError{"strategy.max_position_to_volume_percent", c.Strategy.MaxPositionToVolumePercent, "must be in (0, 100]"}
	}
	if c.Strategy.MaxOpenPairs < 0 {
		return ValidationError{"strategy.max_open_pairs", c.Strategy.MaxOpenPairs, "must be non-negative"}
	}
	if c.Risk.EmergencyThreshold <= c.Risk.WarningThreshold {
		return ValidationError{"risk.emergency_threshold", c.Risk.EmergencyThreshold, "must be greater than warning_threshold"}
	}
	if c.Risk.EmergencyThreshold > 1 {
		return ValidationError{"risk.emergency_threshold", c.Risk.EmergencyThreshold, "must be at most 1"}
	}
	for name, fee := range c.Fees {
		if fee.Maker < 0 || fee.Maker > 0.01 {
			return ValidationError{fmt.Sprintf("fees.%s.maker", name), fee.Maker, "must be in [0, 0.01]"}
		}
		if fee.Taker < 0 || fee.Taker > 0.01 {
			return ValidationError{fmt.Sprintf("fees.%s.taker", name), fee.Taker, "must be in [0, 0.01]"}
		}
	}
	return nil
}

// ScanBatchDelay returns the inter-batch delay as a duration.
func (c *ScannerConfig) ScanBatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}
