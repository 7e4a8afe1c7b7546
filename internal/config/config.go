// Package config defines all configuration for the flash-pump engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via PUMP_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Bus       BusConfig       `mapstructure:"bus"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExchangeConfig identifies the venue and its endpoints.
type ExchangeConfig struct {
	Name        string   `mapstructure:"name"`          // e.g. "mexc"
	WSURL       string   `mapstructure:"ws_url"`        // wss://contract.<exchange>.com/edge
	RESTBaseURL string   `mapstructure:"rest_base_url"` // for depth-snapshot fallback
	Symbols     []string `mapstructure:"symbols"`       // symbols to subscribe on startup
}

// WebSocketConfig tunes the connection pool, heartbeat, and reconnection.
//
//   - MaxSubsPerConnection: ceiling for confirmed+pending symbols per connection.
//   - MaxConnections: connection-pool ceiling.
//   - MaxReconnectAttempts: reconnection cap per old connection id.
//   - PongWarnThreshold / PongReconnectThreshold: pong-age health thresholds.
//   - PreCloseHealthCheckTimeout: grace wait for any frame before a staleness close.
//   - SnapshotRefreshInterval: cadence of full depth-snapshot refreshes.
//   - ActivityThresholdHigh/Medium/Low: per-volume-category data staleness limits.
//   - HighVolumeSymbols / MediumVolumeSymbols: classification lists; everything
//     else is low volume.
type WebSocketConfig struct {
	MaxSubsPerConnection       int           `mapstructure:"max_subscriptions_per_connection"`
	MaxConnections             int           `mapstructure:"max_connections"`
	MaxReconnectAttempts       int           `mapstructure:"max_reconnect_attempts"`
	PingInterval               time.Duration `mapstructure:"ping_interval"`
	PongWarnThreshold          time.Duration `mapstructure:"pong_warn_threshold"`
	PongReconnectThreshold     time.Duration `mapstructure:"pong_reconnect_threshold"`
	PreCloseHealthCheckTimeout time.Duration `mapstructure:"pre_close_health_check_timeout"`
	SnapshotRefreshInterval    time.Duration `mapstructure:"snapshot_refresh_interval"`
	ActivityThresholdHigh      time.Duration `mapstructure:"activity_threshold_high_volume"`
	ActivityThresholdMedium    time.Duration `mapstructure:"activity_threshold_medium_volume"`
	ActivityThresholdLow       time.Duration `mapstructure:"activity_threshold_low_volume"`
	HighVolumeSymbols          []string      `mapstructure:"high_volume_symbols"`
	MediumVolumeSymbols        []string      `mapstructure:"medium_volume_symbols"`
	SubTokenCapacity           float64       `mapstructure:"sub_token_capacity"`
	SubTokenRefillPerSec       float64       `mapstructure:"sub_token_refill_per_sec"`
	SubTokenTimeout            time.Duration `mapstructure:"sub_token_timeout"`
	ConnectTimeout             time.Duration `mapstructure:"connect_timeout"`
	SubscribeTimeout           time.Duration `mapstructure:"subscribe_timeout"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	QueueCapacity int `mapstructure:"queue_capacity"` // per-subscriber queue size
}

// DetectorConfig tunes pump candidacy, confirmation, and reversal detection.
//
//   - BaselineWindow: lookback for median price/volume baselines.
//   - MinBaselineSamples: minimum ticks inside the window before baselines exist.
//   - VelocityWindow: lookback for the price-velocity measurement.
//   - MinPumpMagnitudePct: minimum % rise over baseline to open a candidate.
//   - VolumeSurgeMultiplier: minimum volume / baseline-volume ratio.
//   - VelocityThreshold: minimum price change per second, when computable.
//   - MinVolume24h: minimum 24h quote volume (USDT), when provided.
//   - PeakConfirmationWindow: quiet time after the last new peak before scoring.
//   - MinConfidenceThreshold: 0–100 confidence floor for signal emission.
//   - MinRetracementPct: retracement % that triggers a reversal signal.
type DetectorConfig struct {
	BaselineWindow         time.Duration `mapstructure:"baseline_window"`
	MinBaselineSamples     int           `mapstructure:"min_baseline_samples"`
	VelocityWindow         time.Duration `mapstructure:"velocity_window"`
	MinPumpMagnitudePct    float64       `mapstructure:"min_pump_magnitude_pct"`
	VolumeSurgeMultiplier  float64       `mapstructure:"volume_surge_multiplier"`
	VelocityThreshold      float64       `mapstructure:"velocity_threshold"`
	MinVolume24h           float64       `mapstructure:"min_volume_24h"`
	PeakConfirmationWindow time.Duration `mapstructure:"peak_confirmation_window"`
	MinConfidenceThreshold float64       `mapstructure:"min_confidence_threshold"`
	MinRetracementPct      float64       `mapstructure:"min_retracement_pct"`
	HistoryCapacity        int           `mapstructure:"history_capacity"`
}

// RiskConfig sets the six hard limits enforced by the risk manager, plus
// margin-ratio alert thresholds.
//
//   - MaxPositionSizePct: one position's notional as % of capital.
//   - MaxConcurrentPositions: cap on simultaneously open positions.
//   - MaxSymbolConcentrationPct: per-symbol total notional as % of capital.
//   - DailyLossLimitPct: daily loss as % of capital before rejecting entries.
//   - MaxDrawdownPct: distance below the equity peak before rejecting entries.
//   - MaxMarginUtilizationPct: margin ratio ceiling, current and projected.
type RiskConfig struct {
	InitialCapital            float64 `mapstructure:"initial_capital"`
	MaxPositionSizePct        float64 `mapstructure:"max_position_size_pct"`
	MaxConcurrentPositions    int     `mapstructure:"max_concurrent_positions"`
	MaxSymbolConcentrationPct float64 `mapstructure:"max_symbol_concentration_pct"`
	DailyLossLimitPct         float64 `mapstructure:"daily_loss_limit_pct"`
	MaxDrawdownPct            float64 `mapstructure:"max_drawdown_pct"`
	MaxMarginUtilizationPct   float64 `mapstructure:"max_margin_utilization_pct"`
	MarginWarningRatio        float64 `mapstructure:"margin_warning_ratio"`
	MarginCriticalRatio       float64 `mapstructure:"margin_critical_ratio"`
}

// StoreConfig sets where risk state and positions are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (PUMP_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PUMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the documented defaults so a minimal YAML file only
// has to name the exchange endpoints and symbols.
func setDefaults(v *viper.Viper) {
	v.SetDefault("websocket.max_subscriptions_per_connection", 30)
	v.SetDefault("websocket.max_connections", 5)
	v.SetDefault("websocket.max_reconnect_attempts", 10)
	v.SetDefault("websocket.ping_interval", "20s")
	v.SetDefault("websocket.pong_warn_threshold", "60s")
	v.SetDefault("websocket.pong_reconnect_threshold", "120s")
	v.SetDefault("websocket.pre_close_health_check_timeout", "10s")
	v.SetDefault("websocket.snapshot_refresh_interval", "300s")
	v.SetDefault("websocket.activity_threshold_high_volume", "60s")
	v.SetDefault("websocket.activity_threshold_medium_volume", "120s")
	v.SetDefault("websocket.activity_threshold_low_volume", "300s")
	v.SetDefault("websocket.sub_token_capacity", 30)
	v.SetDefault("websocket.sub_token_refill_per_sec", 5)
	v.SetDefault("websocket.sub_token_timeout", "10s")
	v.SetDefault("websocket.connect_timeout", "10s")
	v.SetDefault("websocket.subscribe_timeout", "60s")

	v.SetDefault("bus.queue_capacity", 1024)

	v.SetDefault("detector.baseline_window", "10m")
	v.SetDefault("detector.min_baseline_samples", 5)
	v.SetDefault("detector.velocity_window", "30s")
	v.SetDefault("detector.min_pump_magnitude_pct", 7.0)
	v.SetDefault("detector.volume_surge_multiplier", 3.5)
	v.SetDefault("detector.velocity_threshold", 0.5)
	v.SetDefault("detector.min_volume_24h", 100000.0)
	v.SetDefault("detector.peak_confirmation_window", "30s")
	v.SetDefault("detector.min_confidence_threshold", 60.0)
	v.SetDefault("detector.min_retracement_pct", 2.0)
	v.SetDefault("detector.history_capacity", 1000)

	v.SetDefault("risk.max_position_size_pct", 10.0)
	v.SetDefault("risk.max_concurrent_positions", 5)
	v.SetDefault("risk.max_symbol_concentration_pct", 30.0)
	v.SetDefault("risk.daily_loss_limit_pct", 5.0)
	v.SetDefault("risk.max_drawdown_pct", 20.0)
	v.SetDefault("risk.max_margin_utilization_pct", 80.0)
	v.SetDefault("risk.margin_warning_ratio", 0.5)
	v.SetDefault("risk.margin_critical_ratio", 0.8)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if c.Exchange.Name == "" {
		return fmt.Errorf("exchange.name is required")
	}
	if c.WebSocket.MaxConnections <= 0 {
		return fmt.Errorf("websocket.max_connections must be > 0")
	}
	if c.WebSocket.MaxSubsPerConnection <= 0 {
		return fmt.Errorf("websocket.max_subscriptions_per_connection must be > 0")
	}
	if c.WebSocket.PongWarnThreshold >= c.WebSocket.PongReconnectThreshold {
		return fmt.Errorf("websocket.pong_warn_threshold must be below pong_reconnect_threshold")
	}
	if c.Bus.QueueCapacity <= 0 {
		return fmt.Errorf("bus.queue_capacity must be > 0")
	}
	if c.Detector.MinPumpMagnitudePct <= 0 {
		return fmt.Errorf("detector.min_pump_magnitude_pct must be > 0")
	}
	if c.Detector.VolumeSurgeMultiplier <= 1 {
		return fmt.Errorf("detector.volume_surge_multiplier must be > 1")
	}
	if c.Detector.MinConfidenceThreshold < 0 || c.Detector.MinConfidenceThreshold > 100 {
		return fmt.Errorf("detector.min_confidence_threshold must be within [0, 100]")
	}
	if c.Risk.InitialCapital <= 0 {
		return fmt.Errorf("risk.initial_capital must be > 0")
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 100 {
		return fmt.Errorf("risk.max_position_size_pct must be within (0, 100]")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if c.Risk.MaxSymbolConcentrationPct <= 0 || c.Risk.MaxSymbolConcentrationPct > 100 {
		return fmt.Errorf("risk.max_symbol_concentration_pct must be within (0, 100]")
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be > 0")
	}
	if c.Risk.MaxDrawdownPct <= 0 {
		return fmt.Errorf("risk.max_drawdown_pct must be > 0")
	}
	return nil
}

// CategoryFor returns the volume category for a symbol based on the
// configured classification lists.
func (w WebSocketConfig) CategoryFor(symbol string) string {
	for _, s := range w.HighVolumeSymbols {
		if s == symbol {
			return "high"
		}
	}
	for _, s := range w.MediumVolumeSymbols {
		if s == symbol {
			return "medium"
		}
	}
	return "low"
}

// StalenessLimitFor returns the data-staleness threshold for a symbol.
func (w WebSocketConfig) StalenessLimitFor(symbol string) time.Duration {
	switch w.CategoryFor(symbol) {
	case "high":
		return w.ActivityThresholdHigh
	case "medium":
		return w.ActivityThresholdMedium
	default:
		return w.ActivityThresholdLow
	}
}
