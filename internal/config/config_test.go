package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
exchange:
  name: mexc
  ws_url: wss://contract.mexc.com/edge
  rest_base_url: https://contract.mexc.com
  symbols:
    - BTC_USDT
risk:
  initial_capital: 10000.0
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("minimal config invalid: %v", err)
	}

	if cfg.WebSocket.MaxSubsPerConnection != 30 {
		t.Errorf("MaxSubsPerConnection = %d, want 30", cfg.WebSocket.MaxSubsPerConnection)
	}
	if cfg.WebSocket.MaxConnections != 5 {
		t.Errorf("MaxConnections = %d, want 5", cfg.WebSocket.MaxConnections)
	}
	if cfg.WebSocket.PingInterval != 20*time.Second {
		t.Errorf("PingInterval = %v, want 20s", cfg.WebSocket.PingInterval)
	}
	if cfg.Detector.MinPumpMagnitudePct != 7.0 {
		t.Errorf("MinPumpMagnitudePct = %v, want 7.0", cfg.Detector.MinPumpMagnitudePct)
	}
	if cfg.Risk.MaxConcurrentPositions != 5 {
		t.Errorf("MaxConcurrentPositions = %d, want 5", cfg.Risk.MaxConcurrentPositions)
	}
	if cfg.Bus.QueueCapacity != 1024 {
		t.Errorf("QueueCapacity = %d, want 1024", cfg.Bus.QueueCapacity)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PUMP_RISK_INITIAL_CAPITAL", "25000")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Risk.InitialCapital != 25000 {
		t.Errorf("InitialCapital = %v, want env override 25000", cfg.Risk.InitialCapital)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		cfg, err := Load(writeConfig(t, minimalYAML))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing ws url", func(c *Config) { c.Exchange.WSURL = "" }},
		{"missing name", func(c *Config) { c.Exchange.Name = "" }},
		{"zero connections", func(c *Config) { c.WebSocket.MaxConnections = 0 }},
		{"warn above reconnect", func(c *Config) {
			c.WebSocket.PongWarnThreshold = 3 * time.Minute
		}},
		{"zero capital", func(c *Config) { c.Risk.InitialCapital = 0 }},
		{"surge multiplier at 1", func(c *Config) { c.Detector.VolumeSurgeMultiplier = 1 }},
		{"confidence above 100", func(c *Config) { c.Detector.MinConfidenceThreshold = 120 }},
		{"position size above 100", func(c *Config) { c.Risk.MaxPositionSizePct = 150 }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("validation accepted %s", tc.name)
			}
		})
	}
}

func TestVolumeCategoryClassification(t *testing.T) {
	t.Parallel()

	w := WebSocketConfig{
		HighVolumeSymbols:       []string{"BTC_USDT"},
		MediumVolumeSymbols:     []string{"SOL_USDT"},
		ActivityThresholdHigh:   time.Minute,
		ActivityThresholdMedium: 2 * time.Minute,
		ActivityThresholdLow:    5 * time.Minute,
	}

	cases := []struct {
		symbol   string
		category string
		limit    time.Duration
	}{
		{"BTC_USDT", "high", time.Minute},
		{"SOL_USDT", "medium", 2 * time.Minute},
		{"PEPE_USDT", "low", 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := w.CategoryFor(tc.symbol); got != tc.category {
			t.Errorf("CategoryFor(%s) = %s, want %s", tc.symbol, got, tc.category)
		}
		if got := w.StalenessLimitFor(tc.symbol); got != tc.limit {
			t.Errorf("StalenessLimitFor(%s) = %v, want %v", tc.symbol, got, tc.limit)
		}
	}
}
