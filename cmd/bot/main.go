// Flash Pump Bot — real-time flash-pump detection and trading for
// perpetual futures markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires pool → bus → detector → risk → execution
//	exchange/pool.go     — multi-connection WebSocket pool with subscription placement
//	exchange/conn.go     — per-connection reader, heartbeat, and error state machine
//	exchange/orderbook.go — per-symbol book state under versioned snapshots and deltas
//	exchange/rest.go     — REST depth-snapshot fallback behind its own breaker
//	bus/bus.go           — publish/subscribe bus with per-class backpressure
//	detector/detector.go — candidacy → peak confirmation → confidence → reversal
//	risk/manager.go      — six hard limit checks gating every entry
//	store/store.go       — JSON file persistence for positions and the risk ledger
//
// How it trades:
//
//	The detector watches every subscribed symbol for an abrupt price rise
//	on surging volume. Once the move's peak holds quiet for the
//	confirmation window, the pump is scored and handed to the risk
//	manager; an approved signal becomes a market entry, and a retracement
//	from the peak closes it again.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flashpump/internal/config"
	"flashpump/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PUMP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// No executor or notifier wired by default: signals are published on
	// the bus and logged, never traded. Plug venue adapters in here.
	eng, err := engine.New(*cfg, nil, nil, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("flash pump bot started",
		"exchange", cfg.Exchange.Name,
		"symbols", len(cfg.Exchange.Symbols),
		"metrics_enabled", cfg.Metrics.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
