// Package engine is the central orchestrator of the flash-pump bot.
//
// It wires together all subsystems:
//
//  1. The WebSocket pool streams trades and order books for the configured
//     symbols and publishes them on the event bus.
//  2. The detector consumes price updates and emits pump and reversal
//     signals.
//  3. Every confirmed pump is gated by the risk manager; the verdict is
//     published as pump.detected whether or not the entry is allowed.
//  4. Approved entries become orders on the executor port; reversals close
//     the matching position.
//  5. Positions and the risk ledger are persisted across restarts.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flashpump/internal/bus"
	"flashpump/internal/config"
	"flashpump/internal/detector"
	"flashpump/internal/exchange"
	"flashpump/internal/metrics"
	"flashpump/internal/ports"
	"flashpump/internal/risk"
	"flashpump/internal/store"
	"flashpump/pkg/types"
)

// Topics owned by the engine.
const (
	TopicPumpDetected = "pump.detected"
	TopicPumpReversal = "reversal.detected"
	TopicOrderIntent  = "order.intent"
)

const (
	// Fraction of the per-position cap used when sizing an entry, leaving
	// headroom for price movement between signal and fill.
	entrySizingFraction = 0.5

	marginCheckInterval = 30 * time.Second
	persistInterval     = time.Minute
	shutdownTimeout     = 10 * time.Second
)

// Engine orchestrates all components. It owns the lifecycle of every
// goroutine and all cross-component wiring.
type Engine struct {
	cfg      config.Config
	bus      *bus.Bus
	pool     *exchange.Pool
	detector *detector.Detector
	riskMgr  *risk.Manager
	store    *store.Store
	executor ports.OrderExecutor
	notifier ports.NotificationService
	metrics  *metrics.Server
	logger   *slog.Logger

	// openBySymbol maps symbol → risk position id so a reversal can close
	// the entry it belongs to.
	posMu        sync.Mutex
	openBySymbol map[string]string

	subs   []*bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. The executor and notifier
// may be nil: signals are then published on the bus but never traded.
func New(cfg config.Config, executor ports.OrderExecutor, notifier ports.NotificationService, logger *slog.Logger) (*Engine, error) {
	b := bus.New(cfg.Bus.QueueCapacity, logger)
	pool := exchange.NewPool(cfg.Exchange, cfg.WebSocket, b, logger)
	det := detector.New(cfg.Detector, pool.BookSpreadPct, logger)
	riskMgr := risk.NewManager(cfg.Risk, b, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	// Restore persisted state so a restart does not forget exposure.
	if positions, err := st.LoadPositions(); err != nil {
		logger.Warn("could not restore positions", "error", err)
	} else if len(positions) > 0 {
		riskMgr.RestorePositions(positions)
		logger.Info("positions restored", "count", len(positions))
	}
	if ledger, err := st.LoadLedger(); err != nil {
		logger.Warn("could not restore risk ledger", "error", err)
	} else if ledger != nil && ledger.Capital.Sign() > 0 {
		capital, _ := ledger.Capital.Float64()
		if err := riskMgr.UpdateCapital(capital); err != nil {
			logger.Warn("restored capital rejected", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		srv = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port))
	}

	e := &Engine{
		cfg:          cfg,
		bus:          b,
		pool:         pool,
		detector:     det,
		riskMgr:      riskMgr,
		store:        st,
		executor:     executor,
		notifier:     notifier,
		metrics:      srv,
		logger:       logger.With("component", "engine"),
		openBySymbol: make(map[string]string),
		ctx:          ctx,
		cancel:       cancel,
	}

	det.OnSignal = e.handlePumpSignal
	det.OnReversal = e.handleReversal
	return e, nil
}

// Start launches the metrics endpoint, wires bus subscriptions, connects
// the pool, and subscribes the configured symbols.
func (e *Engine) Start() error {
	if e.metrics != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.metrics.Start(); err != nil {
				e.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	e.subs = append(e.subs,
		e.bus.Subscribe(exchange.TopicPriceUpdate, e.onPriceUpdate),
		e.bus.Subscribe(risk.TopicRiskAlert, e.onRiskAlert),
		e.bus.Subscribe(exchange.TopicDisconnected, e.onDisconnected),
	)

	if err := e.pool.Connect(e.ctx); err != nil {
		return fmt.Errorf("connect market data: %w", err)
	}

	for _, symbol := range e.cfg.Exchange.Symbols {
		symbol := symbol
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(e.ctx, e.cfg.WebSocket.SubscribeTimeout)
			defer cancel()
			err := e.pool.SubscribeToSymbol(ctx, symbol,
				[]string{exchange.DataTypePrices, exchange.DataTypeOrderbook})
			if err != nil {
				e.logger.Error("startup subscription failed", "symbol", symbol, "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.maintenanceLoop()
	}()

	e.logger.Info("engine started",
		"exchange", e.cfg.Exchange.Name, "symbols", len(e.cfg.Exchange.Symbols))
	return nil
}

// Stop shuts down in dependency order: market data first so no new signals
// arrive, then the bus, then persistence.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	if err := e.pool.Disconnect(); err != nil {
		e.logger.Error("pool disconnect failed", "error", err)
	}

	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub)
	}
	e.bus.Close()

	e.persistState()
	e.store.Close()

	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := e.metrics.Stop(ctx); err != nil {
			e.logger.Error("metrics server stop failed", "error", err)
		}
		cancel()
	}

	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Event handlers
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) onPriceUpdate(evt bus.Event) {
	tick, ok := evt.Payload.(types.MarketTick)
	if !ok {
		e.logger.Warn("unexpected price_update payload", "type", fmt.Sprintf("%T", evt.Payload))
		return
	}
	e.detector.OnTick(tick)
}

func (e *Engine) onRiskAlert(evt bus.Event) {
	alert, ok := evt.Payload.(types.RiskAlert)
	if !ok || e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	if err := e.notifier.NotifyRisk(ctx, alert); err != nil {
		e.logger.Warn("notification failed", "alert_type", alert.AlertType, "error", err)
	}
}

// onDisconnected clears detector history for symbols that lost their feed;
// stale baselines would otherwise score the first ticks after resubscribe
// against a gap.
func (e *Engine) onDisconnected(evt bus.Event) {
	if _, ok := evt.Payload.(types.ConnectionEvent); !ok {
		return
	}
	// Reconnection resubscribes automatically; nothing to do beyond logging.
	e.logger.Warn("market data connection lost")
}

// handlePumpSignal gates a confirmed pump through risk and, when approved,
// turns it into an order on the executor port.
func (e *Engine) handlePumpSignal(signal types.FlashPumpSignal) {
	proposed := e.sizeEntry(signal)
	verdict := e.riskMgr.CanOpenPosition(proposed)

	e.bus.Publish(TopicPumpDetected, types.PumpEvent{
		Signal:           signal,
		EntryAllowed:     verdict.CanProceed,
		RejectionReasons: rejectionReasons(verdict),
	})

	if e.notifier != nil {
		ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
		if err := e.notifier.NotifySignal(ctx, signal); err != nil {
			e.logger.Warn("signal notification failed", "symbol", signal.Symbol, "error", err)
		}
		cancel()
	}

	if !verdict.CanProceed {
		e.logger.Info("entry rejected",
			"symbol", signal.Symbol, "reason", verdict.Reason, "risk_score", verdict.RiskScore)
		return
	}
	if e.executor == nil {
		return
	}

	order := types.Order{
		ID:        fmt.Sprintf("pump-%s-%d", signal.Symbol, time.Now().UnixMilli()),
		Symbol:    signal.Symbol,
		Side:      types.SideBuy,
		Type:      types.OrderTypeMarket,
		Quantity:  proposed.Quantity,
		Strategy:  proposed.Strategy,
		CreatedAt: time.Now(),
	}
	e.bus.Publish(TopicOrderIntent, order)

	ctx, cancel := context.WithTimeout(e.ctx, shutdownTimeout)
	defer cancel()
	trade, err := e.executor.PlaceOrder(ctx, order)
	if err != nil {
		e.logger.Error("order placement failed", "symbol", signal.Symbol, "error", err)
		return
	}

	proposed.EntryPrice = trade.Price
	id, err := e.riskMgr.RegisterPosition(proposed)
	if err != nil {
		e.logger.Error("position registration failed", "symbol", signal.Symbol, "error", err)
		return
	}

	e.posMu.Lock()
	e.openBySymbol[signal.Symbol] = id
	e.posMu.Unlock()

	e.persistState()
	e.logger.Info("entered position",
		"symbol", signal.Symbol, "position_id", id,
		"quantity", trade.Quantity, "price", trade.Price)
}

// handleReversal closes the open position for a reversing symbol.
func (e *Engine) handleReversal(rev types.ReversalSignal) {
	e.bus.Publish(TopicPumpReversal, rev)

	e.posMu.Lock()
	id, open := e.openBySymbol[rev.Symbol]
	delete(e.openBySymbol, rev.Symbol)
	e.posMu.Unlock()

	if !open {
		return
	}

	position, exists := e.riskMgr.OpenPositions()[id]
	if !exists {
		return
	}

	if e.executor != nil {
		order := types.Order{
			ID:        fmt.Sprintf("exit-%s-%d", rev.Symbol, time.Now().UnixMilli()),
			Symbol:    rev.Symbol,
			Side:      types.SideSell,
			Type:      types.OrderTypeMarket,
			Quantity:  position.Quantity,
			Strategy:  position.Strategy,
			CreatedAt: time.Now(),
		}
		e.bus.Publish(TopicOrderIntent, order)

		ctx, cancel := context.WithTimeout(e.ctx, shutdownTimeout)
		defer cancel()
		if _, err := e.executor.PlaceOrder(ctx, order); err != nil {
			e.logger.Error("exit order failed", "symbol", rev.Symbol, "error", err)
		}
	}

	pnl := rev.CurrentPrice.Sub(position.EntryPrice).Mul(position.Quantity)
	if err := e.riskMgr.ClosePosition(id, pnl); err != nil {
		e.logger.Error("position close failed", "position_id", id, "error", err)
		return
	}

	// Drop the symbol's detection state: baselines polluted with pump-era
	// prices would mis-score the next move.
	e.detector.ClearHistory(rev.Symbol)

	e.persistState()
	e.logger.Info("closed position on reversal",
		"symbol", rev.Symbol, "position_id", id, "pnl", pnl,
		"emergency", rev.EmergencyExit)
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

// sizeEntry proposes a long sized to a fraction of the per-position cap at
// the signal's peak price.
func (e *Engine) sizeEntry(signal types.FlashPumpSignal) types.Position {
	capital := e.riskMgr.GetRiskSummary().Capital
	budget := capital.
		Mul(decimal.NewFromFloat(e.cfg.Risk.MaxPositionSizePct)).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(entrySizingFraction))

	qty := decimal.Decimal{}
	if signal.PeakPrice.Sign() > 0 {
		qty = budget.Div(signal.PeakPrice).Round(6)
	}

	return types.Position{
		Symbol:     signal.Symbol,
		Side:       types.PositionLong,
		Quantity:   qty,
		EntryPrice: signal.PeakPrice,
		Leverage:   decimal.NewFromInt(1),
		Strategy:   "flash_pump",
	}
}

// maintenanceLoop runs periodic margin checks and state persistence.
func (e *Engine) maintenanceLoop() {
	marginTicker := time.NewTicker(marginCheckInterval)
	persistTicker := time.NewTicker(persistInterval)
	defer marginTicker.Stop()
	defer persistTicker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-marginTicker.C:
			e.riskMgr.CheckMarginRatio()
			if e.executor != nil {
				ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
				if err := e.executor.HealthCheck(ctx); err != nil {
					e.logger.Warn("executor health check failed",
						"exchange", e.executor.ExchangeName(), "error", err)
				}
				cancel()
			}
		case <-persistTicker.C:
			e.persistState()
		}
	}
}

// persistState saves open positions and the risk ledger.
func (e *Engine) persistState() {
	summary := e.riskMgr.GetRiskSummary()

	if err := e.store.SavePositions(e.riskMgr.OpenPositions()); err != nil {
		e.logger.Error("position persistence failed", "error", err)
	}
	ledger := store.RiskLedger{
		Capital:    summary.Capital,
		EquityPeak: summary.EquityPeak,
		DailyPnL:   summary.DailyPnL,
		Day:        time.Now().UTC().Format("2006-01-02"),
	}
	if err := e.store.SaveLedger(ledger); err != nil {
		e.logger.Error("ledger persistence failed", "error", err)
	}
}

// Bus exposes the event bus for additional subscribers (status surfaces,
// tests).
func (e *Engine) Bus() *bus.Bus { return e.bus }

// RiskSummary exposes the current risk snapshot.
func (e *Engine) RiskSummary() risk.Summary { return e.riskMgr.GetRiskSummary() }

func rejectionReasons(v risk.CheckResult) []string {
	if v.CanProceed {
		return nil
	}
	if len(v.FailedChecks) == 0 {
		return []string{v.Reason}
	}
	return v.FailedChecks
}
