// Package risk enforces hard position limits before any entry.
//
// Six checks gate every proposed position, all evaluated under one lock
// against a consistent snapshot:
//
//  1. position size:        notional vs % of capital
//  2. concurrent positions: open-position count
//  3. concentration:        per-symbol total notional vs % of capital
//  4. daily loss:           realized loss today vs % of capital
//  5. drawdown:             equity distance below the peak
//  6. margin utilization:   projected margin vs % of capital
//
// A rejection reports every failed check, not just the first, so the
// operator sees the whole picture. Daily counters reset at UTC midnight,
// checked lazily on each operation.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"flashpump/internal/bus"
	"flashpump/internal/config"
	"flashpump/internal/metrics"
	"flashpump/pkg/types"
)

// TopicRiskAlert carries types.RiskAlert payloads.
const TopicRiskAlert = "risk_alert"

// Check names as reported in CheckResult.FailedChecks and metrics.
const (
	CheckPositionSize  = "position_size"
	CheckConcurrent    = "concurrent_positions"
	CheckConcentration = "symbol_concentration"
	CheckDailyLoss     = "daily_loss"
	CheckDrawdown      = "drawdown"
	CheckMargin        = "margin_utilization"
	CheckInput         = "input_validation"
)

// CheckResult is the verdict for one proposed position.
type CheckResult struct {
	CanProceed   bool
	Reason       string   // first failure, empty on approval
	RiskScore    float64  // 0–100, current utilization blend
	FailedChecks []string // every check that failed
}

// Summary is a snapshot of the manager's state for the status surface.
type Summary struct {
	Capital         decimal.Decimal
	EquityPeak      decimal.Decimal
	DailyPnL        decimal.Decimal
	OpenPositions   int
	TotalNotional   decimal.Decimal
	MarginUsed      decimal.Decimal
	MarginRatio     decimal.Decimal // margin used / capital
	DrawdownPct     decimal.Decimal
	RiskScore       float64
	StrategyBudgets map[string]decimal.Decimal
}

// Manager holds risk state. All public methods are safe for concurrent use.
type Manager struct {
	cfg    config.RiskConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu              sync.Mutex
	capital         decimal.Decimal
	equityPeak      decimal.Decimal
	dailyPnL        decimal.Decimal
	dayStartCapital decimal.Decimal // base for the daily loss limit
	resetDay        time.Time       // UTC midnight of the current accounting day
	positions       map[string]types.Position
	budgets         map[string]decimal.Decimal // strategy → reserved capital

	nowFunc func() time.Time
	idSeq   atomic.Int64
}

// NewManager creates a risk manager with capital from config.
func NewManager(cfg config.RiskConfig, b *bus.Bus, logger *slog.Logger) *Manager {
	capital := decimal.NewFromFloat(cfg.InitialCapital)
	now := time.Now().UTC()
	return &Manager{
		cfg:             cfg,
		bus:             b,
		logger:          logger.With("component", "risk"),
		capital:         capital,
		equityPeak:      capital,
		dayStartCapital: capital,
		resetDay:        now.Truncate(24 * time.Hour),
		positions:       make(map[string]types.Position),
		budgets:         make(map[string]decimal.Decimal),
		nowFunc:         time.Now,
	}
}

// CanOpenPosition runs all six checks against the proposed position. Never
// mutates state; RegisterPosition commits an approved entry.
func (m *Manager) CanOpenPosition(p types.Position) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	if reason := validatePosition(p); reason != "" {
		metrics.RiskRejections.WithLabelValues(CheckInput).Inc()
		return CheckResult{
			Reason:       reason,
			FailedChecks: []string{CheckInput},
			RiskScore:    m.riskScoreLocked(),
		}
	}
	if m.capital.Sign() <= 0 {
		metrics.RiskRejections.WithLabelValues(CheckInput).Inc()
		return CheckResult{
			Reason:       "capital is zero",
			FailedChecks: []string{CheckInput},
			RiskScore:    100,
		}
	}

	notional := p.Notional()
	var failed []string
	var reasons []string
	fail := func(check, reason string) {
		failed = append(failed, check)
		reasons = append(reasons, reason)
	}

	// 1. Position size.
	maxSize := m.pctOfCapitalLocked(m.cfg.MaxPositionSizePct)
	if notional.GreaterThan(maxSize) {
		fail(CheckPositionSize, fmt.Sprintf(
			"notional %s exceeds max position size %s", notional, maxSize))
	}

	// 2. Concurrent positions.
	if len(m.positions) >= m.cfg.MaxConcurrentPositions {
		fail(CheckConcurrent, fmt.Sprintf(
			"%d positions open, limit %d", len(m.positions), m.cfg.MaxConcurrentPositions))
	}

	// 3. Symbol concentration.
	maxConc := m.pctOfCapitalLocked(m.cfg.MaxSymbolConcentrationPct)
	symbolTotal := m.symbolNotionalLocked(p.Symbol).Add(notional)
	if symbolTotal.GreaterThan(maxConc) {
		fail(CheckConcentration, fmt.Sprintf(
			"%s exposure %s would exceed concentration limit %s", p.Symbol, symbolTotal, maxConc))
	}

	// 4. Daily loss, measured against the capital at day start so losses
	// during the day do not shrink their own limit. Exactly at the limit
	// still passes.
	lossLimit := m.dayStartCapital.Mul(decimal.NewFromFloat(m.cfg.DailyLossLimitPct)).
		Div(decimal.NewFromInt(100))
	if m.dailyPnL.Neg().GreaterThan(lossLimit) {
		fail(CheckDailyLoss, fmt.Sprintf(
			"daily loss %s exceeds limit %s", m.dailyPnL.Neg(), lossLimit))
	}

	// 5. Drawdown from the equity peak. Equality already rejects.
	if dd := m.drawdownPctLocked(); dd.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.MaxDrawdownPct)) {
		fail(CheckDrawdown, fmt.Sprintf(
			"drawdown %s%% exceeds limit %.1f%%", dd, m.cfg.MaxDrawdownPct))
	}

	// 6. Projected margin utilization.
	projected := m.marginUsedLocked().Add(positionMargin(p))
	maxMargin := m.pctOfCapitalLocked(m.cfg.MaxMarginUtilizationPct)
	if projected.GreaterThan(maxMargin) {
		fail(CheckMargin, fmt.Sprintf(
			"projected margin %s exceeds limit %s", projected, maxMargin))
	}

	score := m.riskScoreLocked()
	if len(failed) > 0 {
		metrics.RiskRejections.WithLabelValues(failed[0]).Inc()
		m.publishAlertLocked(types.SeverityWarning, "entry_rejected", reasons[0], map[string]any{
			"symbol":        p.Symbol,
			"failed_checks": failed,
		})
		return CheckResult{
			Reason:       reasons[0],
			RiskScore:    score,
			FailedChecks: failed,
		}
	}

	return CheckResult{CanProceed: true, RiskScore: score}
}

// RegisterPosition commits an approved position under a fresh id.
func (m *Manager) RegisterPosition(p types.Position) (string, error) {
	if reason := validatePosition(p); reason != "" {
		return "", fmt.Errorf("register position: %s", reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	id := m.nextID("pos")
	if p.OpenedAt.IsZero() {
		p.OpenedAt = m.nowFunc()
	}
	m.positions[id] = p
	m.logger.Info("position registered",
		"position_id", id, "symbol", p.Symbol, "notional", p.Notional())
	return id, nil
}

// ClosePosition removes a position and books its realized pnl into capital,
// daily pnl, and the equity peak.
func (m *Manager) ClosePosition(id string, realizedPnL decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	p, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("close position: unknown id %s", id)
	}
	delete(m.positions, id)

	m.dailyPnL = m.dailyPnL.Add(realizedPnL)
	m.capital = m.capital.Add(realizedPnL)
	if m.capital.GreaterThan(m.equityPeak) {
		m.equityPeak = m.capital
	}

	m.logger.Info("position closed",
		"position_id", id, "symbol", p.Symbol,
		"pnl", realizedPnL, "daily_pnl", m.dailyPnL, "capital", m.capital)
	return nil
}

// UpdateCapital replaces the capital figure (deposits, withdrawals, external
// reconciliation) and advances the equity peak.
func (m *Manager) UpdateCapital(newCapital float64) error {
	if math.IsNaN(newCapital) || math.IsInf(newCapital, 0) {
		return fmt.Errorf("update capital: value is not finite")
	}
	if newCapital <= 0 {
		return fmt.Errorf("update capital: must be positive, got %v", newCapital)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.capital = decimal.NewFromFloat(newCapital)
	if m.capital.GreaterThan(m.equityPeak) {
		m.equityPeak = m.capital
	}
	return nil
}

// CheckMarginRatio computes margin used / capital and publishes a graded
// alert when it crosses the warning or critical ratio.
func (m *Manager) CheckMarginRatio() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capital.Sign() <= 0 {
		return decimal.Decimal{}
	}
	ratio := m.marginUsedLocked().Div(m.capital)
	rf, _ := ratio.Float64()

	switch {
	case rf >= m.cfg.MarginCriticalRatio:
		m.publishAlertLocked(types.SeverityCritical, "margin_critical",
			fmt.Sprintf("margin ratio %.2f at critical level", rf),
			map[string]any{"ratio": rf})
	case rf >= m.cfg.MarginWarningRatio:
		m.publishAlertLocked(types.SeverityWarning, "margin_warning",
			fmt.Sprintf("margin ratio %.2f above warning level", rf),
			map[string]any{"ratio": rf})
	}
	return ratio
}

// UseBudget reserves capital for a strategy. The reservation succeeds only
// when the amount fits inside capital not already reserved by any strategy;
// repeat reservations accumulate.
func (m *Manager) UseBudget(strategy string, amount decimal.Decimal) error {
	if strategy == "" {
		return fmt.Errorf("use budget: blank strategy")
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("use budget: amount must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	available := m.capital.Sub(m.reservedTotalLocked())
	if amount.GreaterThan(available) {
		return fmt.Errorf("use budget: %s available, %s requested", available, amount)
	}
	m.budgets[strategy] = m.budgets[strategy].Add(amount)
	return nil
}

// ReleaseBudget returns a strategy's reservation to the shared pool: all of
// it when amount is zero, negative, or larger than the reservation, the
// given slice otherwise. Reports false when the strategy holds nothing.
func (m *Manager) ReleaseBudget(strategy string, amount decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserved, ok := m.budgets[strategy]
	if !ok {
		return false
	}
	if amount.Sign() <= 0 || amount.GreaterThanOrEqual(reserved) {
		delete(m.budgets, strategy)
	} else {
		m.budgets[strategy] = reserved.Sub(amount)
	}
	return true
}

// AvailableCapital is capital minus every strategy reservation.
func (m *Manager) AvailableCapital() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capital.Sub(m.reservedTotalLocked())
}

// GetRiskSummary returns a consistent snapshot of all risk state.
func (m *Manager) GetRiskSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	total := decimal.Decimal{}
	for _, p := range m.positions {
		total = total.Add(p.Notional())
	}
	margin := m.marginUsedLocked()
	ratio := decimal.Decimal{}
	if m.capital.Sign() > 0 {
		ratio = margin.Div(m.capital)
	}

	budgets := make(map[string]decimal.Decimal, len(m.budgets))
	for k, v := range m.budgets {
		budgets[k] = v
	}

	return Summary{
		Capital:         m.capital,
		EquityPeak:      m.equityPeak,
		DailyPnL:        m.dailyPnL,
		OpenPositions:   len(m.positions),
		TotalNotional:   total,
		MarginUsed:      margin,
		MarginRatio:     ratio,
		DrawdownPct:     m.drawdownPctLocked(),
		RiskScore:       m.riskScoreLocked(),
		StrategyBudgets: budgets,
	}
}

// OpenPositions returns a copy of the open position set.
func (m *Manager) OpenPositions() map[string]types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]types.Position, len(m.positions))
	for id, p := range m.positions {
		out[id] = p
	}
	return out
}

// RestorePositions loads persisted positions at startup.
func (m *Manager) RestorePositions(positions map[string]types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range positions {
		m.positions[id] = p
	}
}

// ————————————————————————————————————————————————————————————————————————
// Internals (caller holds mu)
// ————————————————————————————————————————————————————————————————————————

// maybeResetLocked rolls the daily counters at UTC midnight.
func (m *Manager) maybeResetLocked() {
	today := m.nowFunc().UTC().Truncate(24 * time.Hour)
	if today.After(m.resetDay) {
		m.logger.Info("daily risk reset", "previous_daily_pnl", m.dailyPnL)
		m.dailyPnL = decimal.Decimal{}
		m.dayStartCapital = m.capital
		m.resetDay = today
	}
}

func (m *Manager) pctOfCapitalLocked(pct float64) decimal.Decimal {
	return m.capital.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
}

func (m *Manager) reservedTotalLocked() decimal.Decimal {
	total := decimal.Decimal{}
	for _, v := range m.budgets {
		total = total.Add(v)
	}
	return total
}

func (m *Manager) symbolNotionalLocked(symbol string) decimal.Decimal {
	total := decimal.Decimal{}
	for _, p := range m.positions {
		if p.Symbol == symbol {
			total = total.Add(p.Notional())
		}
	}
	return total
}

// marginUsedLocked sums initial margin across open positions. Margin per
// position is quantity × entry price (notional without leverage).
func (m *Manager) marginUsedLocked() decimal.Decimal {
	total := decimal.Decimal{}
	for _, p := range m.positions {
		total = total.Add(positionMargin(p))
	}
	return total
}

func positionMargin(p types.Position) decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// drawdownPctLocked is the equity distance below the peak. A zero peak
// means no history, which is zero drawdown by definition.
func (m *Manager) drawdownPctLocked() decimal.Decimal {
	if m.equityPeak.Sign() <= 0 {
		return decimal.Decimal{}
	}
	dd := m.equityPeak.Sub(m.capital).Div(m.equityPeak).Mul(decimal.NewFromInt(100))
	if dd.Sign() < 0 {
		return decimal.Decimal{}
	}
	return dd
}

// riskScoreLocked blends the utilization of each limit into one 0–100
// figure: 100 means every limit is fully consumed.
func (m *Manager) riskScoreLocked() float64 {
	if m.capital.Sign() <= 0 {
		return 100
	}

	components := []float64{
		m.utilization(float64(len(m.positions)), float64(m.cfg.MaxConcurrentPositions)),
		m.decimalUtilization(m.marginUsedLocked(), m.pctOfCapitalLocked(m.cfg.MaxMarginUtilizationPct)),
		m.decimalUtilization(m.dailyPnL.Neg(),
			m.dayStartCapital.Mul(decimal.NewFromFloat(m.cfg.DailyLossLimitPct)).Div(decimal.NewFromInt(100))),
		m.decimalUtilization(m.drawdownPctLocked(), decimal.NewFromFloat(m.cfg.MaxDrawdownPct)),
	}

	var sum float64
	for _, c := range components {
		sum += c
	}
	return sum / float64(len(components))
}

func (m *Manager) utilization(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	u := used / limit * 100
	if u < 0 {
		return 0
	}
	if u > 100 {
		return 100
	}
	return u
}

func (m *Manager) decimalUtilization(used, limit decimal.Decimal) float64 {
	if limit.Sign() <= 0 {
		return 0
	}
	uf, _ := used.Div(limit).Mul(decimal.NewFromInt(100)).Float64()
	if uf < 0 {
		return 0
	}
	if uf > 100 {
		return 100
	}
	return uf
}

func (m *Manager) publishAlertLocked(sev types.AlertSeverity, alertType, msg string, details map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(TopicRiskAlert, types.RiskAlert{
		AlertID:     m.nextID("alert"),
		Severity:    sev,
		AlertType:   alertType,
		Message:     msg,
		Details:     details,
		TimestampMs: m.nowFunc().UnixMilli(),
	})
}

// nextID mints process-unique ids: <prefix>-<unix_ms>-<seq>.
func (m *Manager) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, m.nowFunc().UnixMilli(), m.idSeq.Add(1))
}

// validatePosition returns a rejection reason for malformed input, or "".
func validatePosition(p types.Position) string {
	switch {
	case p.Symbol == "":
		return "blank symbol"
	case p.Quantity.Sign() <= 0:
		return "quantity must be positive"
	case p.EntryPrice.Sign() <= 0:
		return "entry price must be positive"
	case p.Leverage.Sign() < 0:
		return "leverage cannot be negative"
	default:
		return ""
	}
}
