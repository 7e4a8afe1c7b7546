// Package detector implements flash-pump detection over the market tick
// stream.
//
// Detection runs in three phases per symbol:
//
//  1. Candidacy: a tick opens a candidate when price magnitude over the
//     median baseline, volume surge over the baseline volume, and price
//     velocity all clear their thresholds.
//  2. Confirmation: the candidate's peak must stay unbroken for the
//     confirmation window. Only then is confidence scored, so a still-rising
//     pump is never signalled mid-flight.
//  3. Reversal: after a confirmed signal, a retracement from the peak past
//     the threshold emits a reversal signal and retires the pump.
//
// All time arithmetic uses tick timestamps (event time), so replayed or
// delayed streams score identically to live ones.
package detector

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"flashpump/internal/config"
	"flashpump/internal/metrics"
	"flashpump/pkg/types"
)

// Confidence component weights. Must sum to 1.
const (
	weightMagnitude  = 0.30
	weightSurge      = 0.30
	weightVelocity   = 0.25
	weightConditions = 0.15
)

// Scoring ceilings and condition floors.
const (
	magnitudeCeilingPct = 20.0  // magnitude scores 100 at a 20% pump
	surgeRatioCeiling   = 5.0   // surge scores 100 at 5x the baseline
	wideSpreadPct       = 2.0   // a 2% spread forfeits the spread allowance
	lowLiquidityUSD     = 50000 // liquidity below this is penalized

	// A reversal is an emergency exit only when both the retracement and
	// the volume decline run well past their base thresholds.
	emergencyRetracementFactor = 2
	emergencyVolumeDecline     = 0.5
)

// SpreadFunc reports the current spread % for a symbol, when a book exists.
type SpreadFunc func(symbol string) (float64, bool)

// confirmedPump tracks a signalled pump until it reverses.
type confirmedPump struct {
	signal      types.FlashPumpSignal
	peakPrice   decimal.Decimal
	surgeVolume decimal.Decimal // largest tick volume during the pump
}

// Detector turns the tick stream into pump and reversal signals.
// Signals are delivered through the callbacks, outside the internal lock.
type Detector struct {
	cfg       config.DetectorConfig
	logger    *slog.Logger
	spreadFor SpreadFunc

	OnSignal   func(types.FlashPumpSignal)
	OnReversal func(types.ReversalSignal)

	mu         sync.Mutex
	histories  map[string]*history
	candidates map[string]*types.PumpCandidate
	confirmed  map[string]*confirmedPump
}

// New creates a detector. spreadFor may be nil when no order book feed is
// subscribed; the conditions component then scores neutral.
func New(cfg config.DetectorConfig, spreadFor SpreadFunc, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:        cfg,
		logger:     logger.With("component", "detector"),
		spreadFor:  spreadFor,
		histories:  make(map[string]*history),
		candidates: make(map[string]*types.PumpCandidate),
		confirmed:  make(map[string]*confirmedPump),
	}
}

// OnTick processes one market tick. A failure for one symbol clears that
// symbol's state and never disturbs the others.
func (d *Detector) OnTick(tick types.MarketTick) {
	if tick.Symbol == "" || tick.Price.Sign() <= 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tick processing failed, resetting symbol",
				"symbol", tick.Symbol, "panic", fmt.Sprint(r))
			d.ClearHistory(tick.Symbol)
		}
	}()

	d.mu.Lock()
	signal, reversal := d.processLocked(tick)
	d.mu.Unlock()

	if signal != nil {
		metrics.PumpSignals.WithLabelValues(signal.Symbol).Inc()
		d.logger.Info("flash pump confirmed",
			"symbol", signal.Symbol,
			"magnitude_pct", signal.PumpMagnitudePct,
			"surge_ratio", signal.VolumeSurgeRatio,
			"confidence", signal.Confidence)
		if d.OnSignal != nil {
			d.OnSignal(*signal)
		}
	}
	if reversal != nil {
		metrics.ReversalSignals.WithLabelValues(reversal.Symbol).Inc()
		d.logger.Warn("pump reversal",
			"symbol", reversal.Symbol,
			"retracement_pct", reversal.RetracementPct,
			"emergency", reversal.EmergencyExit)
		if d.OnReversal != nil {
			d.OnReversal(*reversal)
		}
	}
}

// processLocked advances the per-symbol state machine for one tick and
// returns any signals to emit after the lock is released.
func (d *Detector) processLocked(tick types.MarketTick) (*types.FlashPumpSignal, *types.ReversalSignal) {
	symbol := tick.Symbol
	now := tick.Timestamp

	h := d.histories[symbol]
	if h == nil {
		h = newHistory(d.cfg.HistoryCapacity)
		d.histories[symbol] = h
	}

	// Baseline before this tick joins the window, so the pump tick itself
	// does not inflate its own reference.
	basePrice, baseVolume, baselineOK := h.baseline(now, d.cfg.BaselineWindow, d.cfg.MinBaselineSamples)
	h.push(now, tick.Price, tick.Volume)

	if rev := d.checkReversalLocked(symbol, tick, h); rev != nil {
		return nil, rev
	}

	if cand := d.candidates[symbol]; cand != nil {
		return d.advanceCandidateLocked(cand, tick, h), nil
	}

	if !baselineOK {
		return nil, nil
	}
	d.evaluateCandidacyLocked(tick, h, basePrice, baseVolume)
	return nil, nil
}

// evaluateCandidacyLocked opens a candidate when every computable criterion
// clears its threshold. Thresholds are inclusive.
func (d *Detector) evaluateCandidacyLocked(tick types.MarketTick, h *history, basePrice, baseVolume decimal.Decimal) {
	now := tick.Timestamp

	if basePrice.Sign() <= 0 || baseVolume.Sign() <= 0 {
		return
	}

	magnitude := tick.Price.Sub(basePrice).Div(basePrice).Mul(decimal.NewFromInt(100))
	if magnitude.LessThan(decimal.NewFromFloat(d.cfg.MinPumpMagnitudePct)) {
		return
	}

	// Tick volume against the median tick volume: both sides are one
	// trade's worth, so a quiet 1 Hz stream sits near 1.
	surge := tick.Volume.Div(baseVolume)
	if surge.LessThan(decimal.NewFromFloat(d.cfg.VolumeSurgeMultiplier)) {
		return
	}

	velocity, velocityOK := h.velocity(now, d.cfg.VelocityWindow)
	if velocityOK && velocity.LessThan(decimal.NewFromFloat(d.cfg.VelocityThreshold)) {
		return
	}

	// 24h quote volume is optional context; zero means not provided.
	if !tick.QuoteVolume24h.IsZero() &&
		tick.QuoteVolume24h.LessThan(decimal.NewFromFloat(d.cfg.MinVolume24h)) {
		return
	}

	d.candidates[tick.Symbol] = &types.PumpCandidate{
		Symbol:           tick.Symbol,
		DetectionTime:    now,
		PeakPrice:        tick.Price,
		PeakTime:         now,
		BaselinePrice:    basePrice,
		BaselineVolume:   baseVolume,
		PumpMagnitudePct: magnitude,
		VolumeSurgeRatio: surge,
		Velocity:         velocity,
	}
	d.logger.Info("pump candidate opened",
		"symbol", tick.Symbol, "magnitude_pct", magnitude, "surge_ratio", surge)
}

// advanceCandidateLocked tracks the peak and scores the candidate once it
// has held quiet for the confirmation window.
func (d *Detector) advanceCandidateLocked(cand *types.PumpCandidate, tick types.MarketTick, h *history) *types.FlashPumpSignal {
	now := tick.Timestamp

	if tick.Price.GreaterThan(cand.PeakPrice) {
		cand.PeakPrice = tick.Price
		cand.PeakTime = now
		cand.PumpMagnitudePct = cand.PeakPrice.Sub(cand.BaselinePrice).
			Div(cand.BaselinePrice).Mul(decimal.NewFromInt(100))
		return nil
	}

	if now.Sub(cand.PeakTime) < d.cfg.PeakConfirmationWindow {
		return nil
	}

	// Peak held quiet long enough; score it.
	delete(d.candidates, cand.Symbol)

	conditions := d.marketConditions(tick)
	confidence := d.confidence(cand, conditions)

	if confidence < d.cfg.MinConfidenceThreshold {
		d.logger.Debug("candidate discarded below confidence floor",
			"symbol", cand.Symbol, "confidence", confidence)
		return nil
	}

	signal := types.FlashPumpSignal{
		Symbol:           cand.Symbol,
		DetectionTime:    cand.DetectionTime,
		PeakPrice:        cand.PeakPrice,
		PeakTime:         cand.PeakTime,
		BaselinePrice:    cand.BaselinePrice,
		BaselineVolume:   cand.BaselineVolume,
		PumpMagnitudePct: cand.PumpMagnitudePct,
		VolumeSurgeRatio: cand.VolumeSurgeRatio,
		Velocity:         cand.Velocity,
		Confidence:       confidence,
		PumpAgeSeconds:   now.Sub(cand.DetectionTime).Seconds(),
		Conditions:       conditions,
	}
	d.confirmed[cand.Symbol] = &confirmedPump{
		signal:      signal,
		peakPrice:   cand.PeakPrice,
		surgeVolume: h.maxVolume(cand.DetectionTime),
	}
	return &signal
}

// checkReversalLocked emits a reversal once price retraces past the
// threshold from a confirmed pump's peak.
func (d *Detector) checkReversalLocked(symbol string, tick types.MarketTick, h *history) *types.ReversalSignal {
	pump := d.confirmed[symbol]
	if pump == nil {
		return nil
	}
	now := tick.Timestamp

	if tick.Price.GreaterThan(pump.peakPrice) {
		pump.peakPrice = tick.Price
		return nil
	}

	retracement := pump.peakPrice.Sub(tick.Price).Div(pump.peakPrice).Mul(decimal.NewFromInt(100))
	threshold := decimal.NewFromFloat(d.cfg.MinRetracementPct)
	if retracement.LessThan(threshold) {
		return nil
	}

	// Fraction of the surge's peak tick volume that has gone away: 0 at
	// full surge volume, approaching 1 as trade dries up.
	volumeDecline := decimal.Decimal{}
	if pump.surgeVolume.Sign() > 0 {
		ratio := tick.Volume.Div(pump.surgeVolume)
		if ratio.LessThan(decimal.NewFromInt(1)) {
			volumeDecline = decimal.NewFromInt(1).Sub(ratio)
		}
	}
	momentumShift := false
	if v, ok := h.velocity(now, d.cfg.VelocityWindow); ok {
		momentumShift = v.Sign() < 0
	}

	emergency := retracement.GreaterThanOrEqual(
		threshold.Mul(decimal.NewFromInt(emergencyRetracementFactor))) &&
		volumeDecline.GreaterThanOrEqual(decimal.NewFromFloat(emergencyVolumeDecline))

	delete(d.confirmed, symbol)
	delete(d.candidates, symbol)

	return &types.ReversalSignal{
		Symbol:                 symbol,
		PeakPrice:              pump.peakPrice,
		CurrentPrice:           tick.Price,
		RetracementPct:         retracement,
		VolumeDeclineRatio:     volumeDecline,
		MomentumShiftConfirmed: momentumShift,
		EmergencyExit:          emergency,
		Timestamp:              now,
	}
}

// confidence scores a candidate 0–100 as a weighted blend. Magnitude is
// scaled against a 20% ceiling, surge against a 5x ceiling above 1x,
// velocity against twice its threshold, and entry conditions subtract
// penalties from a full score.
func (d *Detector) confidence(cand *types.PumpCandidate, conditions types.MarketConditions) float64 {
	mag, _ := cand.PumpMagnitudePct.Float64()
	surge, _ := cand.VolumeSurgeRatio.Float64()
	vel, _ := cand.Velocity.Float64()

	score := weightMagnitude*scaleToCeiling(mag, magnitudeCeilingPct) +
		weightSurge*scaleToCeiling(surge-1, surgeRatioCeiling-1) +
		weightVelocity*componentScore(math.Abs(vel), d.cfg.VelocityThreshold) +
		weightConditions*d.conditionsScore(conditions)

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// scaleToCeiling maps value linearly onto 0–100, saturating at the ceiling.
func scaleToCeiling(value, ceiling float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	s := value / ceiling * 100
	if s > 100 {
		return 100
	}
	if s < 0 {
		return 0
	}
	return s
}

// componentScore maps value/threshold onto 0–100: 50 at the threshold,
// 100 at twice it.
func componentScore(value, threshold float64) float64 {
	if threshold <= 0 {
		return 50
	}
	s := value / (2 * threshold) * 100
	if s > 100 {
		return 100
	}
	if s < 0 {
		return 0
	}
	return s
}

// conditionsScore starts from a full score and subtracts penalties for a
// wide spread, thin liquidity, and thin 24h volume. Absent inputs deduct
// nothing; with no inputs at all the score is neutral.
func (d *Detector) conditionsScore(c types.MarketConditions) float64 {
	score := 100.0
	known := false

	if !c.SpreadPct.IsZero() {
		known = true
		spread, _ := c.SpreadPct.Float64()
		p := spread / wideSpreadPct
		if p > 1 {
			p = 1
		}
		if p < 0 {
			p = 0
		}
		score -= p * 50
	}
	if !c.Liquidity.IsZero() {
		known = true
		if liq, _ := c.Liquidity.Float64(); liq < lowLiquidityUSD {
			score -= 25
		}
	}
	if !c.Volume24h.IsZero() {
		known = true
		if vol, _ := c.Volume24h.Float64(); vol < d.cfg.MinVolume24h {
			score -= 25
		}
	}

	if !known {
		return 50
	}
	if score < 0 {
		return 0
	}
	return score
}

// marketConditions snapshots spread and tick context for the signal.
func (d *Detector) marketConditions(tick types.MarketTick) types.MarketConditions {
	cond := types.MarketConditions{
		Liquidity: tick.Liquidity,
		Volume24h: tick.QuoteVolume24h,
	}
	if d.spreadFor != nil {
		if spread, ok := d.spreadFor(tick.Symbol); ok {
			cond.SpreadPct = decimal.NewFromFloat(spread)
		}
	}
	return cond
}

// ClearHistory drops all state for a symbol: history, candidate, and
// confirmed pump. Used on unsubscribe and on per-symbol failure.
func (d *Detector) ClearHistory(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.histories, symbol)
	delete(d.candidates, symbol)
	delete(d.confirmed, symbol)
}

// ActiveCandidates returns the symbols with an open candidate.
func (d *Detector) ActiveCandidates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.candidates))
	for sym := range d.candidates {
		out = append(out, sym)
	}
	return out
}

// TrackedSymbols returns the symbols with any recorded history.
func (d *Detector) TrackedSymbols() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.histories))
	for sym := range d.histories {
		out = append(out, sym)
	}
	return out
}
