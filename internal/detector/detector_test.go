package detector

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flashpump/internal/config"
	"flashpump/pkg/types"
)

func testConfig() config.DetectorConfig {
	return config.DetectorConfig{
		BaselineWindow:         10 * time.Minute,
		MinBaselineSamples:     5,
		VelocityWindow:         30 * time.Second,
		MinPumpMagnitudePct:    7.0,
		VolumeSurgeMultiplier:  3.5,
		VelocityThreshold:      0.5,
		MinVolume24h:           100000,
		PeakConfirmationWindow: 30 * time.Second,
		MinConfidenceThreshold: 60.0,
		MinRetracementPct:      2.0,
		HistoryCapacity:        1000,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tick(symbol string, at time.Time, price, volume string) types.MarketTick {
	return types.MarketTick{
		Exchange:  "mexc",
		Symbol:    symbol,
		Price:     dec(price),
		Volume:    dec(volume),
		Timestamp: at,
		Side:      types.SideBuy,
		Source:    "websocket",
	}
}

// seedBaseline feeds six flat ticks a minute apart and returns the time of
// the last one.
func seedBaseline(d *Detector, symbol string, start time.Time) time.Time {
	at := start
	for i := 0; i < 6; i++ {
		at = start.Add(time.Duration(i) * time.Minute)
		d.OnTick(tick(symbol, at, "100", "10"))
	}
	return at
}

func TestNoCandidateWithoutBaseline(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// Only three samples, below the baseline minimum.
	for i := 0; i < 3; i++ {
		d.OnTick(tick("BTC_USDT", start.Add(time.Duration(i)*time.Minute), "100", "10"))
	}
	d.OnTick(tick("BTC_USDT", start.Add(3*time.Minute), "120", "500"))

	if got := d.ActiveCandidates(); len(got) != 0 {
		t.Fatalf("candidate opened without a baseline: %v", got)
	}
}

func TestCandidateOpensAtExactMagnitudeThreshold(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)

	// Exactly 7% over the 100 baseline; thresholds are inclusive.
	d.OnTick(tick("BTC_USDT", last.Add(10*time.Second), "107", "200"))

	if got := d.ActiveCandidates(); len(got) != 1 || got[0] != "BTC_USDT" {
		t.Fatalf("candidates = %v, want BTC_USDT at exact threshold", got)
	}
}

func TestNoCandidateBelowMagnitudeThreshold(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)

	d.OnTick(tick("BTC_USDT", last.Add(10*time.Second), "106.9", "200"))

	if got := d.ActiveCandidates(); len(got) != 0 {
		t.Fatalf("candidate opened below threshold: %v", got)
	}
}

func TestNoCandidateWithoutVolumeSurge(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)

	// Big move, but volume in line with the baseline.
	d.OnTick(tick("BTC_USDT", last.Add(10*time.Second), "115", "10"))

	if got := d.ActiveCandidates(); len(got) != 0 {
		t.Fatalf("candidate opened without surge: %v", got)
	}
}

func TestLowQuoteVolumeBlocksCandidate(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "SHIB_USDT", start)

	mt := tick("SHIB_USDT", last.Add(10*time.Second), "115", "200")
	mt.QuoteVolume24h = dec("50000") // below the 100k floor
	d.OnTick(mt)

	if got := d.ActiveCandidates(); len(got) != 0 {
		t.Fatalf("candidate opened on illiquid symbol: %v", got)
	}
}

func TestConfirmationAfterQuietPeak(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	var signals []types.FlashPumpSignal
	d.OnSignal = func(s types.FlashPumpSignal) { signals = append(signals, s) }

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)

	// A fast 1 Hz climb from 100 to 115 on heavy volume.
	climb := []string{"101.5", "103", "104.5", "106", "107.5", "109", "110.5", "112", "113.5", "115"}
	peakAt := last
	for i, price := range climb {
		peakAt = last.Add(time.Duration(i+1) * time.Second)
		d.OnTick(tick("BTC_USDT", peakAt, price, "200"))
	}
	if len(d.ActiveCandidates()) != 1 {
		t.Fatal("candidate not opened")
	}

	// Still inside the confirmation window: no signal yet.
	d.OnTick(tick("BTC_USDT", peakAt.Add(20*time.Second), "114", "50"))
	if len(signals) != 0 {
		t.Fatal("signalled before the peak held quiet")
	}

	// Quiet window elapsed without a new peak.
	d.OnTick(tick("BTC_USDT", peakAt.Add(35*time.Second), "114", "50"))
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}

	s := signals[0]
	if s.Symbol != "BTC_USDT" {
		t.Fatalf("symbol = %s", s.Symbol)
	}
	if !s.PeakPrice.Equal(dec("115")) {
		t.Fatalf("peak = %v, want 115", s.PeakPrice)
	}
	if !s.PumpMagnitudePct.Equal(dec("15")) {
		t.Fatalf("magnitude = %v, want 15", s.PumpMagnitudePct)
	}
	if s.Confidence < 60 {
		t.Fatalf("confidence = %v, want >= 60", s.Confidence)
	}
	if len(d.ActiveCandidates()) != 0 {
		t.Fatal("candidate not retired after confirmation")
	}
}

// Replays a canonical pump at a realistic tick rate: 20 minutes of steady
// 1 Hz trade, a 12% climb over 10 seconds on five times the volume, then a
// quiet hold at the peak. The signal must confirm shortly after the hold
// outlasts the confirmation window.
func TestPumpConfirmsAtOneHertz(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	var signals []types.FlashPumpSignal
	d.OnSignal = func(s types.FlashPumpSignal) { signals = append(signals, s) }

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 1200; i++ {
		d.OnTick(tick("BTC_USDT", start.Add(time.Duration(i)*time.Second), "100", "10"))
	}

	burst := start.Add(1200 * time.Second)
	price := dec("100")
	step := dec("1.2")
	for i := 0; i < 10; i++ {
		price = price.Add(step)
		mt := tick("BTC_USDT", burst.Add(time.Duration(i)*time.Second), "0", "50")
		mt.Price = price
		d.OnTick(mt)
	}
	if len(d.ActiveCandidates()) != 1 {
		t.Fatalf("no candidate after the burst (candidates=%v)", d.ActiveCandidates())
	}

	// Hold at the peak past the confirmation window.
	hold := burst.Add(10 * time.Second)
	for i := 0; i < 35; i++ {
		d.OnTick(tick("BTC_USDT", hold.Add(time.Duration(i)*time.Second), "112", "10"))
	}

	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1 confirmed pump", len(signals))
	}
	s := signals[0]
	if !s.PumpMagnitudePct.Equal(dec("12")) {
		t.Fatalf("magnitude = %v, want 12", s.PumpMagnitudePct)
	}
	if !s.VolumeSurgeRatio.Equal(dec("5")) {
		t.Fatalf("surge ratio = %v, want 5", s.VolumeSurgeRatio)
	}
	if s.Confidence < 60 {
		t.Fatalf("confidence = %v, want >= 60", s.Confidence)
	}
}

// A price spike on unchanged per-tick volume is not a pump, no matter how
// dense the stream is.
func TestFlatVolumeSpikeAtOneHertzRejected(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 660; i++ {
		d.OnTick(tick("BTC_USDT", start.Add(time.Duration(i)*time.Second), "100", "10"))
	}

	d.OnTick(tick("BTC_USDT", start.Add(660*time.Second), "120", "10"))

	if got := d.ActiveCandidates(); len(got) != 0 {
		t.Fatalf("candidate opened with no volume surge: %v", got)
	}
}

func TestNewPeakRestartsConfirmationWindow(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	var signals []types.FlashPumpSignal
	d.OnSignal = func(s types.FlashPumpSignal) { signals = append(signals, s) }

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)

	pumpAt := last.Add(10 * time.Second)
	d.OnTick(tick("BTC_USDT", pumpAt, "115", "200"))

	// New peak 25s in resets the quiet clock.
	d.OnTick(tick("BTC_USDT", pumpAt.Add(25*time.Second), "118", "100"))
	// 31s after the original peak but only 6s after the new one.
	d.OnTick(tick("BTC_USDT", pumpAt.Add(31*time.Second), "117", "50"))
	if len(signals) != 0 {
		t.Fatal("signalled while the peak was still moving")
	}

	d.OnTick(tick("BTC_USDT", pumpAt.Add(60*time.Second), "117", "50"))
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1 after the new peak held", len(signals))
	}
	if !signals[0].PeakPrice.Equal(dec("118")) {
		t.Fatalf("peak = %v, want 118", signals[0].PeakPrice)
	}
}

func TestReversalAfterRetracement(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	var reversals []types.ReversalSignal
	d.OnReversal = func(r types.ReversalSignal) { reversals = append(reversals, r) }

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)

	pumpAt := last.Add(10 * time.Second)
	d.OnTick(tick("BTC_USDT", pumpAt, "120", "200"))
	d.OnTick(tick("BTC_USDT", pumpAt.Add(35*time.Second), "118", "50")) // confirms

	// 118 is only ~1.67% off the 120 peak: no reversal.
	if len(reversals) != 0 {
		t.Fatal("reversal before the retracement threshold")
	}

	// 117 is 2.5% off the peak.
	d.OnTick(tick("BTC_USDT", pumpAt.Add(40*time.Second), "117", "30"))
	if len(reversals) != 1 {
		t.Fatalf("reversals = %d, want 1", len(reversals))
	}

	r := reversals[0]
	if !r.PeakPrice.Equal(dec("120")) || !r.CurrentPrice.Equal(dec("117")) {
		t.Fatalf("reversal = %+v", r)
	}
	// Tick volume 30 against the 200 surge peak: 85% of the surge is gone.
	if !r.VolumeDeclineRatio.Equal(dec("0.85")) {
		t.Fatalf("volume decline = %v, want 0.85", r.VolumeDeclineRatio)
	}
	if !r.MomentumShiftConfirmed {
		t.Fatal("falling price did not confirm the momentum shift")
	}
	if r.EmergencyExit {
		t.Fatal("2.5% retracement flagged as emergency (threshold is 4%)")
	}

	// Pump retired: the same price again produces nothing.
	d.OnTick(tick("BTC_USDT", pumpAt.Add(45*time.Second), "116", "30"))
	if len(reversals) != 1 {
		t.Fatal("reversal emitted twice for one pump")
	}
}

func TestDeepRetracementIsEmergency(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	var reversals []types.ReversalSignal
	d.OnReversal = func(r types.ReversalSignal) { reversals = append(reversals, r) }

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)

	pumpAt := last.Add(10 * time.Second)
	d.OnTick(tick("BTC_USDT", pumpAt, "120", "200"))
	d.OnTick(tick("BTC_USDT", pumpAt.Add(35*time.Second), "118", "50")) // confirms

	// 5% off the peak on a fraction of the surge volume: both emergency
	// conditions hold.
	d.OnTick(tick("BTC_USDT", pumpAt.Add(40*time.Second), "114", "30"))
	if len(reversals) != 1 || !reversals[0].EmergencyExit {
		t.Fatalf("reversals = %+v, want one emergency exit", reversals)
	}
}

func TestDeepRetracementOnFullVolumeIsNotEmergency(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	var reversals []types.ReversalSignal
	d.OnReversal = func(r types.ReversalSignal) { reversals = append(reversals, r) }

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)

	pumpAt := last.Add(10 * time.Second)
	d.OnTick(tick("BTC_USDT", pumpAt, "120", "200"))
	d.OnTick(tick("BTC_USDT", pumpAt.Add(35*time.Second), "118", "50")) // confirms

	// Deep retracement but trade is still running at the surge peak, so
	// this is a reversal without the emergency flag.
	d.OnTick(tick("BTC_USDT", pumpAt.Add(40*time.Second), "114", "200"))
	if len(reversals) != 1 {
		t.Fatalf("reversals = %d, want 1", len(reversals))
	}
	if reversals[0].EmergencyExit {
		t.Fatal("emergency flagged without a volume decline")
	}
	if !reversals[0].VolumeDeclineRatio.IsZero() {
		t.Fatalf("volume decline = %v, want 0", reversals[0].VolumeDeclineRatio)
	}
}

func TestSymbolsAreIndependent(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	lastBTC := seedBaseline(d, "BTC_USDT", start)
	seedBaseline(d, "ETH_USDT", start)

	d.OnTick(tick("BTC_USDT", lastBTC.Add(10*time.Second), "115", "200"))

	got := d.ActiveCandidates()
	if len(got) != 1 || got[0] != "BTC_USDT" {
		t.Fatalf("candidates = %v, one symbol's pump leaked", got)
	}
}

func TestClearHistoryDropsAllState(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := seedBaseline(d, "BTC_USDT", start)
	d.OnTick(tick("BTC_USDT", last.Add(10*time.Second), "115", "200"))

	d.ClearHistory("BTC_USDT")

	if len(d.ActiveCandidates()) != 0 || len(d.TrackedSymbols()) != 0 {
		t.Fatal("state survived ClearHistory")
	}
}

func TestInvalidTicksIgnored(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	d.OnTick(types.MarketTick{Symbol: "", Price: dec("100"), Timestamp: at})
	d.OnTick(types.MarketTick{Symbol: "BTC_USDT", Price: decimal.Decimal{}, Timestamp: at})
	d.OnTick(types.MarketTick{Symbol: "BTC_USDT", Price: dec("-1"), Timestamp: at})

	if len(d.TrackedSymbols()) != 0 {
		t.Fatal("invalid ticks recorded")
	}
}

func TestComponentScore(t *testing.T) {
	t.Parallel()

	if got := componentScore(7, 7); got != 50 {
		t.Fatalf("score at threshold = %v, want 50", got)
	}
	if got := componentScore(14, 7); got != 100 {
		t.Fatalf("score at 2x threshold = %v, want 100", got)
	}
	if got := componentScore(28, 7); got != 100 {
		t.Fatalf("score is not capped: %v", got)
	}
	if got := componentScore(-1, 7); got != 0 {
		t.Fatalf("negative value scored %v", got)
	}
}

func TestScaleToCeiling(t *testing.T) {
	t.Parallel()

	if got := scaleToCeiling(12, 20); got != 60 {
		t.Fatalf("12 against a 20 ceiling = %v, want 60", got)
	}
	if got := scaleToCeiling(20, 20); got != 100 {
		t.Fatalf("score at the ceiling = %v, want 100", got)
	}
	if got := scaleToCeiling(40, 20); got != 100 {
		t.Fatalf("score is not capped: %v", got)
	}
	if got := scaleToCeiling(-1, 20); got != 0 {
		t.Fatalf("negative value scored %v", got)
	}
}

func TestConditionsScorePenalties(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, testLogger())

	if got := d.conditionsScore(types.MarketConditions{}); got != 50 {
		t.Fatalf("score with no inputs = %v, want neutral 50", got)
	}

	healthy := types.MarketConditions{
		SpreadPct: dec("0.1"),
		Liquidity: dec("200000"),
		Volume24h: dec("500000"),
	}
	if got := d.conditionsScore(healthy); got != 97.5 {
		t.Fatalf("healthy conditions = %v, want 97.5", got)
	}

	thin := types.MarketConditions{
		SpreadPct: dec("0.1"),
		Liquidity: dec("1000"),
		Volume24h: dec("50000"),
	}
	if got := d.conditionsScore(thin); got != 47.5 {
		t.Fatalf("thin conditions = %v, want 47.5", got)
	}
}
