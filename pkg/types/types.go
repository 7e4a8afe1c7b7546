// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — market ticks,
// order book levels, pump/reversal signals, positions, orders, and the
// event payloads carried over the bus. It has no dependencies on internal
// packages, so it can be imported by any layer.
//
// Monetary quantities (prices, volumes, notionals) use decimal.Decimal so
// threshold comparisons are exact. Unit-interval heuristics (confidence,
// sub-scores) use float64.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// OrderType enumerates the supported order kinds sent to the executor port.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// VolumeCategory classifies a symbol by typical traffic for staleness checks.
// Quiet symbols legitimately go long stretches without frames, so the
// data-staleness threshold scales with the category.
type VolumeCategory string

const (
	VolumeHigh   VolumeCategory = "high"
	VolumeMedium VolumeCategory = "medium"
	VolumeLow    VolumeCategory = "low"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketTick is one normalized trade from the exchange feed. It is the
// canonical payload for the market.price_update topic: the adapter emits
// exactly this shape and nothing else, so downstream handlers never probe
// for alternate representations.
type MarketTick struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Side      Side            `json:"side"`

	// QuoteVolume24h and Liquidity are optional context for signal scoring.
	// Zero means "not provided"; consumers must treat zero as absent.
	QuoteVolume24h decimal.Decimal `json:"quote_volume,omitempty"`
	Liquidity      decimal.Decimal `json:"liquidity,omitempty"`

	Source string `json:"source"`
}

// OrderBookLevel is a single price level on one side of the book.
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookUpdate is the payload for market.orderbook_update. It carries the
// top levels after a merge, not the full book, so consumers never hold a
// mutable reference into pool-owned state.
type OrderBookUpdate struct {
	Exchange  string           `json:"exchange"`
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"` // descending by price
	Asks      []OrderBookLevel `json:"asks"` // ascending by price
	BestBid   decimal.Decimal  `json:"best_bid"`
	BestAsk   decimal.Decimal  `json:"best_ask"`
	Timestamp time.Time        `json:"timestamp"`
	Version   int64            `json:"version"`
}

// ConnectionEvent is published on market_data.connected / .disconnected.
type ConnectionEvent struct {
	Exchange     string    `json:"exchange"`
	ConnectionID string    `json:"connection_id,omitempty"`
	URL          string    `json:"url,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Pump detection
// ————————————————————————————————————————————————————————————————————————

// PumpCandidate tracks an in-progress pump between first detection and
// confirmation. Owned exclusively by the detector; never shared.
type PumpCandidate struct {
	Symbol           string
	DetectionTime    time.Time
	PeakPrice        decimal.Decimal
	PeakTime         time.Time
	BaselinePrice    decimal.Decimal
	BaselineVolume   decimal.Decimal
	PumpMagnitudePct decimal.Decimal // (peak - baseline) / baseline * 100
	VolumeSurgeRatio decimal.Decimal // surge volume / baseline volume
	Velocity         decimal.Decimal // price units per second
}

// MarketConditions is the market snapshot attached to a confirmed signal.
type MarketConditions struct {
	SpreadPct decimal.Decimal `json:"spread_pct"`
	Liquidity decimal.Decimal `json:"liquidity"`
	RSI       float64         `json:"rsi,omitempty"`
	Volume24h decimal.Decimal `json:"volume_24h"`
}

// FlashPumpSignal is a confirmed pump. Immutable once emitted.
type FlashPumpSignal struct {
	Symbol           string           `json:"symbol"`
	DetectionTime    time.Time        `json:"detection_time"`
	PeakPrice        decimal.Decimal  `json:"peak_price"`
	PeakTime         time.Time        `json:"peak_time"`
	BaselinePrice    decimal.Decimal  `json:"baseline_price"`
	BaselineVolume   decimal.Decimal  `json:"baseline_volume"`
	PumpMagnitudePct decimal.Decimal  `json:"pump_magnitude_pct"`
	VolumeSurgeRatio decimal.Decimal  `json:"volume_surge_ratio"`
	Velocity         decimal.Decimal  `json:"velocity"`
	Confidence       float64          `json:"confidence"` // 0–100
	PumpAgeSeconds   float64          `json:"pump_age_seconds"`
	Conditions       MarketConditions `json:"market_conditions"`
}

// ReversalSignal is emitted when a confirmed pump retraces.
type ReversalSignal struct {
	Symbol                 string          `json:"symbol"`
	PeakPrice              decimal.Decimal `json:"peak_price"`
	CurrentPrice           decimal.Decimal `json:"current_price"`
	RetracementPct         decimal.Decimal `json:"retracement_pct"`
	VolumeDeclineRatio     decimal.Decimal `json:"volume_decline_ratio"`
	MomentumShiftConfirmed bool            `json:"momentum_shift_confirmed"`
	EmergencyExit          bool            `json:"emergency_exit"`
	Timestamp              time.Time       `json:"timestamp"`
}

// PumpEvent is the payload for pump.detected: the confirmed signal plus the
// risk manager's verdict on whether an entry is currently allowed.
type PumpEvent struct {
	Signal           FlashPumpSignal `json:"signal"`
	EntryAllowed     bool            `json:"entry_allowed"`
	RejectionReasons []string        `json:"rejection_reasons,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Trading records
// ————————————————————————————————————————————————————————————————————————

// Position is an open position as the risk manager sees it.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   decimal.Decimal `json:"leverage"`
	Strategy   string          `json:"strategy"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Notional returns quantity × entry price × leverage. Leverage of zero is
// treated as 1× so spot-style positions do not vanish from concentration math.
func (p Position) Notional() decimal.Decimal {
	lev := p.Leverage
	if lev.IsZero() {
		lev = decimal.NewFromInt(1)
	}
	return p.Quantity.Mul(p.EntryPrice).Mul(lev)
}

// Order is a trade intent handed to the executor port after risk approval.
type Order struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price,omitempty"` // unset for market orders
	Strategy  string          `json:"strategy"`
	CreatedAt time.Time       `json:"created_at"`
}

// Trade is an executed fill reported back by the executor.
type Trade struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// AlertSeverity grades risk_alert payloads.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "CRITICAL"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityInfo     AlertSeverity = "INFO"
)

// RiskAlert is the payload for the risk_alert topic.
type RiskAlert struct {
	AlertID     string         `json:"alert_id"`
	Severity    AlertSeverity  `json:"severity"`
	AlertType   string         `json:"alert_type"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	TimestampMs int64          `json:"timestamp_ms"`
}
