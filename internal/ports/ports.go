// Package ports defines the engine's outward-facing interfaces. The engine
// depends on these, never on concrete venue clients, so execution and
// notification backends can be swapped without touching detection or risk.
package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"flashpump/pkg/types"
)

// AccountInfo is a venue account snapshot used for margin monitoring.
type AccountInfo struct {
	Balance         decimal.Decimal
	AvailableMargin decimal.Decimal
	MarginRatio     decimal.Decimal
}

// OrderExecutor places approved orders on a venue.
type OrderExecutor interface {
	// PlaceOrder submits an order and returns the resulting fill. Market
	// versus limit is carried by the order's Type field.
	PlaceOrder(ctx context.Context, order types.Order) (*types.Trade, error)
	// CancelOrder cancels a resting order by id.
	CancelOrder(ctx context.Context, orderID string) error
	// AccountInfo returns balance and margin state for monitoring.
	AccountInfo(ctx context.Context) (*AccountInfo, error)
	// HealthCheck reports whether the venue connection is usable.
	HealthCheck(ctx context.Context) error
	// ExchangeName identifies the venue for logs and alerts.
	ExchangeName() string
}

// NotificationService delivers operator-facing alerts.
type NotificationService interface {
	// NotifySignal reports a confirmed pump signal.
	NotifySignal(ctx context.Context, signal types.FlashPumpSignal) error
	// NotifyRisk reports a risk alert.
	NotifyRisk(ctx context.Context, alert types.RiskAlert) error
}

// MarketDataStream is the market data surface the engine drives. The
// WebSocket pool is the production implementation.
type MarketDataStream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SubscribeToSymbol(ctx context.Context, symbol string, dataTypes []string) error
	UnsubscribeFromSymbol(ctx context.Context, symbol string) error
	SubscribedSymbols() []string
}
