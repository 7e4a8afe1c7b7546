// orderbook.go maintains per-symbol order book state under incremental
// updates.
//
// Each symbol owns an independent bookState guarded by its own mutex, so
// concurrent updates to different symbols never contend. Snapshots replace
// the book wholesale; deltas upsert or remove individual levels. Updates
// whose version does not exceed the current version are dropped as stale.
// After every merge both sides are re-sorted and trimmed to the top
// bookDepthLimit levels, bounding memory regardless of input.
package exchange

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flashpump/pkg/types"
)

// bookDepthLimit is the number of levels kept per side after a merge.
const bookDepthLimit = 20

// bookState is one symbol's order book. Bids are sorted descending by
// price, asks ascending, versions strictly increase.
type bookState struct {
	mu sync.Mutex

	symbol     string
	bids       []types.OrderBookLevel
	asks       []types.OrderBookLevel
	version    int64
	lastUpdate time.Time
}

func newBookState(symbol string) *bookState {
	return &bookState{symbol: symbol}
}

// applySnapshot replaces the book atomically. Returns false if the snapshot
// is stale (version not above the current one).
func (b *bookState) applySnapshot(data depthData) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data.Version != 0 && data.Version <= b.version {
		return false
	}

	b.bids = trimSide(levelsFromWire(data.Bids), true)
	b.asks = trimSide(levelsFromWire(data.Asks), false)
	b.version = data.Version
	b.lastUpdate = time.Now()
	return true
}

// applyDelta merges an incremental update. A level with quantity zero is
// removed; any other quantity upserts the level. Returns false when the
// delta is stale and was dropped.
func (b *bookState) applyDelta(data depthData) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data.Version <= b.version {
		return false
	}

	b.bids = mergeSide(b.bids, data.Bids, true)
	b.asks = mergeSide(b.asks, data.Asks, false)
	b.version = data.Version
	b.lastUpdate = time.Now()
	return true
}

// snapshot returns an immutable copy suitable for publication.
func (b *bookState) snapshot(exchange string) types.OrderBookUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	upd := types.OrderBookUpdate{
		Exchange:  exchange,
		Symbol:    b.symbol,
		Bids:      append([]types.OrderBookLevel(nil), b.bids...),
		Asks:      append([]types.OrderBookLevel(nil), b.asks...),
		Timestamp: b.lastUpdate,
		Version:   b.version,
	}
	if len(b.bids) > 0 {
		upd.BestBid = b.bids[0].Price
	}
	if len(b.asks) > 0 {
		upd.BestAsk = b.asks[0].Price
	}
	return upd
}

// bestBidAsk returns the top of book. ok is false when either side is empty.
func (b *bookState) bestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return b.bids[0].Price, b.asks[0].Price, true
}

// spreadPct returns (ask - bid) / mid × 100 rounded to 6 decimal places,
// or ok=false when either side is empty.
func (b *bookState) spreadPct() (decimal.Decimal, bool) {
	bid, ask, ok := b.bestBidAsk()
	if !ok || bid.IsZero() {
		return decimal.Decimal{}, false
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Decimal{}, false
	}
	return ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(100)).Round(6), true
}

func (b *bookState) currentVersion() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// levelsFromWire converts [price, qty, ...] triples, skipping malformed rows.
func levelsFromWire(raw [][]decimal.Decimal) []types.OrderBookLevel {
	levels := make([]types.OrderBookLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		if row[1].IsZero() {
			continue // zero-quantity rows in a snapshot carry no level
		}
		levels = append(levels, types.OrderBookLevel{Price: row[0], Quantity: row[1]})
	}
	return levels
}

// mergeSide applies delta rows onto one side and returns the re-sorted,
// trimmed result.
func mergeSide(side []types.OrderBookLevel, raw [][]decimal.Decimal, descending bool) []types.OrderBookLevel {
	byPrice := make(map[string]types.OrderBookLevel, len(side)+len(raw))
	for _, lvl := range side {
		byPrice[lvl.Price.String()] = lvl
	}

	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		key := row[0].String()
		if row[1].IsZero() {
			delete(byPrice, key)
			continue
		}
		byPrice[key] = types.OrderBookLevel{Price: row[0], Quantity: row[1]}
	}

	merged := make([]types.OrderBookLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		merged = append(merged, lvl)
	}
	return trimSide(merged, descending)
}

// trimSide sorts one side (bids descending, asks ascending) and keeps the
// top bookDepthLimit levels.
func trimSide(levels []types.OrderBookLevel, descending bool) []types.OrderBookLevel {
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if len(levels) > bookDepthLimit {
		levels = levels[:bookDepthLimit]
	}
	return levels
}
