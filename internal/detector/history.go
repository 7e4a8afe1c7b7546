// history.go holds per-symbol tick history in fixed-capacity ring buffers.
//
// Baselines are medians over a lookback window rather than means, so a pump
// in progress does not drag its own baseline upward and mask itself.
package detector

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// pricePoint is one recorded tick.
type pricePoint struct {
	ts     time.Time
	price  decimal.Decimal
	volume decimal.Decimal
}

// history is one symbol's tick ring buffer. Not safe for concurrent use;
// the detector serializes access per symbol.
type history struct {
	points []pricePoint
	head   int // next write position
	count  int
}

func newHistory(capacity int) *history {
	return &history{points: make([]pricePoint, capacity)}
}

func (h *history) push(ts time.Time, price, volume decimal.Decimal) {
	h.points[h.head] = pricePoint{ts: ts, price: price, volume: volume}
	h.head = (h.head + 1) % len(h.points)
	if h.count < len(h.points) {
		h.count++
	}
}

// window returns the points with ts >= since, oldest first.
func (h *history) window(since time.Time) []pricePoint {
	out := make([]pricePoint, 0, h.count)
	start := h.head - h.count
	if start < 0 {
		start += len(h.points)
	}
	for i := 0; i < h.count; i++ {
		p := h.points[(start+i)%len(h.points)]
		if !p.ts.Before(since) {
			out = append(out, p)
		}
	}
	return out
}

func (h *history) latest() (pricePoint, bool) {
	if h.count == 0 {
		return pricePoint{}, false
	}
	idx := h.head - 1
	if idx < 0 {
		idx += len(h.points)
	}
	return h.points[idx], true
}

// baseline computes median price and median volume over the window ending
// now. ok is false when fewer than minSamples points fall inside it.
func (h *history) baseline(now time.Time, window time.Duration, minSamples int) (price, volume decimal.Decimal, ok bool) {
	pts := h.window(now.Add(-window))
	if len(pts) < minSamples {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}

	prices := make([]decimal.Decimal, len(pts))
	volumes := make([]decimal.Decimal, len(pts))
	for i, p := range pts {
		prices[i] = p.price
		volumes[i] = p.volume
	}
	return median(prices), median(volumes), true
}

// velocity returns the price slope ending at the newest point in the
// window: the steepest (price_now - price_earlier)/elapsed over every
// earlier point. A climb that completes in a fraction of the window is
// scored over its own duration, not diluted across the full window.
// ok is false with fewer than two points or zero elapsed time.
func (h *history) velocity(now time.Time, window time.Duration) (decimal.Decimal, bool) {
	pts := h.window(now.Add(-window))
	if len(pts) < 2 {
		return decimal.Decimal{}, false
	}

	last := pts[len(pts)-1]
	best := decimal.Decimal{}
	found := false
	for _, p := range pts[:len(pts)-1] {
		elapsed := last.ts.Sub(p.ts).Seconds()
		if elapsed <= 0 {
			continue
		}
		rate := last.price.Sub(p.price).Div(decimal.NewFromFloat(elapsed))
		if !found || rate.GreaterThan(best) {
			best = rate
			found = true
		}
	}
	return best, found
}

// maxVolume returns the largest single-tick volume recorded since the
// given time.
func (h *history) maxVolume(since time.Time) decimal.Decimal {
	peak := decimal.Decimal{}
	for _, p := range h.window(since) {
		if p.volume.GreaterThan(peak) {
			peak = p.volume
		}
	}
	return peak
}

func median(vals []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
