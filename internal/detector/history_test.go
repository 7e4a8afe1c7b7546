package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRingBufferWrapAround(t *testing.T) {
	t.Parallel()

	h := newHistory(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.push(base.Add(time.Duration(i)*time.Second), decimal.NewFromInt(int64(i)), dec("1"))
	}

	pts := h.window(base)
	if len(pts) != 3 {
		t.Fatalf("kept %d points, capacity is 3", len(pts))
	}
	// Oldest two evicted; 2, 3, 4 remain in order.
	for i, want := range []int64{2, 3, 4} {
		if !pts[i].price.Equal(decimal.NewFromInt(want)) {
			t.Fatalf("pts[%d].price = %v, want %d", i, pts[i].price, want)
		}
	}

	last, ok := h.latest()
	if !ok || !last.price.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("latest = %v/%v", last.price, ok)
	}
}

func TestWindowFiltersByTime(t *testing.T) {
	t.Parallel()

	h := newHistory(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		h.push(base.Add(time.Duration(i)*time.Minute), dec("100"), dec("1"))
	}

	got := h.window(base.Add(3 * time.Minute))
	if len(got) != 3 {
		t.Fatalf("window = %d points, want ticks at minutes 3..5", len(got))
	}
}

func TestMedian(t *testing.T) {
	t.Parallel()

	odd := median([]decimal.Decimal{dec("3"), dec("1"), dec("2")})
	if !odd.Equal(dec("2")) {
		t.Fatalf("odd median = %v, want 2", odd)
	}

	even := median([]decimal.Decimal{dec("4"), dec("1"), dec("3"), dec("2")})
	if !even.Equal(dec("2.5")) {
		t.Fatalf("even median = %v, want 2.5", even)
	}
}

func TestBaselineRequiresMinSamples(t *testing.T) {
	t.Parallel()

	h := newHistory(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		h.push(base.Add(time.Duration(i)*time.Second), dec("100"), dec("5"))
	}

	if _, _, ok := h.baseline(base.Add(10*time.Second), time.Minute, 5); ok {
		t.Fatal("baseline produced from too few samples")
	}

	h.push(base.Add(5*time.Second), dec("100"), dec("5"))
	price, volume, ok := h.baseline(base.Add(10*time.Second), time.Minute, 5)
	if !ok || !price.Equal(dec("100")) || !volume.Equal(dec("5")) {
		t.Fatalf("baseline = %v/%v/%v", price, volume, ok)
	}
}

func TestVelocity(t *testing.T) {
	t.Parallel()

	h := newHistory(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.push(base, dec("100"), dec("1"))
	h.push(base.Add(10*time.Second), dec("110"), dec("1"))

	v, ok := h.velocity(base.Add(10*time.Second), time.Minute)
	if !ok {
		t.Fatal("velocity not computable")
	}
	if !v.Equal(dec("1")) {
		t.Fatalf("velocity = %v, want 1 (10 price units over 10s)", v)
	}

	// A single point gives no velocity.
	h2 := newHistory(10)
	h2.push(base, dec("100"), dec("1"))
	if _, ok := h2.velocity(base, time.Minute); ok {
		t.Fatal("velocity from one point")
	}
}

func TestVelocityScoresTheClimbNotTheWindow(t *testing.T) {
	t.Parallel()

	// 20s of flat prices, then a 12-unit climb in the last 10s. The slope
	// over the climb is 1.2/s; averaged over the whole 30s window it would
	// dilute to 0.4/s and mask the burst.
	h := newHistory(64)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i <= 20; i++ {
		h.push(base.Add(time.Duration(i)*time.Second), dec("100"), dec("10"))
	}
	price := dec("100")
	for i := 21; i <= 30; i++ {
		price = price.Add(dec("1.2"))
		h.push(base.Add(time.Duration(i)*time.Second), price, dec("50"))
	}

	v, ok := h.velocity(base.Add(30*time.Second), 30*time.Second)
	if !ok {
		t.Fatal("velocity not computable")
	}
	if !v.Equal(dec("1.2")) {
		t.Fatalf("velocity = %v, want 1.2 (steepest span ending now)", v)
	}
}

func TestMaxVolume(t *testing.T) {
	t.Parallel()

	h := newHistory(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.push(base, dec("100"), dec("5"))
	h.push(base.Add(time.Second), dec("100"), dec("50"))
	h.push(base.Add(2*time.Second), dec("100"), dec("20"))

	if got := h.maxVolume(base); !got.Equal(dec("50")) {
		t.Fatalf("max volume = %v, want 50", got)
	}
	if got := h.maxVolume(base.Add(2 * time.Second)); !got.Equal(dec("20")) {
		t.Fatalf("max volume since cutoff = %v, want 20", got)
	}
}

