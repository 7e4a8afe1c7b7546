package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func rows(pairs ...[2]string) [][]decimal.Decimal {
	out := make([][]decimal.Decimal, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, []decimal.Decimal{dec(p[0]), dec(p[1])})
	}
	return out
}

func TestSnapshotThenDelta(t *testing.T) {
	t.Parallel()

	b := newBookState("BTC_USDT")

	ok := b.applySnapshot(depthData{
		Bids:    rows([2]string{"100", "1"}, [2]string{"99", "2"}),
		Asks:    rows([2]string{"101", "3"}, [2]string{"102", "2"}),
		Version: 1,
	})
	if !ok {
		t.Fatal("snapshot rejected")
	}

	// Delta: remove bid 99, add bid 98, upsert ask 101.
	ok = b.applyDelta(depthData{
		Bids:    rows([2]string{"99", "0"}, [2]string{"98", "5"}),
		Asks:    rows([2]string{"101", "3"}),
		Version: 2,
	})
	if !ok {
		t.Fatal("delta rejected")
	}

	snap := b.snapshot("mexc")
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}
	wantBids := [][2]string{{"100", "1"}, {"98", "5"}}
	if len(snap.Bids) != len(wantBids) {
		t.Fatalf("bids = %v, want 2 levels", snap.Bids)
	}
	for i, w := range wantBids {
		if !snap.Bids[i].Price.Equal(dec(w[0])) || !snap.Bids[i].Quantity.Equal(dec(w[1])) {
			t.Fatalf("bid[%d] = %v/%v, want %s/%s",
				i, snap.Bids[i].Price, snap.Bids[i].Quantity, w[0], w[1])
		}
	}
	wantAsks := [][2]string{{"101", "3"}, {"102", "2"}}
	if len(snap.Asks) != len(wantAsks) {
		t.Fatalf("asks = %v, want 2 levels", snap.Asks)
	}
	for i, w := range wantAsks {
		if !snap.Asks[i].Price.Equal(dec(w[0])) || !snap.Asks[i].Quantity.Equal(dec(w[1])) {
			t.Fatalf("ask[%d] = %v/%v, want %s/%s",
				i, snap.Asks[i].Price, snap.Asks[i].Quantity, w[0], w[1])
		}
	}
}

func TestStaleDeltaDropped(t *testing.T) {
	t.Parallel()

	b := newBookState("BTC_USDT")
	b.applySnapshot(depthData{
		Bids:    rows([2]string{"100", "1"}),
		Asks:    rows([2]string{"101", "1"}),
		Version: 5,
	})

	for _, v := range []int64{5, 4, 1} {
		if b.applyDelta(depthData{Bids: rows([2]string{"50", "9"}), Version: v}) {
			t.Fatalf("delta with version %d applied over version 5", v)
		}
	}

	snap := b.snapshot("mexc")
	if snap.Version != 5 || len(snap.Bids) != 1 || !snap.Bids[0].Price.Equal(dec("100")) {
		t.Fatalf("book mutated by stale deltas: %+v", snap)
	}
}

func TestStaleSnapshotDropped(t *testing.T) {
	t.Parallel()

	b := newBookState("ETH_USDT")
	b.applySnapshot(depthData{Bids: rows([2]string{"10", "1"}), Version: 10})

	if b.applySnapshot(depthData{Bids: rows([2]string{"20", "1"}), Version: 10}) {
		t.Fatal("same-version snapshot applied")
	}
	// Versionless snapshots (REST bodies before stamping) always apply.
	if b.currentVersion() != 10 {
		t.Fatalf("version = %d, want 10", b.currentVersion())
	}
}

func TestDepthLimitEnforced(t *testing.T) {
	t.Parallel()

	b := newBookState("DOGE_USDT")
	var bids [][]decimal.Decimal
	for i := 0; i < bookDepthLimit+10; i++ {
		bids = append(bids, []decimal.Decimal{
			decimal.NewFromInt(int64(1000 - i)), decimal.NewFromInt(1),
		})
	}
	b.applySnapshot(depthData{Bids: bids, Version: 1})

	snap := b.snapshot("mexc")
	if len(snap.Bids) != bookDepthLimit {
		t.Fatalf("kept %d levels, want %d", len(snap.Bids), bookDepthLimit)
	}
	if !snap.Bids[0].Price.Equal(dec("1000")) {
		t.Fatalf("best bid = %v, want 1000", snap.Bids[0].Price)
	}
}

func TestSpreadPct(t *testing.T) {
	t.Parallel()

	b := newBookState("BTC_USDT")
	if _, ok := b.spreadPct(); ok {
		t.Fatal("spread computed on empty book")
	}

	b.applySnapshot(depthData{
		Bids:    rows([2]string{"99", "1"}),
		Asks:    rows([2]string{"101", "1"}),
		Version: 1,
	})

	spread, ok := b.spreadPct()
	if !ok {
		t.Fatal("spread not available")
	}
	// (101-99)/100 × 100 = 2
	if !spread.Equal(dec("2")) {
		t.Fatalf("spread = %v, want 2", spread)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	b := newBookState("BTC_USDT")
	b.applySnapshot(depthData{
		Bids:    rows([2]string{"100", "1"}),
		Asks:    rows([2]string{"101", "1"}),
		Version: 1,
	})

	snap := b.snapshot("mexc")
	snap.Bids[0].Price = dec("1")

	again := b.snapshot("mexc")
	if !again.Bids[0].Price.Equal(dec("100")) {
		t.Fatal("snapshot aliases internal state")
	}
}
