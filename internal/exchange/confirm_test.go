package exchange

import (
	"errors"
	"fmt"
	"testing"
)

func TestConfirmAllChannels(t *testing.T) {
	t.Parallel()

	c := newConfirmer()
	p := c.track("conn-1", "BTC_USDT", []string{ChannelDeal, ChannelDepth})

	c.resolve("conn-1", subscriptionAck{symbol: "BTC_USDT", channel: ChannelDeal, success: true})
	select {
	case <-p.Done():
		t.Fatal("resolved before all channels confirmed")
	default:
	}

	c.resolve("conn-1", subscriptionAck{symbol: "BTC_USDT", channel: ChannelDepth, success: true})
	select {
	case <-p.Done():
	default:
		t.Fatal("not resolved after all channels confirmed")
	}
	if p.Err() != nil {
		t.Fatalf("outcome = %v, want success", p.Err())
	}
	if c.pendingCount("conn-1") != 0 {
		t.Fatal("entry not removed after confirmation")
	}
}

func TestOneFailedChannelFailsSymbol(t *testing.T) {
	t.Parallel()

	c := newConfirmer()
	p := c.track("conn-1", "ETH_USDT", []string{ChannelDeal, ChannelDepth})

	c.resolve("conn-1", subscriptionAck{symbol: "ETH_USDT", channel: ChannelDeal, success: true})
	c.resolve("conn-1", subscriptionAck{
		symbol: "ETH_USDT", channel: ChannelDepth, success: false, errMsg: "invalid symbol",
	})

	<-p.Done()
	if p.Err() == nil {
		t.Fatal("failed channel produced a nil outcome")
	}
}

func TestAbandonWakesWaiter(t *testing.T) {
	t.Parallel()

	c := newConfirmer()
	p := c.track("conn-1", "BTC_USDT", []string{ChannelDeal})

	reason := fmt.Errorf("subscribe timeout")
	c.abandon("conn-1", "BTC_USDT", reason)

	<-p.Done()
	if !errors.Is(p.Err(), reason) {
		t.Fatalf("outcome = %v, want the abandon reason", p.Err())
	}

	// Abandoning an already-resolved symbol is a no-op.
	c.abandon("conn-1", "BTC_USDT", fmt.Errorf("again"))
}

func TestDropConnectionAbandonsAllPending(t *testing.T) {
	t.Parallel()

	c := newConfirmer()
	p1 := c.track("conn-1", "BTC_USDT", []string{ChannelDeal})
	p2 := c.track("conn-1", "ETH_USDT", []string{ChannelDeal})
	other := c.track("conn-2", "SOL_USDT", []string{ChannelDeal})

	symbols := c.dropConnection("conn-1")
	if len(symbols) != 2 {
		t.Fatalf("dropped %v, want both conn-1 symbols", symbols)
	}
	for _, p := range []*pendingSymbol{p1, p2} {
		<-p.Done()
		if !errors.Is(p.Err(), ErrNotConnected) {
			t.Fatalf("outcome = %v, want ErrNotConnected", p.Err())
		}
	}

	select {
	case <-other.Done():
		t.Fatal("unrelated connection's handshake resolved")
	default:
	}
}

func TestUnexpectedAcksIgnored(t *testing.T) {
	t.Parallel()

	c := newConfirmer()
	p := c.track("conn-1", "BTC_USDT", []string{ChannelDeal})

	c.resolve("conn-1", subscriptionAck{symbol: "XRP_USDT", channel: ChannelDeal, success: true})
	c.resolve("conn-1", subscriptionAck{symbol: "BTC_USDT", channel: ChannelDepth, success: true})
	c.resolve("conn-9", subscriptionAck{symbol: "BTC_USDT", channel: ChannelDeal, success: true})

	select {
	case <-p.Done():
		t.Fatal("unexpected acks resolved the handshake")
	default:
	}
}

func TestIsPendingTracksAnyConnection(t *testing.T) {
	t.Parallel()

	c := newConfirmer()
	c.track("conn-3", "BTC_USDT", []string{ChannelDeal})

	connID, pending := c.isPending("BTC_USDT")
	if !pending || connID != "conn-3" {
		t.Fatalf("isPending = %q/%v, want conn-3/true", connID, pending)
	}
	if _, pending := c.isPending("ETH_USDT"); pending {
		t.Fatal("untracked symbol reported pending")
	}
}
