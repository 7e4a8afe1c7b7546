// confirm.go tracks pending subscription acknowledgements.
//
// Each subscribed data type produces its own sub.<channel> frame, and the
// server acknowledges each channel independently. A symbol counts as
// subscribed only when every expected channel has confirmed; until then it
// occupies a pending slot on exactly one connection. A failure on any
// channel fails the whole symbol so the caller can retry cleanly.
package exchange

import (
	"fmt"
	"sync"
	"time"
)

// channelStatus is the per-channel acknowledgement state.
type channelStatus int

const (
	statusPending channelStatus = iota
	statusConfirmed
	statusFailed
)

// pendingSymbol tracks the acknowledgement state of one symbol on one
// connection. Done is closed exactly once, after outcome is set, so readers
// that observe the close also observe the outcome.
type pendingSymbol struct {
	symbol    string
	connID    string
	channels  map[string]channelStatus
	startedAt time.Time

	outcome error // nil = fully confirmed; set before done closes
	done    chan struct{}
}

// Done returns a channel closed when the handshake resolves either way.
func (p *pendingSymbol) Done() <-chan struct{} { return p.done }

// Err returns the handshake outcome. Valid only after Done is closed.
func (p *pendingSymbol) Err() error { return p.outcome }

func (p *pendingSymbol) allConfirmed() bool {
	for _, st := range p.channels {
		if st != statusConfirmed {
			return false
		}
	}
	return true
}

// confirmer holds all in-flight subscription handshakes, keyed by
// connection and symbol.
type confirmer struct {
	mu      sync.Mutex
	pending map[string]map[string]*pendingSymbol // connID → symbol → state
}

func newConfirmer() *confirmer {
	return &confirmer{pending: make(map[string]map[string]*pendingSymbol)}
}

// track registers a symbol awaiting acks on the given channels.
func (c *confirmer) track(connID, symbol string, channels []string) *pendingSymbol {
	c.mu.Lock()
	defer c.mu.Unlock()

	byCon := c.pending[connID]
	if byCon == nil {
		byCon = make(map[string]*pendingSymbol)
		c.pending[connID] = byCon
	}

	p := &pendingSymbol{
		symbol:    symbol,
		connID:    connID,
		channels:  make(map[string]channelStatus, len(channels)),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, ch := range channels {
		p.channels[ch] = statusPending
	}
	byCon[symbol] = p
	return p
}

// resolve records one channel acknowledgement. When the symbol becomes
// fully confirmed or any channel fails, the handshake resolves and the
// entry is removed. Acks for untracked symbols or unexpected channels are
// ignored; the server re-sends acks after resubscription races.
func (c *confirmer) resolve(connID string, ack subscriptionAck) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.lookupLocked(connID, ack.symbol)
	if p == nil {
		return
	}
	if _, expected := p.channels[ack.channel]; !expected {
		return
	}

	if !ack.success {
		p.channels[ack.channel] = statusFailed
		c.finishLocked(p, fmt.Errorf("channel %s rejected for %s: %s", ack.channel, ack.symbol, ack.errMsg))
		return
	}

	p.channels[ack.channel] = statusConfirmed
	if p.allConfirmed() {
		c.finishLocked(p, nil)
	}
}

// abandon drops a pending symbol (caller timeout), waking the waiter with
// an error. No-op if the handshake already resolved.
func (c *confirmer) abandon(connID, symbol string, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.lookupLocked(connID, symbol)
	if p == nil {
		return
	}
	c.finishLocked(p, reason)
}

// dropConnection abandons every pending symbol for a closed connection and
// returns their names so the caller can release pending slots.
func (c *confirmer) dropConnection(connID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	byCon := c.pending[connID]
	symbols := make([]string, 0, len(byCon))
	for sym, p := range byCon {
		symbols = append(symbols, sym)
		p.outcome = ErrNotConnected
		close(p.done)
	}
	delete(c.pending, connID)
	return symbols
}

// pendingCount returns the number of in-flight symbols on a connection.
// Counted against the connection's subscription ceiling alongside
// confirmed symbols.
func (c *confirmer) pendingCount(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[connID])
}

// isPending reports whether the symbol has an in-flight handshake anywhere.
func (c *confirmer) isPending(symbol string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for connID, byCon := range c.pending {
		if _, ok := byCon[symbol]; ok {
			return connID, true
		}
	}
	return "", false
}

func (c *confirmer) finishLocked(p *pendingSymbol, outcome error) {
	delete(c.pending[p.connID], p.symbol)
	p.outcome = outcome
	close(p.done)
}

func (c *confirmer) lookupLocked(connID, symbol string) *pendingSymbol {
	byCon := c.pending[connID]
	if byCon == nil {
		return nil
	}
	return byCon[symbol]
}
