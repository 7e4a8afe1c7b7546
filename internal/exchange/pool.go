// pool.go implements the multi-connection WebSocket adapter.
//
// The pool fans symbol subscriptions out across up to MaxConnections
// connections, each carrying at most MaxSubsPerConnection symbols
// (confirmed plus pending). Placement runs under one global subscription
// lock; per-symbol order book state is guarded by per-symbol locks so book
// merges for different symbols never contend.
//
// Failure discipline:
//   - connection creation is wrapped in a circuit breaker;
//   - outbound subscription frames pass through a token bucket;
//   - a closed connection with subscribed symbols triggers a detached
//     reconnect task with exponential backoff and deterministic jitter;
//   - reconnection counters and log-rate keys are expired periodically and
//     hard-capped so tracking metadata cannot grow without bound.
package exchange

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flashpump/internal/bus"
	"flashpump/internal/config"
	"flashpump/internal/metrics"
	"flashpump/pkg/types"
)

// Data types a caller can subscribe to for one symbol.
const (
	DataTypePrices    = "prices"
	DataTypeOrderbook = "orderbook"
)

// Bus topics published by the pool.
const (
	TopicPriceUpdate     = "market.price_update"
	TopicOrderbookUpdate = "market.orderbook_update"
	TopicConnected       = "market_data.connected"
	TopicDisconnected    = "market_data.disconnected"
)

const (
	sweepInterval          = 10 * time.Minute
	trackingExpiry         = 30 * time.Minute
	maxReconnectCounters   = 20
	maxLogRateEntries      = 1000
	connectionBreakerFails = 5
	connectionBreakerOks   = 3
	connectionBreakerOpen  = 60 * time.Second
	maxBackoff             = 30 * time.Second
)

// reconnectEntry tracks attempts for one old connection id, with an expiry
// so abandoned entries are eventually swept.
type reconnectEntry struct {
	attempts int
	expires  time.Time
}

// Pool is the multi-connection WebSocket market data adapter.
type Pool struct {
	exchangeName string
	wsURL        string
	cfg          config.WebSocketConfig
	bus          *bus.Bus
	rest         *RESTClient
	logger       *slog.Logger

	dialer  *websocket.Dialer
	breaker *CircuitBreaker
	subTok  *TokenBucket
	confirm *confirmer

	// subMu is the global subscription lock: placement decisions, the
	// conns map, and symbolDataTypes all mutate under it.
	subMu           sync.Mutex
	conns           map[string]*connection
	symbolDataTypes map[string][]string // symbol → requested data types
	connSeq         int

	// bookMu guards only the map; each bookState has its own lock.
	bookMu sync.Mutex
	books  map[string]*bookState

	// refreshMu guards per-symbol snapshot-refresh cancel funcs.
	refreshMu sync.Mutex
	refresh   map[string]context.CancelFunc

	// reconMu guards reconnect attempt counters.
	reconMu    sync.Mutex
	reconnects map[string]*reconnectEntry

	// logMu guards the log-rate map used to throttle repeated warnings.
	logMu    sync.Mutex
	logTimes map[string]time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewPool creates the adapter. Connect must be called before subscribing.
func NewPool(exCfg config.ExchangeConfig, wsCfg config.WebSocketConfig, b *bus.Bus, logger *slog.Logger) *Pool {
	return &Pool{
		exchangeName:    exCfg.Name,
		wsURL:           exCfg.WSURL,
		cfg:             wsCfg,
		bus:             b,
		rest:            NewRESTClient(exCfg.RESTBaseURL, logger),
		logger:          logger.With("component", "ws_pool"),
		dialer:          &websocket.Dialer{HandshakeTimeout: wsCfg.ConnectTimeout},
		breaker:         NewCircuitBreaker(connectionBreakerFails, connectionBreakerOks, connectionBreakerOpen),
		subTok:          NewTokenBucket(wsCfg.SubTokenCapacity, wsCfg.SubTokenRefillPerSec),
		confirm:         newConfirmer(),
		conns:           make(map[string]*connection),
		symbolDataTypes: make(map[string][]string),
		books:           make(map[string]*bookState),
		refresh:         make(map[string]context.CancelFunc),
		reconnects:      make(map[string]*reconnectEntry),
		logTimes:        make(map[string]time.Time),
	}
}

// Connect starts the pool's background tasks. Connections themselves open
// lazily on the first subscription that needs one.
func (p *Pool) Connect(ctx context.Context) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	if p.running {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepLoop()
	}()
	return nil
}

// Disconnect closes every connection and stops background tasks.
func (p *Pool) Disconnect() error {
	p.subMu.Lock()
	if !p.running {
		p.subMu.Unlock()
		return nil
	}
	p.running = false
	conns := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.subMu.Unlock()

	p.refreshMu.Lock()
	for sym, cancel := range p.refresh {
		cancel()
		delete(p.refresh, sym)
	}
	p.refreshMu.Unlock()

	for _, c := range conns {
		c.close("pool disconnect")
	}

	p.cancel()
	p.wg.Wait()
	return nil
}

// SubscribeToSymbol places a symbol on a connection and subscribes the
// requested data types. It blocks until every expected channel confirms,
// the subscribe timeout elapses, or a typed failure occurs.
func (p *Pool) SubscribeToSymbol(ctx context.Context, symbol string, dataTypes []string) error {
	if symbol == "" {
		return fmt.Errorf("blank symbol")
	}
	if len(dataTypes) == 0 {
		dataTypes = []string{DataTypePrices}
	}
	channels := channelsFor(dataTypes)

	// Placement under the global lock; both confirmed and pending symbols
	// count toward a connection's ceiling.
	p.subMu.Lock()
	if !p.running {
		p.subMu.Unlock()
		return ErrNotConnected
	}
	for _, c := range p.conns {
		if c.hasSymbol(symbol) {
			p.subMu.Unlock()
			return nil // already confirmed; idempotent
		}
	}
	if _, pending := p.confirm.isPending(symbol); pending {
		p.subMu.Unlock()
		return nil // handshake already in flight on exactly one connection
	}

	conn, err := p.placeLocked()
	if err != nil {
		p.subMu.Unlock()
		return err
	}

	pend := p.confirm.track(conn.id, symbol, channels)
	p.symbolDataTypes[symbol] = append([]string(nil), dataTypes...)
	p.subMu.Unlock()

	cleanup := func() {
		p.subMu.Lock()
		delete(p.symbolDataTypes, symbol)
		p.subMu.Unlock()
	}

	// One token per subscription frame; bounded wait, typed failure.
	if !p.subTok.Acquire(float64(len(channels)), p.cfg.SubTokenTimeout) {
		p.confirm.abandon(conn.id, symbol, ErrRateLimitTimeout)
		cleanup()
		return ErrRateLimitTimeout
	}

	for _, ch := range channels {
		if err := conn.writeJSON(subscribeRequest(ch, symbol)); err != nil {
			p.confirm.abandon(conn.id, symbol, err)
			cleanup()
			return fmt.Errorf("send sub.%s for %s: %w", ch, symbol, err)
		}
	}

	select {
	case <-pend.Done():
	case <-ctx.Done():
		p.confirm.abandon(conn.id, symbol, ctx.Err())
		cleanup()
		return ctx.Err()
	case <-time.After(p.cfg.SubscribeTimeout):
		p.confirm.abandon(conn.id, symbol, fmt.Errorf("subscribe timeout"))
		cleanup()
		return fmt.Errorf("subscribe %s: no confirmation within %s", symbol, p.cfg.SubscribeTimeout)
	}

	if err := pend.Err(); err != nil {
		cleanup()
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}

	conn.markConfirmed(symbol, channels)
	p.logger.Info("symbol subscribed",
		"symbol", symbol, "conn_id", conn.id, "channels", channels)

	if containsString(dataTypes, DataTypeOrderbook) {
		p.startSnapshotRefresh(symbol, conn.id)
	}
	return nil
}

// UnsubscribeFromSymbol removes the symbol, its book state, its pending
// handshake, and its refresh task. Unsubscribing an unknown symbol is a
// no-op.
func (p *Pool) UnsubscribeFromSymbol(ctx context.Context, symbol string) error {
	p.subMu.Lock()
	var conn *connection
	for _, c := range p.conns {
		if c.hasSymbol(symbol) {
			conn = c
			break
		}
	}
	if connID, pending := p.confirm.isPending(symbol); pending {
		p.confirm.abandon(connID, symbol, fmt.Errorf("unsubscribed"))
	}
	delete(p.symbolDataTypes, symbol)
	p.subMu.Unlock()

	p.stopSnapshotRefresh(symbol)
	p.dropBook(symbol)

	if conn == nil {
		return nil
	}

	for _, ch := range conn.confirmedSymbols()[symbol] {
		if err := conn.writeJSON(unsubscribeRequest(ch, symbol)); err != nil {
			p.logger.Warn("unsubscribe frame failed", "symbol", symbol, "error", err)
		}
	}
	conn.removeSymbol(symbol)
	p.logger.Info("symbol unsubscribed", "symbol", symbol, "conn_id", conn.id)
	return nil
}

// SubscribedSymbols returns all confirmed symbols across connections.
func (p *Pool) SubscribedSymbols() []string {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	var out []string
	for _, c := range p.conns {
		for sym := range c.confirmedSymbols() {
			out = append(out, sym)
		}
	}
	return out
}

// MemoryStats is a snapshot of tracking-metadata sizes for observability.
type MemoryStats struct {
	Connections       int
	Books             int
	ReconnectCounters int
	LogRateEntries    int
}

// GetMemoryStats returns current tracking sizes as an immutable copy.
func (p *Pool) GetMemoryStats() MemoryStats {
	p.subMu.Lock()
	conns := len(p.conns)
	p.subMu.Unlock()
	p.bookMu.Lock()
	books := len(p.books)
	p.bookMu.Unlock()
	p.reconMu.Lock()
	recon := len(p.reconnects)
	p.reconMu.Unlock()
	p.logMu.Lock()
	logs := len(p.logTimes)
	p.logMu.Unlock()

	return MemoryStats{
		Connections:       conns,
		Books:             books,
		ReconnectCounters: recon,
		LogRateEntries:    logs,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Placement and connection lifecycle
// ————————————————————————————————————————————————————————————————————————

// placeLocked finds a connection with spare capacity or opens a new one.
// Caller holds subMu.
func (p *Pool) placeLocked() (*connection, error) {
	for _, c := range p.conns {
		if !c.isConnected() {
			continue
		}
		load := c.confirmedCount() + p.confirm.pendingCount(c.id)
		if load < p.cfg.MaxSubsPerConnection {
			return c, nil
		}
	}

	if len(p.conns) >= p.cfg.MaxConnections {
		return nil, ErrCapacityExceeded
	}
	return p.openConnectionLocked()
}

// openConnectionLocked dials through the circuit breaker. Caller holds subMu.
func (p *Pool) openConnectionLocked() (*connection, error) {
	if !p.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	dialCtx, cancel := context.WithTimeout(p.ctx, p.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := p.dialer.DialContext(dialCtx, p.wsURL, nil)
	if err != nil {
		p.breaker.Record(false)
		return nil, fmt.Errorf("dial %s: %w", p.wsURL, err)
	}
	p.breaker.Record(true)

	p.connSeq++
	id := fmt.Sprintf("conn-%d", p.connSeq)
	conn := newConnection(id, ws, connConfig{
		pingInterval:           p.cfg.PingInterval,
		pongWarnThreshold:      p.cfg.PongWarnThreshold,
		pongReconnectThreshold: p.cfg.PongReconnectThreshold,
		preCloseHealthCheck:    p.cfg.PreCloseHealthCheckTimeout,
		stalenessLimitFor:      p.cfg.StalenessLimitFor,
	}, p, p.logger)
	p.conns[id] = conn
	conn.start(p.ctx)

	metrics.ConnectionsActive.WithLabelValues(p.exchangeName).Set(float64(len(p.conns)))
	p.bus.Publish(TopicConnected, types.ConnectionEvent{
		Exchange:     p.exchangeName,
		ConnectionID: id,
		URL:          p.wsURL,
		Timestamp:    time.Now(),
	})
	p.logger.Info("connection opened", "conn_id", id, "url", p.wsURL)
	return conn, nil
}

// onConnectionClosed implements connEvents. It releases per-connection
// state and dispatches reconnection as a detached task so the failing
// reader can terminate without blocking recovery.
func (p *Pool) onConnectionClosed(connID string, reason string) {
	p.subMu.Lock()
	conn := p.conns[connID]
	delete(p.conns, connID)
	remaining := len(p.conns)
	running := p.running
	p.subMu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(p.exchangeName).Set(float64(remaining))

	// Abandon handshakes that will never get their acks.
	for _, sym := range p.confirm.dropConnection(connID) {
		p.subMu.Lock()
		delete(p.symbolDataTypes, sym)
		p.subMu.Unlock()
	}

	var symbols []string
	if conn != nil {
		for sym := range conn.confirmedSymbols() {
			symbols = append(symbols, sym)
			p.stopSnapshotRefresh(sym)
		}
	}

	p.bus.Publish(TopicDisconnected, types.ConnectionEvent{
		Exchange:     p.exchangeName,
		ConnectionID: connID,
		Timestamp:    time.Now(),
	})

	if !running || len(symbols) == 0 {
		return
	}

	p.logger.Warn("connection lost, scheduling reconnect",
		"conn_id", connID, "reason", reason, "symbols", len(symbols))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reconnect(connID, symbols)
	}()
}

// reconnect retries with exponential backoff plus deterministic jitter
// derived from the old connection id, so simultaneous failures do not
// thunder back in lockstep. Resubscriptions are dispatched as independent
// tasks; the reconnect task itself never takes the pool's subscription lock
// while sleeping.
func (p *Pool) reconnect(oldConnID string, symbols []string) {
	for {
		attempt := p.bumpExpiry(oldConnID)
		if attempt >= p.cfg.MaxReconnectAttempts {
			p.logger.Error("reconnect abandoned after max attempts",
				"old_conn_id", oldConnID, "attempts", attempt)
			metrics.Reconnects.WithLabelValues(p.exchangeName, "abandoned").Inc()
			p.clearAttempts(oldConnID)
			return
		}

		delay := backoffDelay(oldConnID, attempt)
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}

		p.subMu.Lock()
		if !p.running {
			p.subMu.Unlock()
			return
		}
		_, err := p.openConnectionLocked()
		p.subMu.Unlock()

		if err != nil {
			p.recordAttempt(oldConnID)
			metrics.Reconnects.WithLabelValues(p.exchangeName, "failure").Inc()
			p.logger.Warn("reconnect attempt failed",
				"old_conn_id", oldConnID, "attempt", attempt+1, "error", err)
			continue
		}

		metrics.Reconnects.WithLabelValues(p.exchangeName, "success").Inc()
		p.clearAttempts(oldConnID)
		p.logger.Info("reconnected, resubscribing symbols",
			"old_conn_id", oldConnID, "symbols", len(symbols))

		for _, sym := range symbols {
			sym := sym
			p.subMu.Lock()
			dataTypes := append([]string(nil), p.symbolDataTypes[sym]...)
			p.subMu.Unlock()
			if len(dataTypes) == 0 {
				dataTypes = []string{DataTypePrices, DataTypeOrderbook}
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				ctx, cancel := context.WithTimeout(p.ctx, p.cfg.SubscribeTimeout)
				defer cancel()
				if err := p.SubscribeToSymbol(ctx, sym, dataTypes); err != nil {
					p.logger.Error("resubscription failed", "symbol", sym, "error", err)
				}
			}()
		}
		return
	}
}

// bumpExpiry returns the current attempt count, refreshing the entry's
// expiry, creating it at zero attempts if absent.
func (p *Pool) bumpExpiry(oldConnID string) int {
	p.reconMu.Lock()
	defer p.reconMu.Unlock()

	e := p.reconnects[oldConnID]
	if e == nil {
		e = &reconnectEntry{}
		p.reconnects[oldConnID] = e
		p.enforceReconnectCapLocked()
	}
	e.expires = time.Now().Add(trackingExpiry)
	return e.attempts
}

func (p *Pool) recordAttempt(oldConnID string) {
	p.reconMu.Lock()
	defer p.reconMu.Unlock()
	if e := p.reconnects[oldConnID]; e != nil {
		e.attempts++
		e.expires = time.Now().Add(trackingExpiry)
	}
}

func (p *Pool) clearAttempts(oldConnID string) {
	p.reconMu.Lock()
	defer p.reconMu.Unlock()
	delete(p.reconnects, oldConnID)
}

// enforceReconnectCapLocked evicts the entry closest to expiry when the
// hard cap is exceeded. Caller holds reconMu.
func (p *Pool) enforceReconnectCapLocked() {
	for len(p.reconnects) > maxReconnectCounters {
		var oldest string
		var oldestAt time.Time
		for id, e := range p.reconnects {
			if oldest == "" || e.expires.Before(oldestAt) {
				oldest, oldestAt = id, e.expires
			}
		}
		delete(p.reconnects, oldest)
	}
}

// backoffDelay is min(2^attempt, 30)s plus 10% deterministic jitter from
// the old connection id hash.
func backoffDelay(oldConnID string, attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if attempt >= 5 || base > maxBackoff {
		base = maxBackoff
	}

	h := fnv.New32a()
	h.Write([]byte(oldConnID))
	frac := float64(h.Sum32()%1000) / 1000.0
	jitter := time.Duration(0.1 * float64(base) * frac)
	return base + jitter
}

// ————————————————————————————————————————————————————————————————————————
// Inbound message handling (connEvents)
// ————————————————————————————————————————————————————————————————————————

// onDeal normalizes trades and publishes market.price_update. The payload
// shape is always types.MarketTick; the adapter is the single place the
// canonical shape is enforced.
func (p *Pool) onDeal(connID, symbol string, deals []dealEntry) {
	for _, d := range deals {
		side := types.SideUnknown
		switch d.TradeType {
		case 1:
			side = types.SideBuy
		case 2:
			side = types.SideSell
		}

		tick := types.MarketTick{
			Exchange:  p.exchangeName,
			Symbol:    symbol,
			Price:     d.Price,
			Volume:    d.Volume,
			Timestamp: time.UnixMilli(d.Timestamp),
			Side:      side,
			Source:    "websocket",
		}
		metrics.TradesReceived.WithLabelValues(p.exchangeName, symbol).Inc()
		p.bus.Publish(TopicPriceUpdate, tick)
	}
}

// onDepth merges a book update under the symbol's own lock and publishes
// the post-merge top levels. Stale versions are dropped and counted.
func (p *Pool) onDepth(connID, symbol string, data depthData, full bool) {
	book := p.bookFor(symbol)

	var applied bool
	if full {
		applied = book.applySnapshot(data)
	} else {
		applied = book.applyDelta(data)
	}

	if !applied {
		metrics.StaleDeltasDropped.WithLabelValues(p.exchangeName, symbol).Inc()
		if p.allowLog("stale:"+symbol, time.Minute) {
			p.logger.Debug("stale depth update dropped",
				"symbol", symbol, "version", data.Version, "current", book.currentVersion())
		}
		return
	}

	upd := book.snapshot(p.exchangeName)
	metrics.OrderbookUpdates.WithLabelValues(p.exchangeName, symbol).Inc()
	if len(upd.Bids) > 0 {
		bid, _ := upd.BestBid.Float64()
		metrics.OrderbookBestBid.WithLabelValues(p.exchangeName, symbol).Set(bid)
	}
	if len(upd.Asks) > 0 {
		ask, _ := upd.BestAsk.Float64()
		metrics.OrderbookBestAsk.WithLabelValues(p.exchangeName, symbol).Set(ask)
	}
	p.bus.Publish(TopicOrderbookUpdate, upd)
}

// onAck feeds subscription confirmations into the confirmer.
func (p *Pool) onAck(connID string, ack subscriptionAck) {
	p.confirm.resolve(connID, ack)
}

// refreshSubscriptions re-sends sub frames for a connection's confirmed
// symbols; used by the pre-close health check to provoke traffic.
func (p *Pool) refreshSubscriptions(connID string) {
	p.subMu.Lock()
	conn := p.conns[connID]
	p.subMu.Unlock()
	if conn == nil {
		return
	}

	for sym, channels := range conn.confirmedSymbols() {
		for _, ch := range channels {
			if err := conn.writeJSON(subscribeRequest(ch, sym)); err != nil {
				p.logger.Warn("subscription refresh failed", "symbol", sym, "error", err)
				return
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Book state and snapshot refresh
// ————————————————————————————————————————————————————————————————————————

// bookFor returns the symbol's book, creating it on first use.
func (p *Pool) bookFor(symbol string) *bookState {
	p.bookMu.Lock()
	defer p.bookMu.Unlock()

	book := p.books[symbol]
	if book == nil {
		book = newBookState(symbol)
		p.books[symbol] = book
	}
	return book
}

// BookSpreadPct exposes the current spread for signal scoring. ok is false
// when the book is empty on either side.
func (p *Pool) BookSpreadPct(symbol string) (spread float64, ok bool) {
	p.bookMu.Lock()
	book := p.books[symbol]
	p.bookMu.Unlock()
	if book == nil {
		return 0, false
	}
	d, ok := book.spreadPct()
	if !ok {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

func (p *Pool) dropBook(symbol string) {
	p.bookMu.Lock()
	delete(p.books, symbol)
	p.bookMu.Unlock()
}

// startSnapshotRefresh runs a periodic full-snapshot request to bound
// cumulative delta drift: first over the WebSocket, falling back to REST
// when the socket write fails.
func (p *Pool) startSnapshotRefresh(symbol, connID string) {
	p.refreshMu.Lock()
	if _, exists := p.refresh[symbol]; exists {
		p.refreshMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.refresh[symbol] = cancel
	p.refreshMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SnapshotRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.refreshSnapshot(ctx, symbol)
			}
		}
	}()
}

func (p *Pool) stopSnapshotRefresh(symbol string) {
	p.refreshMu.Lock()
	if cancel, ok := p.refresh[symbol]; ok {
		cancel()
		delete(p.refresh, symbol)
	}
	p.refreshMu.Unlock()
}

// refreshSnapshot requests a fresh full snapshot, WS first, REST fallback.
func (p *Pool) refreshSnapshot(ctx context.Context, symbol string) {
	p.subMu.Lock()
	var conn *connection
	for _, c := range p.conns {
		if c.hasSymbol(symbol) {
			conn = c
			break
		}
	}
	p.subMu.Unlock()

	if conn != nil {
		if err := conn.writeJSON(subscribeRequest(ChannelDepthFull, symbol)); err == nil {
			return // fresh snapshot will arrive as push.depth.full
		}
	}

	data, err := p.rest.GetDepth(ctx, symbol)
	if err != nil {
		if p.allowLog("rest:"+symbol, time.Minute) {
			p.logger.Warn("REST snapshot fallback failed", "symbol", symbol, "error", err)
		}
		return
	}

	book := p.bookFor(symbol)
	if data.Version == 0 {
		// REST depth carries no version; stamp it just past the current
		// book so the replace is not rejected as stale.
		data.Version = book.currentVersion() + 1
	}
	if book.applySnapshot(*data) {
		p.bus.Publish(TopicOrderbookUpdate, book.snapshot(p.exchangeName))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Tracking-metadata hygiene
// ————————————————————————————————————————————————————————————————————————

// sweepLoop expires reconnection counters and log-rate keys every
// sweepInterval and enforces the hard caps.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

func (p *Pool) sweepOnce() {
	now := time.Now()

	p.reconMu.Lock()
	for id, e := range p.reconnects {
		if now.After(e.expires) {
			delete(p.reconnects, id)
		}
	}
	p.enforceReconnectCapLocked()
	p.reconMu.Unlock()

	p.logMu.Lock()
	for key, at := range p.logTimes {
		if now.Sub(at) > trackingExpiry {
			delete(p.logTimes, key)
		}
	}
	for len(p.logTimes) > maxLogRateEntries {
		var oldest string
		var oldestAt time.Time
		for key, at := range p.logTimes {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = key, at
			}
		}
		delete(p.logTimes, oldest)
	}
	p.logMu.Unlock()
}

// allowLog rate-limits repetitive log lines per key.
func (p *Pool) allowLog(key string, interval time.Duration) bool {
	p.logMu.Lock()
	defer p.logMu.Unlock()

	last, seen := p.logTimes[key]
	if seen && time.Since(last) < interval {
		return false
	}
	p.logTimes[key] = time.Now()
	return true
}

// channelsFor maps caller-facing data types onto wire channels.
func channelsFor(dataTypes []string) []string {
	var channels []string
	for _, dt := range dataTypes {
		switch dt {
		case DataTypePrices:
			channels = append(channels, ChannelDeal)
		case DataTypeOrderbook:
			channels = append(channels, ChannelDepthFull, ChannelDepth)
		}
	}
	return channels
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
