// conn.go manages a single WebSocket connection: the inbound reader, the
// heartbeat monitor, and the per-connection dispatch state machine.
//
// Reader states: Reading → HandlingError → Closed. Transient errors
// (malformed JSON, bad field shapes) accumulate; crossing a threshold
// closes the connection rather than spinning on a poisoned stream. Fatal
// errors (socket closed, protocol violation) close immediately.
//
// Every in-flight message handler is counted; cleanup waits for the gauge
// to drain (bounded) so acknowledgements are never processed against a
// destroyed connection.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout       = 10 * time.Second
	inFlightDrainLimit = 5 * time.Second

	// Consecutive-error thresholds before the reader gives up on the
	// stream and closes the connection.
	maxJSONErrorStreak      = 5
	maxTransientErrorStreak = 10
)

// connState is the reader state machine.
type connState int32

const (
	stateReading connState = iota
	stateHandlingError
	stateClosed
)

// connEvents is implemented by the pool; the connection pushes everything
// upward through it and owns no routing logic itself.
type connEvents interface {
	onDeal(connID, symbol string, deals []dealEntry)
	onDepth(connID, symbol string, data depthData, full bool)
	onAck(connID string, ack subscriptionAck)
	onConnectionClosed(connID string, reason string)
	refreshSubscriptions(connID string)
}

// connection is one live WebSocket session.
type connection struct {
	id     string
	ws     *websocket.Conn
	events connEvents
	cfg    connConfig
	logger *slog.Logger

	writeMu sync.Mutex // serializes all outbound frames

	// stateMu guards connected, state, and the confirmed subscription set.
	stateMu    sync.Mutex
	connected  bool
	state      connState
	subscribed map[string][]string // symbol → confirmed data channels

	// healthMu guards heartbeat bookkeeping. Monotonic readings come from
	// time.Since on these values.
	healthMu           sync.Mutex
	lastPong           time.Time
	lastData           time.Time
	healthCheckPending bool

	// Consecutive error streaks, reader-goroutine only.
	jsonErrStreak      int
	transientErrStreak int

	inFlight  atomic.Int64   // currently-running message handlers
	drained   sync.WaitGroup // mirrors inFlight for the drain wait
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{} // closed when both loops have exited
	loops     sync.WaitGroup
}

// connConfig is the slice of pool config a connection needs.
type connConfig struct {
	pingInterval           time.Duration
	pongWarnThreshold      time.Duration
	pongReconnectThreshold time.Duration
	preCloseHealthCheck    time.Duration
	stalenessLimitFor      func(symbol string) time.Duration
}

func newConnection(id string, ws *websocket.Conn, cfg connConfig, events connEvents, logger *slog.Logger) *connection {
	now := time.Now()
	return &connection{
		id:         id,
		ws:         ws,
		events:     events,
		cfg:        cfg,
		logger:     logger.With("component", "ws_conn", "conn_id", id),
		connected:  true,
		state:      stateReading,
		subscribed: make(map[string][]string),
		lastPong:   now,
		lastData:   now,
		done:       make(chan struct{}),
	}
}

// start launches the reader and heartbeat as peer goroutines.
func (c *connection) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	c.loops.Add(2)
	go func() {
		defer c.loops.Done()
		c.readLoop(ctx)
	}()
	go func() {
		defer c.loops.Done()
		c.heartbeatLoop(ctx)
	}()

	go func() {
		c.loops.Wait()
		close(c.done)
	}()
}

// isConnected reports the connected flag under the state lock.
func (c *connection) isConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected
}

// confirmedSymbols returns a copy of the confirmed subscription set.
func (c *connection) confirmedSymbols() map[string][]string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	out := make(map[string][]string, len(c.subscribed))
	for sym, chans := range c.subscribed {
		out[sym] = append([]string(nil), chans...)
	}
	return out
}

func (c *connection) confirmedCount() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return len(c.subscribed)
}

func (c *connection) markConfirmed(symbol string, channels []string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.subscribed[symbol] = append([]string(nil), channels...)
}

func (c *connection) removeSymbol(symbol string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	delete(c.subscribed, symbol)
}

func (c *connection) hasSymbol(symbol string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	_, ok := c.subscribed[symbol]
	return ok
}

// writeJSON sends one frame under the write lock with a deadline.
func (c *connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.isConnected() {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// close tears the connection down exactly once: stops loops, waits for
// in-flight handlers to drain (bounded), closes the socket, and notifies
// the pool.
func (c *connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.connected = false
		c.state = stateClosed
		c.stateMu.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		c.ws.Close()

		// Wait for handlers so acks are never resolved against a dead
		// connection, but never hang shutdown on a stuck handler.
		drained := make(chan struct{})
		go func() {
			c.drained.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(inFlightDrainLimit):
			c.logger.Warn("in-flight handlers did not drain before timeout",
				"in_flight", c.inFlight.Load())
		}

		c.logger.Info("connection closed", "reason", reason)
		c.events.onConnectionClosed(c.id, reason)
	})
}

// ————————————————————————————————————————————————————————————————————————
// Reader
// ————————————————————————————————————————————————————————————————————————

func (c *connection) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				go c.close(fmt.Sprintf("read error: %v", err))
			}
			return
		}

		c.touchData()

		if closed := c.dispatch(raw); closed {
			return
		}
	}
}

// dispatch routes one frame. Returns true when the error budget is spent
// and the connection is closing.
func (c *connection) dispatch(raw []byte) bool {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.jsonErrStreak++
		c.logger.Warn("malformed frame", "error", err, "streak", c.jsonErrStreak)
		if c.jsonErrStreak >= maxJSONErrorStreak {
			c.enterErrorState("json error threshold reached")
			return true
		}
		return false
	}
	c.jsonErrStreak = 0

	c.inFlight.Add(1)
	c.drained.Add(1)
	err := c.handleMessage(msg)
	c.inFlight.Add(-1)
	c.drained.Done()

	if err != nil {
		c.transientErrStreak++
		c.logger.Warn("message handler error",
			"channel", msg.Channel, "symbol", msg.Symbol,
			"error", err, "streak", c.transientErrStreak)
		if c.transientErrStreak >= maxTransientErrorStreak {
			c.enterErrorState("transient error threshold reached")
			return true
		}
		return false
	}
	c.transientErrStreak = 0
	return false
}

// handleMessage processes one parsed frame. Returned errors are transient
// by definition; fatal conditions close the connection directly.
func (c *connection) handleMessage(msg wsMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch {
	case msg.Channel == chanPong:
		c.touchPong()
		return nil

	case isAck(msg.Channel):
		ack, err := parseAck(msg)
		if err != nil {
			return err
		}
		c.events.onAck(c.id, ack)
		return nil

	case msg.Channel == chanPushDeal:
		var deals []dealEntry
		if err := json.Unmarshal(msg.Data, &deals); err != nil {
			return fmt.Errorf("parse deals: %w", err)
		}
		c.events.onDeal(c.id, msg.Symbol, deals)
		return nil

	case msg.Channel == chanPushDepth:
		var data depthData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("parse depth: %w", err)
		}
		c.events.onDepth(c.id, msg.Symbol, data, false)
		return nil

	case msg.Channel == chanPushDepthFull:
		var data depthData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("parse depth snapshot: %w", err)
		}
		c.events.onDepth(c.id, msg.Symbol, data, true)
		return nil

	default:
		c.logger.Debug("unknown channel", "channel", msg.Channel)
		return nil
	}
}

func (c *connection) enterErrorState(reason string) {
	c.stateMu.Lock()
	c.state = stateHandlingError
	c.stateMu.Unlock()
	go c.close(reason)
}

// ————————————————————————————————————————————————————————————————————————
// Heartbeat
// ————————————————————————————————————————————————————————————————————————

func (c *connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.checkHealth(ctx) {
				return
			}
		}
	}
}

// checkHealth runs one heartbeat cycle. Returns true when the connection
// was closed for reconnect.
func (c *connection) checkHealth(ctx context.Context) bool {
	if err := c.writeJSON(pingRequest()); err != nil {
		go c.close(fmt.Sprintf("ping failed: %v", err))
		return true
	}

	c.healthMu.Lock()
	pongAge := time.Since(c.lastPong)
	dataAge := time.Since(c.lastData)
	pending := c.healthCheckPending
	c.healthMu.Unlock()

	if pongAge > c.cfg.pongReconnectThreshold {
		go c.close(fmt.Sprintf("pong age %.0fs exceeds reconnect threshold", pongAge.Seconds()))
		return true
	}

	if pongAge > c.cfg.pongWarnThreshold && !pending {
		c.logger.Warn("pong age above warning threshold",
			"pong_age", pongAge, "threshold", c.cfg.pongWarnThreshold)
		c.healthMu.Lock()
		c.healthCheckPending = true
		c.healthMu.Unlock()
		// One extra ping; a pong reply clears the pending flag.
		if err := c.writeJSON(pingRequest()); err != nil {
			go c.close(fmt.Sprintf("health-check ping failed: %v", err))
			return true
		}
	}

	return c.checkDataStaleness(ctx, dataAge)
}

// checkDataStaleness closes the connection when no frames have arrived
// within the strictest staleness limit among subscribed symbols, after one
// pre-close grace: a subscription refresh and a bounded wait for any frame.
func (c *connection) checkDataStaleness(ctx context.Context, dataAge time.Duration) bool {
	limit := c.strictestStalenessLimit()
	if limit <= 0 || dataAge <= limit {
		return false
	}

	c.logger.Warn("no inbound frames, running pre-close health check",
		"data_age", dataAge, "limit", limit)
	c.events.refreshSubscriptions(c.id)

	deadline := time.Now().Add(c.cfg.preCloseHealthCheck)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return true
		case <-time.After(250 * time.Millisecond):
		}
		c.healthMu.Lock()
		revived := time.Since(c.lastData) < c.cfg.preCloseHealthCheck
		c.healthMu.Unlock()
		if revived {
			c.logger.Info("data resumed during pre-close health check")
			return false
		}
	}

	go c.close(fmt.Sprintf("data stale for %.0fs", dataAge.Seconds()))
	return true
}

// strictestStalenessLimit returns the smallest per-category limit among
// subscribed symbols, or zero when nothing is subscribed (an idle
// connection is not stale).
func (c *connection) strictestStalenessLimit() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	var limit time.Duration
	for sym := range c.subscribed {
		l := c.cfg.stalenessLimitFor(sym)
		if limit == 0 || l < limit {
			limit = l
		}
	}
	return limit
}

func (c *connection) touchData() {
	c.healthMu.Lock()
	c.lastData = time.Now()
	c.healthMu.Unlock()
}

func (c *connection) touchPong() {
	c.healthMu.Lock()
	c.lastPong = time.Now()
	c.healthCheckPending = false
	c.healthMu.Unlock()
}

// pongAge is exposed for pool health snapshots.
func (c *connection) pongAge() time.Duration {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return time.Since(c.lastPong)
}

func (c *connection) dataAge() time.Duration {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return time.Since(c.lastData)
}
