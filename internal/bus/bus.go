// Package bus provides the central publish/subscribe event bus.
//
// Producers (the WebSocket pool) and consumers (detector, risk manager,
// executor glue) never hold references to each other; everything crosses
// the bus as immutable payloads keyed by flat dotted topics such as
// market.price_update or pump.detected.
//
// Each subscription owns a bounded queue drained by its own worker
// goroutine, so one slow handler can never stall another. Within one topic
// and one subscriber, delivery order equals publish order. Publish applies a
// per-class backpressure policy when a queue is full:
//
//   - high-frequency topics (price_update, orderbook, depth): drop the event
//     and count it. Staleness is preferable to latency on quote streams.
//   - trading-critical topics (deal, trade, order, position): log at error,
//     wait up to 50ms, drop as last resort with a critical counter.
//   - everything else: wait up to 2s, then log and drop.
package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"flashpump/internal/metrics"
)

const (
	// DefaultQueueCapacity is the per-subscriber queue size when the caller
	// passes zero.
	DefaultQueueCapacity = 1024

	criticalPublishWait = 50 * time.Millisecond
	ordinaryPublishWait = 2 * time.Second
)

// topicClass is the backpressure class of a topic.
type topicClass int

const (
	classOrdinary topicClass = iota
	classHighFrequency
	classTradingCritical
)

func (c topicClass) String() string {
	switch c {
	case classHighFrequency:
		return "high_frequency"
	case classTradingCritical:
		return "trading_critical"
	default:
		return "ordinary"
	}
}

// classify buckets a topic by substring, trading-critical first so a topic
// like order.book_trade never downgrades to high-frequency.
func classify(topic string) topicClass {
	switch {
	case containsAny(topic, "deal", "trade", "order", "position"):
		return classTradingCritical
	case containsAny(topic, "price_update", "orderbook", "depth"):
		return classHighFrequency
	default:
		return classOrdinary
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Event is the envelope delivered to handlers.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Handler processes one event. Handlers run on the subscription's worker
// goroutine; a panic is recovered and logged without affecting other
// subscribers.
type Handler func(Event)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	topic   string
	id      uint64
	handler Handler
	queue   chan Event
}

// Bus routes events from publishers to per-topic subscriber queues.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]*Subscription
	nextID   uint64
	queueCap int
	closed   bool

	dropMu  sync.Mutex
	dropped map[string]uint64 // per-topic drop counts

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an event bus with the given per-subscriber queue capacity.
func New(queueCapacity int, logger *slog.Logger) *Bus {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Bus{
		subs:     make(map[string][]*Subscription),
		queueCap: queueCapacity,
		dropped:  make(map[string]uint64),
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for a topic and starts its worker goroutine.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.nextID++
	sub := &Subscription{
		topic:   topic,
		id:      b.nextID,
		handler: handler,
		queue:   make(chan Event, b.queueCap),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.drain(sub)

	return sub
}

// Unsubscribe removes a subscription and stops its worker. Unsubscribing an
// unknown or already-removed subscription is a silent no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			close(s.queue)
			return
		}
	}
}

// Publish enqueues the payload on every subscriber queue for the topic.
// It never blocks longer than the topic class allows.
func (b *Bus) Publish(topic string, payload any) {
	evt := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}
	class := classify(topic)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	metrics.EventsPublished.WithLabelValues(topic).Inc()

	for _, sub := range b.subs[topic] {
		select {
		case sub.queue <- evt:
			continue
		default:
		}

		// Queue full: apply the class policy.
		switch class {
		case classHighFrequency:
			b.countDrop(topic, class)

		case classTradingCritical:
			b.logger.Error("trading-critical queue full",
				"topic", topic, "capacity", b.queueCap)
			select {
			case sub.queue <- evt:
			case <-time.After(criticalPublishWait):
				b.countDrop(topic, class)
				b.logger.Error("dropped trading-critical event",
					"topic", topic, "payload", digest(payload))
			}

		default:
			select {
			case sub.queue <- evt:
			case <-time.After(ordinaryPublishWait):
				b.countDrop(topic, class)
				b.logger.Warn("dropped event after timeout",
					"topic", topic, "payload", digest(payload))
			}
		}
	}
}

// DroppedCount returns the number of events dropped for a topic.
func (b *Bus) DroppedCount(topic string) uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[topic]
}

// Close stops all workers after their queues drain. Publish and Subscribe
// become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.queue)
		}
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) countDrop(topic string, class topicClass) {
	b.dropMu.Lock()
	b.dropped[topic]++
	b.dropMu.Unlock()
	metrics.EventsDropped.WithLabelValues(topic, class.String()).Inc()
}

// drain delivers events to one subscriber until its queue is closed.
func (b *Bus) drain(sub *Subscription) {
	defer b.wg.Done()
	for evt := range sub.queue {
		b.deliver(sub, evt)
	}
}

// deliver runs the handler with panic isolation. A failing handler affects
// neither other subscribers nor later events for this subscriber.
func (b *Bus) deliver(sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic",
				"topic", evt.Topic,
				"panic", r,
				"payload", digest(evt.Payload),
			)
		}
	}()
	sub.handler(evt)
}

// digest renders a short payload description for logs without dumping the
// whole value.
func digest(payload any) string {
	s := fmt.Sprintf("%T:%v", payload, payload)
	if len(s) > 128 {
		s = s[:128] + "..."
	}
	return s
}
