// Package broadcast implements the fan-out component from SPEC_FULL §4.6:
// one actor per subscriber (per §9's message-passing redesign), a
// per-event-type throttle gate, and a bounded catch-up buffer for
// disconnected subscribers.
package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
)

// Transport is the non-blocking hand-off surface a subscriber's attached
// connection exposes. Send returns false if the writer is saturated, in
// which case the update is moved to the catch-up buffer instead.
type Transport interface {
	Send(update model.EventUpdate) bool
}

type subscriberActor struct {
	mu        sync.Mutex
	sub       model.Subscriber
	transport Transport
	catchup   []model.EventUpdate
}

// Broadcaster maintains per-subscriber state and delivers EventUpdates.
type Broadcaster struct {
	metrics *observability.Metrics
	log     *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriberActor

	throttleMu    sync.Mutex
	throttleRules map[model.EventType]time.Duration
	lastSent      map[model.EventType]time.Time
}

// New constructs a Broadcaster with the given per-event-type throttle
// rules (zero/absent entries are never throttled).
func New(throttleRules map[model.EventType]time.Duration, m *observability.Metrics, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		metrics:       m,
		log:           log,
		subscribers:   make(map[string]*subscriberActor),
		throttleRules: throttleRules,
		lastSent:      make(map[model.EventType]time.Time),
	}
}

// SubscriberCount returns the number of currently registered subscribers,
// attached or not — used for health reporting.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Subscribe registers subscriberID (creating it if new) for eventTypes.
// An empty subscription set matches every event type, per target-selection
// rules.
func (b *Broadcaster) Subscribe(subscriberID string, principal *model.Principal, eventTypes []model.EventType) {
	actor := b.actorFor(subscriberID, principal)
	actor.mu.Lock()
	defer actor.mu.Unlock()
	if actor.sub.Subscriptions == nil {
		actor.sub.Subscriptions = make(map[model.EventType]struct{})
	}
	for _, et := range eventTypes {
		actor.sub.Subscriptions[et] = struct{}{}
	}
}

// Unsubscribe removes eventTypes from subscriberID's subscription set.
func (b *Broadcaster) Unsubscribe(subscriberID string, eventTypes []model.EventType) {
	b.mu.RLock()
	actor, ok := b.subscribers[subscriberID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	actor.mu.Lock()
	defer actor.mu.Unlock()
	for _, et := range eventTypes {
		delete(actor.sub.Subscriptions, et)
	}
}

// SetFilter replaces subscriberID's EventFilter.
func (b *Broadcaster) SetFilter(subscriberID string, filter *model.EventFilter) {
	b.mu.RLock()
	actor, ok := b.subscribers[subscriberID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	actor.mu.Lock()
	defer actor.mu.Unlock()
	actor.sub.Filter = filter
}

// ClearFilter removes subscriberID's EventFilter.
func (b *Broadcaster) ClearFilter(subscriberID string) {
	b.SetFilter(subscriberID, nil)
}

func (b *Broadcaster) actorFor(subscriberID string, principal *model.Principal) *subscriberActor {
	b.mu.Lock()
	defer b.mu.Unlock()
	actor, ok := b.subscribers[subscriberID]
	if !ok {
		actor = &subscriberActor{sub: model.Subscriber{
			SubscriberID:  subscriberID,
			Principal:     principal,
			Subscriptions: make(map[model.EventType]struct{}),
			ConnectedAt:   time.Now().UTC(),
		}}
		b.subscribers[subscriberID] = actor
	}
	return actor
}

// Attach associates subscriberID with a live transport, flushing its
// catch-up buffer in order. Messages older than model.CatchupMaxAge are
// discarded on replay; every flushed message is marked queued/queued_at.
func (b *Broadcaster) Attach(subscriberID string, principal *model.Principal, transport Transport) {
	actor := b.actorFor(subscriberID, principal)
	actor.mu.Lock()
	defer actor.mu.Unlock()

	actor.transport = transport
	actor.sub.LastActivity = time.Now().UTC()

	cutoff := time.Now().Add(-model.CatchupMaxAge)
	pending := actor.catchup
	actor.catchup = nil
	for _, update := range pending {
		if update.Timestamp.Before(cutoff) {
			continue
		}
		update.Queued = true
		update.QueuedAt = time.Now().UTC()
		transport.Send(update)
	}
	b.metrics.ActiveSubscribers.Inc()
}

// Detach soft-disconnects subscriberID: its subscription/filter state and
// any buffered catch-up entries are retained. Use RemoveSubscriber for a
// hard disconnect (explicit logout, admin boot) that purges state.
func (b *Broadcaster) Detach(subscriberID string) {
	b.mu.RLock()
	actor, ok := b.subscribers[subscriberID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	actor.mu.Lock()
	hadTransport := actor.transport != nil
	actor.transport = nil
	actor.mu.Unlock()
	if hadTransport {
		b.metrics.ActiveSubscribers.Dec()
	}
}

// RemoveSubscriber purges subscriberID entirely.
func (b *Broadcaster) RemoveSubscriber(subscriberID string) {
	b.mu.Lock()
	actor, ok := b.subscribers[subscriberID]
	delete(b.subscribers, subscriberID)
	b.mu.Unlock()
	if ok {
		actor.mu.Lock()
		hadTransport := actor.transport != nil
		actor.mu.Unlock()
		if hadTransport {
			b.metrics.ActiveSubscribers.Dec()
		}
	}
}

// Broadcast applies the throttle gate, target selection, and per-target
// delivery/buffering algorithm from §4.6.
func (b *Broadcaster) Broadcast(update model.EventUpdate) {
	if b.throttled(update.EventType) {
		b.metrics.EventsThrottledTotal.WithLabelValues(string(update.EventType)).Inc()
		return
	}

	b.mu.RLock()
	actors := make([]*subscriberActor, 0, len(b.subscribers))
	for _, a := range b.subscribers {
		actors = append(actors, a)
	}
	b.mu.RUnlock()

	delivered := false
	for _, actor := range actors {
		if b.deliverIfTargeted(actor, update) {
			delivered = true
		}
	}

	if delivered {
		b.markSent(update.EventType)
		b.metrics.EventsBroadcastTotal.WithLabelValues(string(update.EventType)).Inc()
	}
}

// SendDirect bypasses subscription matching (used for per-subscriber acks
// and control replies) but still honors the subscriber's filter. It never
// consults the throttle gate.
func (b *Broadcaster) SendDirect(subscriberID string, update model.EventUpdate) {
	b.mu.RLock()
	actor, ok := b.subscribers[subscriberID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	actor.mu.Lock()
	defer actor.mu.Unlock()
	if !actor.sub.Filter.Matches(update) {
		return
	}
	b.deliverLocked(actor, update)
}

func (b *Broadcaster) deliverIfTargeted(actor *subscriberActor, update model.EventUpdate) bool {
	actor.mu.Lock()
	defer actor.mu.Unlock()

	if len(actor.sub.Subscriptions) > 0 {
		if _, ok := actor.sub.Subscriptions[update.EventType]; !ok {
			return false
		}
	}
	if !actor.sub.Filter.Matches(update) {
		return false
	}
	b.deliverLocked(actor, update)
	return true
}

// deliverLocked hands update to the attached transport, or appends it to
// the catch-up buffer (dropping the oldest entry on overflow). Caller must
// hold actor.mu.
func (b *Broadcaster) deliverLocked(actor *subscriberActor, update model.EventUpdate) {
	if actor.transport != nil && actor.transport.Send(update) {
		return
	}
	if len(actor.catchup) >= model.CatchupCap {
		actor.catchup = actor.catchup[1:]
		b.metrics.CatchupBufferDroppedTotal.Inc()
	}
	actor.catchup = append(actor.catchup, update)
}

func (b *Broadcaster) throttled(eventType model.EventType) bool {
	b.throttleMu.Lock()
	defer b.throttleMu.Unlock()
	minInterval, ok := b.throttleRules[eventType]
	if !ok || minInterval <= 0 {
		return false
	}
	last, seen := b.lastSent[eventType]
	if !seen {
		return false
	}
	return time.Since(last) < minInterval
}

func (b *Broadcaster) markSent(eventType model.EventType) {
	b.throttleMu.Lock()
	defer b.throttleMu.Unlock()
	b.lastSent[eventType] = time.Now()
}
