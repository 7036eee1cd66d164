package broadcast

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
)

type captureTransport struct {
	sent []model.EventUpdate
	fail bool
}

func (c *captureTransport) Send(update model.EventUpdate) bool {
	if c.fail {
		return false
	}
	c.sent = append(c.sent, update)
	return true
}

func newTestBroadcaster(rules map[model.EventType]time.Duration) *Broadcaster {
	return New(rules, observability.NewMetrics(), zap.NewNop())
}

// Scenario 3: filter match — a subscriber with a min_priority filter only
// receives updates meeting that bound.
func TestBroadcast_FilterMatch(t *testing.T) {
	b := newTestBroadcaster(nil)
	tr := &captureTransport{}
	b.Attach("sub-1", nil, tr)
	b.SetFilter("sub-1", &model.EventFilter{MinPriority: 7})

	b.Broadcast(model.EventUpdate{EventType: model.EventSecurityEvent, Priority: 3, Timestamp: time.Now()})
	b.Broadcast(model.EventUpdate{EventType: model.EventSecurityEvent, Priority: 8, Timestamp: time.Now()})

	if len(tr.sent) != 1 || tr.sent[0].Priority != 8 {
		t.Fatalf("sent = %+v, want one update with priority 8", tr.sent)
	}
}

// Scenario 4: throttle — events of the same type within min_interval are
// suppressed; the gate reopens once the interval elapses.
func TestBroadcast_ThrottleSuppressesWithinInterval(t *testing.T) {
	b := newTestBroadcaster(map[model.EventType]time.Duration{model.EventHealthCheck: 10 * time.Millisecond})
	tr := &captureTransport{}
	b.Attach("sub-1", nil, tr)

	b.Broadcast(model.EventUpdate{EventType: model.EventHealthCheck, Timestamp: time.Now()})
	b.Broadcast(model.EventUpdate{EventType: model.EventHealthCheck, Timestamp: time.Now()})
	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d within throttle window, want 1", len(tr.sent))
	}

	time.Sleep(15 * time.Millisecond)
	b.Broadcast(model.EventUpdate{EventType: model.EventHealthCheck, Timestamp: time.Now()})
	if len(tr.sent) != 2 {
		t.Fatalf("sent = %d after throttle window elapsed, want 2", len(tr.sent))
	}
}

// Scenario 5: catch-up replay — a detached subscriber accumulates a
// bounded buffer, replayed (marked queued) on reattach.
func TestBroadcast_CatchupReplayOnReattach(t *testing.T) {
	b := newTestBroadcaster(nil)
	tr := &captureTransport{}
	b.Attach("sub-1", nil, tr)
	b.Detach("sub-1")

	b.Broadcast(model.EventUpdate{EventType: model.EventSecurityEvent, Priority: 5, Timestamp: time.Now()})
	b.Broadcast(model.EventUpdate{EventType: model.EventSecurityEvent, Priority: 6, Timestamp: time.Now()})

	tr2 := &captureTransport{}
	b.Attach("sub-1", nil, tr2)

	if len(tr2.sent) != 2 {
		t.Fatalf("replayed = %d, want 2", len(tr2.sent))
	}
	if !tr2.sent[0].Queued || tr2.sent[0].QueuedAt.IsZero() {
		t.Fatalf("replayed update not marked queued: %+v", tr2.sent[0])
	}
}

func TestBroadcast_CatchupDiscardsOlderThanMaxAge(t *testing.T) {
	b := newTestBroadcaster(nil)
	tr := &captureTransport{}
	b.Attach("sub-1", nil, tr)
	b.Detach("sub-1")

	old := time.Now().Add(-2 * time.Hour)
	b.Broadcast(model.EventUpdate{EventType: model.EventSecurityEvent, Priority: 5, Timestamp: old})

	tr2 := &captureTransport{}
	b.Attach("sub-1", nil, tr2)
	if len(tr2.sent) != 0 {
		t.Fatalf("replayed = %d, want 0 (stale entry discarded)", len(tr2.sent))
	}
}

func TestBroadcast_SendDirectBypassesSubscriptionsButHonorsFilter(t *testing.T) {
	b := newTestBroadcaster(nil)
	tr := &captureTransport{}
	b.Attach("sub-1", nil, tr)
	b.SetFilter("sub-1", &model.EventFilter{MinPriority: 9})

	b.SendDirect("sub-1", model.EventUpdate{EventType: model.EventHealthCheck, Priority: 2, Timestamp: time.Now()})
	if len(tr.sent) != 0 {
		t.Fatalf("sent = %d, want 0 (filtered out even for direct send)", len(tr.sent))
	}

	b.SendDirect("sub-1", model.EventUpdate{EventType: model.EventHealthCheck, Priority: 9, Timestamp: time.Now()})
	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(tr.sent))
	}
}

func TestBroadcast_SubscriptionsEmptyMatchesEveryEventType(t *testing.T) {
	b := newTestBroadcaster(nil)
	tr := &captureTransport{}
	b.Attach("sub-1", nil, tr)

	b.Broadcast(model.EventUpdate{EventType: model.EventSourceUpdated, Timestamp: time.Now()})
	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d, want 1 (empty subscription set matches all)", len(tr.sent))
	}
}
