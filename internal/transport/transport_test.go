package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/broadcast"
	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
)

type fakeAuth struct {
	principal *model.Principal
}

func (f *fakeAuth) Validate(token string) (*model.Principal, bool) {
	if f.principal == nil || token != f.principal.SessionID {
		return nil, false
	}
	return f.principal, true
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	attached  []string
	detached  []string
	subscribe []string
}

func (f *fakeBroadcaster) Subscribe(subscriberID string, principal *model.Principal, eventTypes []model.EventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribe = append(f.subscribe, subscriberID)
}
func (f *fakeBroadcaster) Unsubscribe(subscriberID string, eventTypes []model.EventType) {}
func (f *fakeBroadcaster) SetFilter(subscriberID string, filter *model.EventFilter)       {}
func (f *fakeBroadcaster) ClearFilter(subscriberID string)                                {}
func (f *fakeBroadcaster) Attach(subscriberID string, principal *model.Principal, transport broadcast.Transport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, subscriberID)
}
func (f *fakeBroadcaster) Detach(subscriberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, subscriberID)
}
func (f *fakeBroadcaster) RemoveSubscriber(subscriberID string)             {}
func (f *fakeBroadcaster) SendDirect(subscriberID string, update model.EventUpdate) {}

func (f *fakeBroadcaster) wasDetached(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.detached {
		if d == id {
			return true
		}
	}
	return false
}

func newTestPrincipal() *model.Principal {
	return &model.Principal{
		SessionID:   "sess-1",
		Username:    "alice",
		Role:        model.RoleAnalyst,
		Permissions: map[model.Permission]struct{}{model.PermWebsocketConnect: {}},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestServer_AuthFailureRejectsHandshake(t *testing.T) {
	fb := &fakeBroadcaster{}
	fa := &fakeAuth{principal: newTestPrincipal()}
	s := New(Config{}, fb, fa, observability.NewMetrics(), zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial failure for invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}
}

func TestServer_UnknownMessageTypeRespondsWithErrorFrame(t *testing.T) {
	fb := &fakeBroadcaster{}
	principal := newTestPrincipal()
	fa := &fakeAuth{principal: principal}
	s := New(Config{HeartbeatInterval: time.Minute}, fb, fa, observability.NewMetrics(), zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	conn := dialWS(t, srv, principal.SessionID)
	defer conn.Close()

	// Drain the connection_established frame.
	var first model.EventUpdate
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read connection_established: %v", err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "nonsense"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply model.EventUpdate
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if reply.Data["type"] != "error" {
		t.Fatalf("reply = %+v, want type=error", reply)
	}
}

func TestServer_MissedHeartbeatsDetachSubscriber(t *testing.T) {
	fb := &fakeBroadcaster{}
	principal := newTestPrincipal()
	fa := &fakeAuth{principal: principal}
	s := New(Config{
		HeartbeatInterval:   10 * time.Millisecond,
		HeartbeatTimeout:    10 * time.Millisecond,
		MaxMissedHeartbeats: 1,
		WriteTimeout:        10 * time.Millisecond,
	}, fb, fa, observability.NewMetrics(), zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	conn := dialWS(t, srv, principal.SessionID)
	defer conn.Close()

	// The client never replies to pings (gorilla answers pings
	// automatically by default unless a handler is set, so disable it).
	conn.SetPingHandler(func(string) error { return nil })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fb.wasDetached(principal.SessionID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscriber was never detached after missed heartbeats")
}
