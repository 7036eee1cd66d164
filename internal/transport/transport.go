// Package transport implements the subscriber push connection from
// SPEC_FULL §4.7: accept, authenticate, register with the broadcaster,
// run a read/write pump pair, detach on close or missed heartbeat.
//
// Grounded on streamspace-dev-streamspace's websocket hub
// (upgrade-then-spawn-read/write-pumps shape, ping ticker, pong deadline
// reset) generalized from its ad hoc filter messages to the JSON
// control-frame table below.
package transport

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/broadcast"
	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
)

// Broadcaster is the subset of broadcast.Broadcaster a Server needs.
type Broadcaster interface {
	Subscribe(subscriberID string, principal *model.Principal, eventTypes []model.EventType)
	Unsubscribe(subscriberID string, eventTypes []model.EventType)
	SetFilter(subscriberID string, filter *model.EventFilter)
	ClearFilter(subscriberID string)
	Attach(subscriberID string, principal *model.Principal, transport broadcast.Transport)
	Detach(subscriberID string)
	RemoveSubscriber(subscriberID string)
	SendDirect(subscriberID string, update model.EventUpdate)
}

// Authenticator validates a bearer token into a Principal.
type Authenticator interface {
	Validate(sessionID string) (*model.Principal, bool)
}

// RateLimiter gates connection attempts per client before the handshake
// completes. Satisfied by *ratelimit.Limiter at assembly time.
type RateLimiter interface {
	Check(client, endpoint string) bool
}

// Config mirrors config.TransportConfig.
type Config struct {
	ListenAddr          string
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	MaxMissedHeartbeats int
	WriteTimeout        time.Duration
}

// Server upgrades HTTP connections to WebSocket subscriber channels.
type Server struct {
	cfg       Config
	broadcast Broadcaster
	auth      Authenticator
	limiter   RateLimiter
	metrics   *observability.Metrics
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

// SetRateLimiter attaches a RateLimiter that gates connection attempts by
// remote address before the handshake. Optional — a Server with no
// limiter set accepts every authenticated connection attempt.
func (s *Server) SetRateLimiter(l RateLimiter) { s.limiter = l }

// New constructs a Server. cfg zero-value fields are defaulted.
func New(cfg Config, broadcast Broadcaster, authenticator Authenticator, m *observability.Metrics, log *zap.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		cfg:       cfg,
		broadcast: broadcast,
		auth:      authenticator,
		metrics:   m,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the accept/authenticate/register/pump/detach
// lifecycle for one subscriber connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Check(clientIP(r), "websocket_connect") {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	principal, ok := s.auth.Validate(token)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if !principal.Has(model.PermWebsocketConnect) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		id:        principal.SessionID,
		principal: principal,
		conn:      conn,
		send:      make(chan model.EventUpdate, 256),
		cfg:       s.cfg,
		broadcast: s.broadcast,
		metrics:   s.metrics,
		log:       s.log,
	}
	sess.connectedAt = time.Now().UTC()

	s.broadcast.Subscribe(sess.id, principal, nil)
	s.broadcast.Attach(sess.id, principal, sess)
	s.metrics.ActiveSubscribers.Inc()

	sess.sendDirect(model.EventUpdate{
		EventType: model.EventSystemStatus,
		Data: map[string]any{
			"type":            "connection_established",
			"subscriber_id":   sess.id,
			"username":        principal.Username,
			"role":            string(principal.Role),
			"auth_required":   true,
		},
		Timestamp: time.Now().UTC(),
	})

	go sess.writePump()
	sess.readPump()

	s.broadcast.Detach(sess.id)
	s.metrics.ActiveSubscribers.Dec()
	s.metrics.SubscriberDetachedTotal.Inc()
}

// session is one subscriber's attached connection. It implements
// broadcast.Transport: Send is non-blocking, falling back to the
// broadcaster's catch-up buffer when the outbound channel is full.
type session struct {
	id        string
	principal *model.Principal
	conn      *websocket.Conn
	send      chan model.EventUpdate
	cfg       Config
	broadcast Broadcaster
	metrics   *observability.Metrics
	log       *zap.Logger

	connectedAt time.Time

	closeOnce sync.Once
	missed    int
}

// Send satisfies broadcast.Transport. It never blocks: a saturated
// outbound buffer is reported as failed delivery so the broadcaster
// routes the update to the catch-up buffer instead.
func (sess *session) Send(update model.EventUpdate) bool {
	select {
	case sess.send <- update:
		return true
	default:
		return false
	}
}

func (sess *session) sendDirect(update model.EventUpdate) {
	select {
	case sess.send <- update:
	default:
	}
}

// inboundFrame is the JSON shape of a client control message (§4.7).
type inboundFrame struct {
	Type            string           `json:"type"`
	EventTypes      []string         `json:"event_types"`
	ReplaceExisting bool             `json:"replace_existing"`
	Filter          *model.EventFilter `json:"filter"`
}

func (sess *session) readPump() {
	defer sess.close()

	sess.conn.SetReadDeadline(time.Now().Add(sess.cfg.HeartbeatInterval + sess.cfg.HeartbeatTimeout))
	sess.conn.SetPongHandler(func(string) error {
		sess.missed = 0
		sess.conn.SetReadDeadline(time.Now().Add(sess.cfg.HeartbeatInterval + sess.cfg.HeartbeatTimeout))
		return nil
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			sess.sendDirect(errorFrame("invalid frame: " + err.Error()))
			continue
		}
		sess.handleFrame(frame)
	}
}

func (sess *session) handleFrame(frame inboundFrame) {
	switch frame.Type {
	case "subscribe":
		if frame.ReplaceExisting {
			sess.broadcast.Unsubscribe(sess.id, allEventTypes())
		}
		sess.broadcast.Subscribe(sess.id, sess.principal, toEventTypes(frame.EventTypes))
		sess.sendDirect(model.EventUpdate{
			EventType: model.EventSystemStatus,
			Data:      map[string]any{"type": "subscription_updated", "event_types": frame.EventTypes},
			Timestamp: time.Now().UTC(),
		})
	case "unsubscribe":
		sess.broadcast.Unsubscribe(sess.id, toEventTypes(frame.EventTypes))
		sess.sendDirect(model.EventUpdate{
			EventType: model.EventSystemStatus,
			Data:      map[string]any{"type": "subscription_updated", "event_types": frame.EventTypes},
			Timestamp: time.Now().UTC(),
		})
	case "set_filter":
		sess.broadcast.SetFilter(sess.id, frame.Filter)
		sess.sendDirect(model.EventUpdate{
			EventType: model.EventSystemStatus,
			Data:      map[string]any{"type": "filter_updated"},
			Timestamp: time.Now().UTC(),
		})
	case "clear_filter":
		sess.broadcast.ClearFilter(sess.id)
		sess.sendDirect(model.EventUpdate{
			EventType: model.EventSystemStatus,
			Data:      map[string]any{"type": "filter_updated"},
			Timestamp: time.Now().UTC(),
		})
	case "ping":
		sess.sendDirect(model.EventUpdate{
			EventType: model.EventSystemStatus,
			Data:      map[string]any{"type": "pong", "server_time": time.Now().UTC()},
			Timestamp: time.Now().UTC(),
		})
	case "get_status":
		sess.sendDirect(model.EventUpdate{
			EventType: model.EventSystemStatus,
			Data: map[string]any{
				"type":          "status_response",
				"subscriber_id": sess.id,
				"connected_at":  sess.connectedAt,
			},
			Timestamp: time.Now().UTC(),
		})
	default:
		sess.sendDirect(errorFrame("unknown message type: " + frame.Type))
	}
}

func (sess *session) writePump() {
	ticker := time.NewTicker(sess.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case update, ok := <-sess.send:
			if !ok {
				sess.conn.SetWriteDeadline(time.Now().Add(sess.cfg.WriteTimeout))
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			sess.conn.SetWriteDeadline(time.Now().Add(sess.cfg.WriteTimeout))
			if err := sess.conn.WriteJSON(update); err != nil {
				return
			}
			sess.metrics.FramesSentTotal.Inc()

		case <-ticker.C:
			sess.missed++
			sess.metrics.HeartbeatMissedTotal.Inc()
			if sess.missed > sess.cfg.MaxMissedHeartbeats {
				sess.log.Debug("subscriber missed heartbeat threshold", zap.String("subscriber_id", sess.id))
				return
			}
			sess.conn.SetWriteDeadline(time.Now().Add(sess.cfg.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.send)
	})
}

func errorFrame(msg string) model.EventUpdate {
	return model.EventUpdate{
		EventType: model.EventSystemStatus,
		Data:      map[string]any{"type": "error", "message": msg},
		Timestamp: time.Now().UTC(),
	}
}

func toEventTypes(raw []string) []model.EventType {
	out := make([]model.EventType, len(raw))
	for i, s := range raw {
		out[i] = model.EventType(s)
	}
	return out
}

func allEventTypes() []model.EventType {
	return []model.EventType{
		model.EventSecurityEvent, model.EventProcessingError, model.EventEntryQuarantined,
		model.EventFallbackProcessing, model.EventErrorEscalated, model.EventErrorSpikeDetected,
		model.EventCriticalErrorPattern, model.EventComponentRecovery, model.EventHealthCheck,
		model.EventSystemStatus, model.EventSourceUpdated,
	}
}

// clientIP strips the port from r.RemoteAddr, falling back to the raw
// value if it isn't in host:port form (e.g. under some test harnesses).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
