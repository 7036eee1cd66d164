// Package ratelimit implements the per-client request gate from SPEC_FULL
// §4.9: a continuously-refilling token bucket, a short sliding burst
// window, and a violation-tracking state machine that escalates a client
// from normal to suspicious to blocked.
//
// Concurrency: each client's state is guarded by its own mutex, held only
// for the duration of a single Check/Clear/Status call, per §5's
// per-client-guarded-state model.
package ratelimit

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/observability"
)

// State is a client's current standing.
type State string

const (
	StateNormal     State = "normal"
	StateSuspicious State = "suspicious"
	StateBlocked    State = "blocked"
)

// Config bundles the construction parameters ratelimit.New needs, mirroring
// config.RateLimitConfig.
type Config struct {
	PerMinuteLimit      int
	BurstLimit          int
	BurstWindow         time.Duration
	SuspiciousThreshold int
	BlockedThreshold    int
	BlockDuration       time.Duration
	ViolationWindow     time.Duration
}

// knownBotUserAgents is a small, explicit list of substrings that mark a
// client as suspicious on first observation, independent of its request
// rate. Not exhaustive — a real deployment would source this from an
// updatable list, not a compiled-in one.
var knownBotUserAgents = []string{
	"curl/", "python-requests/", "go-http-client", "scrapy", "masscan", "nmap",
}

type clientState struct {
	mu         sync.Mutex
	bucket     *tokenBucket
	state      State
	violations []time.Time
	blockedUntil time.Time
	seenUA     bool
}

// Limiter is the per-client rate gate.
type Limiter struct {
	cfg     Config
	burst   *catrate.Limiter
	metrics *observability.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	clients map[string]*clientState
}

// New constructs a Limiter. cfg.BurstLimit requests are allowed per
// cfg.BurstWindow, on top of the continuously-refilling per-minute bucket.
func New(cfg Config, m *observability.Metrics, log *zap.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		burst:   catrate.NewLimiter(map[time.Duration]int{cfg.BurstWindow: cfg.BurstLimit}),
		metrics: m,
		log:     log,
		clients: make(map[string]*clientState),
	}
}

func (l *Limiter) stateFor(client string) *clientState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.clients[client]
	if !ok {
		cs = &clientState{
			bucket: newTokenBucket(l.cfg.PerMinuteLimit),
			state:  StateNormal,
		}
		l.clients[client] = cs
	}
	return cs
}

// Check applies both gates — the continuous token bucket and the sliding
// burst window — and the violation/suspicious/blocked state machine. It
// returns false whenever the client is currently blocked or either gate is
// exhausted.
func (l *Limiter) Check(client, endpoint string) bool {
	cs := l.stateFor(client)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()

	if cs.state == StateBlocked {
		if now.Before(cs.blockedUntil) {
			l.metrics.RequestsThrottledTotal.Inc()
			return false
		}
		cs.state = StateNormal
		cs.violations = nil
	}

	limit := l.cfg.PerMinuteLimit
	if cs.state == StateSuspicious {
		limit = limit / 2
		if limit < 1 {
			limit = 1
		}
	}

	bucketOK := cs.bucket.consume(1, limit)
	_, burstOK := l.burst.Allow(client)

	if bucketOK && burstOK {
		l.metrics.RequestsAllowedTotal.Inc()
		return true
	}

	l.recordViolation(cs, now)
	l.metrics.RequestsThrottledTotal.Inc()
	return false
}

func (l *Limiter) recordViolation(cs *clientState, now time.Time) {
	cutoff := now.Add(-l.cfg.ViolationWindow)
	kept := cs.violations[:0]
	for _, v := range cs.violations {
		if v.After(cutoff) {
			kept = append(kept, v)
		}
	}
	cs.violations = append(kept, now)

	switch {
	case len(cs.violations) > l.cfg.BlockedThreshold:
		l.block(cs, now)
	case len(cs.violations) > l.cfg.SuspiciousThreshold:
		if cs.state == StateNormal {
			cs.state = StateSuspicious
			l.log.Info("client marked suspicious", zap.Int("violations", len(cs.violations)))
		}
	}
}

func (l *Limiter) block(cs *clientState, now time.Time) {
	if cs.state == StateBlocked {
		// Already blocked and violating again: extend the block.
		cs.blockedUntil = now.Add(l.cfg.BlockDuration)
		return
	}
	cs.state = StateBlocked
	cs.blockedUntil = now.Add(l.cfg.BlockDuration)
	l.metrics.ClientsBlockedTotal.Inc()
	l.log.Warn("client blocked", zap.Int("violations", len(cs.violations)), zap.Time("until", cs.blockedUntil))
}

// NoteUserAgent marks a client suspicious on first observation if its
// User-Agent string matches a known automated-client pattern.
func (l *Limiter) NoteUserAgent(client, userAgent string) {
	cs := l.stateFor(client)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.seenUA {
		return
	}
	cs.seenUA = true
	for _, pattern := range knownBotUserAgents {
		if containsFold(userAgent, pattern) {
			if cs.state == StateNormal {
				cs.state = StateSuspicious
				l.log.Info("client marked suspicious by user agent", zap.String("user_agent", userAgent))
			}
			return
		}
	}
}

// Clear resets a client back to normal standing, discarding its violation
// history and block state. Used by the admin control surface.
func (l *Limiter) Clear(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, client)
}

// Status is the point-in-time standing returned to the control surface.
type Status struct {
	State        State
	Violations   int
	BlockedUntil time.Time
	TokensLeft   int
}

// Status reports a client's current standing without mutating it.
func (l *Limiter) Status(client string) Status {
	cs := l.stateFor(client)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return Status{
		State:        cs.state,
		Violations:   len(cs.violations),
		BlockedUntil: cs.blockedUntil,
		TokensLeft:   cs.bucket.remaining(),
	}
}

func containsFold(haystack, needle string) bool {
	h, n := []rune(haystack), []rune(needle)
	if len(n) == 0 || len(n) > len(h) {
		return len(n) == 0
	}
	toLower := func(rs []rune) []rune {
		out := make([]rune, len(rs))
		for i, r := range rs {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			out[i] = r
		}
		return out
	}
	h, n = toLower(h), toLower(n)
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if h[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
