package ratelimit

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/observability"
)

func newTestLimiter(cfg Config) *Limiter {
	if cfg.PerMinuteLimit == 0 {
		cfg.PerMinuteLimit = 600
	}
	if cfg.BurstLimit == 0 {
		cfg.BurstLimit = 20
	}
	if cfg.BurstWindow == 0 {
		cfg.BurstWindow = 10 * time.Second
	}
	if cfg.SuspiciousThreshold == 0 {
		cfg.SuspiciousThreshold = 5
	}
	if cfg.BlockedThreshold == 0 {
		cfg.BlockedThreshold = 20
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = 30 * time.Minute
	}
	if cfg.ViolationWindow == 0 {
		cfg.ViolationWindow = 10 * time.Minute
	}
	return New(cfg, observability.NewMetrics(), zap.NewNop())
}

func TestRateLimiter_AllowsWithinBurstWindow(t *testing.T) {
	l := newTestLimiter(Config{BurstLimit: 3, BurstWindow: time.Second})
	for i := 0; i < 3; i++ {
		if !l.Check("client-a", "/x") {
			t.Fatalf("request %d denied, want allowed", i)
		}
	}
	if l.Check("client-a", "/x") {
		t.Fatal("4th request within burst window allowed, want denied")
	}
}

func TestRateLimiter_ViolationsEscalateToSuspiciousThenBlocked(t *testing.T) {
	l := newTestLimiter(Config{
		BurstLimit: 1, BurstWindow: time.Hour,
		SuspiciousThreshold: 2, BlockedThreshold: 4,
		BlockDuration: time.Minute, ViolationWindow: time.Hour,
	})

	// First request consumes the single burst slot; every call after that
	// is a burst-window violation.
	if !l.Check("client-b", "/x") {
		t.Fatal("first request denied, want allowed")
	}
	for i := 0; i < 3; i++ {
		l.Check("client-b", "/x")
	}
	if s := l.Status("client-b").State; s != StateSuspicious {
		t.Fatalf("state after 3 violations = %v, want suspicious", s)
	}

	for i := 0; i < 2; i++ {
		l.Check("client-b", "/x")
	}
	st := l.Status("client-b")
	if st.State != StateBlocked {
		t.Fatalf("state after 5 violations = %v, want blocked", st.State)
	}
	if l.Check("client-b", "/x") {
		t.Fatal("blocked client allowed a request")
	}
}

func TestRateLimiter_ClearResetsState(t *testing.T) {
	l := newTestLimiter(Config{BurstLimit: 1, BurstWindow: time.Hour})
	l.Check("client-c", "/x")
	l.Check("client-c", "/x")
	l.Clear("client-c")
	if s := l.Status("client-c").State; s != StateNormal {
		t.Fatalf("state after Clear = %v, want normal", s)
	}
}

func TestRateLimiter_NoteUserAgentMarksSuspiciousOnce(t *testing.T) {
	l := newTestLimiter(Config{})
	l.NoteUserAgent("client-d", "python-requests/2.31")
	if s := l.Status("client-d").State; s != StateSuspicious {
		t.Fatalf("state after known bot UA = %v, want suspicious", s)
	}
}

func TestTokenBucket_DeniesOnceCapacityConsumed(t *testing.T) {
	b := newTokenBucket(60) // 1 token/sec
	for i := 0; i < 60; i++ {
		if !b.consume(1, 60) {
			t.Fatalf("token %d denied from full bucket", i)
		}
	}
	if b.consume(1, 60) {
		t.Fatal("consume succeeded with empty bucket")
	}
}
