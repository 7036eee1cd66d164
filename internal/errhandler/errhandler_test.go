package errhandler

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
	"github.com/vigil/vigil/internal/verror"
)

type captureSink struct {
	updates []model.EventUpdate
}

func (c *captureSink) Broadcast(update model.EventUpdate) {
	c.updates = append(c.updates, update)
}

func newTestHandler(sink Sink) *Handler {
	return New(Config{
		RingSize:               100,
		PatternCheckInterval:   time.Hour,
		PatternWindow:          5 * time.Minute,
		SpikeTotalThreshold:    20,
		SpikeCriticalThreshold: 3,
		ComponentFailureRatio:  0.5,
	}, sink, observability.NewMetrics(), zap.NewNop())
}

func TestClassify_DatabaseErrorRetriesThreeTimes(t *testing.T) {
	h := newTestHandler(nil)
	rec := h.Classify(verror.New(verror.CategoryDatabase, "store", errors.New("connection lost")))
	if rec.RecoveryAction != model.RecoveryRetry || rec.MaxRetries != 3 {
		t.Fatalf("database recovery = %+v, want retry/3", rec)
	}
	if rec.Severity != verror.SeverityHigh {
		t.Fatalf("database severity = %v, want high", rec.Severity)
	}
}

func TestClassify_ValidationErrorQuarantinesOnce(t *testing.T) {
	h := newTestHandler(nil)
	rec := h.Classify(verror.New(verror.CategoryValidation, "validate", errors.New("bad source name")))
	if rec.RecoveryAction != model.RecoveryQuarantine || rec.MaxRetries != 1 {
		t.Fatalf("validation recovery = %+v, want quarantine/1", rec)
	}
}

func TestClassify_CriticalKeywordOverridesSeverity(t *testing.T) {
	h := newTestHandler(nil)
	rec := h.Classify(verror.New(verror.CategoryTransport, "transport", errors.New("security breach detected")))
	if rec.Severity != verror.SeverityCritical {
		t.Fatalf("severity = %v, want critical override", rec.Severity)
	}
}

func TestDetectPatterns_SpikeOverThreshold(t *testing.T) {
	sink := &captureSink{}
	h := newTestHandler(sink)
	for i := 0; i < 21; i++ {
		h.Classify(verror.New(verror.CategoryParsing, "tailer", errors.New("parse error")))
	}
	h.detectPatterns()

	found := false
	for _, u := range sink.updates {
		if u.EventType == model.EventErrorSpikeDetected {
			found = true
		}
	}
	if !found {
		t.Fatal("expected error_spike_detected event after 21 errors in window")
	}
}

func TestDetectPatterns_CriticalPatternOverThreshold(t *testing.T) {
	sink := &captureSink{}
	h := newTestHandler(sink)
	for i := 0; i < 4; i++ {
		h.Classify(verror.New(verror.CategorySystem, "pipeline", errors.New("fatal error")))
	}
	h.detectPatterns()

	found := false
	for _, u := range sink.updates {
		if u.EventType == model.EventCriticalErrorPattern {
			found = true
		}
	}
	if !found {
		t.Fatal("expected critical_error_pattern event after 4 critical errors")
	}
}

func TestDetectPatterns_DoesNotReBroadcastWithinSameWindow(t *testing.T) {
	sink := &captureSink{}
	h := newTestHandler(sink)
	for i := 0; i < 4; i++ {
		h.Classify(verror.New(verror.CategorySystem, "pipeline", errors.New("fatal error")))
	}
	h.detectPatterns()
	h.detectPatterns()
	h.detectPatterns()

	count := 0
	for _, u := range sink.updates {
		if u.EventType == model.EventCriticalErrorPattern {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("got %d critical_error_pattern broadcasts across 3 checks in one window, want exactly 1", count)
	}
}

func TestClassifyFromError_NetworkKeyword(t *testing.T) {
	verr := ClassifyFromError("transport", errors.New("connection refused by peer"))
	if verr.Category != verror.CategoryNetwork {
		t.Fatalf("category = %v, want network", verr.Category)
	}
}
