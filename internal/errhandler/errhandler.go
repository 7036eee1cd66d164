// Package errhandler implements the classification, recovery, and
// pattern-detection component from SPEC_FULL §4.8. Every verror.Error
// raised at a component boundary is recorded here; the handler decides a
// recovery action and watches the bounded history for spikes.
package errhandler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
	"github.com/vigil/vigil/internal/verror"
)

// Sink receives EventUpdates the handler emits (error_spike_detected,
// critical_error_pattern, component_recovery_attempt). Satisfied by
// broadcast.Broadcaster at assembly time.
type Sink interface {
	Broadcast(update model.EventUpdate)
}

// defaultRecovery is the static category → action/max_retries table.
var defaultRecovery = map[verror.Category]struct {
	Action     model.RecoveryAction
	MaxRetries int
}{
	verror.CategoryParsing:    {model.RecoveryFallback, 2},
	verror.CategoryValidation: {model.RecoveryQuarantine, 1},
	verror.CategoryDatabase:   {model.RecoveryRetry, 3},
	verror.CategoryTransport:  {model.RecoveryRetry, 2},
	verror.CategoryAnalysis:   {model.RecoverySkip, 1},
	verror.CategorySystem:     {model.RecoveryEscalate, 0},
}

var networkKeywords = []string{"connection refused", "timeout", "no route to host", "network unreachable", "broken pipe"}
var configKeywords = []string{"config", "configuration", "yaml", "schema version"}
var criticalKeywords = []string{"critical", "fatal", "security"}

// Config mirrors config.ErrorHandlerConfig.
type Config struct {
	RingSize              int
	PatternCheckInterval  time.Duration
	PatternWindow         time.Duration
	SpikeTotalThreshold   int
	SpikeCriticalThreshold int
	ComponentFailureRatio float64
}

// Handler classifies errors, runs the default recovery table, and
// periodically scans its bounded ring for spikes and per-component
// failure-ratio patterns.
type Handler struct {
	cfg     Config
	metrics *observability.Metrics
	log     *zap.Logger
	sink    Sink

	mu      sync.Mutex
	ring    []model.ErrorRecord
	head    int
	filled  bool

	lastSpikeBroadcast    time.Time
	lastCriticalBroadcast time.Time
}

// New constructs a Handler with a fixed-size ring of cfg.RingSize records.
func New(cfg Config, sink Sink, m *observability.Metrics, log *zap.Logger) *Handler {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 10000
	}
	return &Handler{
		cfg:     cfg,
		metrics: m,
		log:     log,
		sink:    sink,
		ring:    make([]model.ErrorRecord, cfg.RingSize),
	}
}

// Start runs the periodic pattern-detection sweep until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) {
	go func() {
		interval := h.cfg.PatternCheckInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.detectPatterns()
			}
		}
	}()
}

// Classify assigns a category/severity/recovery action to err, recording it
// in the ring and returning the record for the caller to act on.
func (h *Handler) Classify(err *verror.Error) model.ErrorRecord {
	category := err.Category
	severity := severityFor(category, err.Error())
	recovery, maxRetries := recoveryFor(category)

	rec := model.ErrorRecord{
		ErrorID:        uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Severity:       severity,
		Category:       category,
		Message:        err.Error(),
		EntryID:        err.EntryID,
		Component:      err.Component,
		Context:        err.Context,
		RecoveryAction: recovery,
		MaxRetries:     maxRetries,
	}

	h.metrics.ErrorsRecordedTotal.WithLabelValues(string(category), string(severity)).Inc()
	h.record(rec)
	return rec
}

func (h *Handler) record(rec model.ErrorRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.head] = rec
	h.head = (h.head + 1) % len(h.ring)
	if h.head == 0 {
		h.filled = true
	}
}

// snapshot returns the ring's records, oldest first.
func (h *Handler) snapshot() []model.ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.filled {
		out := make([]model.ErrorRecord, h.head)
		copy(out, h.ring[:h.head])
		return out
	}
	out := make([]model.ErrorRecord, len(h.ring))
	copy(out, h.ring[h.head:])
	copy(out[len(h.ring)-h.head:], h.ring[:h.head])
	return out
}

func severityFor(category verror.Category, message string) verror.Severity {
	lower := strings.ToLower(message)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return verror.SeverityCritical
		}
	}
	switch category {
	case verror.CategorySystem:
		return verror.SeverityCritical
	case verror.CategoryDatabase, verror.CategoryConfiguration:
		return verror.SeverityHigh
	case verror.CategoryParsing, verror.CategoryAnalysis:
		return verror.SeverityMedium
	case verror.CategoryTransport, verror.CategoryNetwork:
		return verror.SeverityLow
	default:
		return verror.SeverityMedium
	}
}

func recoveryFor(category verror.Category) (model.RecoveryAction, int) {
	if r, ok := defaultRecovery[category]; ok {
		return r.Action, r.MaxRetries
	}
	return model.RecoveryEscalate, 0
}

// ClassifyFromError builds a verror.Error from a bare error using keyword
// heuristics, for boundaries that haven't already wrapped it. Prefer
// raising a *verror.Error directly where the category is known.
func ClassifyFromError(component string, err error) *verror.Error {
	lower := strings.ToLower(err.Error())
	category := verror.CategorySystem
	switch {
	case containsAny(lower, networkKeywords):
		category = verror.CategoryNetwork
	case containsAny(lower, configKeywords):
		category = verror.CategoryConfiguration
	}
	return verror.New(category, component, err)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// detectPatterns scans the last PatternWindow of records for the
// total/critical spike thresholds, and each component's last 100 records
// (regardless of age) for its failure ratio.
func (h *Handler) detectPatterns() {
	records := h.snapshot()
	now := time.Now()
	cutoff := now.Add(-h.cfg.PatternWindow)

	var windowed []model.ErrorRecord
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			windowed = append(windowed, r)
		}
	}

	critical := 0
	for _, r := range windowed {
		if r.Severity == verror.SeverityCritical {
			critical++
		}
	}

	// A pattern broadcasts once per window: after it fires, the same
	// condition holding on the next check (still inside the window that
	// triggered it) does not re-broadcast. A new window — PatternWindow
	// elapsed since the last broadcast — allows it to fire again.
	h.mu.Lock()
	spikeWindowElapsed := now.Sub(h.lastSpikeBroadcast) >= h.cfg.PatternWindow
	criticalWindowElapsed := now.Sub(h.lastCriticalBroadcast) >= h.cfg.PatternWindow
	h.mu.Unlock()

	if len(windowed) > h.cfg.SpikeTotalThreshold && spikeWindowElapsed {
		h.metrics.ErrorSpikesDetectedTotal.Inc()
		h.emit(model.EventErrorSpikeDetected, 9, map[string]any{"count": len(windowed), "window_seconds": h.cfg.PatternWindow.Seconds()})
		h.mu.Lock()
		h.lastSpikeBroadcast = now
		h.mu.Unlock()
	}
	if critical > h.cfg.SpikeCriticalThreshold && criticalWindowElapsed {
		h.emit(model.EventCriticalErrorPattern, 10, map[string]any{"critical_count": critical, "window_seconds": h.cfg.PatternWindow.Seconds()})
		h.mu.Lock()
		h.lastCriticalBroadcast = now
		h.mu.Unlock()
	}

	h.detectComponentFailureRatio(records)
}

func (h *Handler) detectComponentFailureRatio(records []model.ErrorRecord) {
	const sampleSize = 100
	byComponent := map[string][]model.ErrorRecord{}
	for _, r := range records {
		byComponent[r.Component] = append(byComponent[r.Component], r)
	}
	for component, recs := range byComponent {
		if len(recs) < sampleSize {
			continue
		}
		recent := recs[len(recs)-sampleSize:]
		failed := 0
		for _, r := range recent {
			if !r.RecoverySuccessful {
				failed++
			}
		}
		ratio := float64(failed) / float64(sampleSize)
		if ratio > h.cfg.ComponentFailureRatio {
			h.emit(model.EventComponentRecovery, 8, map[string]any{"component": component, "failure_ratio": ratio})
		}
	}
}

func (h *Handler) emit(eventType model.EventType, priority int, data map[string]any) {
	if h.sink == nil {
		return
	}
	h.sink.Broadcast(model.EventUpdate{
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Priority:  priority,
	})
}
