package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
	qpkg "github.com/vigil/vigil/internal/queue"
	"github.com/vigil/vigil/internal/store"
	"github.com/vigil/vigil/internal/verror"
)

type fakeParser struct{ fail bool }

func (p *fakeParser) Parse(entry model.LogEntry) (map[string]any, error) {
	if p.fail {
		return nil, errors.New("parse failure")
	}
	return map[string]any{"source_name": entry.SourceName}, nil
}

type fakeAnalyzer struct {
	fail   bool
	result AnalysisResult
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, parsed map[string]any) (AnalysisResult, error) {
	if a.fail {
		return AnalysisResult{}, errors.New("analyzer failure")
	}
	return a.result, nil
}

type captureEvents struct {
	updates []model.EventUpdate
}

func (c *captureEvents) Broadcast(update model.EventUpdate) {
	c.updates = append(c.updates, update)
}

type passthroughErrs struct{}

func (passthroughErrs) Classify(err *verror.Error) model.ErrorRecord {
	action := model.RecoveryEscalate
	switch err.Category {
	case verror.CategoryValidation:
		action = model.RecoveryQuarantine
	case verror.CategoryAnalysis:
		action = model.RecoverySkip
	}
	return model.ErrorRecord{Message: err.Error(), Category: err.Category, RecoveryAction: action, Component: err.Component}
}

func newTestQueue() *qpkg.Queue {
	return qpkg.New(qpkg.Config{
		Capacity: 100, BackpressureThreshold: 0.8, MinBatch: 1, MaxBatch: 10,
		TargetBatchDuration: time.Second, MaxRetries: 2, HistoryRetention: time.Hour,
	}, observability.NewMetrics(), zap.NewNop())
}

func TestWorker_SuccessfulEntryEmitsSecurityEvent(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "vigil.db"), 30)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	q := newTestQueue()
	q.Admit(model.LogEntry{EntryID: "e1", SourceName: "a", Priority: model.PriorityMedium})

	events := &captureEvents{}
	w := New(Config{MaxConcurrentBatches: 1, BatchMaxN: 10, BatchMaxWait: 10 * time.Millisecond, AnalyzerTimeout: time.Second},
		q, &fakeParser{}, &fakeAnalyzer{result: AnalysisResult{SeverityScore: 8, Explanation: "suspicious login"}},
		st, events, passthroughErrs{}, observability.NewMetrics(), zap.NewNop())

	batch := q.TakeBatch(10, 10*time.Millisecond)
	for _, e := range batch {
		w.processEntry(context.Background(), e)
	}

	if len(events.updates) != 1 || events.updates[0].EventType != model.EventSecurityEvent {
		t.Fatalf("updates = %+v, want one security_event", events.updates)
	}
	if events.updates[0].Priority != 8 {
		t.Fatalf("priority = %d, want 8 (severity_score)", events.updates[0].Priority)
	}
}

func TestWorker_ParseFailureQuarantines(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "vigil.db"), 30)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	q := newTestQueue()
	events := &captureEvents{}
	w := New(Config{MaxConcurrentBatches: 1, BatchMaxN: 10, BatchMaxWait: time.Millisecond},
		q, &fakeParser{fail: true}, &fakeAnalyzer{}, st, events, passthroughErrs{}, observability.NewMetrics(), zap.NewNop())

	w.processEntry(context.Background(), model.LogEntry{EntryID: "bad", SourceName: "a", MaxRetries: 2})

	if len(events.updates) != 1 || events.updates[0].EventType != model.EventEntryQuarantined {
		t.Fatalf("updates = %+v, want entry_quarantined", events.updates)
	}
}

func TestWorker_AnalysisFailureSkipsAndCompletes(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "vigil.db"), 30)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	q := newTestQueue()
	events := &captureEvents{}
	w := New(Config{MaxConcurrentBatches: 1, BatchMaxN: 10, BatchMaxWait: time.Millisecond},
		q, &fakeParser{}, &fakeAnalyzer{fail: true}, st, events, passthroughErrs{}, observability.NewMetrics(), zap.NewNop())

	w.processEntry(context.Background(), model.LogEntry{EntryID: "skip-me", SourceName: "a"})

	if len(events.updates) != 0 {
		t.Fatalf("updates = %+v, want none (skip recovery emits nothing)", events.updates)
	}
	if _, ok := q.History("skip-me"); !ok {
		t.Fatal("expected skip-recovered entry marked completed in history")
	}
}
