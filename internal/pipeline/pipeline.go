// Package pipeline implements the bounded-concurrency worker pool from
// SPEC_FULL §4.5: pull a batch, parse, analyze, persist, emit.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
	"github.com/vigil/vigil/internal/queue"
	"github.com/vigil/vigil/internal/store"
	"github.com/vigil/vigil/internal/verror"
)

// AnalysisResult is the single external analyzer call's contract (§6):
// analyze(parsed_event) -> {severity_score, explanation, recommendations}.
type AnalysisResult struct {
	SeverityScore   int
	Explanation     string
	Recommendations []string
}

// Parser turns raw LogEntry content into a structured event. A parser
// failure is a validation_error with quarantine/fallback recovery.
type Parser interface {
	Parse(entry model.LogEntry) (map[string]any, error)
}

// Analyzer is the external, out-of-scope analysis collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, parsed map[string]any) (AnalysisResult, error)
}

// EventSink receives EventUpdates produced by the pipeline. Satisfied by
// broadcast.Broadcaster at assembly time.
type EventSink interface {
	Broadcast(update model.EventUpdate)
}

// ErrorSink receives classified errors for recovery-policy handling.
// Satisfied by errhandler.Handler at assembly time.
type ErrorSink interface {
	Classify(err *verror.Error) model.ErrorRecord
}

// Config mirrors config.PipelineConfig.
type Config struct {
	MaxConcurrentBatches int
	BatchMaxN            int
	BatchMaxWait         time.Duration
	AnalyzerTimeout      time.Duration
}

// Worker runs the bounded pool of pipeline workers.
type Worker struct {
	cfg      Config
	q        *queue.Queue
	parser   Parser
	analyzer Analyzer
	st       store.Store
	events   EventSink
	errs     ErrorSink
	metrics  *observability.Metrics
	log      *zap.Logger

	wg sync.WaitGroup
}

// New constructs a Worker pool.
func New(cfg Config, q *queue.Queue, parser Parser, analyzer Analyzer, st store.Store, events EventSink, errs ErrorSink, m *observability.Metrics, log *zap.Logger) *Worker {
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 8
	}
	return &Worker{cfg: cfg, q: q, parser: parser, analyzer: analyzer, st: st, events: events, errs: errs, metrics: m, log: log}
}

// Start launches cfg.MaxConcurrentBatches independent batch-pulling
// goroutines. Each blocks on ctx cancellation for shutdown.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.MaxConcurrentBatches; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx)
	}
}

// Stop waits for all workers to observe ctx cancellation and return.
func (w *Worker) Stop() {
	w.wg.Wait()
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := w.q.TakeBatch(w.cfg.BatchMaxN, w.cfg.BatchMaxWait)
		if len(batch) == 0 {
			continue
		}

		start := time.Now()
		for _, entry := range batch {
			w.processEntry(ctx, entry)
		}
		w.metrics.BatchesProcessedTotal.Inc()
		w.q.RecordBatchDuration(time.Since(start))
	}
}

func (w *Worker) processEntry(ctx context.Context, entry model.LogEntry) {
	parsed, err := w.parser.Parse(entry)
	if err != nil {
		w.handleValidationFailure(entry, err)
		return
	}

	analyzerCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.AnalyzerTimeout > 0 {
		analyzerCtx, cancel = context.WithTimeout(ctx, w.cfg.AnalyzerTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := w.analyzer.Analyze(analyzerCtx, parsed)
	w.metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		w.metrics.AnalysisErrorsTotal.Inc()
		w.handleAnalysisFailure(entry, err)
		return
	}

	src, _ := parsed["source_name"].(string)
	if src == "" {
		src = entry.SourceName
	}
	auditEntry := model.AuditEntry{
		EventType:    "security_event",
		ResourceType: "log_entry",
		ResourceID:   entry.EntryID,
		Action:       "analyzed",
		Description:  result.Explanation,
		Success:      true,
	}
	if err := w.st.AppendAudit(ctx, auditEntry); err != nil {
		w.handleStorageFailure(entry, err)
		return
	}

	priority := result.SeverityScore
	if priority <= 0 {
		priority = 5
	}
	w.q.MarkCompleted(entry)
	w.events.Broadcast(model.EventUpdate{
		EventType: model.EventSecurityEvent,
		Data: map[string]any{
			"entry_id":        entry.EntryID,
			"source_name":     src,
			"content":         entry.Content,
			"severity_score":  result.SeverityScore,
			"explanation":     result.Explanation,
			"recommendations": result.Recommendations,
		},
		Timestamp: time.Now().UTC(),
		Priority:  priority,
	})
}

func (w *Worker) handleValidationFailure(entry model.LogEntry, err error) {
	rec := w.errs.Classify(verror.New(verror.CategoryValidation, "pipeline", err).WithEntry(entry.EntryID))
	w.emitRecoveryEvent(entry, rec)
}

func (w *Worker) handleAnalysisFailure(entry model.LogEntry, err error) {
	rec := w.errs.Classify(verror.New(verror.CategoryAnalysis, "pipeline", err).WithEntry(entry.EntryID))
	w.emitRecoveryEvent(entry, rec)
}

func (w *Worker) handleStorageFailure(entry model.LogEntry, err error) {
	rec := w.errs.Classify(verror.New(verror.CategoryDatabase, "pipeline", err).WithEntry(entry.EntryID))
	w.emitRecoveryEvent(entry, rec)
}

// emitRecoveryEvent applies the chosen recovery action against the queue
// and emits the corresponding EventUpdate.
func (w *Worker) emitRecoveryEvent(entry model.LogEntry, rec model.ErrorRecord) {
	switch rec.RecoveryAction {
	case model.RecoveryRetry:
		outcome := w.q.MarkFailed(entry, rec.Message)
		if outcome == queue.Permanent {
			w.events.Broadcast(quarantineEvent(entry, rec))
		} else {
			w.events.Broadcast(processingErrorEvent(entry, rec))
		}
	case model.RecoveryQuarantine:
		w.q.MarkFailed(entry, rec.Message)
		w.events.Broadcast(quarantineEvent(entry, rec))
	case model.RecoveryFallback:
		w.q.MarkCompleted(entry)
		w.events.Broadcast(model.EventUpdate{
			EventType: model.EventFallbackProcessing,
			Data:      map[string]any{"entry_id": entry.EntryID, "error": rec.Message},
			Timestamp: time.Now().UTC(),
			Priority:  4,
		})
	case model.RecoverySkip:
		w.q.MarkCompleted(entry)
	default: // escalate
		w.q.MarkFailed(entry, rec.Message)
		w.events.Broadcast(model.EventUpdate{
			EventType: model.EventErrorEscalated,
			Data:      map[string]any{"entry_id": entry.EntryID, "error": rec.Message, "component": rec.Component},
			Timestamp: time.Now().UTC(),
			Priority:  9,
		})
	}
}

func quarantineEvent(entry model.LogEntry, rec model.ErrorRecord) model.EventUpdate {
	return model.EventUpdate{
		EventType: model.EventEntryQuarantined,
		Data:      map[string]any{"entry_id": entry.EntryID, "error": rec.Message},
		Timestamp: time.Now().UTC(),
		Priority:  6,
	}
}

func processingErrorEvent(entry model.LogEntry, rec model.ErrorRecord) model.EventUpdate {
	return model.EventUpdate{
		EventType: model.EventProcessingError,
		Data:      map[string]any{"entry_id": entry.EntryID, "error": rec.Message, "retry_count": entry.RetryCount},
		Timestamp: time.Now().UTC(),
		Priority:  5,
	}
}
