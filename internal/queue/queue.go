// Package queue implements the bounded, five-priority-band queue that sits
// between the tailer and the pipeline workers.
//
// Concurrency: each band is guarded by its own mutex so admission/drain on
// one band never blocks another; cross-band bookkeeping (total size,
// backpressure flag, counters) uses atomics per §5.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
)

// AdmitResult is the outcome of an Admit call.
type AdmitResult int

const (
	Accepted AdmitResult = iota
	RejectedBackpressure
	RejectedFull
)

func (r AdmitResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedBackpressure:
		return "rejected_backpressure"
	case RejectedFull:
		return "rejected_full"
	default:
		return "unknown"
	}
}

// FailOutcome is the outcome of a MarkFailed call.
type FailOutcome int

const (
	Requeued FailOutcome = iota
	Permanent
)

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	SizeByBand     [5]int
	TotalSize      int
	Dropped        int64
	Processed      int64
	Failed         int64
	AvgBatchSize   int
	Backpressure   bool
}

type band struct {
	mu    sync.Mutex
	items []model.LogEntry
}

type historyRecord struct {
	entry     model.LogEntry
	expiresAt time.Time
}

// Queue is the bounded multi-priority admission/drain structure.
type Queue struct {
	capacity      int64
	threshold     float64
	minBatch      int
	maxBatch      int
	targetBatch   time.Duration
	maxRetries    int
	historyTTL    time.Duration

	bands [5]band

	totalSize      atomic.Int64
	backpressureOn atomic.Bool
	droppedTotal   atomic.Int64
	processedTotal atomic.Int64
	failedTotal    atomic.Int64

	batchMu       sync.Mutex
	avgBatchDur   time.Duration
	currentTarget int

	historyMu sync.Mutex
	history   map[string]historyRecord

	notify chan struct{}

	metrics *observability.Metrics
	log     *zap.Logger
}

// Config bundles the construction parameters queue.New needs. Mirrors
// config.QueueConfig so callers at the assembly layer don't need to import
// both packages to build one.
type Config struct {
	Capacity              int
	BackpressureThreshold float64
	MinBatch              int
	MaxBatch              int
	TargetBatchDuration   time.Duration
	MaxRetries            int
	HistoryRetention      time.Duration
}

// New constructs a Queue. Call Start to begin the history-eviction sweep.
func New(cfg Config, m *observability.Metrics, log *zap.Logger) *Queue {
	q := &Queue{
		capacity:      int64(cfg.Capacity),
		threshold:     cfg.BackpressureThreshold,
		minBatch:      cfg.MinBatch,
		maxBatch:      cfg.MaxBatch,
		targetBatch:   cfg.TargetBatchDuration,
		maxRetries:    cfg.MaxRetries,
		historyTTL:    cfg.HistoryRetention,
		currentTarget: cfg.MinBatch,
		history:       make(map[string]historyRecord),
		notify:        make(chan struct{}, 1),
		metrics:       m,
		log:           log,
	}
	if q.currentTarget <= 0 {
		q.currentTarget = 10
	}
	return q
}

// Start runs the history-eviction sweep until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.evictHistory()
			}
		}
	}()
}

func (q *Queue) evictHistory() {
	now := time.Now()
	q.historyMu.Lock()
	defer q.historyMu.Unlock()
	for id, rec := range q.history {
		if now.After(rec.expiresAt) {
			delete(q.history, id)
		}
	}
}

// Enqueue satisfies tailer.EntrySink: true iff Admit returned Accepted.
func (q *Queue) Enqueue(entry model.LogEntry) bool {
	return q.Admit(entry) == Accepted
}

// Admit applies the admission policy from §4.4: reject_full at capacity,
// shed anything below HIGH priority once the backpressure threshold is
// crossed, otherwise accept.
func (q *Queue) Admit(entry model.LogEntry) AdmitResult {
	if !entry.Priority.Valid() {
		entry.Priority = model.PriorityMedium
	}

	size := q.totalSize.Load()
	if size >= q.capacity {
		q.droppedTotal.Add(1)
		q.metrics.EntriesRejectedTotal.WithLabelValues(priorityLabel(entry.Priority), "full").Inc()
		return RejectedFull
	}

	crossedThreshold := float64(size) >= q.threshold*float64(q.capacity)
	wasOn := q.backpressureOn.Load()
	if crossedThreshold && !wasOn {
		q.backpressureOn.Store(true)
		q.log.Info("queue backpressure engaged", zap.Int64("size", size), zap.Int64("capacity", q.capacity))
	} else if !crossedThreshold && wasOn {
		q.backpressureOn.Store(false)
		q.log.Info("queue backpressure cleared", zap.Int64("size", size))
	}

	if q.backpressureOn.Load() && entry.Priority > model.PriorityHigh {
		q.metrics.EntriesRejectedTotal.WithLabelValues(priorityLabel(entry.Priority), "backpressure").Inc()
		return RejectedBackpressure
	}

	entry.Status = model.StatusPending
	b := &q.bands[entry.Priority-1]
	b.mu.Lock()
	b.items = append(b.items, entry)
	b.mu.Unlock()

	q.totalSize.Add(1)
	q.metrics.EntriesAdmittedTotal.WithLabelValues(priorityLabel(entry.Priority)).Inc()
	q.metrics.QueueDepth.WithLabelValues(priorityLabel(entry.Priority)).Inc()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return Accepted
}

// TakeBatch drains bands in ascending priority order (CRITICAL first), FIFO
// within a band, up to the adaptive target size bounded by maxN, waiting at
// most maxWait for the first entry to become available.
func (q *Queue) TakeBatch(maxN int, maxWait time.Duration) []model.LogEntry {
	target := q.currentTargetSize()
	if maxN > 0 && maxN < target {
		target = maxN
	}
	if target <= 0 {
		target = 1
	}

	deadline := time.Now().Add(maxWait)
	var batch []model.LogEntry

	for {
		batch = append(batch, q.drainOnce(target-len(batch))...)
		if len(batch) >= target {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if len(batch) > 0 {
			// Already have something to return; don't wait further.
			break
		}
		select {
		case <-q.notify:
		case <-time.After(remaining):
		}
		if time.Now().After(deadline) {
			batch = append(batch, q.drainOnce(target-len(batch))...)
			break
		}
	}

	if len(batch) > 0 {
		q.totalSize.Add(-int64(len(batch)))
		q.metrics.BatchSizeHistogram.Observe(float64(len(batch)))
		for i := range batch {
			batch[i].Status = model.StatusProcessing
			q.metrics.QueueDepth.WithLabelValues(priorityLabel(batch[i].Priority)).Dec()
		}
	}
	return batch
}

func (q *Queue) drainOnce(need int) []model.LogEntry {
	if need <= 0 {
		return nil
	}
	var out []model.LogEntry
	for p := model.PriorityCritical; p <= model.PriorityBulk; p++ {
		if len(out) >= need {
			break
		}
		b := &q.bands[p-1]
		b.mu.Lock()
		take := need - len(out)
		if take > len(b.items) {
			take = len(b.items)
		}
		if take > 0 {
			out = append(out, b.items[:take]...)
			b.items = b.items[take:]
		}
		b.mu.Unlock()
	}
	return out
}

func (q *Queue) currentTargetSize() int {
	q.batchMu.Lock()
	defer q.batchMu.Unlock()
	return q.currentTarget
}

// RecordBatchDuration feeds the adaptive batcher's EWMA and adjusts the
// target batch size toward the configured latency target.
func (q *Queue) RecordBatchDuration(d time.Duration) {
	if q.targetBatch <= 0 {
		return
	}
	q.batchMu.Lock()
	defer q.batchMu.Unlock()

	const alpha = 0.2
	if q.avgBatchDur == 0 {
		q.avgBatchDur = d
	} else {
		q.avgBatchDur = time.Duration(alpha*float64(d) + (1-alpha)*float64(q.avgBatchDur))
	}

	low := time.Duration(0.8 * float64(q.targetBatch))
	high := time.Duration(1.2 * float64(q.targetBatch))

	switch {
	case q.avgBatchDur < low:
		grown := int(float64(q.currentTarget) * 1.1)
		if grown <= q.currentTarget {
			grown = q.currentTarget + 1
		}
		if grown > q.maxBatch {
			grown = q.maxBatch
		}
		q.currentTarget = grown
	case q.avgBatchDur > high:
		shrunk := int(float64(q.currentTarget) * 0.9)
		if shrunk >= q.currentTarget {
			shrunk = q.currentTarget - 1
		}
		if shrunk < q.minBatch {
			shrunk = q.minBatch
		}
		q.currentTarget = shrunk
	}
}

// MarkCompleted records a successfully processed entry in the bounded
// completed history.
func (q *Queue) MarkCompleted(entry model.LogEntry) {
	entry.Status = model.StatusCompleted
	entry.ProcessingFinished = time.Now().UTC()
	q.processedTotal.Add(1)
	q.putHistory(entry)
}

// MarkFailed applies the retry policy: while retry_count < max_retries the
// entry is placed back at its band with status retrying; otherwise it
// transitions permanently to failed and is retained in history only.
func (q *Queue) MarkFailed(entry model.LogEntry, errMsg string) FailOutcome {
	entry.LastError = errMsg
	if entry.MaxRetries <= 0 {
		entry.MaxRetries = q.maxRetries
	}
	if entry.RetryCount < entry.MaxRetries {
		entry.RetryCount++
		entry.Status = model.StatusRetrying
		b := &q.bands[entry.Priority-1]
		b.mu.Lock()
		b.items = append(b.items, entry)
		b.mu.Unlock()
		q.totalSize.Add(1)
		q.metrics.EntriesRetriedTotal.Inc()
		select {
		case q.notify <- struct{}{}:
		default:
		}
		return Requeued
	}

	entry.Status = model.StatusFailed
	entry.ProcessingFinished = time.Now().UTC()
	q.failedTotal.Add(1)
	q.metrics.EntriesQuarantinedTotal.Inc()
	q.putHistory(entry)
	return Permanent
}

func (q *Queue) putHistory(entry model.LogEntry) {
	q.historyMu.Lock()
	defer q.historyMu.Unlock()
	q.history[entry.EntryID] = historyRecord{entry: entry, expiresAt: time.Now().Add(q.historyTTL)}
}

// History returns the retained completed/failed record for entryID, if any
// remains within the retention window.
func (q *Queue) History(entryID string) (model.LogEntry, bool) {
	q.historyMu.Lock()
	defer q.historyMu.Unlock()
	rec, ok := q.history[entryID]
	return rec.entry, ok
}

// Stats returns a point-in-time snapshot of queue health.
func (q *Queue) Stats() Stats {
	var s Stats
	for i := range q.bands {
		q.bands[i].mu.Lock()
		s.SizeByBand[i] = len(q.bands[i].items)
		q.bands[i].mu.Unlock()
		s.TotalSize += s.SizeByBand[i]
	}
	s.Dropped = q.droppedTotal.Load()
	s.Processed = q.processedTotal.Load()
	s.Failed = q.failedTotal.Load()
	s.AvgBatchSize = q.currentTargetSize()
	s.Backpressure = q.backpressureOn.Load()
	return s
}

func priorityLabel(p model.Priority) string {
	switch p {
	case model.PriorityCritical:
		return "critical"
	case model.PriorityHigh:
		return "high"
	case model.PriorityMedium:
		return "medium"
	case model.PriorityLow:
		return "low"
	case model.PriorityBulk:
		return "bulk"
	default:
		return "unknown"
	}
}
