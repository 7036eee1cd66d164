package queue

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
)

func newTestQueue(capacity int, threshold float64) *Queue {
	return New(Config{
		Capacity:              capacity,
		BackpressureThreshold: threshold,
		MinBatch:              10,
		MaxBatch:              50,
		TargetBatchDuration:   time.Second,
		MaxRetries:            3,
		HistoryRetention:      time.Hour,
	}, observability.NewMetrics(), zap.NewNop())
}

func entryAt(priority model.Priority) model.LogEntry {
	return model.LogEntry{EntryID: "e", Priority: priority, Content: "x", MaxRetries: 3}
}

// Scenario 2: capacity 10, backpressure threshold 0.8 -> below-HIGH entries
// are shed once 8 entries are resident, while HIGH/CRITICAL keep flowing.
func TestQueue_BackpressureShedsLowPriorityOnly(t *testing.T) {
	q := newTestQueue(10, 0.8)

	for i := 0; i < 8; i++ {
		e := entryAt(model.PriorityBulk)
		e.EntryID = "bulk"
		if res := q.Admit(e); res != Accepted {
			t.Fatalf("admit %d under threshold = %v, want Accepted", i, res)
		}
	}

	if res := q.Admit(entryAt(model.PriorityBulk)); res != RejectedBackpressure {
		t.Fatalf("admit bulk at threshold = %v, want RejectedBackpressure", res)
	}
	if res := q.Admit(entryAt(model.PriorityCritical)); res != Accepted {
		t.Fatalf("admit critical at threshold = %v, want Accepted", res)
	}

	if res := q.Admit(entryAt(model.PriorityCritical)); res != Accepted {
		t.Fatalf("admit critical fill = %v, want Accepted", res)
	}
	if res := q.Admit(entryAt(model.PriorityCritical)); res != RejectedFull {
		t.Fatalf("admit at full capacity = %v, want RejectedFull", res)
	}
}

func TestQueue_TakeBatchDrainsByPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(100, 0.8)

	low := entryAt(model.PriorityLow)
	low.EntryID = "low-1"
	q.Admit(low)

	high := entryAt(model.PriorityHigh)
	high.EntryID = "high-1"
	q.Admit(high)

	crit := entryAt(model.PriorityCritical)
	crit.EntryID = "crit-1"
	q.Admit(crit)

	batch := q.TakeBatch(10, 10*time.Millisecond)
	if len(batch) != 3 {
		t.Fatalf("batch length = %d, want 3", len(batch))
	}
	if batch[0].EntryID != "crit-1" || batch[1].EntryID != "high-1" || batch[2].EntryID != "low-1" {
		t.Fatalf("drain order = %v, want critical, high, low", []string{batch[0].EntryID, batch[1].EntryID, batch[2].EntryID})
	}
}

func TestQueue_MarkFailedRequeuesUntilRetryExhausted(t *testing.T) {
	q := newTestQueue(100, 0.8)

	e := entryAt(model.PriorityMedium)
	e.EntryID = "retry-me"
	e.MaxRetries = 1

	outcome := q.MarkFailed(e, "boom")
	if outcome != Requeued {
		t.Fatalf("first failure outcome = %v, want Requeued", outcome)
	}
	batch := q.TakeBatch(10, 10*time.Millisecond)
	if len(batch) != 1 || batch[0].RetryCount != 1 || batch[0].Status != model.StatusProcessing {
		t.Fatalf("requeued entry = %+v, want retry_count=1 status=processing", batch[0])
	}

	outcome = q.MarkFailed(batch[0], "boom again")
	if outcome != Permanent {
		t.Fatalf("second failure outcome = %v, want Permanent", outcome)
	}

	rec, ok := q.History("retry-me")
	if !ok || rec.Status != model.StatusFailed {
		t.Fatalf("history record = %+v ok=%v, want status=failed", rec, ok)
	}

	stats := q.Stats()
	if stats.Failed != 1 {
		t.Fatalf("stats.Failed = %d, want 1", stats.Failed)
	}
}

func TestQueue_MarkCompletedRecordsHistory(t *testing.T) {
	q := newTestQueue(100, 0.8)
	e := entryAt(model.PriorityMedium)
	e.EntryID = "done"
	q.MarkCompleted(e)

	rec, ok := q.History("done")
	if !ok || rec.Status != model.StatusCompleted {
		t.Fatalf("history record = %+v ok=%v, want status=completed", rec, ok)
	}
	if q.Stats().Processed != 1 {
		t.Fatalf("stats.Processed = %d, want 1", q.Stats().Processed)
	}
}
