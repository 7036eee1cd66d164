// Package audit buffers AuditEntry writes in front of the durable store.
// The hash-chaining itself lives in store.BoltStore — this package is only
// the batching layer, built on github.com/joeycumines/go-microbatch so a
// burst of control-plane mutations becomes a handful of transactions
// instead of one fsync per entry. In synchronous mode the batcher is
// bypassed and each Write is its own transaction.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-microbatch"
	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
	"github.com/vigil/vigil/internal/store"
)

func newEntryID() string { return uuid.NewString() }

// Config mirrors config.AuditConfig.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	Synchronous   bool
}

// Sink buffers and flushes AuditEntry writes.
type Sink struct {
	st      store.Store
	cfg     Config
	metrics *observability.Metrics
	log     *zap.Logger
	batcher *microbatch.Batcher[model.AuditEntry]
}

// New constructs a Sink. When cfg.Synchronous is true, Write appends each
// entry to the store directly and returns once it is durable, trading
// latency for stronger delivery guarantees on security-relevant mutations;
// otherwise entries are batched by BufferSize and FlushInterval.
func New(st store.Store, cfg Config, m *observability.Metrics, log *zap.Logger) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	s := &Sink{st: st, cfg: cfg, metrics: m, log: log}
	s.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        cfg.BufferSize,
		FlushInterval:  cfg.FlushInterval,
		MaxConcurrency: 1,
	}, s.flush)
	return s
}

func (s *Sink) flush(ctx context.Context, entries []model.AuditEntry) error {
	start := time.Now()
	err := s.st.AppendAuditBatch(ctx, entries)
	s.metrics.AuditFlushLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.log.Error("audit batch flush failed", zap.Error(err), zap.Int("count", len(entries)))
		return err
	}
	s.metrics.AuditEntriesWrittenTotal.Add(float64(len(entries)))
	return nil
}

// Write records entry. If cfg.Synchronous, it appends the entry to the
// store in its own transaction and returns once it is durable; otherwise
// it submits the entry for buffered flush and returns without waiting.
func (s *Sink) Write(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = newEntryID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if s.cfg.Synchronous {
		return s.flush(ctx, []model.AuditEntry{entry})
	}
	_, err := s.batcher.Submit(ctx, entry)
	return err
}

// Close flushes any pending batch and stops the batcher.
func (s *Sink) Close() error {
	return s.batcher.Close()
}

// ListAudit proxies to the store for read access (audit:read permission is
// enforced by the caller, not this package).
func (s *Sink) ListAudit(ctx context.Context, since, until time.Time) ([]model.AuditEntry, error) {
	return s.st.ListAudit(ctx, since, until)
}
