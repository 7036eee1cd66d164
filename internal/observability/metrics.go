// Package observability — metrics.go
//
// Prometheus metrics for the vigil ingestion engine.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: vigil_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - source_name is used as a label only on counts, never combined with
//     per-entry labels.
//   - entry_id / subscriber_id are NEVER used as labels (unbounded
//     cardinality).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for vigil.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Tailer ────────────────────────────────────────────────────────────

	// LinesReadTotal counts lines read from tailed files.
	// Labels: source_name
	LinesReadTotal *prometheus.CounterVec

	// BytesReadTotal counts bytes read from tailed files.
	// Labels: source_name
	BytesReadTotal *prometheus.CounterVec

	// TruncatedLinesTotal counts lines truncated for exceeding max_line_bytes.
	TruncatedLinesTotal *prometheus.CounterVec

	// RotationsDetectedTotal counts file rotation events handled.
	RotationsDetectedTotal *prometheus.CounterVec

	// OpenFileHandles is the current number of held file descriptors.
	OpenFileHandles prometheus.Gauge

	// ─── Queue ─────────────────────────────────────────────────────────────

	// QueueDepth is the current queue depth. Labels: priority
	QueueDepth *prometheus.GaugeVec

	// EntriesAdmittedTotal counts entries admitted to the queue. Labels: priority
	EntriesAdmittedTotal *prometheus.CounterVec

	// EntriesRejectedTotal counts entries rejected under backpressure.
	// Labels: priority, reason
	EntriesRejectedTotal *prometheus.CounterVec

	// EntriesRetriedTotal counts retry attempts.
	EntriesRetriedTotal prometheus.Counter

	// EntriesQuarantinedTotal counts entries quarantined after exhausting retries.
	EntriesQuarantinedTotal prometheus.Counter

	// BatchSizeHistogram records the adaptive batch sizes chosen by take_batch.
	BatchSizeHistogram prometheus.Histogram

	// ─── Pipeline ──────────────────────────────────────────────────────────

	// BatchesProcessedTotal counts batches completed by pipeline workers.
	BatchesProcessedTotal prometheus.Counter

	// AnalysisLatency records per-entry analyzer latency (one observation
	// per Analyze call).
	AnalysisLatency prometheus.Histogram

	// AnalysisErrorsTotal counts analyzer failures.
	AnalysisErrorsTotal prometheus.Counter

	// ─── Broadcast ─────────────────────────────────────────────────────────

	// EventsBroadcastTotal counts events delivered to at least one subscriber.
	// Labels: event_type
	EventsBroadcastTotal *prometheus.CounterVec

	// EventsThrottledTotal counts events suppressed by a throttle rule.
	// Labels: event_type
	EventsThrottledTotal *prometheus.CounterVec

	// ActiveSubscribers is the current number of connected subscribers.
	ActiveSubscribers prometheus.Gauge

	// SubscriberDetachedTotal counts subscribers detached (heartbeat
	// timeout, read error, or explicit close).
	SubscriberDetachedTotal prometheus.Counter

	// CatchupBufferDroppedTotal counts events evicted from a subscriber's
	// catch-up buffer for exceeding its capacity. The buffer fills while
	// the subscriber is detached, or while attached if its transport
	// refuses a send. Distinct from SubscriberDetachedTotal, which counts
	// detach events only.
	CatchupBufferDroppedTotal prometheus.Counter

	// ─── Transport ─────────────────────────────────────────────────────────

	// FramesSentTotal counts WebSocket frames written.
	FramesSentTotal prometheus.Counter

	// HeartbeatMissedTotal counts missed pong responses.
	HeartbeatMissedTotal prometheus.Counter

	// ─── Error handler ─────────────────────────────────────────────────────

	// ErrorsRecordedTotal counts classified errors. Labels: category, severity
	ErrorsRecordedTotal *prometheus.CounterVec

	// ErrorSpikesDetectedTotal counts error_spike_detected events raised.
	ErrorSpikesDetectedTotal prometheus.Counter

	// ─── Rate limiter ──────────────────────────────────────────────────────

	// RequestsAllowedTotal counts requests admitted by the limiter.
	RequestsAllowedTotal prometheus.Counter

	// RequestsThrottledTotal counts requests denied by the limiter.
	RequestsThrottledTotal prometheus.Counter

	// ClientsBlockedTotal counts clients transitioned to blocked state.
	ClientsBlockedTotal prometheus.Counter

	// ─── Audit ─────────────────────────────────────────────────────────────

	// AuditEntriesWrittenTotal counts audit entries durably flushed.
	AuditEntriesWrittenTotal prometheus.Counter

	// AuditFlushLatency records batch flush latency to the store.
	AuditFlushLatency prometheus.Histogram

	// ─── Storage ───────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageSourcesTracked is the current number of configured sources.
	StorageSourcesTracked prometheus.Gauge

	// ─── Agent ─────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the agent started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all vigil Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		LinesReadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "tailer",
			Name:      "lines_read_total",
			Help:      "Total lines read from tailed files, by source.",
		}, []string{"source_name"}),

		BytesReadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "tailer",
			Name:      "bytes_read_total",
			Help:      "Total bytes read from tailed files, by source.",
		}, []string{"source_name"}),

		TruncatedLinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "tailer",
			Name:      "truncated_lines_total",
			Help:      "Total lines truncated for exceeding the maximum line length.",
		}, []string{"source_name"}),

		RotationsDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "tailer",
			Name:      "rotations_detected_total",
			Help:      "Total file rotation events handled, by source.",
		}, []string{"source_name"}),

		OpenFileHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "tailer",
			Name:      "open_file_handles",
			Help:      "Current number of held file descriptors.",
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current queue depth, by priority band.",
		}, []string{"priority"}),

		EntriesAdmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "queue",
			Name:      "entries_admitted_total",
			Help:      "Total entries admitted to the queue, by priority band.",
		}, []string{"priority"}),

		EntriesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "queue",
			Name:      "entries_rejected_total",
			Help:      "Total entries rejected, by priority band and reason.",
		}, []string{"priority", "reason"}),

		EntriesRetriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "queue",
			Name:      "entries_retried_total",
			Help:      "Total retry attempts across all entries.",
		}),

		EntriesQuarantinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "queue",
			Name:      "entries_quarantined_total",
			Help:      "Total entries quarantined after exhausting their retry budget.",
		}),

		BatchSizeHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "queue",
			Name:      "batch_size",
			Help:      "Distribution of adaptive batch sizes chosen by take_batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		BatchesProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "pipeline",
			Name:      "batches_processed_total",
			Help:      "Total batches completed by pipeline workers.",
		}),

		AnalysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "pipeline",
			Name:      "analysis_latency_seconds",
			Help:      "Per-entry analyzer latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AnalysisErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "pipeline",
			Name:      "analysis_errors_total",
			Help:      "Total analyzer invocation failures.",
		}),

		EventsBroadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Total events delivered to at least one subscriber, by event type.",
		}, []string{"event_type"}),

		EventsThrottledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "broadcast",
			Name:      "events_throttled_total",
			Help:      "Total events suppressed by a throttle rule, by event type.",
		}, []string{"event_type"}),

		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "broadcast",
			Name:      "active_subscribers",
			Help:      "Current number of connected subscribers.",
		}),

		SubscriberDetachedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "broadcast",
			Name:      "subscriber_detached_total",
			Help:      "Total subscribers detached (heartbeat timeout, read error, or explicit close).",
		}),

		CatchupBufferDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "broadcast",
			Name:      "catchup_buffer_dropped_total",
			Help:      "Total events evicted from a subscriber's catch-up buffer for exceeding capacity.",
		}),

		FramesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Total WebSocket frames written to subscribers.",
		}),

		HeartbeatMissedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "transport",
			Name:      "heartbeat_missed_total",
			Help:      "Total missed pong responses across all subscribers.",
		}),

		ErrorsRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "errhandler",
			Name:      "errors_recorded_total",
			Help:      "Total classified errors, by category and severity.",
		}, []string{"category", "severity"}),

		ErrorSpikesDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "errhandler",
			Name:      "spikes_detected_total",
			Help:      "Total error_spike_detected events raised.",
		}),

		RequestsAllowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "ratelimit",
			Name:      "requests_allowed_total",
			Help:      "Total requests admitted by the rate limiter.",
		}),

		RequestsThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "ratelimit",
			Name:      "requests_throttled_total",
			Help:      "Total requests denied by the rate limiter.",
		}),

		ClientsBlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "ratelimit",
			Name:      "clients_blocked_total",
			Help:      "Total clients transitioned to blocked state.",
		}),

		AuditEntriesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "audit",
			Name:      "entries_written_total",
			Help:      "Total audit entries durably flushed to the store.",
		}),

		AuditFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "audit",
			Name:      "flush_latency_seconds",
			Help:      "Audit batch flush latency to the store, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageSourcesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "storage",
			Name:      "sources_tracked",
			Help:      "Current number of configured log sources in the store.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.LinesReadTotal,
		m.BytesReadTotal,
		m.TruncatedLinesTotal,
		m.RotationsDetectedTotal,
		m.OpenFileHandles,
		m.QueueDepth,
		m.EntriesAdmittedTotal,
		m.EntriesRejectedTotal,
		m.EntriesRetriedTotal,
		m.EntriesQuarantinedTotal,
		m.BatchSizeHistogram,
		m.BatchesProcessedTotal,
		m.AnalysisLatency,
		m.AnalysisErrorsTotal,
		m.EventsBroadcastTotal,
		m.EventsThrottledTotal,
		m.ActiveSubscribers,
		m.SubscriberDetachedTotal,
		m.CatchupBufferDroppedTotal,
		m.FramesSentTotal,
		m.HeartbeatMissedTotal,
		m.ErrorsRecordedTotal,
		m.ErrorSpikesDetectedTotal,
		m.RequestsAllowedTotal,
		m.RequestsThrottledTotal,
		m.ClientsBlockedTotal,
		m.AuditEntriesWrittenTotal,
		m.AuditFlushLatency,
		m.StorageWriteLatency,
		m.StorageSourcesTracked,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
