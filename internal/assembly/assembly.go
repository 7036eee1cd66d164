// Package assembly wires every vigil component into one running system:
// construction in dependency order, start in that order, stop in reverse.
// Grounded on the teacher's cmd/octoreflex/main.go startup sequence,
// generalized from a single flat main() into a reusable type so cmd/vigil
// stays a thin entrypoint.
package assembly

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/analyzer"
	"github.com/vigil/vigil/internal/audit"
	"github.com/vigil/vigil/internal/auth"
	"github.com/vigil/vigil/internal/broadcast"
	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/errhandler"
	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
	"github.com/vigil/vigil/internal/parser"
	"github.com/vigil/vigil/internal/pipeline"
	"github.com/vigil/vigil/internal/queue"
	"github.com/vigil/vigil/internal/ratelimit"
	"github.com/vigil/vigil/internal/sandbox"
	"github.com/vigil/vigil/internal/store"
	"github.com/vigil/vigil/internal/tailer"
	"github.com/vigil/vigil/internal/transport"
)

// System holds every constructed component and manages its lifecycle.
type System struct {
	cfg *config.Config
	log *zap.Logger

	Store     store.Store
	Sandbox   *sandbox.Sandbox
	Auth      *auth.Manager
	Queue     *queue.Queue
	Tailer    *tailer.Tailer
	Errors    *errhandler.Handler
	RateLimit *ratelimit.Limiter
	Audit     *audit.Sink
	Broadcast *broadcast.Broadcaster
	Pipeline  *pipeline.Worker
	Transport *transport.Server

	metrics    *observability.Metrics
	httpServer *http.Server
	wg         sync.WaitGroup
}

// eventSinkAdapter satisfies both pipeline.EventSink and errhandler.Sink
// with the broadcaster's Broadcast method, avoiding a direct dependency
// from either package on broadcast.
type eventSinkAdapter struct{ b *broadcast.Broadcaster }

func (a eventSinkAdapter) Broadcast(update model.EventUpdate) { a.b.Broadcast(update) }

// Build constructs every component in dependency order: store, sandbox,
// auth, queue, tailer, broadcaster, error handler, rate limiter, audit,
// pipeline, transport. Nothing is started yet.
func Build(cfg *config.Config, log *zap.Logger) (*System, error) {
	m := observability.NewMetrics()

	st, err := store.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("assembly.Build: open store: %w", err)
	}

	sb := sandbox.New(cfg.Sandbox.AllowRoots, cfg.Sandbox.DenyRoots, cfg.Sandbox.Strict)

	authMgr := auth.NewManager(st, cfg.Session.Timeout, cfg.Session.IdleTimeout)

	q := queue.New(queue.Config{
		Capacity:              cfg.Queue.Capacity,
		BackpressureThreshold: cfg.Queue.BackpressureThreshold,
		MinBatch:              cfg.Queue.MinBatch,
		MaxBatch:              cfg.Queue.MaxBatch,
		TargetBatchDuration:   cfg.Queue.TargetBatchDuration,
		MaxRetries:            cfg.Queue.MaxRetries,
		HistoryRetention:      cfg.Queue.HistoryRetention,
	}, m, log)

	tl, err := tailer.New(cfg.Tailer, sb, st, q, m, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("assembly.Build: construct tailer: %w", err)
	}

	broadcaster := buildBroadcaster(cfg, m, log)

	errHandler := errhandler.New(errhandler.Config{
		RingSize:               cfg.ErrorHandler.RingSize,
		PatternCheckInterval:   cfg.ErrorHandler.PatternCheckInterval,
		PatternWindow:          cfg.ErrorHandler.PatternWindow,
		SpikeTotalThreshold:    cfg.ErrorHandler.SpikeTotalThreshold,
		SpikeCriticalThreshold: cfg.ErrorHandler.SpikeCriticalThreshold,
		ComponentFailureRatio:  cfg.ErrorHandler.ComponentFailureRatio,
	}, eventSinkAdapter{broadcaster}, m, log)

	limiter := ratelimit.New(ratelimit.Config{
		PerMinuteLimit:      cfg.RateLimit.PerMinuteLimit,
		BurstLimit:          cfg.RateLimit.BurstLimit,
		BurstWindow:         cfg.RateLimit.BurstWindow,
		SuspiciousThreshold: cfg.RateLimit.SuspiciousThreshold,
		BlockedThreshold:    cfg.RateLimit.BlockedThreshold,
		BlockDuration:       cfg.RateLimit.BlockDuration,
		ViolationWindow:     cfg.RateLimit.ViolationWindow,
	}, m, log)

	auditSink := audit.New(st, audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		FlushInterval: cfg.Audit.FlushInterval,
		Synchronous:   cfg.Audit.Synchronous,
	}, m, log)

	worker := pipeline.New(pipeline.Config{
		MaxConcurrentBatches: cfg.Pipeline.MaxConcurrentBatches,
		BatchMaxN:            cfg.Pipeline.BatchMaxN,
		BatchMaxWait:         cfg.Pipeline.BatchMaxWait,
		AnalyzerTimeout:      cfg.Pipeline.AnalyzerTimeout,
	}, q, parser.New(), analyzer.New(0.3), st, eventSinkAdapter{broadcaster}, errHandler, m, log)

	transportSrv := transport.New(transport.Config{
		ListenAddr:          cfg.Transport.ListenAddr,
		HeartbeatInterval:   cfg.Transport.HeartbeatInterval,
		HeartbeatTimeout:    cfg.Transport.HeartbeatTimeout,
		MaxMissedHeartbeats: cfg.Transport.MaxMissedHeartbeats,
		WriteTimeout:        cfg.Transport.WriteTimeout,
	}, broadcaster, authMgr, m, log)
	transportSrv.SetRateLimiter(limiter)

	return &System{
		cfg: cfg, log: log,
		Store: st, Sandbox: sb, Auth: authMgr, Queue: q, Tailer: tl,
		Errors: errHandler, RateLimit: limiter, Audit: auditSink,
		Broadcast: broadcaster, Pipeline: worker, Transport: transportSrv,
		metrics: m,
	}, nil
}

func buildBroadcaster(cfg *config.Config, m *observability.Metrics, log *zap.Logger) *broadcast.Broadcaster {
	rules := make(map[model.EventType]time.Duration, len(cfg.Broadcast.ThrottleRules))
	for k, v := range cfg.Broadcast.ThrottleRules {
		rules[model.EventType(k)] = v
	}
	return broadcast.New(rules, m, log)
}

// Start launches every background goroutine in dependency order: queue,
// tailer, error handler sweep, pipeline workers, session sweep, transport
// HTTP server, metrics server. The audit flush loop is implicit in
// go-microbatch and needs no start call.
func (s *System) Start(ctx context.Context) error {
	s.Queue.Start(ctx)
	s.Tailer.Start(ctx)
	s.Errors.Start(ctx)
	s.Pipeline.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Auth.Sweep(ctx, s.cfg.Session.SweepInterval)
	}()

	s.httpServer = &http.Server{Addr: s.cfg.Transport.ListenAddr, Handler: s.Transport}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("transport server error", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metrics.ServeMetrics(ctx, s.cfg.Observability.MetricsAddr); err != nil {
			s.log.Error("metrics server error", zap.Error(err))
		}
	}()

	s.log.Info("vigil system started",
		zap.String("transport_addr", s.cfg.Transport.ListenAddr),
		zap.String("metrics_addr", s.cfg.Observability.MetricsAddr))
	return nil
}

// Stop shuts down components in reverse dependency order and waits up to
// drain for background goroutines to exit.
func (s *System) Stop(drain time.Duration) {
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}

	s.Pipeline.Stop()
	s.Tailer.Stop()

	if err := s.Audit.Close(); err != nil {
		s.log.Warn("audit sink close error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		s.log.Warn("shutdown drain timeout — forcing exit")
	}

	if err := s.Store.Close(); err != nil {
		s.log.Warn("store close error", zap.Error(err))
	}
	s.log.Info("vigil system stopped")
}

// CreateSource validates and persists a new monitored source, then hands
// it to the tailer so watching starts without a restart. This is the
// plain-Go form of SPEC_FULL §6's control surface — a future transport
// (HTTP, gRPC, Unix socket) calls it directly rather than this package
// binding to any one wire format itself.
func (s *System) CreateSource(ctx context.Context, src model.LogSourceConfig) error {
	return s.Tailer.AddSource(ctx, src)
}

// UpdateSource persists changes to an existing source and refreshes the
// tailer's view of it (enable/disable, priority, polling interval).
// AddSource upserts: an existing source keeps its recorded offset so an
// update never re-reads already-processed bytes.
func (s *System) UpdateSource(ctx context.Context, src model.LogSourceConfig) error {
	return s.Tailer.AddSource(ctx, src)
}

// DeleteSource stops watching a source and removes its persisted config.
func (s *System) DeleteSource(ctx context.Context, name string) error {
	return s.Tailer.RemoveSource(ctx, name)
}

// ListSources returns every configured source.
func (s *System) ListSources(ctx context.Context) ([]model.LogSourceConfig, error) {
	return s.Store.ListSources(ctx)
}

// QueryAudit returns audit entries in [since, until), delegating straight
// to the store — the audit sink only buffers writes, not reads.
func (s *System) QueryAudit(ctx context.Context, since, until time.Time) ([]model.AuditEntry, error) {
	return s.Store.ListAudit(ctx, since, until)
}

// HealthStatus summarizes component health for a read-only health check.
type HealthStatus struct {
	QueueDepth      int
	ActiveSessions  int
	SubscriberCount int
}

// Health reports a point-in-time snapshot of system health.
func (s *System) Health() HealthStatus {
	return HealthStatus{
		QueueDepth:      s.Queue.Stats().TotalSize,
		ActiveSessions:  s.Auth.ActiveSessionCount(),
		SubscriberCount: s.Broadcast.SubscriberCount(),
	}
}

// Reload applies a freshly loaded, validated config's sandbox settings
// (allow roots, deny roots, strict mode) to the running sandbox and keeps
// the new config. No other field reaches a running component: thresholds,
// limits, log level and throttle rules keep their startup values, and
// destructive fields (storage path, transport/metrics listen addresses)
// require a restart.
func (s *System) Reload(newCfg *config.Config) {
	s.Sandbox.Update(newCfg.Sandbox.AllowRoots, newCfg.Sandbox.DenyRoots, newCfg.Sandbox.Strict)
	s.cfg = newCfg
	s.log.Info("config hot-reload applied",
		zap.Strings("sandbox_allow_roots", newCfg.Sandbox.AllowRoots),
		zap.Strings("sandbox_deny_roots", newCfg.Sandbox.DenyRoots))
}
