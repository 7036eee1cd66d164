// Package config provides configuration loading, validation, and hot-reload
// for the vigil ingestion engine.
//
// Configuration file: /etc/vigil/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only. Of these, only the sandbox
//     allow/deny roots and strict flag are applied to the running system;
//     thresholds, limits, log level and throttle rules keep their startup
//     values until restart.
//   - Destructive changes (storage path, transport listen address, metrics
//     bind address) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges are enforced (batch sizes, priorities, TTLs).
//   - File paths must be absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for vigil.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this vigil instance in audit entries and logs.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Tailer configures file discovery and tailing.
	Tailer TailerConfig `yaml:"tailer"`

	// Queue configures the bounded priority queue.
	Queue QueueConfig `yaml:"queue"`

	// Pipeline configures the analysis worker pool.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Broadcast configures event fan-out to subscribers.
	Broadcast BroadcastConfig `yaml:"broadcast"`

	// Transport configures the subscriber push connection.
	Transport TransportConfig `yaml:"transport"`

	// ErrorHandler configures classification, retry, and pattern detection.
	ErrorHandler ErrorHandlerConfig `yaml:"error_handler"`

	// RateLimit configures the per-client rate limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Audit configures the append-only audit sink.
	Audit AuditConfig `yaml:"audit"`

	// Sandbox configures the path allow/deny roots.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Storage configures the BoltDB persistent store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Session configures principal session expiry.
	Session SessionConfig `yaml:"session"`
}

// TailerConfig holds file discovery and tailing parameters.
type TailerConfig struct {
	// MaxSources is checked to be >= 1 at load but is not enforced: adding
	// a source does not compare the number of enabled sources against it.
	// Default: 256.
	MaxSources int `yaml:"max_sources"`

	// MaxOpenFiles is checked to be >= 1 at load but is not enforced: the
	// tailer keeps one open handle per source and evicts no idle handles.
	// Default: 512.
	MaxOpenFiles int `yaml:"max_open_files"`

	// DebounceInterval coalesces rapid successive modify events for one
	// path. Create events are never debounced. Default: 100ms.
	DebounceInterval time.Duration `yaml:"debounce_interval"`

	// SweepInterval is the periodic retry sweep for sources stuck in error
	// state (e.g. file temporarily missing) and for sources with unread
	// bytes left after the queue rejected a line. Default: 60s.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxLineBytes caps a single emitted line before truncation.
	// Default: 10000.
	MaxLineBytes int `yaml:"max_line_bytes"`
}

// QueueConfig holds bounded priority queue parameters.
type QueueConfig struct {
	// Capacity is the total number of entries the queue may hold across
	// all five priority bands. Default: 50000.
	Capacity int `yaml:"capacity"`

	// BackpressureThreshold is the fraction of Capacity at which
	// admission of Medium, Low and Bulk priority entries is shed; Critical
	// and High are still admitted until Capacity. Default: 0.8.
	BackpressureThreshold float64 `yaml:"backpressure_threshold"`

	// MinBatch/MaxBatch bound the adaptive batch size chosen by
	// take_batch. Defaults: 10, 500.
	MinBatch int `yaml:"min_batch"`
	MaxBatch int `yaml:"max_batch"`

	// TargetBatchDuration is the adaptive batcher's latency target —
	// batch size grows or shrinks to keep drain time near this value.
	// Default: 1s.
	TargetBatchDuration time.Duration `yaml:"target_batch_duration"`

	// MaxRetries is the default retry budget for an admitted entry before
	// quarantine. Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// HistoryRetention is how long completed/failed entries remain
	// queryable before eviction. Default: 24h.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// PipelineConfig holds analysis worker pool parameters.
type PipelineConfig struct {
	// MaxConcurrentBatches bounds the number of batches analyzed at once.
	// Default: 8.
	MaxConcurrentBatches int `yaml:"max_concurrent_batches"`

	// BatchMaxN/BatchMaxWait bound a single take_batch call issued by a
	// worker. Defaults: 100, 500ms.
	BatchMaxN    int           `yaml:"batch_max_n"`
	BatchMaxWait time.Duration `yaml:"batch_max_wait"`

	// AnalyzerTimeout bounds a single analyzer invocation; exceeding it
	// is treated as an analysis error. Default: 10s.
	AnalyzerTimeout time.Duration `yaml:"analyzer_timeout"`
}

// BroadcastConfig holds fan-out parameters.
type BroadcastConfig struct {
	// MaxSubscribers is checked to be >= 1 at load but is not enforced: the
	// transport does not count connections against it. Default: 10000.
	MaxSubscribers int `yaml:"max_subscribers"`

	// CatchupBufferSize is checked to be >= 1 at load but is not read: each
	// subscriber's replay buffer is bounded by model.CatchupCap (100).
	// Default: 100.
	CatchupBufferSize int `yaml:"catchup_buffer_size"`

	// ThrottleRules maps an event_type name to the minimum interval
	// between successful broadcasts of that type. Absent types are
	// unthrottled. Direct sends bypass throttling entirely.
	ThrottleRules map[string]time.Duration `yaml:"throttle_rules"`
}

// TransportConfig holds subscriber push connection parameters.
type TransportConfig struct {
	// ListenAddr is the WebSocket transport bind address.
	// Default: 0.0.0.0:8443.
	ListenAddr string `yaml:"listen_addr"`

	// HeartbeatInterval is the ping cadence. Default: 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long to wait for a pong before counting a
	// missed heartbeat. Default: 10s.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// MaxMissedHeartbeats disconnects a subscriber after this many
	// consecutive missed pongs. Default: 2.
	MaxMissedHeartbeats int `yaml:"max_missed_heartbeats"`

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ErrorHandlerConfig holds classification and pattern detection parameters.
type ErrorHandlerConfig struct {
	// RingSize is the capacity of the in-memory error history ring used
	// for spike/pattern detection. Default: 10000.
	RingSize int `yaml:"ring_size"`

	// PatternCheckInterval is how often the ring is scanned for spikes.
	// Default: 1m.
	PatternCheckInterval time.Duration `yaml:"pattern_check_interval"`

	// PatternWindow is the lookback window for spike/pattern detection.
	// Default: 5m.
	PatternWindow time.Duration `yaml:"pattern_window"`

	// SpikeTotalThreshold is the error count within PatternWindow that
	// triggers an error_spike_detected event. Default: 20.
	SpikeTotalThreshold int `yaml:"spike_total_threshold"`

	// SpikeCriticalThreshold is the critical-severity count within
	// PatternWindow that triggers a critical_error_pattern event.
	// Default: 3.
	SpikeCriticalThreshold int `yaml:"spike_critical_threshold"`

	// ComponentFailureRatio is the fraction of unrecovered errors among one
	// component's last 100 recorded errors above which a
	// component_recovery_attempt event is emitted. Default: 0.5.
	ComponentFailureRatio float64 `yaml:"component_failure_ratio"`
}

// RateLimitConfig holds per-client limiter parameters. The limiter merges
// what was, in the original design, two separate gates (HTTP middleware and
// security-module limiter) into one instance keyed by client identifier.
type RateLimitConfig struct {
	// PerMinuteLimit is the steady-state token bucket capacity, refilled
	// continuously at PerMinuteLimit/60 tokens per second. Default: 600.
	PerMinuteLimit int `yaml:"per_minute_limit"`

	// BurstLimit is the maximum requests allowed within BurstWindow.
	// Default: 20.
	BurstLimit int `yaml:"burst_limit"`

	// BurstWindow is the sliding window over which BurstLimit applies.
	// Default: 10s.
	BurstWindow time.Duration `yaml:"burst_window"`

	// SuspiciousThreshold is the violation count within ViolationWindow
	// that marks a client suspicious (logged, not yet blocked).
	// Default: 5.
	SuspiciousThreshold int `yaml:"suspicious_threshold"`

	// BlockedThreshold is the violation count within ViolationWindow that
	// blocks a client outright. Default: 20.
	BlockedThreshold int `yaml:"blocked_threshold"`

	// BlockDuration is how long a blocked client stays blocked.
	// Default: 30m.
	BlockDuration time.Duration `yaml:"block_duration"`

	// ViolationWindow is the lookback window used to prune old violation
	// timestamps before evaluating SuspiciousThreshold/BlockedThreshold.
	// Default: 10m.
	ViolationWindow time.Duration `yaml:"violation_window"`
}

// AuditConfig holds audit sink buffering parameters.
type AuditConfig struct {
	// BufferSize is the number of entries batched before a flush.
	// Default: 100.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval forces a flush of a partial batch. Default: 5s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Synchronous, when true, blocks the caller of Write until the
	// entry is durably written rather than merely buffered.
	// Default: true.
	Synchronous bool `yaml:"synchronous"`
}

// SandboxConfig holds path allow/deny root parameters.
type SandboxConfig struct {
	// AllowRoots is the set of absolute directory prefixes a source path
	// must resolve under. Default: ["/var/log"].
	AllowRoots []string `yaml:"allow_roots"`

	// DenyRoots is checked before AllowRoots and always wins.
	// Default: ["/etc", "/proc", "/sys", "/boot", "/root"].
	DenyRoots []string `yaml:"deny_roots"`

	// Strict, when true, rejects paths containing symlinks anywhere in
	// their resolved chain rather than only rejecting escapes.
	// Default: false.
	Strict bool `yaml:"strict"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/vigil/vigil.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the audit log retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// SessionConfig holds principal session expiry parameters.
type SessionConfig struct {
	// Timeout is the absolute session lifetime from login. Default: 8h.
	Timeout time.Duration `yaml:"timeout"`

	// IdleTimeout is handed to the session manager, which stores it but
	// does not expire sessions for inactivity; sessions end at Timeout,
	// on Revoke, or on a sweep after Timeout. Default: 30m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often expired sessions are purged.
	// Default: 5m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Tailer: TailerConfig{
			MaxSources:       256,
			MaxOpenFiles:     512,
			DebounceInterval: 100 * time.Millisecond,
			SweepInterval:    60 * time.Second,
			MaxLineBytes:     10000,
		},
		Queue: QueueConfig{
			Capacity:              50000,
			BackpressureThreshold: 0.8,
			MinBatch:              10,
			MaxBatch:              500,
			TargetBatchDuration:   time.Second,
			MaxRetries:            3,
			HistoryRetention:      24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentBatches: 8,
			BatchMaxN:            100,
			BatchMaxWait:         500 * time.Millisecond,
			AnalyzerTimeout:      10 * time.Second,
		},
		Broadcast: BroadcastConfig{
			MaxSubscribers:    10000,
			CatchupBufferSize: 100,
			ThrottleRules:     map[string]time.Duration{},
		},
		Transport: TransportConfig{
			ListenAddr:          "0.0.0.0:8443",
			HeartbeatInterval:   30 * time.Second,
			HeartbeatTimeout:    10 * time.Second,
			MaxMissedHeartbeats: 2,
			WriteTimeout:        10 * time.Second,
		},
		ErrorHandler: ErrorHandlerConfig{
			RingSize:               10000,
			PatternCheckInterval:   time.Minute,
			PatternWindow:          5 * time.Minute,
			SpikeTotalThreshold:    20,
			SpikeCriticalThreshold: 3,
			ComponentFailureRatio:  0.5,
		},
		RateLimit: RateLimitConfig{
			PerMinuteLimit:      600,
			BurstLimit:          20,
			BurstWindow:         10 * time.Second,
			SuspiciousThreshold: 5,
			BlockedThreshold:    20,
			BlockDuration:       30 * time.Minute,
			ViolationWindow:     10 * time.Minute,
		},
		Audit: AuditConfig{
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
			Synchronous:   true,
		},
		Sandbox: SandboxConfig{
			AllowRoots: []string{"/var/log"},
			DenyRoots:  []string{"/etc", "/proc", "/sys", "/boot", "/root"},
			Strict:     false,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Session: SessionConfig{
			Timeout:       8 * time.Hour,
			IdleTimeout:   30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
	}
}

// DefaultDBPath mirrors the store package constant for use in config defaults.
const DefaultDBPath = "/var/lib/vigil/vigil.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Tailer.MaxSources < 1 {
		errs = append(errs, fmt.Sprintf("tailer.max_sources must be >= 1, got %d", cfg.Tailer.MaxSources))
	}
	if cfg.Tailer.MaxOpenFiles < 1 {
		errs = append(errs, fmt.Sprintf("tailer.max_open_files must be >= 1, got %d", cfg.Tailer.MaxOpenFiles))
	}
	if cfg.Tailer.MaxLineBytes < 1 {
		errs = append(errs, fmt.Sprintf("tailer.max_line_bytes must be >= 1, got %d", cfg.Tailer.MaxLineBytes))
	}
	if cfg.Queue.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("queue.capacity must be >= 1, got %d", cfg.Queue.Capacity))
	}
	if cfg.Queue.BackpressureThreshold <= 0 || cfg.Queue.BackpressureThreshold > 1 {
		errs = append(errs, fmt.Sprintf("queue.backpressure_threshold must be in (0, 1], got %f", cfg.Queue.BackpressureThreshold))
	}
	if cfg.Queue.MinBatch < 1 || cfg.Queue.MaxBatch < cfg.Queue.MinBatch {
		errs = append(errs, fmt.Sprintf("queue.min_batch/max_batch must satisfy 1 <= min_batch(%d) <= max_batch(%d)",
			cfg.Queue.MinBatch, cfg.Queue.MaxBatch))
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, "queue.max_retries must be >= 0")
	}
	if cfg.Pipeline.MaxConcurrentBatches < 1 {
		errs = append(errs, fmt.Sprintf("pipeline.max_concurrent_batches must be >= 1, got %d", cfg.Pipeline.MaxConcurrentBatches))
	}
	if cfg.Pipeline.BatchMaxN < 1 {
		errs = append(errs, "pipeline.batch_max_n must be >= 1")
	}
	if cfg.Broadcast.MaxSubscribers < 1 {
		errs = append(errs, "broadcast.max_subscribers must be >= 1")
	}
	if cfg.Broadcast.CatchupBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("broadcast.catchup_buffer_size must be >= 1, got %d", cfg.Broadcast.CatchupBufferSize))
	}
	if cfg.Transport.MaxMissedHeartbeats < 1 {
		errs = append(errs, "transport.max_missed_heartbeats must be >= 1")
	}
	if cfg.ErrorHandler.RingSize < 1 {
		errs = append(errs, "error_handler.ring_size must be >= 1")
	}
	if cfg.ErrorHandler.ComponentFailureRatio < 0 || cfg.ErrorHandler.ComponentFailureRatio > 1 {
		errs = append(errs, "error_handler.component_failure_ratio must be in [0, 1]")
	}
	if cfg.RateLimit.PerMinuteLimit < 1 {
		errs = append(errs, fmt.Sprintf("rate_limit.per_minute_limit must be >= 1, got %d", cfg.RateLimit.PerMinuteLimit))
	}
	if cfg.RateLimit.BurstLimit < 1 {
		errs = append(errs, fmt.Sprintf("rate_limit.burst_limit must be >= 1, got %d", cfg.RateLimit.BurstLimit))
	}
	if cfg.RateLimit.BlockedThreshold < cfg.RateLimit.SuspiciousThreshold {
		errs = append(errs, "rate_limit.blocked_threshold must be >= suspicious_threshold")
	}
	if cfg.Audit.BufferSize < 1 {
		errs = append(errs, fmt.Sprintf("audit.buffer_size must be >= 1, got %d", cfg.Audit.BufferSize))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	for _, root := range cfg.Sandbox.AllowRoots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Sprintf("sandbox.allow_roots entry %q must be absolute", root))
		}
	}
	for _, root := range cfg.Sandbox.DenyRoots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Sprintf("sandbox.deny_roots entry %q must be absolute", root))
		}
	}
	if cfg.Session.Timeout < time.Minute {
		errs = append(errs, "session.timeout must be >= 1m")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
