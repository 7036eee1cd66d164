// Package store defines the durable-storage interface vigil's components
// depend on, and a BoltDB-backed implementation (see bolt.go).
package store

import (
	"context"
	"time"

	"github.com/vigil/vigil/internal/model"
)

// Store is the durable persistence boundary for vigil. Every mutation to
// monitored-source configuration, the audit log, or a user/session record
// goes through this interface; components hold a Store, never a *bolt.DB.
type Store interface {
	// PutSource writes or updates a source's persisted configuration,
	// including its last known offset for restart recovery.
	PutSource(ctx context.Context, src model.LogSourceConfig) error

	// GetSource retrieves a source by name. Returns (nil, nil) if absent.
	GetSource(ctx context.Context, name string) (*model.LogSourceConfig, error)

	// ListSources returns every configured source.
	ListSources(ctx context.Context) ([]model.LogSourceConfig, error)

	// DeleteSource removes a source's persisted configuration.
	DeleteSource(ctx context.Context, name string) error

	// AppendAudit durably writes one audit entry, chaining Hash to the
	// previous entry's Hash per the tamper-evident design.
	AppendAudit(ctx context.Context, entry model.AuditEntry) error

	// AppendAuditBatch durably writes entries in order within a single
	// transaction, used by the audit sink's buffered flush.
	AppendAuditBatch(ctx context.Context, entries []model.AuditEntry) error

	// ListAudit returns audit entries in chronological order, optionally
	// bounded to [since, until). A zero time.Time leaves that bound open.
	ListAudit(ctx context.Context, since, until time.Time) ([]model.AuditEntry, error)

	// LastAuditHash returns the Hash of the most recently written audit
	// entry, or "" if the log is empty. Used to seed chaining after
	// restart.
	LastAuditHash(ctx context.Context) (string, error)

	// PruneAudit deletes audit entries older than cutoff, returning the
	// count removed.
	PruneAudit(ctx context.Context, cutoff time.Time) (int, error)

	// PutUser writes or updates a user record (credentials hash + role).
	PutUser(ctx context.Context, u UserRecord) error

	// GetUser retrieves a user by username. Returns (nil, nil) if absent.
	GetUser(ctx context.Context, username string) (*UserRecord, error)

	// Close releases the underlying storage handle.
	Close() error
}

// UserRecord is the persisted form of a local account.
type UserRecord struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	Role         model.Role `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	Disabled     bool       `json:"disabled"`
}
