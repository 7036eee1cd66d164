package model

import (
	"time"

	"github.com/vigil/vigil/internal/verror"
)

// RecoveryAction is the action the error handler chose for an ErrorRecord.
type RecoveryAction string

const (
	RecoveryRetry      RecoveryAction = "retry"
	RecoverySkip       RecoveryAction = "skip"
	RecoveryQuarantine RecoveryAction = "quarantine"
	RecoveryFallback   RecoveryAction = "fallback"
	RecoveryEscalate   RecoveryAction = "escalate"
	RecoveryIgnore     RecoveryAction = "ignore"
)

// ErrorRecord is the durable, classified form of a verror.Error, kept in
// the error handler's bounded ring for pattern/spike detection.
type ErrorRecord struct {
	ErrorID            string
	Timestamp          time.Time
	Severity           verror.Severity
	Category           verror.Category
	Message            string
	EntryID            string
	Component          string
	Context            map[string]any
	RecoveryAction     RecoveryAction
	RecoveryAttempted  bool
	RecoverySuccessful bool
	RetryCount         int
	MaxRetries         int
}
