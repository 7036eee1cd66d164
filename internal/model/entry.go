package model

import "time"

// Priority is the queue's five-band scheduling class. Lower numeric value
// schedules earlier; CRITICAL always drains before BULK.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
	PriorityBulk     Priority = 5
)

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityBulk }

// EntryStatus tracks a LogEntry through the queue and pipeline.
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusCompleted  EntryStatus = "completed"
	StatusFailed     EntryStatus = "failed"
	StatusRetrying   EntryStatus = "retrying"
)

// MaxLineBytes is the truncation cap for a single LogEntry's content.
const MaxLineBytes = 10000

// TruncationMarker is appended to content that exceeded MaxLineBytes.
const TruncationMarker = "... [truncated]"

// LogEntry is one line of log content produced by the tailer. It is owned
// by the priority queue until completion, then referenced (read-only) by
// the error handler for failed entries until retry exhaustion.
type LogEntry struct {
	EntryID           string      `json:"entry_id"`
	Content           string      `json:"content"`
	SourceName        string      `json:"source_name"`
	SourcePath        string      `json:"source_path"`
	Timestamp         time.Time   `json:"timestamp"`
	Priority          Priority    `json:"priority"`
	FileOffset        int64       `json:"file_offset"`
	Status            EntryStatus `json:"status"`
	RetryCount        int         `json:"retry_count"`
	MaxRetries        int         `json:"max_retries"`
	LastError         string      `json:"last_error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	ProcessingStarted time.Time   `json:"processing_started,omitzero"`
	ProcessingFinished time.Time  `json:"processing_finished,omitzero"`
}

// TruncateContent applies the spec §3 truncation rule in place and reports
// whether truncation occurred.
func TruncateContent(line string) (string, bool) {
	if len(line) <= MaxLineBytes {
		return line, false
	}
	cut := MaxLineBytes - len(TruncationMarker)
	if cut < 0 {
		cut = 0
	}
	return line[:cut] + TruncationMarker, true
}
