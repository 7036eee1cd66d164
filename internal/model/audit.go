package model

import "time"

// AuditEntry is an append-only record of a control-plane mutation or
// security-relevant event. HashPrev/Hash form the tamper-evident chain
// described in SPEC_FULL §4.10.
type AuditEntry struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	Severity      string         `json:"severity"`
	Timestamp     time.Time      `json:"timestamp"`
	UserID        string         `json:"user_id,omitempty"`
	Username      string         `json:"username,omitempty"`
	Role          Role           `json:"role,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Action        string         `json:"action"`
	Description   string         `json:"description"`
	OldValues     map[string]any `json:"old_values,omitempty"`
	NewValues     map[string]any `json:"new_values,omitempty"`
	Changes       []string       `json:"changes,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Success       bool           `json:"success"`
	ErrorMessage  string         `json:"error_message,omitempty"`

	HashPrev string `json:"hash_prev,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// DeriveChanges computes the set of keys whose values differ between
// oldValues and newValues, sorted for determinism.
func DeriveChanges(oldValues, newValues map[string]any) []string {
	seen := map[string]struct{}{}
	for k := range oldValues {
		seen[k] = struct{}{}
	}
	for k := range newValues {
		seen[k] = struct{}{}
	}
	var changed []string
	for k := range seen {
		ov, oOk := oldValues[k]
		nv, nOk := newValues[k]
		if oOk != nOk || !deepEqual(ov, nv) {
			changed = append(changed, k)
		}
	}
	return sortStrings(changed)
}

func deepEqual(a, b any) bool {
	// Values here are JSON-shaped scalars/maps decoded from config or
	// request bodies; a formatted-string comparison is sufficient and
	// avoids pulling in a reflection-heavy equality helper for this.
	return fmtAny(a) == fmtAny(b)
}
