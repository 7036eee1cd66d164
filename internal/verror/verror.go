// Package verror defines the typed error taxonomy shared by every vigil
// component boundary. Components never let a bare error cross a boundary;
// they wrap it in an Error carrying a Category and Severity so the error
// handler can classify it without re-deriving intent from a message string.
package verror

import (
	"errors"
	"fmt"
)

// Category is the closed taxonomy from spec §7.
type Category string

const (
	CategoryParsing       Category = "parsing"
	CategoryValidation    Category = "validation"
	CategoryDatabase      Category = "database"
	CategoryTransport     Category = "transport"
	CategoryAnalysis      Category = "analysis"
	CategorySystem        Category = "system"
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
)

// Severity is the closed severity scale from spec §7.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error is the typed value passed to the error handler at every component
// boundary. Component is the subsystem that raised it (e.g. "tailer",
// "queue"); EntryID, when non-empty, ties the error back to a LogEntry.
type Error struct {
	Category  Category
	Severity  Severity
	Component string
	EntryID   string
	Context   map[string]any
	Err       error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Component, e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given category/component. Severity defaults are
// assigned by the error handler's classifier, not here — callers at the
// boundary know the category, not the operational severity.
func New(category Category, component string, err error) *Error {
	return &Error{Category: category, Component: component, Err: err}
}

// WithEntry attaches the originating LogEntry id.
func (e *Error) WithEntry(entryID string) *Error {
	e.EntryID = entryID
	return e
}

// WithContext attaches free-form diagnostic context.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

// As reports whether err is, or wraps, a *verror.Error, returning it.
func As(err error) (*Error, bool) {
	var v *Error
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
