// SPDX-License-Identifier: Apache-2.0
// Package errors provides the closed failure taxonomy shared by every
// Conduit component: connection management, circuit breaking, retry and
// stream coordination all speak in these categories.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category classifies a failure for retry and circuit decisions.
type Category string

const (
	// CategoryNetwork indicates a transport-level connectivity failure.
	CategoryNetwork Category = "NETWORK"

	// CategoryTimeout indicates an operation exceeded its deadline.
	CategoryTimeout Category = "TIMEOUT"

	// CategoryAuthentication indicates rejected credentials. Retrying with
	// the same credentials is pointless.
	CategoryAuthentication Category = "AUTHENTICATION"

	// CategoryProtocol indicates a malformed or unexpected message on the
	// wire. Requires a config or version fix, not a retry.
	CategoryProtocol Category = "PROTOCOL"

	// CategoryServerError indicates the remote side failed internally.
	CategoryServerError Category = "SERVER_ERROR"

	// CategoryResourceExhaustion indicates a resource limit was hit
	// (file descriptors, memory, server capacity).
	CategoryResourceExhaustion Category = "RESOURCE_EXHAUSTION"

	// CategoryRateLimit indicates the server is throttling the client.
	CategoryRateLimit Category = "RATE_LIMITED"

	// CategoryCancelled indicates the operation was interrupted on purpose.
	// Not an error: never retried, never counted against circuit health.
	CategoryCancelled Category = "CANCELLED"

	// CategoryUnknown is the safety default for unclassified failures.
	CategoryUnknown Category = "UNKNOWN"
)

// Severity orders failures by operational impact.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// traits fixes the severity, retryability and user-facing message per
// category. The table is the single source of truth: Classify and New
// both consult it.
type traits struct {
	severity  Severity
	retryable bool
	message   string
}

var categoryTraits = map[Category]traits{
	CategoryNetwork:            {SeverityMedium, true, "Network connection failed. Check your connection and try again."},
	CategoryTimeout:            {SeverityMedium, true, "Request timed out. The server may be under heavy load."},
	CategoryAuthentication:     {SeverityCritical, false, "Authentication failed. Check your credentials."},
	CategoryProtocol:           {SeverityHigh, false, "Protocol error. The server sent an unexpected response."},
	CategoryServerError:        {SeverityHigh, true, "Server error occurred. Please try again later."},
	CategoryResourceExhaustion: {SeverityHigh, true, "Resource limit reached. Please try again in a moment."},
	CategoryRateLimit:          {SeverityMedium, true, "Rate limit exceeded. Waiting before the next attempt."},
	CategoryCancelled:          {SeverityLow, false, "Operation was cancelled."},
	CategoryUnknown:            {SeverityMedium, true, "An unexpected error occurred."},
}

// Retryable reports whether the category is mechanically recoverable
// through retry/backoff.
func (c Category) Retryable() bool {
	return categoryTraits[c].retryable
}

// DefaultSeverity returns the fixed severity for the category.
func (c Category) DefaultSeverity() Severity {
	return categoryTraits[c].severity
}

// UserMessage returns the human-readable message the UI layer renders
// for the category.
func (c Category) UserMessage() string {
	return categoryTraits[c].message
}

// Error is a classified failure with context for observability.
// It implements the error interface and supports errors.As/Is via Unwrap.
type Error struct {
	Category  Category
	Severity  Severity
	Message   string
	Server    string
	Err       error
	Context   map[string]any
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Category  string         `json:"category"`
		Severity  string         `json:"severity"`
		Message   string         `json:"message"`
		Server    string         `json:"server,omitempty"`
		Err       string         `json:"error,omitempty"`
		Retryable bool           `json:"retryable"`
		Context   map[string]any `json:"context,omitempty"`
	}{
		Category:  string(e.Category),
		Severity:  e.Severity.String(),
		Message:   e.Message,
		Server:    e.Server,
		Err:       errString(e.Err),
		Retryable: e.Retryable,
		Context:   e.Context,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// New creates an Error with severity and retryability fixed by the
// category table.
func New(category Category, msg string, cause error) *Error {
	t := categoryTraits[category]
	return &Error{
		Category:  category,
		Severity:  t.severity,
		Message:   msg,
		Err:       cause,
		Retryable: t.retryable,
	}
}

// WithServer records the originating server name.
// Returns the error for method chaining.
func (e *Error) WithServer(name string) *Error {
	e.Server = name
	return e
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the category default retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Record freezes the error into an immutable Record for metrics history.
func (e *Error) Record() Record {
	return Record{
		Category:  e.Category,
		Severity:  e.Severity,
		Server:    e.Server,
		Timestamp: time.Now(),
		Message:   e.Message,
		Retryable: e.Retryable,
	}
}

// Record is an immutable snapshot of a classified failure. Records are
// appended to the time-windowed history in the metrics package and never
// mutated afterwards.
type Record struct {
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Server    string    `json:"server,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// IsCancelled reports whether err classifies as a deliberate interruption.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Category == CategoryCancelled
}
