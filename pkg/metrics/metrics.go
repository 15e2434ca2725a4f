// SPDX-License-Identifier: Apache-2.0

// Package metrics keeps a windowed in-memory history of classified
// errors for health reporting, optionally mirrored to OpenTelemetry.
package metrics

import (
	"sync"
	"time"

	cerrors "github.com/nvela/conduit/pkg/errors"
)

const (
	defaultRetention   = time.Hour
	recentHistoryLimit = 10
)

// HealthReport summarizes recorded errors for dashboards.
type HealthReport struct {
	TotalErrors   int                      `json:"total_errors"`
	ByCategory    map[cerrors.Category]int `json:"by_category"`
	ByServer      map[string]int           `json:"by_server"`
	RecentHistory []cerrors.Record         `json:"recent_history"`
}

// Option configures ErrorMetrics.
type Option func(*ErrorMetrics)

// WithRetention sets how long records are kept.
func WithRetention(d time.Duration) Option {
	return func(em *ErrorMetrics) {
		if d > 0 {
			em.retention = d
		}
	}
}

// WithEmitter mirrors each record to an OpenTelemetry emitter.
func WithEmitter(e *OTelEmitter) Option {
	return func(em *ErrorMetrics) { em.emitter = e }
}

// ErrorMetrics is an append-only error history pruned by age. Writes
// are O(1) amortized: pruning happens lazily on the next write, never
// on reads, and nothing here blocks callers on I/O.
type ErrorMetrics struct {
	retention time.Duration
	emitter   *OTelEmitter

	mu      sync.Mutex
	records []cerrors.Record

	now func() time.Time
}

// New creates an ErrorMetrics with the given options.
func New(opts ...Option) *ErrorMetrics {
	em := &ErrorMetrics{
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(em)
	}
	return em
}

// Record appends one classified error. Cancelled records are dropped:
// interruptions are not failures and must never show up in any window
// count. Safe on a nil receiver.
func (em *ErrorMetrics) Record(rec cerrors.Record) {
	if em == nil || rec.Category == cerrors.CategoryCancelled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = em.now()
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	em.pruneLocked()
	em.records = append(em.records, rec)
	em.emitter.RecordError(rec)
}

// CountInWindow counts records within the window matching category and
// server; the empty value of either selector matches everything.
func (em *ErrorMetrics) CountInWindow(category cerrors.Category, server string, window time.Duration) int {
	if em == nil {
		return 0
	}
	cutoff := em.now().Add(-window)

	em.mu.Lock()
	defer em.mu.Unlock()

	n := 0
	for _, rec := range em.records {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		if category != "" && rec.Category != category {
			continue
		}
		if server != "" && rec.Server != server {
			continue
		}
		n++
	}
	return n
}

// HealthReport aggregates everything still inside the retention window.
func (em *ErrorMetrics) HealthReport() HealthReport {
	report := HealthReport{
		ByCategory: make(map[cerrors.Category]int),
		ByServer:   make(map[string]int),
	}
	if em == nil {
		return report
	}

	cutoff := em.now().Add(-em.retention)

	em.mu.Lock()
	defer em.mu.Unlock()

	for _, rec := range em.records {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		report.TotalErrors++
		report.ByCategory[rec.Category]++
		if rec.Server != "" {
			report.ByServer[rec.Server]++
		}
	}

	start := len(em.records) - recentHistoryLimit
	if start < 0 {
		start = 0
	}
	report.RecentHistory = append(report.RecentHistory, em.records[start:]...)
	return report
}

// pruneLocked drops records older than the retention period.
func (em *ErrorMetrics) pruneLocked() {
	cutoff := em.now().Add(-em.retention)
	i := 0
	for i < len(em.records) && em.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		em.records = append(em.records[:0:0], em.records[i:]...)
	}
}
