// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from a migration run.
//
// Callers record through the package-level helpers; the installed Backend
// defaults to a no-op, so instrumentation is always safe to call. Concrete
// systems live in subpackages (prompush, datadog) and are installed once at
// startup with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the helpers.
const (
	StageTotal           = "sqltocb_stage_total"
	StageDurationSeconds = "sqltocb_stage_duration_seconds"
	RowsTotal            = "sqltocb_rows_total"
)

// Row kinds accepted by RecordRows.
const (
	RowsRead     = "read"
	RowsSkipped  = "skipped"
	RowsWritten  = "written"
	RowsFailed   = "failed"
	RowsEmbedded = "embedded"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStage counts one orchestrator stage execution and its duration.
func RecordStage(job, stage string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"job":    job,
		"stage":  stage,
		"status": status,
	}
	b := current()
	b.IncCounter(StageTotal, 1, lbls)
	b.ObserveHistogram(StageDurationSeconds, d.Seconds(), lbls)
}

// RecordRows adds n to the row counter of table for kind (RowsRead, ...).
func RecordRows(job, table, kind string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{
		"job":   job,
		"table": table,
		"kind":  kind,
	})
}
