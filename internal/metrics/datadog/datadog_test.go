package datadog

import (
	"testing"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqltocb/internal/metrics"
)

type count struct {
	name  string
	value int64
	tags  []string
}

// recorder captures Count and Histogram calls.
type recorder struct {
	statsd.NoOpClient
	counts []count
	hists  []string
	closed bool
}

func (r *recorder) Count(name string, value int64, tags []string, rate float64) error {
	r.counts = append(r.counts, count{name, value, tags})
	return nil
}

func (r *recorder) Histogram(name string, value float64, tags []string, rate float64) error {
	r.hists = append(r.hists, name)
	return nil
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func TestNewBackend(t *testing.T) {
	_, err := NewBackend(Config{})
	require.Error(t, err)

	b, err := NewBackend(Config{Addr: "127.0.0.1:8125", Namespace: "sqltocb.", GlobalTags: []string{"env:test"}})
	require.NoError(t, err)
	require.NoError(t, b.Flush())
}

func TestBackend_Forwards(t *testing.T) {
	rec := &recorder{}
	b := &Backend{client: rec}

	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(&Backend{}) })

	metrics.RecordRows("aw", "Sales.Customer", metrics.RowsWritten, 3)
	metrics.RecordStage("aw", "copy_data", nil, time.Second)

	require.Len(t, rec.counts, 2)
	assert.Equal(t, count{metrics.RowsTotal, 3, []string{"job:aw", "kind:written", "table:Sales.Customer"}}, rec.counts[0])
	assert.Equal(t, []string{metrics.StageDurationSeconds}, rec.hists)

	require.NoError(t, b.Flush())
	assert.True(t, rec.closed)
}

func TestZeroBackendIsSafe(t *testing.T) {
	b := &Backend{}
	b.IncCounter("x", 1, nil)
	b.ObserveHistogram("x", 1, nil)
	assert.NoError(t, b.Flush())
	assert.Nil(t, labelsToTags(nil))
}
