package copier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqltocb/internal/keys"
	"sqltocb/internal/naming"
	"sqltocb/internal/pipeline"
	"sqltocb/internal/row"
	"sqltocb/internal/source"
	"sqltocb/internal/source/fakesource"
	"sqltocb/internal/target"
	"sqltocb/internal/target/memory"
)

type fixture struct {
	cat   *fakesource.Catalog
	store *memory.Store
	namer *naming.Namer
	pipes *pipeline.Registry
	logs  *syncBuffer
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newFixture(t *testing.T, collections ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New("AdventureWorks")
	require.NoError(t, st.CreateBucket(ctx))
	require.NoError(t, st.WaitReady(ctx, time.Second))
	for _, c := range collections {
		require.NoError(t, st.CreateCollection(ctx, target.Keyspace{Scope: memory.DefaultScope, Collection: c}))
	}
	return &fixture{
		cat:   fakesource.New(),
		store: st,
		namer: naming.New(naming.Config{}),
		pipes: pipeline.NewRegistry(),
		logs:  &syncBuffer{},
	}
}

func (f *fixture) engine(opts Options) *Engine {
	log := zerolog.New(f.logs)
	return New(f.cat, f.store, f.namer, f.pipes, keys.NewResolver(f.cat, log), log, opts)
}

func ks(coll string) target.Keyspace {
	return target.Keyspace{Scope: memory.DefaultScope, Collection: coll}
}

func customers(n int) []*row.Row {
	out := make([]*row.Row, n)
	for i := range out {
		out[i] = row.FromPairs("CustomerID", int64(i+1), "AccountNumber", fmt.Sprintf("AW%08d", i+1))
	}
	return out
}

func TestCopyTable_WritesDocuments(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Sales_Customer")
	f.cat.AddTable("Sales", "Customer", []string{"CustomerID"}, customers(3)...)

	st, err := f.engine(Options{}).CopyTable(context.Background(), source.Table{Schema: "Sales", Name: "Customer"})
	require.NoError(t, err)
	assert.Equal(t, Stats{Read: 3, Written: 3}, st)

	assert.Equal(t, []string{"1", "2", "3"}, f.store.Keys(ks("Sales_Customer")))
	doc := f.store.Doc(ks("Sales_Customer"), "2")
	require.NotNil(t, doc)
	acct, _ := doc.Get("AccountNumber")
	assert.Equal(t, "AW00000002", acct)
	assert.Contains(t, f.logs.String(), "copy: table done")
}

func TestCopyTable_RowFailureDoesNotStopTable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Sales_Customer")
	f.cat.AddTable("Sales", "Customer", []string{"CustomerID"}, customers(3)...)
	boom := errors.New("temporary failure")
	f.store.FailKey(ks("Sales_Customer"), "2", boom)

	var failed []*RowError
	st, err := f.engine(Options{OnRowError: func(e *RowError) { failed = append(failed, e) }}).
		CopyTable(context.Background(), source.Table{Schema: "Sales", Name: "Customer"})
	require.NoError(t, err)

	assert.Equal(t, Stats{Read: 3, Written: 2, Failed: 1}, st)
	assert.Equal(t, []string{"1", "3"}, f.store.Keys(ks("Sales_Customer")))

	require.Len(t, failed, 1)
	assert.Equal(t, "2", failed[0].Key)
	assert.ErrorIs(t, failed[0], boom)
	assert.Equal(t, naming.TableID{Schema: "Sales", Table: "Customer"}, failed[0].Table)

	logs := f.logs.String()
	assert.Contains(t, logs, `"key":"2"`)
	assert.Contains(t, logs, `"row":{"CustomerID":2,"AccountNumber":"AW00000002"}`)
	assert.Contains(t, logs, "temporary failure")
}

func TestCopyTable_PipelineFilterAndTransform(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Sales_Customer")
	f.cat.AddTable("Sales", "Customer", []string{"CustomerID"}, customers(4)...)

	require.NoError(t, f.pipes.Register(pipeline.Func{
		Base: pipeline.Default("Sales", "Customer"),
		IncludeFunc: func(r *row.Row) bool {
			id, _ := r.Get("CustomerID")
			return id.(int64)%2 == 0
		},
		TransformFunc: func(r *row.Row) (*row.Row, error) {
			id, _ := r.Get("CustomerID")
			if id.(int64) == 4 {
				return nil, errors.New("bad row")
			}
			r.Set("Migrated", true)
			return r, nil
		},
	}))

	st, err := f.engine(Options{}).CopyTable(context.Background(), source.Table{Schema: "Sales", Name: "Customer"})
	require.NoError(t, err)
	assert.Equal(t, Stats{Read: 4, Skipped: 2, Written: 1, Failed: 1}, st)

	doc := f.store.Doc(ks("Sales_Customer"), "2")
	require.NotNil(t, doc)
	migrated, _ := doc.Get("Migrated")
	assert.Equal(t, true, migrated)
}

type fakeTracker struct {
	mu       sync.Mutex
	added    int
	finished bool
}

func (f *fakeTracker) Add(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added += n
	return nil
}

func (f *fakeTracker) Finish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
	return nil
}

func TestCopyTable_Progress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Sales_Customer")
	f.cat.AddTable("Sales", "Customer", []string{"CustomerID"}, customers(5)...)

	tr := &fakeTracker{}
	var trackedTable string
	_, err := f.engine(Options{ProgressEvery: 2, NewTracker: func(table string) Tracker {
		trackedTable = table
		return tr
	}}).CopyTable(context.Background(), source.Table{Schema: "Sales", Name: "Customer"})
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(f.logs.String(), "copy: progress"))
	assert.Equal(t, "Sales.Customer", trackedTable)
	assert.Equal(t, 5, tr.added)
	assert.True(t, tr.finished)
}

func TestCopyTable_ProgressCountsAttemptedWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Sales_Customer")
	f.cat.AddTable("Sales", "Customer", []string{"CustomerID"}, customers(6)...)
	f.store.FailKey(ks("Sales_Customer"), "6", errors.New("timeout"))
	require.NoError(t, f.pipes.Register(pipeline.Func{
		Base: pipeline.Default("Sales", "Customer"),
		IncludeFunc: func(r *row.Row) bool {
			id, _ := r.Get("CustomerID")
			return id.(int64)%2 == 0
		},
	}))

	tr := &fakeTracker{}
	st, err := f.engine(Options{ProgressEvery: 2, NewTracker: func(string) Tracker { return tr }}).
		CopyTable(context.Background(), source.Table{Schema: "Sales", Name: "Customer"})
	require.NoError(t, err)
	assert.Equal(t, Stats{Read: 6, Skipped: 3, Written: 2, Failed: 1}, st)

	logs := f.logs.String()
	assert.Equal(t, 1, strings.Count(logs, "copy: progress"))
	assert.Contains(t, logs, `"rows":"2","written":"2"`)
	assert.Equal(t, 3, tr.added)
	assert.True(t, tr.finished)
}

func TestCopyTable_KeylessAndCompound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Sales_SalesOrderDetail", "ErrorLog")
	f.cat.AddTable("Sales", "SalesOrderDetail", []string{"SalesOrderID", "SalesOrderDetailID"},
		row.FromPairs("SalesOrderID", int64(43659), "SalesOrderDetailID", int64(1)),
		row.FromPairs("SalesOrderID", int64(43659), "SalesOrderDetailID", int64(2)))
	f.cat.AddTable("dbo", "ErrorLog", nil, row.FromPairs("Message", "a"), row.FromPairs("Message", "a"))

	e := f.engine(Options{})
	_, err := e.Run(context.Background(), []source.Table{
		{Schema: "Sales", Name: "SalesOrderDetail"},
		{Schema: "dbo", Name: "ErrorLog"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"43659::1", "43659::2"}, f.store.Keys(ks("Sales_SalesOrderDetail")))
	assert.Len(t, f.store.Keys(ks("ErrorLog")), 2, "keyless rows get distinct generated keys")
}

func TestRun_TableFailureIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "A", "B", "C")
	f.cat.AddTable("dbo", "A", []string{"ID"}, row.FromPairs("ID", 1), row.FromPairs("ID", 2))
	f.cat.AddTable("dbo", "B", []string{"ID"}, row.FromPairs("ID", 1), row.FromPairs("ID", 2))
	f.cat.AddTable("dbo", "C", []string{"ID"}, row.FromPairs("ID", 1))
	cursorErr := errors.New("cursor lost")
	f.cat.FailRow(fakesource.Dialect.SelectAll("dbo", "B", 0), 1, cursorErr)

	st, err := f.engine(Options{Workers: 3}).Run(context.Background(), []source.Table{
		{Schema: "dbo", Name: "A"}, {Schema: "dbo", Name: "B"}, {Schema: "dbo", Name: "C"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cursorErr)
	assert.Contains(t, err.Error(), "dbo.B")

	assert.Equal(t, int64(4), st.Written)
	assert.Len(t, f.store.Keys(ks("A")), 2)
	assert.Len(t, f.store.Keys(ks("B")), 1)
	assert.Len(t, f.store.Keys(ks("C")), 1)
}

func TestRun_SampleMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Sales_Customer")
	f.cat.AddTable("Sales", "Customer", []string{"CustomerID"}, customers(10)...)

	st, err := f.engine(Options{SampleRows: 3}).Run(context.Background(), []source.Table{{Schema: "Sales", Name: "Customer"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Written)
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Sales_Customer")
	f.cat.AddTable("Sales", "Customer", []string{"CustomerID"}, customers(2)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine(Options{}).Run(ctx, []source.Table{{Schema: "Sales", Name: "Customer"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.store.Keys(ks("Sales_Customer")))
}
