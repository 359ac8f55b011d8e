package sqlite

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqltocb/internal/row"
	"sqltocb/internal/source"
)

// newCatalog opens a named shared-cache in-memory database so the pool can
// hold more than one connection.
func newCatalog(tb testing.TB, ddl ...string) *source.SQLCatalog {
	tb.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(tb.Name())
	cat, err := Open(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = cat.Close() })
	for _, stmt := range ddl {
		_, err := cat.DB().Exec(stmt)
		require.NoError(tb, err, stmt)
	}
	return cat
}

func TestCatalog_TablesAndKeys(t *testing.T) {
	cat := newCatalog(t,
		`CREATE TABLE Product (ProductID INTEGER PRIMARY KEY, Name TEXT NOT NULL)`,
		`CREATE TABLE OrderLine (OrderID INTEGER, LineNumber INTEGER, Qty INTEGER, PRIMARY KEY (OrderID, LineNumber))`,
		`CREATE TABLE Log (Message TEXT)`,
		`CREATE VIEW ProductNames AS SELECT Name FROM Product`,
	)
	ctx := context.Background()

	tables, err := cat.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []source.Table{
		{Schema: Schema, Name: "Log"},
		{Schema: Schema, Name: "OrderLine"},
		{Schema: Schema, Name: "Product"},
	}, tables)

	copyTables, err := source.CopyTables(ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, tables, copyTables)

	pk, err := cat.PrimaryKey(ctx, Schema, "OrderLine")
	require.NoError(t, err)
	assert.Equal(t, []string{"OrderID", "LineNumber"}, pk)

	pk, err = cat.PrimaryKey(ctx, Schema, "Product")
	require.NoError(t, err)
	assert.Equal(t, []string{"ProductID"}, pk)

	pk, err = cat.PrimaryKey(ctx, Schema, "Log")
	require.NoError(t, err)
	assert.Empty(t, pk)
	assert.NotNil(t, pk)
}

func TestCatalog_Indexes(t *testing.T) {
	cat := newCatalog(t,
		`CREATE TABLE Person (ID INTEGER PRIMARY KEY, First TEXT, Last TEXT, Email TEXT)`,
		`CREATE INDEX IX_Person_Name ON Person (Last, First)`,
		`CREATE UNIQUE INDEX IX_Person_Email ON Person (Email)`,
	)

	idx, err := cat.Indexes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []source.Index{
		{Name: "IX_Person_Email", Schema: Schema, Table: "Person", Columns: []string{"Email"}},
		{Name: "IX_Person_Name", Schema: Schema, Table: "Person", Columns: []string{"Last", "First"}},
	}, idx)
}

func TestCatalog_Stream(t *testing.T) {
	cat := newCatalog(t,
		`CREATE TABLE Address (AddressID INTEGER PRIMARY KEY, AddressLine1 TEXT, Rate REAL, Note TEXT)`,
		`INSERT INTO Address VALUES (1, '1 Main Blvd.', 1.5, NULL), (2, '2 Side St', 2, 'x')`,
	)
	ctx := context.Background()

	var got []*row.Row
	err := cat.Stream(ctx, cat.Dialect().SelectAll(Schema, "Address", 0), func(r *row.Row) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, []string{"AddressID", "AddressLine1", "Rate", "Note"}, got[0].Keys())
	id, _ := got[0].Get("AddressID")
	assert.Equal(t, int64(1), id)
	line, _ := got[0].Get("AddressLine1")
	assert.Equal(t, "1 Main Blvd.", line)
	note, ok := got[0].Get("Note")
	assert.True(t, ok)
	assert.Nil(t, note)

	// Rows are independent values.
	got[0].Set("AddressID", int64(99))
	id, _ = got[1].Get("AddressID")
	assert.Equal(t, int64(2), id)

	limited := 0
	require.NoError(t, cat.Stream(ctx, cat.Dialect().SelectAll(Schema, "Address", 1), func(*row.Row) error {
		limited++
		return nil
	}))
	assert.Equal(t, 1, limited)
}

func TestCatalog_StreamStopsOnCallbackError(t *testing.T) {
	cat := newCatalog(t,
		`CREATE TABLE T (ID INTEGER PRIMARY KEY)`,
		`INSERT INTO T VALUES (1), (2), (3)`,
	)
	boom := fmt.Errorf("boom")
	n := 0
	err := cat.Stream(context.Background(), `SELECT * FROM T`, func(*row.Row) error {
		n++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestCatalog_NoPrincipals(t *testing.T) {
	cat := newCatalog(t)
	ctx := context.Background()

	p, err := cat.Principals(ctx)
	require.NoError(t, err)
	assert.Empty(t, p)

	perms, err := cat.Permissions(ctx, "anyone")
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestFactoryRegistration(t *testing.T) {
	assert.Contains(t, source.ListKinds(), "sqlite")

	cat, err := source.New(context.Background(), source.Config{Kind: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer cat.Close()
	assert.Equal(t, "sqlite", cat.Dialect().Name())
}
