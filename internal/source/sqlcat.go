package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sqltocb/internal/row"
)

// Queries holds the catalog queries of a database/sql backend. PrimaryKey
// takes (schema, table) and Permissions takes (principal) as positional
// parameters in the backend's placeholder syntax. An empty Principals query
// means the backend has no principals to migrate.
//
// Indexes must return (index, schema, table, column) rows ordered by
// schema, table, index, key ordinal.
//
// CopyTables, when set, replaces Tables for the copy stage.
type Queries struct {
	Tables      string
	CopyTables  string
	PrimaryKey  string
	Indexes     string
	Principals  string
	Permissions string
}

// DecodeFunc converts a scanned driver value into the value stored on a row.
// The generic decoding is applied when it returns ok == false.
type DecodeFunc func(ct *sql.ColumnType, v any) (out any, ok bool)

// SQLCatalog implements Catalog over database/sql.
type SQLCatalog struct {
	db      *sql.DB
	dialect Dialect
	q       Queries
	decode  DecodeFunc
}

// NewSQLCatalog wraps an open *sql.DB. decode may be nil.
func NewSQLCatalog(db *sql.DB, d Dialect, q Queries, decode DecodeFunc) *SQLCatalog {
	return &SQLCatalog{db: db, dialect: d, q: q, decode: decode}
}

// DB exposes the pool for backend-specific helpers and tests.
func (c *SQLCatalog) DB() *sql.DB { return c.db }

// Dialect implements Catalog.
func (c *SQLCatalog) Dialect() Dialect { return c.dialect }

// Close implements Catalog.
func (c *SQLCatalog) Close() error { return c.db.Close() }

// Tables implements Catalog.
func (c *SQLCatalog) Tables(ctx context.Context) ([]Table, error) {
	return c.listTables(ctx, c.q.Tables)
}

// CopyTables implements CopyLister.
func (c *SQLCatalog) CopyTables(ctx context.Context) ([]Table, error) {
	if c.q.CopyTables == "" {
		return c.Tables(ctx)
	}
	return c.listTables(ctx, c.q.CopyTables)
}

func (c *SQLCatalog) listTables(ctx context.Context, query string) ([]Table, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PrimaryKey implements Catalog.
func (c *SQLCatalog) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	cols, err := c.queryStrings(ctx, c.q.PrimaryKey, schema, table)
	if err != nil {
		return nil, fmt.Errorf("primary key %s.%s: %w", schema, table, err)
	}
	return cols, nil
}

// Indexes implements Catalog.
func (c *SQLCatalog) Indexes(ctx context.Context) ([]Index, error) {
	if c.q.Indexes == "" {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx, c.q.Indexes)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()
	var out []Index
	for rows.Next() {
		var name, schema, table, col string
		if err := rows.Scan(&name, &schema, &table, &col); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		n := len(out)
		if n > 0 && out[n-1].Name == name && out[n-1].Schema == schema && out[n-1].Table == table {
			out[n-1].Columns = append(out[n-1].Columns, col)
			continue
		}
		out = append(out, Index{Name: name, Schema: schema, Table: table, Columns: []string{col}})
	}
	return out, rows.Err()
}

// Principals implements Catalog.
func (c *SQLCatalog) Principals(ctx context.Context) ([]string, error) {
	if c.q.Principals == "" {
		return nil, nil
	}
	out, err := c.queryStrings(ctx, c.q.Principals)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	return out, nil
}

// Permissions implements Catalog.
func (c *SQLCatalog) Permissions(ctx context.Context, principal string) ([]Permission, error) {
	if c.q.Permissions == "" {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx, c.q.Permissions, principal)
	if err != nil {
		return nil, fmt.Errorf("permissions of %s: %w", principal, err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Name, &p.Schema, &p.Table); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		p.Name = strings.ToUpper(strings.TrimSpace(p.Name))
		out = append(out, p)
	}
	return out, rows.Err()
}

// Stream implements Catalog. database/sql cursors are forward-only and the
// built-in drivers stream result sets, so memory stays at one row.
func (c *SQLCatalog) Stream(ctx context.Context, query string, fn RowFunc) error {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cts, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("column types: %w", err)
	}
	vals := make([]any, len(cts))
	ptrs := make([]any, len(cts))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		r := row.New(len(cts))
		for i, ct := range cts {
			r.Set(ct.Name(), c.value(ct, vals[i]))
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (c *SQLCatalog) value(ct *sql.ColumnType, v any) any {
	if v == nil {
		return nil
	}
	if c.decode != nil {
		if out, ok := c.decode(ct, v); ok {
			return out
		}
	}
	return DecodeValue(ct.DatabaseTypeName(), v)
}

func (c *SQLCatalog) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DecodeValue converts raw driver bytes into a JSON-friendly value using the
// column's database type name. Binary types stay []byte; numeric types that
// drivers deliver as text become int64 or float64; everything else textual
// becomes a string. Non-[]byte values pass through.
func DecodeValue(typeName string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch strings.ToUpper(typeName) {
	case "BINARY", "VARBINARY", "IMAGE", "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BYTEA", "TIMESTAMP", "ROWVERSION":
		// TIMESTAMP is SQL Server's rowversion; MySQL timestamps arrive as
		// time.Time (parseTime=true) or text handled below via the default.
		if strings.EqualFold(typeName, "TIMESTAMP") && !isBinaryTimestamp(b) {
			return string(b)
		}
		return b
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT", "INT2", "INT4", "INT8", "YEAR":
		if i, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			return i
		}
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY", "NEWDECIMAL":
		if n, ok := ExactNumber(string(b)); ok {
			return n
		}
	case "FLOAT", "DOUBLE", "REAL", "FLOAT4", "FLOAT8":
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f
		}
	}
	return string(b)
}

// ExactNumber decodes the text of a fixed-point value without rounding:
// int64 when it fits, otherwise the digits as written in a json.Number.
// ok is false when s is not a number.
func ExactNumber(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil && !errors.Is(err, strconv.ErrRange) {
		return nil, false
	}
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.Number(s), true
}

// isBinaryTimestamp distinguishes an 8-byte SQL Server rowversion from a
// textual MySQL TIMESTAMP value.
func isBinaryTimestamp(b []byte) bool {
	if len(b) != 8 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return true
		}
	}
	return false
}
