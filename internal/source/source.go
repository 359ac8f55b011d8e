// Package source defines the relational catalog contract consumed by the
// migration engine, plus a storage-agnostic factory that concrete backends
// (mssql, postgres, mysql, sqlite) register with at init time.
//
// Typical usage:
//
//	import _ "sqltocb/internal/source/all" // enable all built-in sources
//
//	cat, err := source.New(ctx, source.Config{Kind: "mssql", DSN: dsn})
//	if err != nil { ... }
//	defer cat.Close()
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sqltocb/internal/row"
)

// Table identifies a base table.
type Table struct {
	Schema string
	Name   string
}

// String returns schema.name.
func (t Table) String() string { return t.Schema + "." + t.Name }

// Index is a source index definition with ordered key columns.
type Index struct {
	Name    string
	Schema  string
	Table   string
	Columns []string
}

// Permission is one relation-level grant held by a principal.
type Permission struct {
	// Name is INSERT, SELECT, UPDATE or DELETE.
	Name   string
	Schema string
	Table  string
}

// RowFunc receives each streamed row. The row is owned by the callee.
// Returning an error stops the stream and is returned from Stream.
type RowFunc func(r *row.Row) error

// Dialect renders the small amount of SQL the engine generates itself.
type Dialect interface {
	// Name returns the dialect's kind, e.g. "mssql".
	Name() string
	// QuoteIdent quotes one identifier.
	QuoteIdent(id string) string
	// SelectAll returns a query selecting every column of schema.table,
	// capped at limit rows when limit > 0.
	SelectAll(schema, table string, limit int) string
}

// Catalog is the relational source collaborator.
type Catalog interface {
	Dialect() Dialect

	// Tables lists base tables (no views).
	Tables(ctx context.Context) ([]Table, error)

	// PrimaryKey returns the ordered primary-key columns of schema.table,
	// or an empty slice when none is declared.
	PrimaryKey(ctx context.Context, schema, table string) ([]string, error)

	// Indexes lists user index definitions.
	Indexes(ctx context.Context) ([]Index, error)

	// Principals lists login-capable users with database access.
	Principals(ctx context.Context) ([]string, error)

	// Permissions lists relation-level grants of principal.
	Permissions(ctx context.Context, principal string) ([]Permission, error)

	// Stream runs query with a non-buffering cursor and calls fn per row.
	Stream(ctx context.Context, query string, fn RowFunc) error

	Close() error
}

// CopyLister is implemented by catalogs whose copy stage reads a narrower
// table list than Tables, e.g. SQL Server, where system-versioned history
// tables are provisioned but never copied.
type CopyLister interface {
	CopyTables(ctx context.Context) ([]Table, error)
}

// CopyTables returns the tables the copy stage should stream from c.
func CopyTables(ctx context.Context, c Catalog) ([]Table, error) {
	if cl, ok := c.(CopyLister); ok {
		return cl.CopyTables(ctx)
	}
	return c.Tables(ctx)
}

// Config selects and configures a source backend.
type Config struct {
	Kind string
	DSN  string
}

// Factory constructs a Catalog for a given Config.
type Factory func(ctx context.Context, cfg Config) (Catalog, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) a factory for kind. Backends call it from
// their init functions.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New opens a Catalog for cfg.Kind.
func New(ctx context.Context, cfg Config) (Catalog, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported source.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
