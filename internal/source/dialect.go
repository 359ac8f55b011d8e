package source

import (
	"fmt"
	"strings"
)

// QuoteDialect is a table-driven Dialect covering the built-in backends.
type QuoteDialect struct {
	Kind  string
	Open  string // opening quote, e.g. "[" or `"`
	Close string // closing quote; embedded occurrences are doubled
	// Top renders row caps as SELECT TOP n instead of LIMIT n.
	Top bool
}

// Built-in dialects.
var (
	MSSQLDialect    = QuoteDialect{Kind: "mssql", Open: "[", Close: "]", Top: true}
	PostgresDialect = QuoteDialect{Kind: "postgres", Open: `"`, Close: `"`}
	MySQLDialect    = QuoteDialect{Kind: "mysql", Open: "`", Close: "`"}
	SQLiteDialect   = QuoteDialect{Kind: "sqlite", Open: `"`, Close: `"`}
)

// Name implements Dialect.
func (d QuoteDialect) Name() string { return d.Kind }

// QuoteIdent implements Dialect.
func (d QuoteDialect) QuoteIdent(id string) string {
	return d.Open + strings.ReplaceAll(id, d.Close, d.Close+d.Close) + d.Close
}

// QualifiedName returns the quoted schema.table.
func (d QuoteDialect) QualifiedName(schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

// SelectAll implements Dialect.
func (d QuoteDialect) SelectAll(schema, table string, limit int) string {
	fq := d.QualifiedName(schema, table)
	switch {
	case limit <= 0:
		return "SELECT * FROM " + fq
	case d.Top:
		return fmt.Sprintf("SELECT TOP %d * FROM %s", limit, fq)
	default:
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", fq, limit)
	}
}
