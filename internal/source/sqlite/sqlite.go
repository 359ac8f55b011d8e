// Package sqlite implements a SQLite source catalog on modernc.org/sqlite
// (pure Go, no cgo). SQLite has a single schema per attached database; tables
// are reported under "main". SQLite has no principals, so the users stage
// sees an empty list.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"sqltocb/internal/source"
)

// Schema is the schema name reported for every table.
const Schema = "main"

// Queries are the SQLite catalog queries. Table-valued pragmas take their
// arguments from a leading subselect so the positional (schema, table)
// parameters bind in order.
var Queries = source.Queries{
	Tables: `
		SELECT 'main', name
		FROM sqlite_master
		WHERE type = 'table'
			AND name NOT LIKE 'sqlite_%'
		ORDER BY name`,
	PrimaryKey: `
		SELECT p.name
		FROM (SELECT ? AS s, ? AS t) a, pragma_table_info(a.t, a.s) p
		WHERE p.pk > 0
		ORDER BY p.pk`,
	Indexes: `
		SELECT il.name, 'main', m.name, ii.name
		FROM sqlite_master m, pragma_index_list(m.name) il, pragma_index_info(il.name) ii
		WHERE m.type = 'table'
			AND m.name NOT LIKE 'sqlite_%'
			AND il.origin = 'c'
		ORDER BY m.name, il.name, ii.seqno`,
}

// openDB is a test hook that points to sql.Open by default.
var openDB = sql.Open

func init() {
	source.Register("sqlite", func(ctx context.Context, cfg source.Config) (source.Catalog, error) {
		return Open(ctx, cfg.DSN)
	})
}

// Open opens the database at dsn. A private ":memory:" database only exists
// on one connection, so the pool is pinned to a single connection for it;
// use "file:name?mode=memory&cache=shared" when concurrent reads are needed.
func Open(ctx context.Context, dsn string) (*source.SQLCatalog, error) {
	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return source.NewSQLCatalog(db, source.SQLiteDialect, Queries, nil), nil
}
