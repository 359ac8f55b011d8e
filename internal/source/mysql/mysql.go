// Package mysql implements a MySQL source catalog over go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"sqltocb/internal/source"
)

// Queries are the MySQL catalog queries. MySQL has no schemas below the
// database, so the database name plays the schema role.
var Queries = source.Queries{
	Tables: `
		SELECT TABLE_SCHEMA, TABLE_NAME
		FROM information_schema.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE'
			AND TABLE_SCHEMA = DATABASE()
		ORDER BY TABLE_NAME`,
	PrimaryKey: `
		SELECT COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE CONSTRAINT_NAME = 'PRIMARY'
			AND TABLE_SCHEMA = ?
			AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`,
	Indexes: `
		SELECT INDEX_NAME, TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE()
			AND INDEX_NAME <> 'PRIMARY'
		ORDER BY TABLE_SCHEMA, TABLE_NAME, INDEX_NAME, SEQ_IN_INDEX`,
	Principals: `
		SELECT DISTINCT SUBSTRING_INDEX(REPLACE(GRANTEE, '''', ''), '@', 1)
		FROM information_schema.TABLE_PRIVILEGES
		WHERE TABLE_SCHEMA = DATABASE()
		ORDER BY 1`,
	Permissions: `
		SELECT PRIVILEGE_TYPE, TABLE_SCHEMA, TABLE_NAME
		FROM information_schema.TABLE_PRIVILEGES
		WHERE SUBSTRING_INDEX(REPLACE(GRANTEE, '''', ''), '@', 1) = ?
			AND TABLE_SCHEMA = DATABASE()
			AND PRIVILEGE_TYPE IN ('INSERT', 'SELECT', 'UPDATE', 'DELETE')`,
}

// openDB is a test hook that points to sql.Open by default.
var openDB = sql.Open

func init() {
	source.Register("mysql", func(ctx context.Context, cfg source.Config) (source.Catalog, error) {
		return Open(ctx, cfg.DSN)
	})
}

// Open parses dsn, forces parseTime so DATETIME columns decode to
// time.Time, connects and pings.
func Open(ctx context.Context, dsn string) (*source.SQLCatalog, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	mc.ParseTime = true
	db, err := openDB("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return source.NewSQLCatalog(db, source.MySQLDialect, Queries, nil), nil
}
