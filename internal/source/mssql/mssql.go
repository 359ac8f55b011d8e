// Package mssql implements a SQL Server source catalog on go-mssqldb and
// registers it with the source factory as "mssql".
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"sqltocb/internal/source"
)

// Queries are the SQL Server catalog queries.
var Queries = source.Queries{
	Tables: `
		SELECT TABLE_SCHEMA, TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_SCHEMA, TABLE_NAME`,
	// History tables of system-versioned tables have no primary key and
	// mirror their parent, so copy skips them.
	CopyTables: `
		SELECT SCHEMA_NAME(t.schema_id), t.name
		FROM sys.tables t
		WHERE t.is_ms_shipped = 0
			AND t.temporal_type_desc IN ('SYSTEM_VERSIONED_TEMPORAL_TABLE', 'NON_TEMPORAL_TABLE')
		ORDER BY SCHEMA_NAME(t.schema_id), t.name`,
	PrimaryKey: `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		INNER JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
			AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
			AND tc.TABLE_NAME = kcu.TABLE_NAME
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
			AND tc.TABLE_SCHEMA = @p1
			AND tc.TABLE_NAME = @p2
		ORDER BY kcu.ORDINAL_POSITION`,
	Indexes: `
		SELECT i.[name], SCHEMA_NAME(t.schema_id), t.[name], col.[name]
		FROM sys.tables t
		INNER JOIN sys.indexes i ON t.object_id = i.object_id
		INNER JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		INNER JOIN sys.columns col ON col.object_id = ic.object_id AND col.column_id = ic.column_id
		WHERE t.is_ms_shipped <> 1
			AND i.index_id > 0
			AND ic.key_ordinal > 0
		ORDER BY SCHEMA_NAME(t.schema_id), t.[name], i.[name], ic.key_ordinal`,
	Principals: `
		SELECT u.name
		FROM sys.sysusers u
		WHERE u.issqlrole = 0
			AND u.hasdbaccess = 1
		ORDER BY u.name`,
	Permissions: `
		SELECT p.permission_name, SCHEMA_NAME(t.schema_id), OBJECT_NAME(p.major_id)
		FROM sys.database_permissions p
		INNER JOIN sys.tables t ON p.major_id = t.object_id
		WHERE p.grantee_principal_id = USER_ID(@p1)
			AND p.class_desc = 'OBJECT_OR_COLUMN'
			AND p.permission_name IN ('INSERT', 'SELECT', 'UPDATE', 'DELETE')`,
}

// openDB is a test hook that points to sql.Open by default.
var openDB = sql.Open

func init() {
	source.Register("mssql", func(ctx context.Context, cfg source.Config) (source.Catalog, error) {
		return Open(ctx, cfg.DSN)
	})
}

// Open validates dsn, connects, and pings.
func Open(ctx context.Context, dsn string) (*source.SQLCatalog, error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := openDB("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return source.NewSQLCatalog(db, source.MSSQLDialect, Queries, decode), nil
}

// decode renders UNIQUEIDENTIFIER columns in their canonical string form;
// the driver hands them over as mixed-endian bytes.
func decode(ct *sql.ColumnType, v any) (any, bool) {
	b, ok := v.([]byte)
	if !ok || !strings.EqualFold(ct.DatabaseTypeName(), "UNIQUEIDENTIFIER") {
		return nil, false
	}
	var u mssql.UniqueIdentifier
	if err := u.Scan(b); err != nil {
		return nil, false
	}
	return u.String(), true
}
