// Package postgres implements a Postgres source catalog using pgx v5.
// Rows are streamed through a pgxpool connection and decoded with
// rows.Values, so pgtype values are normalized before they reach the engine.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"sqltocb/internal/row"
	"sqltocb/internal/source"
)

const (
	tablesSQL = `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
			AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name`

	primaryKeySQL = `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`

	indexesSQL = `
		SELECT ic.relname, n.nspname, t.relname, a.attname
		FROM pg_index ix
		JOIN pg_class ic ON ic.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
			AND t.relkind = 'r'
		ORDER BY n.nspname, t.relname, ic.relname, k.ord`

	principalsSQL = `
		SELECT rolname
		FROM pg_roles
		WHERE rolcanlogin
			AND rolname NOT LIKE 'pg\_%'
		ORDER BY rolname`

	permissionsSQL = `
		SELECT privilege_type, table_schema, table_name
		FROM information_schema.role_table_grants
		WHERE grantee = $1
			AND privilege_type IN ('INSERT', 'SELECT', 'UPDATE', 'DELETE')
		ORDER BY table_schema, table_name`
)

// newPool is a test hook that points to pgxpool.New by default.
var newPool = pgxpool.New

func init() {
	source.Register("postgres", func(ctx context.Context, cfg source.Config) (source.Catalog, error) {
		return Open(ctx, cfg.DSN)
	})
}

// Catalog is a pgx-backed source.Catalog.
type Catalog struct {
	pool *pgxpool.Pool
}

// Open connects a pool for dsn and pings it.
func Open(ctx context.Context, dsn string) (*Catalog, error) {
	if _, err := pgxpool.ParseConfig(dsn); err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	pool, err := newPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

// Dialect implements source.Catalog.
func (c *Catalog) Dialect() source.Dialect { return source.PostgresDialect }

// Close implements source.Catalog.
func (c *Catalog) Close() error {
	c.pool.Close()
	return nil
}

// Tables implements source.Catalog.
func (c *Catalog) Tables(ctx context.Context) ([]source.Table, error) {
	rows, err := c.pool.Query(ctx, tablesSQL)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (source.Table, error) {
		var t source.Table
		err := r.Scan(&t.Schema, &t.Name)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan tables: %w", err)
	}
	return out, nil
}

// PrimaryKey implements source.Catalog.
func (c *Catalog) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := c.pool.Query(ctx, primaryKeySQL, schema, table)
	if err != nil {
		return nil, fmt.Errorf("primary key %s.%s: %w", schema, table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("primary key %s.%s: %w", schema, table, err)
	}
	if cols == nil {
		cols = []string{}
	}
	return cols, nil
}

// Indexes implements source.Catalog.
func (c *Catalog) Indexes(ctx context.Context) ([]source.Index, error) {
	rows, err := c.pool.Query(ctx, indexesSQL)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()
	var out []source.Index
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
		out = append(out, source.Index{Name: name, Schema: schema, Table: table, Columns: []string{col}})
	}
	return out, rows.Err()
}

// Principals implements source.Catalog.
func (c *Catalog) Principals(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, principalsSQL)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	return out, nil
}

// Permissions implements source.Catalog.
func (c *Catalog) Permissions(ctx context.Context, principal string) ([]source.Permission, error) {
	rows, err := c.pool.Query(ctx, permissionsSQL, principal)
	if err != nil {
		return nil, fmt.Errorf("permissions of %s: %w", principal, err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (source.Permission, error) {
		var p source.Permission
		err := r.Scan(&p.Name, &p.Schema, &p.Table)
		p.Name = strings.ToUpper(p.Name)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("permissions of %s: %w", principal, err)
	}
	return out, nil
}

// Stream implements source.Catalog.
func (c *Catalog) Stream(ctx context.Context, query string, fn source.RowFunc) error {
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		r := row.New(len(fields))
		for i, f := range fields {
			r.Set(f.Name, Normalize(vals[i]))
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Normalize maps pgx's decoded values onto the plain types the engine and
// JSON encoding understand.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		if x.NaN || x.InfinityModifier != pgtype.Finite {
			f, err := x.Float64Value()
			if err != nil || !f.Valid {
				return nil
			}
			return f.Float64
		}
		if x.Exp >= 0 && x.Int != nil {
			n := new(big.Int).Mul(x.Int, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(x.Exp)), nil))
			if n.IsInt64() {
				return n.Int64()
			}
			return json.Number(n.String())
		}
		if v, err := x.Value(); err == nil {
			if s, ok := v.(string); ok {
				if n, ok := source.ExactNumber(s); ok {
					return n
				}
			}
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case pgtype.Time:
		if !x.Valid {
			return nil
		}
		return time.Duration(x.Microseconds * int64(time.Microsecond)).String()
	case pgtype.Interval:
		if !x.Valid {
			return nil
		}
		return fmt.Sprintf("%d months %d days %s", x.Months, x.Days, time.Duration(x.Microseconds*int64(time.Microsecond)))
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
