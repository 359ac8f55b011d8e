// Package fakesource is an in-memory source.Catalog for tests.
//
// Queries produced by Dialect().SelectAll are answered from the table data;
// any other query text must be registered with SetQuery.
package fakesource

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"sqltocb/internal/row"
	"sqltocb/internal/source"
)

// Dialect is the dialect reported by the fake catalog.
var Dialect = source.QuoteDialect{Kind: "fake", Open: `"`, Close: `"`}

var selectAllRe = regexp.MustCompile(`^SELECT \* FROM "((?:[^"]|"")*)"\."((?:[^"]|"")*)"(?: LIMIT (\d+))?$`)

type table struct {
	pk   []string
	rows []*row.Row
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu          sync.Mutex
	tables      map[source.Table]*table
	order       []source.Table
	indexes     []source.Index
	principals  []string
	permissions map[string][]source.Permission
	queries     map[string][]*row.Row
	failRows    map[string]map[int]error
	pkErr       error
	noCopy      map[source.Table]bool

	pkCalls     int
	streamCalls int
	closed      bool
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		tables:      map[source.Table]*table{},
		permissions: map[string][]source.Permission{},
		queries:     map[string][]*row.Row{},
		failRows:    map[string]map[int]error{},
		noCopy:      map[source.Table]bool{},
	}
}

// AddTable declares schema.name with primary-key columns pk (may be empty)
// and its rows, in scan order.
func (c *Catalog) AddTable(schema, name string, pk []string, rows ...*row.Row) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := source.Table{Schema: schema, Name: name}
	if _, ok := c.tables[id]; !ok {
		c.order = append(c.order, id)
	}
	c.tables[id] = &table{pk: append([]string{}, pk...), rows: rows}
	return c
}

// AddIndex declares a source index.
func (c *Catalog) AddIndex(idx source.Index) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes = append(c.indexes, idx)
	return c
}

// AddPrincipal declares a principal with its grants.
func (c *Catalog) AddPrincipal(name string, perms ...source.Permission) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principals = append(c.principals, name)
	c.permissions[name] = perms
	return c
}

// SetQuery answers an arbitrary query text with rows.
func (c *Catalog) SetQuery(query string, rows ...*row.Row) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[query] = rows
	return c
}

// FailRow makes Stream return err when it reaches the i-th (0-based) row of
// query, after the previous rows were delivered.
func (c *Catalog) FailRow(query string, i int, err error) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRows[query] == nil {
		c.failRows[query] = map[int]error{}
	}
	c.failRows[query][i] = err
	return c
}

// FailPrimaryKey makes every PrimaryKey call return err.
func (c *Catalog) FailPrimaryKey(err error) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkErr = err
	return c
}

// PrimaryKeyCalls reports how many times PrimaryKey was called.
func (c *Catalog) PrimaryKeyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pkCalls
}

// StreamCalls reports how many times Stream was called.
func (c *Catalog) StreamCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamCalls
}

// Closed reports whether Close was called.
func (c *Catalog) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialect implements source.Catalog.
func (c *Catalog) Dialect() source.Dialect { return Dialect }

// Tables implements source.Catalog.
func (c *Catalog) Tables(ctx context.Context) ([]source.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]source.Table{}, c.order...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Schema != out[j].Schema {
			return out[i].Schema < out[j].Schema
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// SkipCopy keeps schema.name in Tables but leaves it out of CopyTables, the
// way a temporal history table is listed but not copied.
func (c *Catalog) SkipCopy(schema, name string) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noCopy[source.Table{Schema: schema, Name: name}] = true
	return c
}

// CopyTables implements source.CopyLister.
func (c *Catalog) CopyTables(ctx context.Context) ([]source.Table, error) {
	all, err := c.Tables(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := all[:0]
	for _, t := range all {
		if !c.noCopy[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// PrimaryKey implements source.Catalog.
func (c *Catalog) PrimaryKey(ctx context.Context, schema, name string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkCalls++
	if c.pkErr != nil {
		return nil, c.pkErr
	}
	t, ok := c.tables[source.Table{Schema: schema, Name: name}]
	if !ok {
		return []string{}, nil
	}
	return append([]string{}, t.pk...), nil
}

// Indexes implements source.Catalog.
func (c *Catalog) Indexes(ctx context.Context) ([]source.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]source.Index{}, c.indexes...), nil
}

// Principals implements source.Catalog.
func (c *Catalog) Principals(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.principals...), nil
}

// Permissions implements source.Catalog.
func (c *Catalog) Permissions(ctx context.Context, principal string) ([]source.Permission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]source.Permission{}, c.permissions[principal]...), nil
}

// Stream implements source.Catalog. Each delivered row is a clone.
func (c *Catalog) Stream(ctx context.Context, query string, fn source.RowFunc) error {
	rows, fails, err := c.resolve(query)
	if err != nil {
		return err
	}
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fails[i]; err != nil {
			return err
		}
		if err := fn(r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) resolve(query string) ([]*row.Row, map[int]error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamCalls++
	fails := c.failRows[query]
	if rows, ok := c.queries[query]; ok {
		return rows, fails, nil
	}
	m := selectAllRe.FindStringSubmatch(query)
	if m == nil {
		return nil, nil, fmt.Errorf("fakesource: unknown query %q", query)
	}
	id := source.Table{Schema: unquote(m[1]), Name: unquote(m[2])}
	t, ok := c.tables[id]
	if !ok {
		return nil, nil, fmt.Errorf("fakesource: unknown table %s", id)
	}
	rows := t.rows
	if m[3] != "" {
		n, _ := strconv.Atoi(m[3])
		if n < len(rows) {
			rows = rows[:n]
		}
	}
	return rows, fails, nil
}

// Close implements source.Catalog.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func unquote(s string) string { return strings.ReplaceAll(s, `""`, `"`) }
