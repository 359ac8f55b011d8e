// Package pipeline binds per-table row logic to the copy and denormalization
// engines.
//
// A RowPipeline decides what is fetched for a table (Query), which fetched
// rows are kept (IsIncluded) and how each kept row is rewritten before it is
// written (Transform). Base supplies the identity behaviour for all three, so
// custom pipelines embed it and override only what they need:
//
//	type addresses struct{ pipeline.Base }
//
//	func (addresses) Transform(r *row.Row) (*row.Row, error) { ... }
//
//	reg.Register(addresses{pipeline.Default("Person", "Address")})
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"sqltocb/internal/naming"
	"sqltocb/internal/row"
	"sqltocb/internal/source"
)

// ErrConflict reports a second pipeline registered for the same table.
var ErrConflict = errors.New("pipeline already registered")

// RowPipeline is the per-table hook set.
type RowPipeline interface {
	// Identity names the table the pipeline is bound to.
	Identity() naming.TableID
	// Query returns the source query whose rows are streamed.
	Query(d source.Dialect) string
	// IsIncluded reports whether a fetched row should be written.
	IsIncluded(r *row.Row) bool
	// Transform rewrites a row before it is written. An error fails only
	// that row.
	Transform(r *row.Row) (*row.Row, error)
}

// Resetter is implemented by pipelines holding per-stream state. Engines
// call Reset before each stream of the pipeline's table.
type Resetter interface {
	Reset()
}

// Reset calls p.Reset when p is a Resetter.
func Reset(p RowPipeline) {
	if r, ok := p.(Resetter); ok {
		r.Reset()
	}
}

// Base is the identity pipeline: select everything, keep everything, change
// nothing. Limit > 0 caps the rows selected.
type Base struct {
	Schema string
	Table  string
	Limit  int
}

// Default returns the select-all pipeline for schema.table.
func Default(schema, table string) Base { return Base{Schema: schema, Table: table} }

// Sample returns a pipeline selecting at most limit rows of schema.table.
func Sample(schema, table string, limit int) Base {
	return Base{Schema: schema, Table: table, Limit: limit}
}

// Identity implements RowPipeline.
func (b Base) Identity() naming.TableID { return naming.TableID{Schema: b.Schema, Table: b.Table} }

// Query implements RowPipeline.
func (b Base) Query(d source.Dialect) string { return d.SelectAll(b.Schema, b.Table, b.Limit) }

// IsIncluded implements RowPipeline.
func (Base) IsIncluded(*row.Row) bool { return true }

// Transform implements RowPipeline.
func (Base) Transform(r *row.Row) (*row.Row, error) { return r, nil }

// Func is a RowPipeline assembled from optional functions; nil fields fall
// back to Base.
type Func struct {
	Base
	QueryFunc     func(d source.Dialect) string
	IncludeFunc   func(r *row.Row) bool
	TransformFunc func(r *row.Row) (*row.Row, error)
	ResetFunc     func()
}

// Query implements RowPipeline.
func (f Func) Query(d source.Dialect) string {
	if f.QueryFunc != nil {
		return f.QueryFunc(d)
	}
	return f.Base.Query(d)
}

// IsIncluded implements RowPipeline.
func (f Func) IsIncluded(r *row.Row) bool {
	if f.IncludeFunc != nil {
		return f.IncludeFunc(r)
	}
	return true
}

// Transform implements RowPipeline.
func (f Func) Transform(r *row.Row) (*row.Row, error) {
	if f.TransformFunc != nil {
		return f.TransformFunc(r)
	}
	return r, nil
}

// Reset implements Resetter.
func (f Func) Reset() {
	if f.ResetFunc != nil {
		f.ResetFunc()
	}
}

// Registry maps tables to their pipelines. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[naming.TableID]RowPipeline
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: map[naming.TableID]RowPipeline{}}
}

// Register binds p to its identity. A second pipeline for the same table is
// rejected with ErrConflict.
func (r *Registry) Register(p RowPipeline) error {
	id := p.Identity()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; ok {
		return fmt.Errorf("pipeline for %s: %w", id, ErrConflict)
	}
	r.m[id] = p
	return nil
}

// Lookup returns the pipeline registered for schema.table.
func (r *Registry) Lookup(schema, table string) (RowPipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.m[naming.TableID{Schema: schema, Table: table}]
	return p, ok
}

// Resolve returns the registered pipeline for schema.table, or the fallback:
// Sample capped at sampleRows when sampleRows > 0, Default otherwise.
func (r *Registry) Resolve(schema, table string, sampleRows int) RowPipeline {
	if p, ok := r.Lookup(schema, table); ok {
		return p
	}
	if sampleRows > 0 {
		return Sample(schema, table, sampleRows)
	}
	return Default(schema, table)
}

// Len reports the number of registered pipelines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
