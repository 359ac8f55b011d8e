// Package denorm embeds already-copied documents into related documents.
//
// Each Denormalizer re-streams one source relation through the pipeline
// registry, so the filters and transforms used during copy apply again, and
// turns every surviving row into one sub-document mutation on the target.
// Denormalizers run strictly in the order given.
//
// Re-runs are guarded by a marker array on the receiving document: the
// marker entry is added in the same atomic mutation as the embedded data,
// and a row whose entry is already present is skipped.
package denorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"sqltocb/internal/config"
	"sqltocb/internal/copier"
	"sqltocb/internal/keys"
	"sqltocb/internal/logging"
	"sqltocb/internal/metrics"
	"sqltocb/internal/naming"
	"sqltocb/internal/pipeline"
	"sqltocb/internal/row"
	"sqltocb/internal/source"
	"sqltocb/internal/target"
)

// Outcome classifies what happened to one driving row.
type Outcome int

const (
	// Embedded means the mutation was applied.
	Embedded Outcome = iota
	// Skipped means there was nothing to embed: a missing document, an empty
	// foreign key, or an embedding already recorded by the marker.
	Skipped
)

// Denormalizer is one embedding step. ManyToOne and OneToOne implement it.
type Denormalizer interface {
	// Driver is the relation whose rows are streamed.
	Driver() naming.TableID
	String() string

	// apply handles one transformed row. The returned key identifies the
	// document that was (or would have been) mutated.
	apply(ctx context.Context, e *Engine, r *row.Row) (Outcome, string, error)
}

// FromConfig builds the Denormalizer described by d.
func FromConfig(d config.Denormalize) (Denormalizer, error) {
	from := naming.TableID{Schema: d.From.Schema, Table: d.From.Table}
	to := naming.TableID{Schema: d.To.Schema, Table: d.To.Table}
	switch d.Kind {
	case config.DenormalizeManyToOne:
		return &ManyToOne{From: from, To: to, ForeignKeys: d.ForeignKeys, Field: d.Field}, nil
	case config.DenormalizeOneToOne:
		return &OneToOne{
			From:              from,
			To:                to,
			ForeignKeys:       d.ForeignKeys,
			Field:             d.Field,
			Unnest:            d.Unnest,
			UnnestSeparator:   d.UnnestSeparator,
			RemoveForeignKeys: d.RemoveForeignKeys,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported denormalize.kind=%s", d.Kind)
	}
}

// FromConfigs builds every entry of ds, in order.
func FromConfigs(ds []config.Denormalize) ([]Denormalizer, error) {
	out := make([]Denormalizer, 0, len(ds))
	for i, d := range ds {
		dn, err := FromConfig(d)
		if err != nil {
			return nil, fmt.Errorf("denormalize[%d]: %w", i, err)
		}
		out = append(out, dn)
	}
	return out, nil
}

// Stats counts driving rows per outcome.
type Stats struct {
	Read     int64
	Skipped  int64
	Embedded int64
	Failed   int64
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Read += o.Read
	s.Skipped += o.Skipped
	s.Embedded += o.Embedded
	s.Failed += o.Failed
}

// Options tunes an Engine.
type Options struct {
	// Job labels metrics.
	Job string
	// SampleRows > 0 selects sample-mode fallback pipelines.
	SampleRows int
	// Marker names the array field recording completed embeddings. Empty
	// disables the re-run guard.
	Marker string
	// OnRowError, when set, observes each failed row after it is logged.
	OnRowError func(*copier.RowError)
}

// Engine runs denormalizers against one source and one store.
type Engine struct {
	src   source.Catalog
	dst   target.Store
	namer *naming.Namer
	pipes *pipeline.Registry
	keys  *keys.Resolver
	log   zerolog.Logger
	opts  Options
}

// New returns an Engine.
func New(src source.Catalog, dst target.Store, namer *naming.Namer, pipes *pipeline.Registry,
	kr *keys.Resolver, log zerolog.Logger, opts Options) *Engine {
	return &Engine{
		src:   src,
		dst:   dst,
		namer: namer,
		pipes: pipes,
		keys:  kr,
		log:   logging.Component(log, "denorm"),
		opts:  opts,
	}
}

// Run executes ds in order. A denormalizer whose stream fails aborts the
// run; row failures are logged and counted only.
func (e *Engine) Run(ctx context.Context, ds []Denormalizer) (Stats, error) {
	var total Stats
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		st, err := e.Apply(ctx, d)
		total.Add(st)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Apply streams d's driving relation and embeds every included row.
func (e *Engine) Apply(ctx context.Context, d Denormalizer) (Stats, error) {
	id := d.Driver()
	p := e.pipes.Resolve(id.Schema, id.Table, e.opts.SampleRows)
	pipeline.Reset(p)
	log := e.log.With().Str("step", d.String()).Logger()

	if _, err := e.keys.PrimaryKey(ctx, id.Schema, id.Table); err != nil {
		log.Warn().Err(err).Msg("denorm: primary key lookup failed")
	}

	start := time.Now()
	var st Stats
	err := e.src.Stream(ctx, p.Query(e.src.Dialect()), func(r *row.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Read++
		if !p.IsIncluded(r) {
			st.Skipped++
			return nil
		}
		out, err := p.Transform(r)
		if err == nil && out == nil {
			st.Skipped++
			return nil
		}
		var (
			res Outcome
			key string
		)
		if err != nil {
			err = fmt.Errorf("transform: %w", err)
		} else {
			r = out
			res, key, err = d.apply(ctx, e, r)
		}
		if err != nil {
			st.Failed++
			re := &copier.RowError{Table: id, Key: key, Row: r, Err: err}
			copier.LogRowError(log, "denorm: row failed", re)
			if e.opts.OnRowError != nil {
				e.opts.OnRowError(re)
			}
			return nil
		}
		if res == Embedded {
			st.Embedded++
		} else {
			st.Skipped++
		}
		return nil
	})

	table := id.String()
	metrics.RecordRows(e.opts.Job, table, metrics.RowsEmbedded, st.Embedded)
	metrics.RecordRows(e.opts.Job, table, metrics.RowsFailed, st.Failed)
	log.Info().
		Str("read", humanize.Comma(st.Read)).
		Str("embedded", humanize.Comma(st.Embedded)).
		Str("skipped", humanize.Comma(st.Skipped)).
		Str("failed", humanize.Comma(st.Failed)).
		Dur("elapsed", time.Since(start)).
		Msg("denorm: step done")
	if err != nil {
		return st, fmt.Errorf("denormalize %s: %w", d, err)
	}
	return st, nil
}

func (e *Engine) keyspace(id naming.TableID) target.Keyspace {
	t := e.namer.Resolve(id)
	return target.Keyspace{Scope: t.Scope, Collection: t.Collection}
}

// embeddable drops the marker from a document about to be copied into
// another, so the receiver only records its own embeddings.
func (e *Engine) embeddable(doc *row.Row) *row.Row {
	if e.opts.Marker != "" {
		doc.Delete(e.opts.Marker)
	}
	return doc
}

// mutate applies ops, prefixed with the marker entry when the guard is on.
// An already-recorded entry or a missing document reports Skipped.
func (e *Engine) mutate(ctx context.Context, ks target.Keyspace, key, mark string, ops []target.Mutation) (Outcome, error) {
	if e.opts.Marker != "" {
		ops = append([]target.Mutation{{
			Kind: target.ArrayAddUnique, Path: e.opts.Marker, Value: mark, CreatePath: true,
		}}, ops...)
	}
	err := e.dst.MutateIn(ctx, ks, key, ops)
	switch {
	case err == nil:
		return Embedded, nil
	case errors.Is(err, target.ErrNotFound):
		return Skipped, nil
	case e.opts.Marker != "" && errors.Is(err, target.ErrPathExists):
		return Skipped, nil
	default:
		return Skipped, err
	}
}
