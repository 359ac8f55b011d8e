// Package copier streams source tables into target collections.
//
// Each table is read through its bound row pipeline with a forward-only
// cursor. Rows are filtered, transformed, keyed and upserted one at a time;
// a row that fails to key or write is logged with its payload and counted,
// and the stream moves on to the next row.
package copier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sqltocb/internal/keys"
	"sqltocb/internal/logging"
	"sqltocb/internal/metrics"
	"sqltocb/internal/naming"
	"sqltocb/internal/pipeline"
	"sqltocb/internal/row"
	"sqltocb/internal/source"
	"sqltocb/internal/target"
)

// DefaultProgressEvery is the row interval between progress reports.
const DefaultProgressEvery = 1000

// RowError describes one row that could not be migrated.
type RowError struct {
	Table naming.TableID
	// Key is the attempted document key; empty when keying failed.
	Key string
	Row *row.Row
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row of %s (key %q): %v", e.Table, e.Key, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// LogRowError writes e at error level with the row payload.
func LogRowError(log zerolog.Logger, msg string, e *RowError) {
	ev := log.Error().Err(e.Err).Str("table", e.Table.String()).Str("key", e.Key)
	if e.Row != nil {
		if b, err := e.Row.MarshalJSON(); err == nil {
			ev = ev.RawJSON("row", b)
		} else {
			ev = ev.Str("row", e.Row.String())
		}
	}
	ev.Msg(msg)
}

// Tracker receives row progress for one table. *progressbar.ProgressBar
// satisfies it.
type Tracker interface {
	Add(n int) error
	Finish() error
}

// Stats counts rows per outcome.
type Stats struct {
	Read    int64
	Skipped int64
	Written int64
	Failed  int64
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Read += o.Read
	s.Skipped += o.Skipped
	s.Written += o.Written
	s.Failed += o.Failed
}

// Options tunes an Engine.
type Options struct {
	// Job labels metrics.
	Job string
	// ProgressEvery is the progress interval in rows. Defaults to 1000.
	ProgressEvery int
	// SampleRows > 0 selects sample-mode fallback pipelines.
	SampleRows int
	// Workers copies this many tables concurrently. Defaults to 1.
	Workers int
	// NewTracker, when set, is called once per table.
	NewTracker func(table string) Tracker
	// OnRowError, when set, observes each failed row after it is logged.
	OnRowError func(*RowError)
}

// Engine copies tables. It is safe for concurrent use by Run's workers.
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
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Engine{
		src:   src,
		dst:   dst,
		namer: namer,
		pipes: pipes,
		keys:  kr,
		log:   logging.Component(log, "copy"),
		opts:  opts,
	}
}

// Run copies every table, Workers at a time. A table whose stream fails is
// reported in the joined error; the remaining tables still run.
func (e *Engine) Run(ctx context.Context, tables []source.Table) (Stats, error) {
	var (
		mu    sync.Mutex
		total Stats
		errs  []error
	)
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, t := range tables {
		t := t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("copy %s: %w", t, err))
				mu.Unlock()
				return nil
			}
			st, err := e.CopyTable(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			total.Add(st)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

// CopyTable streams one table into its collection.
func (e *Engine) CopyTable(ctx context.Context, t source.Table) (Stats, error) {
	id := naming.TableID{Schema: t.Schema, Table: t.Name}
	ks := target.Keyspace{
		Scope:      e.namer.ResolveScope(t.Schema),
		Collection: e.namer.ResolveCollection(t.Schema, t.Name),
	}
	p := e.pipes.Resolve(t.Schema, t.Name, e.opts.SampleRows)
	pipeline.Reset(p)
	log := e.log.With().Str("table", id.String()).Str("keyspace", ks.String()).Logger()

	// Resolve key columns before the cursor opens; rows fail individually
	// if the lookup keeps failing.
	if _, err := e.keys.PrimaryKey(ctx, t.Schema, t.Name); err != nil {
		log.Warn().Err(err).Msg("copy: primary key lookup failed")
	}

	var tracker Tracker
	if e.opts.NewTracker != nil {
		tracker = e.opts.NewTracker(id.String())
	}
	start := time.Now()
	var st Stats
	pending := 0

	err := e.src.Stream(ctx, p.Query(e.src.Dialect()), func(r *row.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Read++
		if !p.IsIncluded(r) {
			st.Skipped++
			return nil
		}
		key, err := e.write(ctx, p, id, ks, r)
		switch {
		case err != nil:
			st.Failed++
			re := &RowError{Table: id, Key: key, Row: r, Err: err}
			LogRowError(log, "copy: row failed", re)
			if e.opts.OnRowError != nil {
				e.opts.OnRowError(re)
			}
		case key != "":
			st.Written++
		default:
			st.Skipped++
			return nil
		}

		// Progress counts attempted writes only.
		if tracker != nil {
			pending++
		}
		attempted := st.Written + st.Failed
		if attempted%int64(e.opts.ProgressEvery) != 0 {
			return nil
		}
		log.Info().Str("rows", humanize.Comma(attempted)).Str("written", humanize.Comma(st.Written)).
			Msg("copy: progress")
		if tracker != nil {
			_ = tracker.Add(pending)
			pending = 0
		}
		return nil
	})
	if tracker != nil {
		if pending > 0 {
			_ = tracker.Add(pending)
		}
		_ = tracker.Finish()
	}

	e.record(id, st)
	log.Info().
		Str("read", humanize.Comma(st.Read)).
		Str("written", humanize.Comma(st.Written)).
		Str("skipped", humanize.Comma(st.Skipped)).
		Str("failed", humanize.Comma(st.Failed)).
		Dur("elapsed", time.Since(start)).
		Msg("copy: table done")
	if err != nil {
		return st, fmt.Errorf("copy %s: %w", id, err)
	}
	return st, nil
}

// write transforms, keys and upserts r. It returns the key used, or "" with
// a nil error when the transform dropped the row.
func (e *Engine) write(ctx context.Context, p pipeline.RowPipeline, id naming.TableID, ks target.Keyspace, r *row.Row) (string, error) {
	out, err := p.Transform(r)
	if err != nil {
		return "", fmt.Errorf("transform: %w", err)
	}
	if out == nil {
		return "", nil
	}
	key, err := e.keys.ResolveKey(ctx, out, id.Schema, id.Table)
	if err != nil {
		return "", err
	}
	if err := e.dst.Upsert(ctx, ks, key, out); err != nil {
		return key, err
	}
	return key, nil
}

func (e *Engine) record(id naming.TableID, st Stats) {
	table := id.String()
	metrics.RecordRows(e.opts.Job, table, metrics.RowsRead, st.Read)
	metrics.RecordRows(e.opts.Job, table, metrics.RowsSkipped, st.Skipped)
	metrics.RecordRows(e.opts.Job, table, metrics.RowsWritten, st.Written)
	metrics.RecordRows(e.opts.Job, table, metrics.RowsFailed, st.Failed)
}
