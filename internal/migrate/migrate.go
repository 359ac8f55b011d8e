// Package migrate runs a relational-to-document migration as a fixed
// sequence of optional stages:
//
//	ValidateNames → CreateBucket (or connect) → CreateCollections →
//	CreateIndexes → CreateUsers → CopyData → Denormalize
//
// Every stage after name validation requires that validation has passed,
// in this run or an earlier one on the same Orchestrator.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"sqltocb/internal/config"
	"sqltocb/internal/copier"
	"sqltocb/internal/denorm"
	"sqltocb/internal/keys"
	"sqltocb/internal/logging"
	"sqltocb/internal/metrics"
	"sqltocb/internal/naming"
	"sqltocb/internal/pipeline"
	"sqltocb/internal/source"
	"sqltocb/internal/target"
	"sqltocb/internal/users"
)

// ErrPrecondition is returned when a stage is requested before names were
// validated successfully. Nothing has been written when it is returned.
var ErrPrecondition = errors.New("names have not been validated")

// Stage names, as used in logs and metrics.
const (
	StageValidateNames     = "validate_names"
	StageCreateBucket      = "create_bucket"
	StageConnectBucket     = "connect_bucket"
	StageCreateCollections = "create_collections"
	StageCreateIndexes     = "create_indexes"
	StageCreateUsers       = "create_users"
	StageCopyData          = "copy_data"
	StageDenormalize       = "denormalize"
)

// IndexPrefix is prepended to source index names.
const IndexPrefix = "sql_"

// Stages selects what Run does.
type Stages struct {
	ValidateNames     bool
	CreateBucket      bool
	CreateCollections bool
	CreateIndexes     bool
	CreateUsers       bool
	CopyData          bool
	Denormalize       bool

	// Sample copies a capped number of rows per table and creates a capped
	// number of indexes.
	Sample bool
}

// AllStages enables every stage.
func AllStages() Stages {
	return Stages{
		ValidateNames:     true,
		CreateBucket:      true,
		CreateCollections: true,
		CreateIndexes:     true,
		CreateUsers:       true,
		CopyData:          true,
		Denormalize:       true,
	}
}

// needsTarget reports whether any stage past validation is selected.
func (s Stages) needsTarget() bool {
	return s.CreateBucket || s.CreateCollections || s.CreateIndexes || s.CreateUsers || s.CopyData || s.Denormalize
}

// Options tunes an Orchestrator.
type Options struct {
	// Job labels logs and metrics.
	Job string
	// Bucket is the target container, used in role grants.
	Bucket string
	// UserPassword is assigned to every generated user.
	UserPassword string

	// ReadyTimeout bounds the bucket readiness wait. Defaults to 30s.
	ReadyTimeout  time.Duration
	ProgressEvery int
	// SampleRows and SampleIndexes apply when Stages.Sample is set.
	SampleRows    int
	SampleIndexes int
	TableWorkers  int
	// Marker is the denormalization marker field; empty disables the guard.
	Marker string

	NewTracker func(table string) copier.Tracker
	OnRowError func(*copier.RowError)
}

// Reconnect reopens both collaborators.
type Reconnect func(ctx context.Context) (source.Catalog, target.Store, error)

// Report summarizes one Run.
type Report struct {
	Tables      int
	Collections int
	Indexes     int
	Users       int
	Copy        copier.Stats
	Denorm      denorm.Stats
}

// Orchestrator owns the collaborators, the naming layer, the pipeline
// registry and the primary-key cache for a migration.
type Orchestrator struct {
	src       source.Catalog
	dst       target.Store
	namer     *naming.Namer
	pipes     *pipeline.Registry
	denorms   []denorm.Denormalizer
	keys      *keys.Resolver
	reconnect Reconnect
	base      zerolog.Logger
	log       zerolog.Logger
	opts      Options

	valid bool
}

// New returns an Orchestrator. pipes may be nil.
func New(src source.Catalog, dst target.Store, namer *naming.Namer, pipes *pipeline.Registry,
	denorms []denorm.Denormalizer, log zerolog.Logger, opts Options) *Orchestrator {
	if pipes == nil {
		pipes = pipeline.NewRegistry()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		src:     src,
		dst:     dst,
		namer:   namer,
		pipes:   pipes,
		denorms: denorms,
		base:    log,
		log:     logging.Component(log, "migrate"),
		opts:    opts,
	}
	// The cache outlives a reconnect, so it reads through the orchestrator.
	o.keys = keys.NewResolver(liveSource{o}, log)
	return o
}

// FromConfig builds an Orchestrator for m, which must have defaults applied.
func FromConfig(m config.Migration, src source.Catalog, dst target.Store, log zerolog.Logger) (*Orchestrator, error) {
	pipes := pipeline.NewRegistry()
	if err := pipes.Configure(m.Pipelines); err != nil {
		return nil, err
	}
	ds, err := denorm.FromConfigs(m.Denormalize)
	if err != nil {
		return nil, err
	}
	return New(src, dst, NewNamer(m.Naming), pipes, ds, log, Options{
		Job:           m.Job,
		Bucket:        m.Target.Bucket,
		UserPassword:  m.Users.DefaultPassword,
		ReadyTimeout:  m.Runtime.ReadyTimeout.D(),
		ProgressEvery: m.Runtime.ProgressEvery,
		SampleRows:    m.Runtime.SampleRows,
		SampleIndexes: m.Runtime.SampleIndexes,
		TableWorkers:  m.Runtime.TableWorkers,
		Marker:        m.Runtime.Marker(),
	}), nil
}

// NewNamer returns the naming layer described by n.
func NewNamer(n config.Naming) *naming.Namer {
	return naming.New(naming.Config{
		Overrides:                   n.CollectionOverrides,
		UseSchemaForScope:           n.UseSchemaForScope,
		UseDefaultScopeForDboSchema: n.UseDefaultScopeForDboSchema,
		DefaultSchema:               n.DefaultSchema,
	})
}

// SetReconnect enables the collaborator refresh before CopyData.
func (o *Orchestrator) SetReconnect(r Reconnect) { o.reconnect = r }

// SetTracker installs a per-table progress tracker for CopyData.
func (o *Orchestrator) SetTracker(fn func(table string) copier.Tracker) { o.opts.NewTracker = fn }

// Pipelines returns the registry so callers can add custom pipelines.
func (o *Orchestrator) Pipelines() *pipeline.Registry { return o.pipes }

// Namer returns the naming layer.
func (o *Orchestrator) Namer() *naming.Namer { return o.namer }

// Validated reports whether names have passed validation.
func (o *Orchestrator) Validated() bool { return o.valid }

// Run executes the selected stages in order and stops at the first stage
// error. Row-level failures are reported in the Report, not as errors.
func (o *Orchestrator) Run(ctx context.Context, st Stages) (Report, error) {
	var rep Report
	var nameErr error
	if st.ValidateNames {
		nameErr = o.stage(StageValidateNames, func() error {
			n, err := o.ValidateNames(ctx)
			rep.Tables = n
			return err
		})
	}
	if !st.needsTarget() {
		return rep, nameErr
	}
	if !o.valid {
		return rep, errors.Join(ErrPrecondition, nameErr)
	}

	if st.CreateBucket {
		if err := o.stage(StageCreateBucket, func() error { return o.CreateBucket(ctx) }); err != nil {
			return rep, err
		}
	} else if err := o.stage(StageConnectBucket, func() error { return o.ConnectBucket(ctx) }); err != nil {
		return rep, err
	}

	steps := []struct {
		on   bool
		name string
		fn   func() error
	}{
		{st.CreateCollections, StageCreateCollections, func() (err error) {
			rep.Collections, err = o.CreateCollections(ctx)
			return err
		}},
		{st.CreateIndexes, StageCreateIndexes, func() (err error) {
			rep.Indexes, err = o.CreateIndexes(ctx, st.Sample)
			return err
		}},
		{st.CreateUsers, StageCreateUsers, func() (err error) {
			rep.Users, err = o.CreateUsers(ctx)
			return err
		}},
		{st.CopyData, StageCopyData, func() (err error) {
			rep.Copy, err = o.CopyData(ctx, st.Sample)
			return err
		}},
		{st.Denormalize, StageDenormalize, func() (err error) {
			rep.Denorm, err = o.Denormalize(ctx, st.Sample)
			return err
		}},
	}
	for _, s := range steps {
		if !s.on {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := o.stage(s.name, s.fn); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (o *Orchestrator) stage(name string, fn func() error) error {
	o.log.Info().Str("stage", name).Msg("migrate: stage started")
	start := time.Now()
	err := fn()
	d := time.Since(start)
	metrics.RecordStage(o.opts.Job, name, err, d)
	if err != nil {
		o.log.Error().Err(err).Str("stage", name).Dur("elapsed", d).Msg("migrate: stage failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	o.log.Info().Str("stage", name).Dur("elapsed", d).Msg("migrate: stage done")
	return nil
}

// ValidateNames checks the resolved scope and collection of every base table
// against the target's naming rules and records the verdict. It returns the
// number of tables checked and the joined constraint violations.
func (o *Orchestrator) ValidateNames(ctx context.Context) (int, error) {
	o.valid = false
	tables, err := o.src.Tables(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tables: %w", err)
	}
	var errs []error
	for _, t := range tables {
		id := naming.TableID{Schema: t.Schema, Table: t.Name}
		tgt := o.namer.Resolve(id)
		if err := o.namer.Check(id); err != nil {
			o.log.Error().Err(err).Str("table", id.String()).Str("target", tgt.String()).Msg("migrate: name rejected")
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		o.log.Debug().Str("table", id.String()).Str("target", tgt.String()).Msg("migrate: name ok")
	}
	if len(errs) > 0 {
		return len(tables), errors.Join(errs...)
	}
	o.valid = true
	return len(tables), nil
}

// CreateBucket creates the bucket, tolerating an existing one, and waits for
// it to become ready.
func (o *Orchestrator) CreateBucket(ctx context.Context) error {
	if err := o.dst.CreateBucket(ctx); err != nil {
		if !errors.Is(err, target.ErrAlreadyExists) {
			return fmt.Errorf("create bucket: %w", err)
		}
		o.log.Info().Str("bucket", o.opts.Bucket).Msg("migrate: bucket already exists")
	}
	return o.ConnectBucket(ctx)
}

// ConnectBucket opens the existing bucket.
func (o *Orchestrator) ConnectBucket(ctx context.Context) error {
	if err := o.dst.WaitReady(ctx, o.opts.ReadyTimeout); err != nil {
		return fmt.Errorf("bucket %s not ready after %s: %w", o.opts.Bucket, o.opts.ReadyTimeout, err)
	}
	return nil
}

// CreateCollections creates the scope and collection of every base table
// that does not exist yet. It returns the number of collections created.
func (o *Orchestrator) CreateCollections(ctx context.Context) (int, error) {
	tables, err := o.src.Tables(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tables: %w", err)
	}
	scopes, err := o.dst.Scopes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list scopes: %w", err)
	}
	known := map[string]map[string]bool{}
	for _, s := range scopes {
		known[s] = nil
	}

	created := 0
	for _, t := range tables {
		tgt := o.namer.Resolve(naming.TableID{Schema: t.Schema, Table: t.Name})
		colls, ok := known[tgt.Scope]
		if !ok {
			switch err := o.dst.CreateScope(ctx, tgt.Scope); {
			case err == nil:
				o.log.Info().Str("scope", tgt.Scope).Msg("migrate: scope created")
				// A new scope is empty and may not be listable yet.
				colls = map[string]bool{}
				known[tgt.Scope] = colls
			case !errors.Is(err, target.ErrAlreadyExists):
				return created, fmt.Errorf("create scope %s: %w", tgt.Scope, err)
			}
		}
		if colls == nil {
			names, err := o.dst.Collections(ctx, tgt.Scope)
			if err != nil {
				return created, fmt.Errorf("list collections of %s: %w", tgt.Scope, err)
			}
			colls = make(map[string]bool, len(names))
			for _, n := range names {
				colls[n] = true
			}
			known[tgt.Scope] = colls
		}
		if colls[tgt.Collection] {
			o.log.Debug().Str("collection", tgt.String()).Msg("migrate: collection already exists")
			continue
		}
		err := o.dst.CreateCollection(ctx, target.Keyspace{Scope: tgt.Scope, Collection: tgt.Collection})
		switch {
		case err == nil:
			created++
			o.log.Info().Str("table", t.String()).Str("collection", tgt.String()).Msg("migrate: collection created")
		case errors.Is(err, target.ErrAlreadyExists):
		default:
			return created, fmt.Errorf("create collection %s for %s: %w", tgt, t, err)
		}
		colls[tgt.Collection] = true
	}
	return created, nil
}

// CreateIndexes mirrors source indexes as sql_<name> on the same columns.
// In sample mode at most SampleIndexes are created. It returns the number of
// indexes created.
func (o *Orchestrator) CreateIndexes(ctx context.Context, sample bool) (int, error) {
	idxs, err := o.src.Indexes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list indexes: %w", err)
	}
	if sample && o.opts.SampleIndexes > 0 && len(idxs) > o.opts.SampleIndexes {
		idxs = idxs[:o.opts.SampleIndexes]
	}
	created := 0
	for _, ix := range idxs {
		tgt := o.namer.Resolve(naming.TableID{Schema: ix.Schema, Table: ix.Table})
		name := IndexPrefix + ix.Name
		err := o.dst.CreateIndex(ctx, target.Keyspace{Scope: tgt.Scope, Collection: tgt.Collection}, name, ix.Columns)
		switch {
		case err == nil:
			created++
			o.log.Info().Str("index", name).Str("collection", tgt.String()).Strs("fields", ix.Columns).Msg("migrate: index created")
		case errors.Is(err, target.ErrAlreadyExists):
			o.log.Info().Str("index", name).Msg("migrate: index already exists")
		default:
			return created, fmt.Errorf("create index %s: %w", name, err)
		}
	}
	return created, nil
}

// CreateUsers translates source principals into target users.
func (o *Orchestrator) CreateUsers(ctx context.Context) (int, error) {
	return users.New(o.src, o.dst, o.namer, o.opts.Bucket, o.opts.UserPassword, o.base).Run(ctx)
}

// CopyData streams every copyable base table into its collection.
func (o *Orchestrator) CopyData(ctx context.Context, sample bool) (copier.Stats, error) {
	tables, err := source.CopyTables(ctx, o.src)
	if err != nil {
		return copier.Stats{}, fmt.Errorf("list tables: %w", err)
	}
	if o.reconnect != nil {
		if err := o.refresh(ctx); err != nil {
			return copier.Stats{}, err
		}
	}
	st, err := copier.New(o.src, o.dst, o.namer, o.pipes, o.keys, o.base, copier.Options{
		Job:           o.opts.Job,
		ProgressEvery: o.opts.ProgressEvery,
		SampleRows:    o.sampleRows(sample),
		Workers:       o.opts.TableWorkers,
		NewTracker:    o.opts.NewTracker,
		OnRowError:    o.opts.OnRowError,
	}).Run(ctx, tables)
	o.log.Info().
		Int("tables", len(tables)).
		Str("written", humanize.Comma(st.Written)).
		Str("failed", humanize.Comma(st.Failed)).
		Msg("migrate: copy summary")
	return st, err
}

// Denormalize runs the configured denormalizers in order.
func (o *Orchestrator) Denormalize(ctx context.Context, sample bool) (denorm.Stats, error) {
	return denorm.New(o.src, o.dst, o.namer, o.pipes, o.keys, o.base, denorm.Options{
		Job:        o.opts.Job,
		SampleRows: o.sampleRows(sample),
		Marker:     o.opts.Marker,
		OnRowError: o.opts.OnRowError,
	}).Run(ctx, o.denorms)
}

// refresh drops both connections and opens fresh ones before a long copy.
// TODO: drop once long-idle SDK connections are confirmed to recover on
// their own; until then the copy always starts on new connections.
func (o *Orchestrator) refresh(ctx context.Context) error {
	if err := errors.Join(o.src.Close(), o.dst.Close()); err != nil {
		o.log.Warn().Err(err).Msg("migrate: close before reconnect")
	}
	src, dst, err := o.reconnect(ctx)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	o.src, o.dst = src, dst
	o.log.Info().Msg("migrate: reconnected")
	return o.ConnectBucket(ctx)
}

func (o *Orchestrator) sampleRows(sample bool) int {
	if !sample {
		return 0
	}
	if o.opts.SampleRows > 0 {
		return o.opts.SampleRows
	}
	return 100
}

// Close closes both collaborators.
func (o *Orchestrator) Close() error {
	return errors.Join(o.src.Close(), o.dst.Close())
}

// liveSource reads primary keys from whichever catalog is current.
type liveSource struct{ o *Orchestrator }

func (l liveSource) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	return l.o.src.PrimaryKey(ctx, schema, table)
}
