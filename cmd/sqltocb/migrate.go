package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"sqltocb/internal/config"
	"sqltocb/internal/copier"
	"sqltocb/internal/metrics"
	"sqltocb/internal/metrics/datadog"
	"sqltocb/internal/metrics/prompush"
	"sqltocb/internal/migrate"
	"sqltocb/internal/source"
	"sqltocb/internal/target"
)

type migrateFlags struct {
	stages      migrate.Stages
	all         bool
	progressBar bool
	metrics     string
	metricsAddr string
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	f := &migrateFlags{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the selected migration stages",
		Long: `Run migration stages in their fixed order:

  validate-names → create-bucket (or connect) → create-collections →
  create-indexes → create-users → copy-data → denormalize

Every stage after validate-names requires names to validate, so
--validate-names must be part of the same invocation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, g, f)
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&f.stages.ValidateNames, "validate-names", false, "check resolved scope/collection names")
	fl.BoolVar(&f.stages.CreateBucket, "create-bucket", false, "create the bucket instead of connecting to it")
	fl.BoolVar(&f.stages.CreateCollections, "create-collections", false, "create one collection per table")
	fl.BoolVar(&f.stages.CreateIndexes, "create-indexes", false, "mirror source indexes")
	fl.BoolVar(&f.stages.CreateUsers, "create-users", false, "translate principals into users")
	fl.BoolVar(&f.stages.CopyData, "copy-data", false, "copy every row")
	fl.BoolVar(&f.stages.Denormalize, "denormalize", false, "run the configured denormalize steps")
	fl.BoolVar(&f.stages.Sample, "sample", false, "copy only runtime.sample_rows rows per table and a few indexes")
	fl.BoolVar(&f.all, "all", false, "run every stage")
	fl.BoolVar(&f.progressBar, "progress-bar", false, "render per-table progress bars on stderr")
	fl.StringVar(&f.metrics, "metrics-backend", "none", "metrics backend: none, prometheus, datadog")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Pushgateway URL or DogStatsD address")
	return cmd
}

func (f *migrateFlags) selected() migrate.Stages {
	if !f.all {
		return f.stages
	}
	st := migrate.AllStages()
	st.Sample = f.stages.Sample
	return st
}

func runMigrate(cmd *cobra.Command, g *globalFlags, f *migrateFlags) error {
	st := f.selected()
	if st == (migrate.Stages{}) || st == (migrate.Stages{Sample: true}) {
		return errors.New("no stage selected; pass --all or one or more stage flags")
	}
	m, log, closeLog, err := g.setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := installMetrics(f.metrics, f.metricsAddr, m.Job); err != nil {
		return err
	}
	defer func() {
		if err := metrics.Flush(); err != nil {
			log.Warn().Err(err).Msg("metrics flush failed")
		}
	}()

	ctx := cmd.Context()
	src, dst, err := connect(ctx, m)
	if err != nil {
		return err
	}
	o, err := migrate.FromConfig(m, src, dst, log)
	if err != nil {
		_ = src.Close()
		_ = dst.Close()
		return err
	}
	defer func() {
		if err := o.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}()

	// A fresh memory store would start empty, so only real targets reconnect.
	if m.Runtime.Refresh() && m.Target.Kind != "memory" {
		o.SetReconnect(func(ctx context.Context) (source.Catalog, target.Store, error) {
			return connect(ctx, m)
		})
	}
	if f.progressBar {
		o.SetTracker(func(table string) copier.Tracker {
			return progressbar.Default(-1, table)
		})
	}

	rep, err := o.Run(ctx, st)
	logReport(log, rep)
	return err
}

// connect opens the source catalog and the target store for m.
func connect(ctx context.Context, m config.Migration) (source.Catalog, target.Store, error) {
	src, err := openSource(ctx, sourceConfig(m))
	if err != nil {
		return nil, nil, fmt.Errorf("open source: %w", err)
	}
	dst, err := openTarget(ctx, targetConfig(m))
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("open target: %w", err)
	}
	return src, dst, nil
}

func installMetrics(kind, addr, job string) error {
	switch strings.ToLower(kind) {
	case "", "none":
		return nil
	case "prometheus", "prom":
		if addr == "" {
			return errors.New("--metrics-addr (Pushgateway URL) is required for prometheus")
		}
		b, err := prompush.NewBackend(job, addr)
		if err != nil {
			return err
		}
		metrics.SetBackend(b)
	case "datadog", "dd":
		if addr == "" {
			addr = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       addr,
			Namespace:  "sqltocb.",
			GlobalTags: []string{"job:" + job},
		})
		if err != nil {
			return err
		}
		metrics.SetBackend(b)
	default:
		return fmt.Errorf("unsupported metrics backend %q", kind)
	}
	return nil
}

func logReport(log zerolog.Logger, rep migrate.Report) {
	log.Info().
		Int("tables", rep.Tables).
		Int("collections_created", rep.Collections).
		Int("indexes_created", rep.Indexes).
		Int("users", rep.Users).
		Int64("rows_written", rep.Copy.Written).
		Int64("rows_failed", rep.Copy.Failed).
		Int64("rows_skipped", rep.Copy.Skipped).
		Int64("embedded", rep.Denorm.Embedded).
		Int64("embed_failed", rep.Denorm.Failed).
		Msg("migration finished")
}
