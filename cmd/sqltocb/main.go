// Command sqltocb migrates a relational catalog into a document-store
// bucket: one collection per table, one document per row.
//
//	sqltocb migrate --config configs/adventureworks.json --all
//	sqltocb list-tables --config configs/adventureworks.json
//	sqltocb validate-config --config configs/adventureworks.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sqltocb/internal/config"
	"sqltocb/internal/logging"
	"sqltocb/internal/source"
	"sqltocb/internal/target"

	_ "sqltocb/internal/source/all"
	_ "sqltocb/internal/target/all"
)

// Test seams.
var (
	openSource = source.New
	openTarget = target.New
	getenv     = os.Getenv
)

type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
	logPretty  bool
	logFile    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "sqltocb",
		Short:         "Migrate a relational database into a document-store bucket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "configs/adventureworks.json", "migration config file (.json, .yaml)")
	pf.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "dotenv files overlaid on the environment")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVar(&g.logPretty, "log-pretty", false, "human-readable console logs")
	pf.StringVar(&g.logFile, "log-file", "", "also append JSON logs to this file")

	root.AddCommand(newMigrateCmd(g), newValidateConfigCmd(g), newListTablesCmd(g))
	return root
}

// setup builds the logger and loads, validates and returns the config.
// Warnings are logged; error-severity issues fail.
func (g *globalFlags) setup(cmd *cobra.Command) (config.Migration, zerolog.Logger, func() error, error) {
	log, closeLog, err := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level: g.logLevel, Pretty: g.logPretty, File: g.logFile,
	})
	if err != nil {
		return config.Migration{}, zerolog.Nop(), nil, err
	}
	if err := config.LoadDotEnv(g.envFiles...); err != nil {
		_ = closeLog()
		return config.Migration{}, log, nil, err
	}
	m, err := config.Load(g.configPath, getenv)
	if err != nil {
		_ = closeLog()
		return m, log, nil, err
	}
	issues := config.Validate(m)
	for _, iss := range issues {
		ev := log.Warn()
		if iss.Severity == config.SeverityError {
			ev = log.Error()
		}
		ev.Str("path", iss.Path).Msg(iss.Message)
	}
	if err := config.Err(issues); err != nil {
		_ = closeLog()
		return m, log, nil, fmt.Errorf("invalid config %s: %w", g.configPath, err)
	}
	return m, log.With().Str("job", m.Job).Logger(), closeLog, nil
}

func sourceConfig(m config.Migration) source.Config {
	return source.Config{Kind: m.Source.Kind, DSN: m.Source.DSN}
}

func targetConfig(m config.Migration) target.Config {
	return target.Config{
		Kind:             m.Target.Kind,
		ConnectionString: m.Target.ConnectionString,
		Username:         m.Target.Username,
		Password:         m.Target.Password,
		Bucket:           m.Target.Bucket,
		RAMQuotaMB:       m.Target.RAMQuotaMB,
	}
}
