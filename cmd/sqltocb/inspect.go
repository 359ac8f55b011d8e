package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sqltocb/internal/config"
	"sqltocb/internal/migrate"
	"sqltocb/internal/naming"
)

func newValidateConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Statically check a migration config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(g.envFiles...); err != nil {
				return err
			}
			m, err := config.Load(g.configPath, getenv)
			if err != nil {
				return err
			}
			issues := config.Validate(m)
			out := cmd.OutOrStdout()
			for _, iss := range issues {
				fmt.Fprintln(out, iss.Error())
			}
			if err := config.Err(issues); err != nil {
				return fmt.Errorf("%s is invalid", g.configPath)
			}
			fmt.Fprintf(out, "%s: ok (%d warning(s))\n", g.configPath, len(issues))
			return nil
		},
	}
}

func newListTablesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-tables",
		Short: "List source tables with their resolved scope and collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, closeLog, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			src, err := openSource(cmd.Context(), sourceConfig(m))
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			defer src.Close()
			tables, err := src.Tables(cmd.Context())
			if err != nil {
				return err
			}

			namer := migrate.NewNamer(m.Naming)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tSCOPE\tCOLLECTION\tSTATUS")
			bad := 0
			for _, t := range tables {
				id := naming.TableID{Schema: t.Schema, Table: t.Name}
				tgt := namer.Resolve(id)
				status := "ok"
				if err := namer.Check(id); err != nil {
					status = err.Error()
					bad++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, tgt.Scope, tgt.Collection, status)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if bad > 0 {
				return fmt.Errorf("%d table(s) need a collection override", bad)
			}
			return nil
		},
	}
}
