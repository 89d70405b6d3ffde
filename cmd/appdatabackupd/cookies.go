package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"appdatabackupd/internal/backup"
	"appdatabackupd/internal/cookies"
)

var nopLogger = zerolog.Nop()

func newCookiesCmd(root *rootFlags) *cobra.Command {
	var database string
	cmd := &cobra.Command{
		Use:   "cookies",
		Short: "Export or import the cookie database dump",
	}
	cmd.PersistentFlags().StringVar(&database, "database", "", "Cookie database path (overrides cookies.database)")

	openStore := func() (*cookies.Store, string, error) {
		cfg, logger, err := loadConfigAndLogger(root)
		if err != nil {
			return nil, "", err
		}
		if database != "" {
			cfg.Cookies.Database = database
		}
		if cfg.Cookies.Database == "" {
			return nil, "", fmt.Errorf("no cookie database: set cookies.database or --database")
		}
		dest := cfg.Cookies.ExportPath
		if dest == "" {
			dest = backup.CookieExportPath
		}
		return cookies.NewStore(cfg.Cookies.Database, backup.CookieAppID, nil, logger), dest, nil
	}

	var output string
	export := &cobra.Command{
		Use:   "export",
		Short: "Dump the cookie database to the backup file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, dest, err := openStore()
			if err != nil {
				return err
			}
			if output != "" {
				dest = output
			}
			if err := store.Export(context.Background(), dest); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
	export.Flags().StringVar(&output, "output", "", "Dump destination (defaults to the backup file)")

	imp := &cobra.Command{
		Use:   "import [dump]",
		Short: "Rebuild the cookie database from a dump",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, src, err := openStore()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				src = args[0]
			}
			return store.Import(context.Background(), src)
		},
	}

	cmd.AddCommand(export, imp)
	return cmd
}
