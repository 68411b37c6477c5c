package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatrooms/cmd/internal/app"
	"chatrooms/cmd/internal/dbschema"
)

var (
	migratePrint  bool
	migrateSchema string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the chat relations and seed the global conversation",
	Long: `Applies the schema to CHAT_DATABASE_URL. Every statement is idempotent, so running it
against an up-to-date database is a no-op. With --print the DDL is written to stdout instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.LoadConfig()
		if migrateSchema != "" {
			cfg.DBSchema = migrateSchema
		}

		if migratePrint {
			ddl, err := dbschema.Render(cfg.DBSchema)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ddl)
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return app.Migrate(ctx, cfg)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migratePrint, "print", false, "print the DDL instead of applying it")
	migrateCmd.Flags().StringVar(&migrateSchema, "schema", "", "target schema (overrides CHAT_DB_SCHEMA)")
	rootCmd.AddCommand(migrateCmd)
}
