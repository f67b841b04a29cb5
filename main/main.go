package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabula-backend/internal/config"
	"tabula-backend/internal/ingest"
	"tabula-backend/internal/logging"
	"tabula-backend/internal/tenant"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "tabula",
		Short:        "Provision per-tenant databases from uploaded tables and serve them over HTTP",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml, json or toml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFile)
		},
	})
	root.AddCommand(newProvisionCommand(&configFile))
	root.AddCommand(&cobra.Command{
		Use:   "migrate-keys",
		Short: "Copy API keys from per-database registries into the key directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configFile, func(ctx context.Context, app *App) error {
				n, err := app.Resolver.MigrateLegacy(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %d api keys\n", n)
				return nil
			})
		},
	})
	return root
}

func newProvisionCommand(configFile *string) *cobra.Command {
	var (
		database   string
		table      string
		file       string
		onConflict string
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a database and table from a CSV file and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := tenant.ParseMode(onConflict)
			if err != nil {
				return err
			}
			req := tenant.Request{Database: database, Table: table, OnConflict: mode}

			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				rows, err := ingest.NewReader(f)
				if err != nil {
					return err
				}
				req.Rows = rows
			}

			return withApp(cmd.Context(), *configFile, func(ctx context.Context, app *App) error {
				result, err := app.Provisioner.Provision(ctx, req)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			})
		},
	}
	cmd.Flags().StringVar(&database, "database", "", "database name")
	cmd.Flags().StringVar(&table, "table", "", "table name")
	cmd.Flags().StringVar(&file, "file", "", "CSV file to load")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "reuse", "reuse or reject an existing database")
	cmd.MarkFlagRequired("database")
	cmd.MarkFlagRequired("table")
	return cmd
}

// withApp loads configuration, builds the App and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(parent context.Context, configFile string, fn func(context.Context, *App) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func runServe(ctx context.Context, configFile string) error {
	return withApp(ctx, configFile, func(ctx context.Context, app *App) error {
		return app.Serve(ctx)
	})
}
