package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rexanwong/textbehindimage/backend/internal/config"
	"github.com/rexanwong/textbehindimage/backend/internal/logging"
	"github.com/rexanwong/textbehindimage/backend/internal/migrations"
	"github.com/rexanwong/textbehindimage/backend/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "dbtool",
	Short:         "Manage the billing database schema",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(
			"../.env",
			".env",
		)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return upCmd.RunE(cmd, args)
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB) error {
			log.Info().Msg("applying migrations")
			return migrations.Up(db)
		})
	},
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Clear the dirty flag left by a failed migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), migrations.FixDirtyDatabase)
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the recorded schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[0])
		}
		return withDB(cmd.Context(), func(db *sql.DB) error {
			return migrations.ForceVersion(db, uint(v))
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *sql.DB) error {
			v, err := migrations.Status(db)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		})
	},
}

func init() {
	rootCmd.AddCommand(upCmd, fixCmd, forceCmd, statusCmd)
}

func withDB(ctx context.Context, fn func(*sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "dbtool"})

	if !cfg.DatabaseConfigured() {
		return errors.New("DATABASE_URL is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Str("target", cfg.RedactedDatabaseTarget()).Msg("connected")
	return fn(db)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
