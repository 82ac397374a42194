package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popdeploy/internal/config"
	"github.com/Bidon15/popdeploy/internal/database"
)

var errNoMirror = errors.New("ledger.postgres_dsn is not set")

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Postgres ledger mirror schema",
	Long: `Manage the schema of the optional Postgres ledger mirror configured with
ledger.postgres_dsn (or POPDEPLOY_LEDGER_POSTGRES_DSN).

Examples:
  popdeploy db migrate
  popdeploy db rollback --steps 1`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending mirror migrations",
	Args:  cobra.NoArgs,
	RunE:  runDBMigrate,
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back mirror migrations",
	Args:  cobra.NoArgs,
	RunE:  runDBRollback,
}

func init() {
	dbRollbackCmd.Flags().Int("steps", 1, "number of migrations to roll back")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbRollbackCmd)
	rootCmd.AddCommand(dbCmd)
}

// mirrorDSN reads the mirror DSN. Only the ledger section matters here, so
// the rest of the config is not validated.
func mirrorDSN() (string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", err
	}
	if cfg.Ledger.PostgresDSN == "" {
		return "", errNoMirror
	}
	return cfg.Ledger.PostgresDSN, nil
}

func runDBMigrate(cmd *cobra.Command, _ []string) error {
	dsn, err := mirrorDSN()
	if err != nil {
		return err
	}
	if err := database.RunMigrations(dsn); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Mirror schema is up to date")
	return nil
}

func runDBRollback(cmd *cobra.Command, _ []string) error {
	steps, _ := cmd.Flags().GetInt("steps")
	if steps < 1 {
		return fmt.Errorf("--steps must be at least 1, got %d", steps)
	}

	dsn, err := mirrorDSN()
	if err != nil {
		return err
	}
	if err := database.MigrateDown(dsn, steps); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migration(s)\n", steps)
	return nil
}
