package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popdeploy/internal/config"
)

var (
	cfgFile string
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "popdeploy",
	Short: "Deploy smart contracts from a declarative plan",
	Long: `popdeploy executes a deployment plan against an EVM network from a single
signer: it prices each transaction, picks nonces that cannot queue behind
stuck transactions, waits for confirmation and records every attempt in a
JSON ledger and a Markdown report.

Examples:
  # Deploy a plan to a local anvil node
  popdeploy run --plan dex.yaml

  # Resume after a failure, skipping confirmed steps
  popdeploy run --plan dex.yaml --resume deployments/popdeploy-deployment-2024-05-01T10-00-00Z.json

  # Check the signer's nonces before deploying
  popdeploy nonce --config neon-devnet.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./popdeploy.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print machine-readable output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// setup loads and validates the configuration and builds the logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.Log), nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newTable(cmd *cobra.Command) *tabwriter.Writer {
	return tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
}

func printTableHeader(w *tabwriter.Writer, headers ...string) {
	fmt.Fprintln(w, strings.Join(headers, "\t"))
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
