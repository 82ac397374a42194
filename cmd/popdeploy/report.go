package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popdeploy/internal/ledger"
)

var reportCmd = &cobra.Command{
	Use:   "report <ledger.json>",
	Short: "Regenerate the Markdown report from a ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringP("output", "o", "", "write the report to a file instead of stdout")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	snap, err := ledger.Load(args[0])
	if err != nil {
		return err
	}

	data := ledger.RenderReport(snap)

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", output)
	return nil
}
