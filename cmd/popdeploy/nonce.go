package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popdeploy/internal/deploy"
	"github.com/Bidon15/popdeploy/internal/pkg/units"
)

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "Show the signer's confirmed and pending nonces",
	Long: `Show the signer's confirmed and pending nonces and its balance.

A pending nonce above the confirmed one means transactions are waiting in
the mempool. popdeploy always sends with the confirmed nonce, so a stuck
transaction is replaced instead of queued behind.`,
	RunE: runNonce,
}

func init() {
	rootCmd.AddCommand(nonceCmd)
}

func runNonce(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	sess, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	addr := sess.signer.Address()
	state, err := deploy.NewNonceReconciler(sess.client, logger).Reconcile(ctx, addr)
	if err != nil {
		return &deploy.RunError{Op: "read nonce", Err: err}
	}
	balance, err := sess.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return &deploy.RunError{Op: "read balance", Err: err}
	}

	if jsonOut {
		return printJSON(cmd, map[string]interface{}{
			"network":   cfg.Network.Name,
			"chainId":   sess.chainID.Uint64(),
			"address":   addr.Hex(),
			"confirmed": state.Confirmed,
			"pending":   state.Pending,
			"gap":       state.Gap(),
			"balance":   balance.String(),
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Network:   %s (chain %s)\n", cfg.Network.Name, sess.chainID)
	fmt.Fprintf(out, "Address:   %s\n", addr.Hex())
	fmt.Fprintf(out, "Balance:   %s\n", units.FormatEther(balance))
	fmt.Fprintf(out, "Confirmed: %d\n", state.Confirmed)
	fmt.Fprintf(out, "Pending:   %d\n", state.Pending)
	if gap := state.Gap(); gap > 0 {
		fmt.Fprintf(out, "\n%d transaction(s) pending; the next deployment replaces nonce %d.\n", gap, state.Confirmed)
	}
	return nil
}
