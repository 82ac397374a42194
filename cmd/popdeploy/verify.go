package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/Bidon15/popdeploy/internal/deploy"
	"github.com/Bidon15/popdeploy/internal/ledger"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <ledger.json>",
	Short: "Check that every deployed contract in a ledger has code on chain",
	Long: `Check that every confirmed contract creation recorded in a ledger has code
at its address on the configured network. Exits with status 1 if any
contract is missing.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

type codeReader interface {
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
}

type verifyResult struct {
	Step     string         `json:"step"`
	Address  common.Address `json:"address"`
	CodeSize int            `json:"codeSize"`
	Error    string         `json:"error,omitempty"`
}

func (r verifyResult) ok() bool {
	return r.Error == "" && r.CodeSize > 0
}

// verifyDeployments reads the code at every confirmed creation address.
func verifyDeployments(ctx context.Context, client codeReader, snap *ledger.Snapshot) []verifyResult {
	var results []verifyResult
	for _, rec := range snap.Records {
		if !rec.IsConfirmed() || rec.Kind != ledger.KindDeploy || rec.Address == nil {
			continue
		}
		res := verifyResult{Step: rec.StepName, Address: *rec.Address}
		code, err := client.CodeAt(ctx, *rec.Address, nil)
		if err != nil {
			res.Error = err.Error()
		}
		res.CodeSize = len(code)
		results = append(results, res)
	}
	return results
}

func runVerify(cmd *cobra.Command, args []string) error {
	snap, err := ledger.Load(args[0])
	if err != nil {
		return err
	}

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

	if snap.Metadata.ChainID != sess.chainID.Uint64() {
		return &deploy.RunError{
			Op:  "verify",
			Err: fmt.Errorf("ledger is for chain %d, node is chain %s", snap.Metadata.ChainID, sess.chainID),
		}
	}

	results := verifyDeployments(ctx, sess.client, snap)

	missing := 0
	for _, r := range results {
		if !r.ok() {
			missing++
		}
	}

	if jsonOut {
		if err := printJSON(cmd, results); err != nil {
			return err
		}
	} else {
		w := newTable(cmd)
		printTableHeader(w, "STEP", "ADDRESS", "CODE SIZE", "RESULT")
		for _, r := range results {
			result := "ok"
			switch {
			case r.Error != "":
				result = "error: " + r.Error
			case r.CodeSize == 0:
				result = "missing"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Step, r.Address.Hex(), r.CodeSize, result)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if missing > 0 {
		return fmt.Errorf("%w: %d of %d contracts", errMissingCode, missing, len(results))
	}
	return nil
}
