package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrReceiptTimeout is returned when a transaction is not confirmed in time.
var ErrReceiptTimeout = errors.New("timeout waiting for transaction receipt")

// WaitOptions tunes receipt polling.
type WaitOptions struct {
	// Confirmations is the number of blocks, including the inclusion block,
	// required before the receipt is returned. Values below 1 mean 1.
	Confirmations uint64
	// Timeout bounds the whole wait.
	Timeout time.Duration
	// PollInterval is the first delay between polls (default 2s).
	PollInterval time.Duration
	// MaxPollInterval caps the exponential backoff (default 30s).
	MaxPollInterval time.Duration
	Logger          *slog.Logger
}

// Confirmed is a receipt together with its confirmation depth.
type Confirmed struct {
	Receipt       *types.Receipt
	Confirmations uint64
}

// WaitForReceipt polls until txHash is mined with the requested number of
// confirmations, the timeout elapses, or ctx is done.
func WaitForReceipt(ctx context.Context, client Client, txHash common.Hash, opts WaitOptions) (*Confirmed, error) {
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxPollInterval <= 0 {
		opts.MaxPollInterval = 30 * time.Second
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.PollInterval
	policy.MaxInterval = opts.MaxPollInterval
	policy.MaxElapsedTime = 0
	policy.RandomizationFactor = 0

	var result *Confirmed
	poll := func() error {
		receipt, err := client.TransactionReceipt(waitCtx, txHash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				logger.Debug("receipt query failed",
					slog.String("tx_hash", txHash.Hex()),
					slog.String("error", err.Error()),
				)
			}
			return err
		}
		if receipt == nil || receipt.BlockNumber == nil {
			return ethereum.NotFound
		}

		depth := uint64(1)
		if opts.Confirmations > 1 {
			head, err := client.BlockNumber(waitCtx)
			if err != nil {
				return fmt.Errorf("get block number: %w", err)
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined {
				depth = head - mined + 1
			}
			if depth < opts.Confirmations {
				return fmt.Errorf("%d of %d confirmations", depth, opts.Confirmations)
			}
		}

		result = &Confirmed{Receipt: receipt, Confirmations: depth}
		return nil
	}

	err := backoff.Retry(poll, backoff.WithContext(policy, waitCtx))
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if waitCtx.Err() != nil {
		return nil, fmt.Errorf("%w %s after %s", ErrReceiptTimeout, txHash.Hex(), opts.Timeout)
	}
	return nil, err
}
