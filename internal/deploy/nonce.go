package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Bidon15/popdeploy/internal/metrics"
)

// NonceState is the signer's confirmed and pending transaction counts.
// Pending is never below Confirmed.
type NonceState struct {
	Confirmed uint64
	Pending   uint64
}

// Gap is the number of transactions still waiting in the mempool.
func (s NonceState) Gap() uint64 {
	return s.Pending - s.Confirmed
}

// NonceClient is the subset of chain.Client used for nonce reads.
type NonceClient interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceReconciler reads nonces fresh before every submission. Callers submit
// with Confirmed so a stuck transaction surfaces as a conflict instead of
// silently queueing the new one behind it.
type NonceReconciler struct {
	client NonceClient
	logger *slog.Logger
}

// NewNonceReconciler creates a NonceReconciler.
func NewNonceReconciler(client NonceClient, logger *slog.Logger) *NonceReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NonceReconciler{client: client, logger: logger}
}

// Reconcile returns the nonce state of addr.
func (r *NonceReconciler) Reconcile(ctx context.Context, addr common.Address) (NonceState, error) {
	confirmed, err := r.client.NonceAt(ctx, addr, nil)
	if err != nil {
		return NonceState{}, fmt.Errorf("get confirmed nonce: %w", err)
	}
	pending, err := r.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return NonceState{}, fmt.Errorf("get pending nonce: %w", err)
	}

	if pending < confirmed {
		r.logger.Debug("pending nonce behind confirmed, clamping",
			slog.Uint64("confirmed", confirmed),
			slog.Uint64("pending", pending),
		)
		pending = confirmed
	}

	state := NonceState{Confirmed: confirmed, Pending: pending}
	metrics.NonceGap.Set(float64(state.Gap()))
	if state.Gap() > 0 {
		r.logger.Warn("pending transactions detected",
			slog.String("address", addr.Hex()),
			slog.Uint64("confirmed", confirmed),
			slog.Uint64("pending", pending),
			slog.Uint64("gap", state.Gap()),
		)
	}
	return state, nil
}
