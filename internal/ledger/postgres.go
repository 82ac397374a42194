package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
)

// BatchSender is the subset of *pgxpool.Pool used by PostgresSink.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresSink mirrors the ledger into deployment_runs and
// deployment_attempts. Each write upserts the run and all of its attempts.
type PostgresSink struct {
	db BatchSender
}

// NewPostgresSink creates a mirror backed by db.
func NewPostgresSink(db BatchSender) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

const upsertRunSQL = `
INSERT INTO deployment_runs (
	run_id, plan_name, network, chain_id, deployer, deployer_balance,
	status, error, started_at, finished_at, final_balance, resumed_from, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	error = EXCLUDED.error,
	finished_at = EXCLUDED.finished_at,
	final_balance = EXCLUDED.final_balance,
	updated_at = NOW()`

const upsertAttemptSQL = `
INSERT INTO deployment_attempts (
	attempt_id, run_id, step_name, kind, attempt, address, tx_hash, nonce,
	gas_price, gas_limit, gas_used, block_number, confirmations, status,
	error_message, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (attempt_id) DO UPDATE SET
	address = EXCLUDED.address,
	tx_hash = EXCLUDED.tx_hash,
	gas_used = EXCLUDED.gas_used,
	block_number = EXCLUDED.block_number,
	confirmations = EXCLUDED.confirmations,
	status = EXCLUDED.status,
	error_message = EXCLUDED.error_message,
	finished_at = EXCLUDED.finished_at
WHERE deployment_attempts.status <> 'confirmed'`

func (s *PostgresSink) Write(ctx context.Context, snap *Snapshot) error {
	m := snap.Metadata
	batch := &pgx.Batch{}
	batch.Queue(upsertRunSQL,
		m.RunID, m.PlanName, m.Network, int64(m.ChainID), m.Deployer.Hex(),
		numeric(m.DeployerBalance), string(m.Status), nullString(m.Error),
		m.StartedAt, m.FinishedAt, numeric(m.FinalBalance), nullString(m.ResumedFrom),
	)

	for _, r := range snap.Records {
		var addr, hash *string
		if r.Address != nil {
			a := r.Address.Hex()
			addr = &a
		}
		if r.TransactionHash != nil {
			h := r.TransactionHash.Hex()
			hash = &h
		}
		batch.Queue(upsertAttemptSQL,
			r.AttemptID, m.RunID, r.StepName, string(r.Kind), r.Attempt, addr, hash,
			int64(r.Nonce), numeric(r.GasPrice), int64(r.GasLimit), int64(r.GasUsed),
			int64(r.BlockNumber), int64(r.Confirmations), string(r.Status),
			nullString(r.ErrorMessage), r.StartedAt, r.FinishedAt,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("upsert ledger row %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}

func numeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Sink = (*PostgresSink)(nil)
