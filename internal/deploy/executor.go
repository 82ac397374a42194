package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Bidon15/popdeploy/internal/artifacts"
	"github.com/Bidon15/popdeploy/internal/chain"
	"github.com/Bidon15/popdeploy/internal/ledger"
	"github.com/Bidon15/popdeploy/internal/metrics"
	"github.com/Bidon15/popdeploy/internal/pkg/ulid"
	"github.com/Bidon15/popdeploy/internal/signer"
)

// RetryStrategy chooses the nonce of the single retry.
type RetryStrategy string

const (
	// RetryIncrement re-reads the confirmed nonce and adds one.
	RetryIncrement RetryStrategy = "increment"
	// RetryReread uses the re-read confirmed nonce as is.
	RetryReread RetryStrategy = "reread"
)

// Submission is a step whose arguments are resolved and whose transaction
// payload is built.
type Submission struct {
	Step string
	Kind ledger.Kind
	Tx   *artifacts.UnsignedTx
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Confirmations       uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	MaxPollInterval     time.Duration
	RetryStrategy       RetryStrategy
	Classifier          Classifier
	Logger              *slog.Logger
}

// Executor sends one transaction per attempt, waits for it and records the
// outcome in the ledger.
type Executor struct {
	client chain.Client
	signer signer.Signer
	ledger *ledger.Ledger
	cfg    ExecutorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(client chain.Client, s signer.Signer, l *ledger.Ledger, cfg ExecutorConfig) *Executor {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 5 * time.Minute
	}
	if cfg.RetryStrategy == "" {
		cfg.RetryStrategy = RetryIncrement
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewPatternClassifier(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client: client,
		signer: s,
		ledger: l,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// sendError marks an error returned synchronously by the node.
type sendError struct {
	err error
}

func (e *sendError) Error() string { return "send transaction: " + e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// Submit sends sub with the given fee and nonce and waits for confirmation.
// A nonce conflict or underpriced replacement reported by the node is
// retried exactly once; every other failure is terminal. The returned record
// is the last attempt's.
func (e *Executor) Submit(ctx context.Context, sub Submission, fee FeeProfile, nonce uint64) (*ledger.Record, error) {
	rec, err := e.attempt(ctx, sub, fee, nonce, 1)
	if err == nil {
		return rec, nil
	}

	var se *sendError
	if !errors.As(err, &se) || !e.cfg.Classifier.Retryable(se.err) {
		return rec, err
	}

	retryNonce, nerr := e.retryNonce(ctx)
	if nerr != nil {
		return rec, errors.Join(err, fmt.Errorf("read nonce for retry: %w", nerr))
	}

	metrics.RetriesTotal.Inc()
	e.logger.Warn("retrying with fresh nonce",
		slog.String("step", sub.Step),
		slog.Uint64("failed_nonce", nonce),
		slog.Uint64("retry_nonce", retryNonce),
		slog.String("error", se.err.Error()),
	)

	return e.attempt(ctx, sub, fee, retryNonce, 2)
}

func (e *Executor) retryNonce(ctx context.Context) (uint64, error) {
	confirmed, err := e.client.NonceAt(ctx, e.signer.Address(), nil)
	if err != nil {
		return 0, err
	}
	if e.cfg.RetryStrategy == RetryReread {
		return confirmed, nil
	}
	return confirmed + 1, nil
}

func (e *Executor) attempt(ctx context.Context, sub Submission, fee FeeProfile, nonce uint64, n int) (*ledger.Record, error) {
	rec := ledger.Record{
		StepName:  sub.Step,
		Kind:      sub.Kind,
		Attempt:   n,
		AttemptID: ulid.New(),
		Nonce:     nonce,
		GasPrice:  fee.GasPrice,
		GasLimit:  fee.GasLimit,
		Status:    ledger.StatusPending,
		StartedAt: e.now().UTC(),
	}
	e.ledger.Append(rec)
	e.flush(ctx, sub.Step)

	logger := e.logger.With(
		slog.String("step", sub.Step),
		slog.Int("attempt", n),
		slog.Uint64("nonce", nonce),
	)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fee.GasPrice,
		Gas:      fee.GasLimit,
		To:       sub.Tx.To,
		Value:    sub.Tx.Value,
		Data:     sub.Tx.Data,
	})

	signed, err := e.signer.SignTransaction(ctx, tx)
	if err != nil {
		return e.fail(ctx, &rec, fmt.Errorf("sign transaction: %w", err))
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return e.fail(ctx, &rec, &sendError{err: err})
	}

	hash := signed.Hash()
	rec.TransactionHash = &hash
	e.update(ctx, &rec)
	logger.Info("transaction sent", slog.String("tx_hash", hash.Hex()))

	// The wait ignores cancellation so a sent transaction is never
	// abandoned; it is still bounded by the confirmation timeout.
	confirmed, err := chain.WaitForReceipt(context.WithoutCancel(ctx), e.client, hash, chain.WaitOptions{
		Confirmations:   e.cfg.Confirmations,
		Timeout:         e.cfg.ConfirmationTimeout,
		PollInterval:    e.cfg.PollInterval,
		MaxPollInterval: e.cfg.MaxPollInterval,
		Logger:          logger,
	})
	if err != nil {
		if errors.Is(err, chain.ErrReceiptTimeout) {
			err = fmt.Errorf("%w: %w", ErrConfirmationTimeout, err)
		}
		return e.fail(ctx, &rec, err)
	}

	receipt := confirmed.Receipt
	rec.GasUsed = receipt.GasUsed
	rec.BlockNumber = receipt.BlockNumber.Uint64()
	rec.Confirmations = confirmed.Confirmations

	if receipt.Status != types.ReceiptStatusSuccessful {
		return e.fail(ctx, &rec, fmt.Errorf("%w in block %d", ErrReverted, rec.BlockNumber))
	}

	var addr common.Address
	switch {
	case sub.Tx.To != nil:
		addr = *sub.Tx.To
	case receipt.ContractAddress != (common.Address{}):
		addr = receipt.ContractAddress
	default:
		addr = crypto.CreateAddress(e.signer.Address(), nonce)
	}
	rec.Address = &addr
	rec.Status = ledger.StatusConfirmed
	finished := e.now().UTC()
	rec.FinishedAt = &finished
	e.update(ctx, &rec)

	metrics.AttemptsTotal.WithLabelValues(string(sub.Kind), string(ledger.StatusConfirmed)).Inc()
	metrics.GasUsedTotal.Add(float64(rec.GasUsed))
	logger.Info("transaction confirmed",
		slog.String("tx_hash", hash.Hex()),
		slog.String("address", addr.Hex()),
		slog.Uint64("block", rec.BlockNumber),
		slog.Uint64("gas_used", rec.GasUsed),
	)
	return &rec, nil
}

func (e *Executor) fail(ctx context.Context, rec *ledger.Record, err error) (*ledger.Record, error) {
	rec.Status = ledger.StatusFailed
	rec.ErrorMessage = err.Error()
	finished := e.now().UTC()
	rec.FinishedAt = &finished
	e.update(ctx, rec)

	metrics.AttemptsTotal.WithLabelValues(string(rec.Kind), string(ledger.StatusFailed)).Inc()
	attrs := []any{
		slog.String("step", rec.StepName),
		slog.Int("attempt", rec.Attempt),
		slog.Uint64("nonce", rec.Nonce),
		slog.String("error", err.Error()),
	}
	if rec.TransactionHash != nil {
		attrs = append(attrs, slog.String("tx_hash", rec.TransactionHash.Hex()))
	}
	e.logger.Error("attempt failed", attrs...)
	return rec, err
}

func (e *Executor) update(ctx context.Context, rec *ledger.Record) {
	if err := e.ledger.Update(*rec); err != nil {
		e.logger.Error("ledger update failed",
			slog.String("step", rec.StepName),
			slog.String("error", err.Error()),
		)
	}
	e.flush(ctx, rec.StepName)
}

func (e *Executor) flush(ctx context.Context, step string) {
	if err := e.ledger.Flush(context.WithoutCancel(ctx)); err != nil {
		e.logger.Error("ledger flush failed",
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
	}
}
