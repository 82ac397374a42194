// Package deploy runs deployment plans: it prices and submits each step's
// transaction and records every attempt in the ledger.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Bidon15/popdeploy/internal/artifacts"
	"github.com/Bidon15/popdeploy/internal/chain"
	"github.com/Bidon15/popdeploy/internal/ledger"
	"github.com/Bidon15/popdeploy/internal/metrics"
	"github.com/Bidon15/popdeploy/internal/signer"
)

// State is the position of a step in its lifecycle.
type State string

const (
	StatePending          State = "PENDING"
	StateEstimatingFee    State = "ESTIMATING_FEE"
	StateReconcilingNonce State = "RECONCILING_NONCE"
	StateSubmitting       State = "SUBMITTING"
	StateConfirmed        State = "CONFIRMED"
	StateFailed           State = "FAILED"
	// StateSkipped marks a step confirmed by an earlier run.
	StateSkipped State = "SKIPPED"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// ProgressCallback is called on every step transition.
type ProgressCallback func(step string, state State, message string)

// TxBuilder builds transaction payloads from artifacts.
type TxBuilder interface {
	BuildCreationTx(name string, args []any) (*artifacts.UnsignedTx, error)
	BuildCallTx(address common.Address, artifactName, method string, args []any, value *big.Int) (*artifacts.UnsignedTx, error)
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// StepDelay is the pause after each sent step. Steps may override it.
	StepDelay time.Duration
	// DryRun resolves and prices every step without sending. References
	// resolve to predicted creation addresses.
	DryRun     bool
	OnProgress ProgressCallback
	Logger     *slog.Logger
}

// Orchestrator walks a plan strictly in order for one signer.
type Orchestrator struct {
	client   chain.Client
	signer   signer.Signer
	builder  TxBuilder
	fees     *FeeEstimator
	nonces   *NonceReconciler
	executor *Executor
	ledger   *ledger.Ledger
	cfg      OrchestratorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. The executor must write to the
// same ledger.
func NewOrchestrator(
	client chain.Client,
	s signer.Signer,
	builder TxBuilder,
	fees *FeeEstimator,
	nonces *NonceReconciler,
	executor *Executor,
	l *ledger.Ledger,
	cfg OrchestratorConfig,
) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:   client,
		signer:   s,
		builder:  builder,
		fees:     fees,
		nonces:   nonces,
		executor: executor,
		ledger:   l,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Ledger returns the ledger the orchestrator writes to.
func (o *Orchestrator) Ledger() *ledger.Ledger {
	return o.ledger
}

// Run executes plan. Steps already confirmed in the ledger are skipped. It
// stops at the first failed step and returns the partial ledger together
// with a *StepError; confirmed steps are never rolled back.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (*ledger.Ledger, error) {
	if err := plan.Validate(); err != nil {
		return o.ledger, o.finish(ctx, ledger.RunFailed, &RunError{Op: "validate plan", Err: err})
	}

	if !o.cfg.DryRun {
		if err := o.ledger.Flush(ctx); err != nil {
			return o.ledger, &RunError{Op: "write ledger", Err: err}
		}
	}

	o.logger.Info("starting deployment",
		slog.String("plan", plan.Name),
		slog.Int("steps", len(plan.Steps)),
		slog.String("deployer", o.signer.Address().Hex()),
		slog.Bool("dry_run", o.cfg.DryRun),
	)

	predicted := make(map[string]common.Address)
	var dryNonce *uint64

	for i := range plan.Steps {
		step := &plan.Steps[i]

		if err := ctx.Err(); err != nil {
			return o.ledger, o.finish(ctx, ledger.RunCancelled, err)
		}

		if rec, ok := o.ledger.Confirmed(step.Name); ok {
			msg := "already confirmed"
			if rec.Address != nil {
				msg = fmt.Sprintf("already confirmed at %s", rec.Address.Hex())
			}
			o.logger.Info("skipping step", slog.String("step", step.Name), slog.String("reason", msg))
			o.progress(step.Name, StateSkipped, msg)
			continue
		}

		o.progress(step.Name, StatePending, fmt.Sprintf("step %d of %d", i+1, len(plan.Steps)))
		started := o.now()

		sub, err := o.prepare(step, predicted)
		if err != nil {
			return o.ledger, o.stepFailed(ctx, step.Name, err)
		}

		o.progress(step.Name, StateEstimatingFee, "")
		fee := o.fees.Estimate(ctx, o.simulation(step, sub, predicted))

		o.progress(step.Name, StateReconcilingNonce, "")
		nonce, err := o.nonces.Reconcile(ctx, o.signer.Address())
		if err != nil {
			return o.ledger, o.stepFailed(ctx, step.Name, err)
		}

		if o.cfg.DryRun {
			if dryNonce == nil {
				n := nonce.Confirmed
				dryNonce = &n
			}
			if !step.IsCall() {
				predicted[step.Name] = crypto.CreateAddress(o.signer.Address(), *dryNonce)
			} else {
				predicted[step.Name] = *sub.Tx.To
			}
			o.logger.Info("dry run",
				slog.String("step", step.Name),
				slog.String("address", predicted[step.Name].Hex()),
				slog.Uint64("nonce", *dryNonce),
				slog.Uint64("gas_limit", fee.GasLimit),
				slog.String("gas_price", fee.GasPrice.String()),
			)
			*dryNonce++
			o.progress(step.Name, StateConfirmed, "dry run")
			continue
		}

		o.progress(step.Name, StateSubmitting, fmt.Sprintf("nonce %d", nonce.Confirmed))
		rec, err := o.executor.Submit(ctx, sub, fee, nonce.Confirmed)
		if err != nil {
			metrics.StepDuration.WithLabelValues(string(ledger.StatusFailed)).Observe(time.Since(started).Seconds())
			return o.ledger, o.stepFailed(ctx, step.Name, err)
		}
		metrics.StepDuration.WithLabelValues(string(ledger.StatusConfirmed)).Observe(time.Since(started).Seconds())
		o.progress(step.Name, StateConfirmed, rec.Address.Hex())

		if i == len(plan.Steps)-1 {
			break
		}
		delay := o.cfg.StepDelay
		if step.DelayAfter != nil {
			delay = *step.DelayAfter
		}
		if err := sleep(ctx, delay); err != nil {
			return o.ledger, o.finish(ctx, ledger.RunCancelled, err)
		}
	}

	return o.ledger, o.finish(ctx, ledger.RunCompleted, nil)
}

// prepare resolves references and builds the transaction payload. It makes
// no network calls.
func (o *Orchestrator) prepare(step *Step, predicted map[string]common.Address) (Submission, error) {
	lookup := func(ref string) (common.Address, error) {
		if ref == SignerRef {
			return o.signer.Address(), nil
		}
		if rec, ok := o.ledger.Confirmed(ref); ok && rec.Address != nil {
			return *rec.Address, nil
		}
		if addr, ok := predicted[ref]; ok {
			return addr, nil
		}
		return common.Address{}, fmt.Errorf("%w: %s has no confirmed address", ErrUnresolvedReference, ref)
	}

	args, err := resolveArgs(step.Args, lookup)
	if err != nil {
		return Submission{}, err
	}
	value, err := step.ValueWei()
	if err != nil {
		return Submission{}, err
	}

	var tx *artifacts.UnsignedTx
	if step.IsCall() {
		target, err := o.resolveTarget(step.Target, lookup)
		if err != nil {
			return Submission{}, err
		}
		tx, err = o.builder.BuildCallTx(target, step.Artifact, step.Method, args, value)
		if err != nil {
			return Submission{}, fmt.Errorf("build call: %w", err)
		}
	} else {
		tx, err = o.builder.BuildCreationTx(step.Artifact, args)
		if err != nil {
			return Submission{}, fmt.Errorf("build creation: %w", err)
		}
		tx.Value = value
	}

	return Submission{Step: step.Name, Kind: step.Kind, Tx: tx}, nil
}

func (o *Orchestrator) resolveTarget(target string, lookup func(string) (common.Address, error)) (common.Address, error) {
	if ref, ok := ParseRef(target); ok {
		return lookup(ref)
	}
	if !common.IsHexAddress(target) {
		return common.Address{}, fmt.Errorf("target %q is not an address", target)
	}
	return common.HexToAddress(target), nil
}

// simulation returns the message to estimate gas with. In a dry run,
// steps depending on undeployed contracts cannot be simulated.
func (o *Orchestrator) simulation(step *Step, sub Submission, predicted map[string]common.Address) *ethereum.CallMsg {
	if o.cfg.DryRun && len(predicted) > 0 && dependsOnPredicted(step, predicted) {
		return nil
	}
	msg := sub.Tx.CallMsg(o.signer.Address(), nil)
	return &msg
}

func dependsOnPredicted(step *Step, predicted map[string]common.Address) bool {
	refs := collectRefs(step.Args)
	if ref, ok := ParseRef(step.Target); ok {
		refs = append(refs, ref)
	}
	for _, r := range refs {
		if _, ok := predicted[r]; ok {
			return true
		}
	}
	return false
}

func (o *Orchestrator) stepFailed(ctx context.Context, step string, err error) error {
	o.progress(step, StateFailed, err.Error())
	status := ledger.RunFailed
	if ctx.Err() != nil {
		status = ledger.RunCancelled
	}
	return o.finish(ctx, status, &StepError{Step: step, Err: err})
}

// finish records the run outcome, captures the final balance and flushes.
// It returns err unchanged.
func (o *Orchestrator) finish(ctx context.Context, status ledger.RunStatus, err error) error {
	if o.cfg.DryRun {
		return err
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	balance, berr := o.client.BalanceAt(bctx, o.signer.Address(), nil)
	if berr != nil {
		o.logger.Warn("failed to read final balance", slog.String("error", berr.Error()))
	}

	finished := o.now().UTC()
	o.ledger.UpdateMetadata(func(m *ledger.Metadata) {
		m.Status = status
		m.FinishedAt = &finished
		if balance != nil {
			m.FinalBalance = balance
		}
		if err != nil {
			m.Error = err.Error()
		}
	})

	if ferr := o.ledger.Flush(context.WithoutCancel(ctx)); ferr != nil {
		o.logger.Error("final ledger flush failed", slog.String("error", ferr.Error()))
		if err == nil {
			err = &RunError{Op: "write ledger", Err: ferr}
		}
	}

	attrs := []any{slog.String("status", string(status))}
	for _, p := range o.ledger.Paths() {
		attrs = append(attrs, slog.String("file", p))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		o.logger.Error("deployment stopped", attrs...)
	} else {
		o.logger.Info("deployment completed", attrs...)
	}
	return err
}

func (o *Orchestrator) progress(step string, state State, message string) {
	o.logger.Debug("step transition",
		slog.String("step", step),
		slog.String("state", state.String()),
	)
	if o.cfg.OnProgress != nil {
		o.cfg.OnProgress(step, state, message)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
