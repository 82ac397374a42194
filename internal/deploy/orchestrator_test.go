package deploy

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/popdeploy/internal/ledger"
)

func TestOrchestrator_RunsPlanInOrder(t *testing.T) {
	h := newHarness(t, nil)
	deployer := h.signer.Address()
	factory := crypto.CreateAddress(deployer, 0)
	router := crypto.CreateAddress(deployer, 1)

	h.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)

	h.expectNonce(0)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(factory, 90_000))

	h.expectNonce(1)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(router, 95_000))

	plan := mustPlan(t,
		Step{Name: "Factory", Artifact: "PancakeFactory", Args: []any{"ref:@signer"}},
		Step{Name: "Router", Artifact: "PancakeRouter", Args: []any{"ref:Factory.address", wneon.Hex()}},
	)

	l, err := h.orch.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"PancakeFactory", "PancakeRouter"}, h.builder.Built())
	assert.Equal(t, []any{deployer}, h.builder.args["PancakeFactory"])
	assert.Equal(t, []any{factory, wneon.Hex()}, h.builder.args["PancakeRouter"])

	rec, ok := l.Confirmed("Router")
	require.True(t, ok)
	assert.Equal(t, router, *rec.Address)
	assert.Equal(t, uint64(150_000), rec.GasLimit)

	snap := l.Snapshot()
	for _, r := range snap.Records {
		if r.IsConfirmed() {
			assert.NotNil(t, r.Address)
			assert.Positive(t, r.GasUsed)
		}
	}
	assert.Equal(t, ledger.RunCompleted, snap.Metadata.Status)
	assert.Equal(t, big.NewInt(1e18), snap.Metadata.FinalBalance)
	assert.NotNil(t, snap.Metadata.FinishedAt)

	assert.Equal(t, []string{
		"Factory:PENDING", "Factory:ESTIMATING_FEE", "Factory:RECONCILING_NONCE", "Factory:SUBMITTING", "Factory:CONFIRMED",
		"Router:PENDING", "Router:ESTIMATING_FEE", "Router:RECONCILING_NONCE", "Router:SUBMITTING", "Router:CONFIRMED",
	}, h.Progress())

	// run start, three per step, run end
	assert.Equal(t, 1+3*2+1, h.sink.Writes())
	h.client.AssertExpectations(t)
}

// Scenario A: a failed simulation falls back to the default gas limit and
// the step still confirms.
func TestOrchestrator_SimulationFailureUsesDefaultLimit(t *testing.T) {
	h := newHarness(t, nil)
	token := crypto.CreateAddress(h.signer.Address(), 0)

	h.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("gas required exceeds allowance"))
	h.expectNonce(0)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(token, 1_200_000))

	plan := mustPlan(t, Step{Name: "TokenX", Artifact: "Token", Args: []any{"1000000"}})

	l, err := h.orch.Run(context.Background(), plan)
	require.NoError(t, err)

	rec, ok := l.Confirmed("TokenX")
	require.True(t, ok)
	assert.Equal(t, uint64(5_000_000), rec.GasLimit)
	assert.Equal(t, token, *rec.Address)
}

// Scenario B: a reverted Factory stops the run before Router.
func TestOrchestrator_StopsOnFailure(t *testing.T) {
	h := newHarness(t, nil)

	h.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	h.expectNonce(0)
	h.expectSend(nil, nil)
	h.expectReceipt(revertedReceipt())

	plan := mustPlan(t,
		Step{Name: "Factory", Artifact: "PancakeFactory"},
		Step{Name: "Router", Artifact: "PancakeRouter", Args: []any{"ref:Factory", wneon.Hex()}},
	)

	l, err := h.orch.Run(context.Background(), plan)
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "Factory", stepErr.Step)
	assert.ErrorIs(t, err, ErrReverted)

	assert.Equal(t, []string{"PancakeFactory"}, h.builder.Built())
	snap := l.Snapshot()
	require.Len(t, snap.Records, 1)
	assert.Equal(t, ledger.StatusFailed, snap.Records[0].Status)
	_, ok := l.Confirmed("Factory")
	assert.False(t, ok)
	assert.Equal(t, ledger.RunFailed, snap.Metadata.Status)
	assert.Contains(t, snap.Metadata.Error, "step Factory")

	// the last flush carries the terminal state
	assert.Equal(t, ledger.RunFailed, h.sink.last.Metadata.Status)
	h.client.AssertNumberOfCalls(t, "SendTransaction", 1)
}

func TestOrchestrator_SkipsConfirmedSteps(t *testing.T) {
	h := newHarness(t, nil)
	router := common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	pair := crypto.CreateAddress(h.signer.Address(), 7)

	prev := &ledger.Snapshot{Records: []ledger.Record{
		{StepName: "Router", AttemptID: "old", Address: &router, GasUsed: 1, Status: ledger.StatusConfirmed},
	}}
	require.Equal(t, 1, h.ledger.Restore(prev, "previous.json"))

	h.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	h.expectNonce(7)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(pair, 80_000))

	plan := mustPlan(t,
		Step{Name: "Router", Artifact: "PancakeRouter", DelayAfter: zero()},
		Step{Name: "Helper", Artifact: "Helper", Args: []any{"ref:Router"}},
	)

	_, err := h.orch.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"Helper"}, h.builder.Built())
	assert.Equal(t, []any{router}, h.builder.args["Helper"])
	assert.Contains(t, h.Progress(), "Router:SKIPPED")
	h.client.AssertNumberOfCalls(t, "SendTransaction", 1)
}

func TestOrchestrator_UnresolvedReferenceMakesNoNetworkCall(t *testing.T) {
	h := newHarness(t, nil)

	step := &Step{Name: "Router", Artifact: "PancakeRouter", Kind: ledger.KindDeploy, Args: []any{"ref:Factory"}}
	_, err := h.orch.prepare(step, map[string]common.Address{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvedReference)
	assert.Empty(t, h.builder.Built())

	call := &Step{Name: "Pair", Artifact: "PancakeFactory", Kind: ledger.KindCall, Target: "ref:Factory", Method: "createPair"}
	_, err = h.orch.prepare(call, map[string]common.Address{})
	assert.ErrorIs(t, err, ErrUnresolvedReference)

	h.client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
	h.client.AssertNotCalled(t, "EstimateGas", mock.Anything, mock.Anything)
	h.client.AssertNotCalled(t, "NonceAt", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_CallStep(t *testing.T) {
	h := newHarness(t, nil)
	factory := crypto.CreateAddress(h.signer.Address(), 0)

	h.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	h.expectNonce(0)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(factory, 90_000))
	h.expectNonce(1)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(common.Address{}, 60_000))

	plan := mustPlan(t,
		Step{Name: "Factory", Artifact: "PancakeFactory", DelayAfter: zero()},
		Step{Name: "CreatePair", Kind: ledger.KindCall, Artifact: "PancakeFactory", Target: "ref:Factory", Method: "createPair", Args: []any{wneon.Hex(), "ref:@signer"}, Value: "1gwei"},
	)

	l, err := h.orch.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []any{factory, wneon.Hex(), h.signer.Address()}, h.builder.args["PancakeFactory.createPair"])
	rec, ok := l.Confirmed("CreatePair")
	require.True(t, ok)
	assert.Equal(t, ledger.KindCall, rec.Kind)
	assert.Equal(t, factory, *rec.Address)
}

func TestOrchestrator_CancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, func(c *harnessConfig) {
		c.Orch.StepDelay = time.Hour
		c.Orch.OnProgress = func(step string, state State, _ string) {
			if step == "Factory" && state == StateConfirmed {
				cancel()
			}
		}
	})

	h.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	h.expectNonce(0)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(common.HexToAddress("0x01"), 90_000))

	plan := mustPlan(t,
		Step{Name: "Factory", Artifact: "PancakeFactory"},
		Step{Name: "Router", Artifact: "PancakeRouter"},
	)

	start := time.Now()
	l, err := h.orch.Run(ctx, plan)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Less(t, time.Since(start), 10*time.Second)

	_, ok := l.Confirmed("Factory")
	assert.True(t, ok)
	_, ok = l.Get("Router")
	assert.False(t, ok)
	assert.Equal(t, ledger.RunCancelled, l.Metadata().Status)
	h.client.AssertNumberOfCalls(t, "SendTransaction", 1)
}

func TestOrchestrator_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Run(ctx, mustPlan(t, stepsNamed("A", "B")...))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.builder.Built())
	assert.Equal(t, ledger.RunCancelled, h.ledger.Metadata().Status)
}

func TestOrchestrator_NonceReadFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	h.client.On("NonceAt", mock.Anything, mock.Anything, mock.Anything).Return(uint64(0), errors.New("rpc down"))

	_, err := h.orch.Run(context.Background(), mustPlan(t, stepsNamed("A")...))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "A", stepErr.Step)
	h.client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestOrchestrator_InvalidPlan(t *testing.T) {
	h := newHarness(t, nil)
	plan := &Plan{Steps: []Step{{Name: "A", Artifact: "A", Args: []any{"ref:Missing"}}}}

	_, err := h.orch.Run(context.Background(), plan)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "validate plan", runErr.Op)
	assert.Empty(t, h.builder.Built())
}

func TestOrchestrator_DryRun(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.Orch.DryRun = true
		c.Orch.StepDelay = time.Hour
	})
	deployer := h.signer.Address()

	h.client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil).Once()
	h.client.On("NonceAt", mock.Anything, mock.Anything, mock.Anything).Return(uint64(3), nil)
	h.client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(3), nil)

	plan := mustPlan(t,
		Step{Name: "Factory", Artifact: "PancakeFactory"},
		Step{Name: "Router", Artifact: "PancakeRouter", Args: []any{"ref:Factory"}},
	)

	l, err := h.orch.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []any{crypto.CreateAddress(deployer, 3)}, h.builder.args["PancakeRouter"])
	assert.Empty(t, l.Snapshot().Records)
	assert.Equal(t, 0, h.sink.Writes())
	h.client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
	// Router depends on an undeployed contract and is not simulated
	h.client.AssertNumberOfCalls(t, "EstimateGas", 1)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), 0))
	assert.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleep(ctx, 0), context.Canceled)
}
