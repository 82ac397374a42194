package deploy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/popdeploy/internal/artifacts"
	"github.com/Bidon15/popdeploy/internal/chain/chaintest"
	"github.com/Bidon15/popdeploy/internal/ledger"
	"github.com/Bidon15/popdeploy/internal/signer"
)

var (
	floorPrice = big.NewInt(3_500_000_000_000)
	wneon      = common.HexToAddress("0x11adC2d986E334137b9ad0a0F290771F31e9517F")
)

type fakeBuilder struct {
	mu    sync.Mutex
	built []string
	args  map[string][]any
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{args: make(map[string][]any)}
}

func (b *fakeBuilder) BuildCreationTx(name string, args []any) (*artifacts.UnsignedTx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.built = append(b.built, name)
	b.args[name] = args
	return &artifacts.UnsignedTx{Data: []byte{0x60, 0x80, 0x60, 0x40}, Value: new(big.Int)}, nil
}

func (b *fakeBuilder) BuildCallTx(address common.Address, artifactName, method string, args []any, value *big.Int) (*artifacts.UnsignedTx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := artifactName + "." + method
	b.built = append(b.built, key)
	b.args[key] = append([]any{address}, args...)
	to := address
	return &artifacts.UnsignedTx{To: &to, Data: []byte{0xc9, 0xc6, 0x53, 0x96}, Value: value}, nil
}

func (b *fakeBuilder) Built() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.built...)
}

type countingSink struct {
	mu     sync.Mutex
	writes int
	last   *ledger.Snapshot
}

func (s *countingSink) Name() string { return "counting" }

func (s *countingSink) Write(_ context.Context, snap *ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.last = snap
	return nil
}

// stalledMirror never completes a write before its context ends.
type stalledMirror struct {
	mu     sync.Mutex
	writes int
}

func (m *stalledMirror) Name() string { return "postgres" }

func (m *stalledMirror) Write(ctx context.Context, _ *ledger.Snapshot) error {
	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (m *stalledMirror) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (s *countingSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type harness struct {
	client   *chaintest.MockClient
	signer   *signer.LocalSigner
	builder  *fakeBuilder
	sink     *countingSink
	ledger   *ledger.Ledger
	executor *Executor
	orch     *Orchestrator

	mu       sync.Mutex
	progress []string
}

type harnessConfig struct {
	Fee    FeeConfig
	Exec   ExecutorConfig
	Orch   OrchestratorConfig
	Ledger ledger.Config
}

func newHarness(t *testing.T, mutate func(*harnessConfig)) *harness {
	t.Helper()

	s, err := signer.NewDevSigner(0, big.NewInt(31337))
	require.NoError(t, err)

	h := &harness{
		client:  new(chaintest.MockClient),
		signer:  s,
		builder: newFakeBuilder(),
		sink:    &countingSink{},
	}

	cfg := harnessConfig{
		Fee: FeeConfig{
			GasPriceFloor:             floorPrice,
			ForceFloor:                true,
			DefaultGasLimit:           5_000_000,
			GasLimitFloor:             21_000,
			GasLimitMultiplierPercent: 150,
		},
		Exec: ExecutorConfig{
			Confirmations:       1,
			ConfirmationTimeout: time.Second,
			PollInterval:        5 * time.Millisecond,
			MaxPollInterval:     10 * time.Millisecond,
		},
		Orch: OrchestratorConfig{
			OnProgress: func(step string, state State, _ string) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.progress = append(h.progress, step+":"+state.String())
			},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.ledger = ledger.New(ledger.Metadata{
		RunID:     "run-test",
		Network:   "anvil",
		ChainID:   31337,
		Deployer:  s.Address(),
		StartedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}, ledger.Config{
		Sinks:         []ledger.Sink{h.sink},
		Mirrors:       cfg.Ledger.Mirrors,
		MirrorTimeout: cfg.Ledger.MirrorTimeout,
	})

	h.executor = NewExecutor(h.client, s, h.ledger, cfg.Exec)
	h.orch = NewOrchestrator(
		h.client,
		s,
		h.builder,
		NewFeeEstimator(h.client, cfg.Fee),
		NewNonceReconciler(h.client, nil),
		h.executor,
		h.ledger,
		cfg.Orch,
	)

	h.client.On("BalanceAt", mock.Anything, mock.Anything, mock.Anything).Return(big.NewInt(1e18), nil).Maybe()
	return h
}

func (h *harness) Progress() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.progress...)
}

// expectNonce makes both nonce reads return n.
func (h *harness) expectNonce(n uint64) {
	h.client.On("NonceAt", mock.Anything, h.signer.Address(), mock.Anything).Return(n, nil).Once()
	h.client.On("PendingNonceAt", mock.Anything, h.signer.Address()).Return(n, nil).Once()
}

// expectSend records sent transactions into sent.
func (h *harness) expectSend(err error, sent *[]*types.Transaction) *mock.Call {
	return h.client.On("SendTransaction", mock.Anything, mock.AnythingOfType("*types.Transaction")).
		Run(func(args mock.Arguments) {
			if sent != nil {
				*sent = append(*sent, args.Get(1).(*types.Transaction))
			}
		}).
		Return(err).Once()
}

func (h *harness) expectReceipt(receipt *types.Receipt) {
	h.client.On("TransactionReceipt", mock.Anything, mock.Anything).Return(receipt, nil).Once()
}

func minedAt(contract common.Address, gasUsed uint64) *types.Receipt {
	return chaintest.MinedReceipt(common.Hash{}, 100, gasUsed, contract)
}

func revertedReceipt() *types.Receipt {
	r := chaintest.MinedReceipt(common.Hash{}, 100, 50_000, common.Address{})
	r.Status = types.ReceiptStatusFailed
	return r
}

func zero() *time.Duration {
	d := time.Duration(0)
	return &d
}

func stepsNamed(names ...string) []Step {
	steps := make([]Step, len(names))
	for i, n := range names {
		steps[i] = Step{Name: n, Artifact: n, DelayAfter: zero()}
	}
	return steps
}

func mustPlan(t *testing.T, steps ...Step) *Plan {
	t.Helper()
	p := &Plan{Name: fmt.Sprintf("plan-%d", len(steps)), Steps: steps}
	require.NoError(t, p.Validate())
	return p
}
