package deploy

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/popdeploy/internal/artifacts"
	"github.com/Bidon15/popdeploy/internal/ledger"
)

func creation(step string) Submission {
	return Submission{
		Step: step,
		Kind: ledger.KindDeploy,
		Tx:   &artifacts.UnsignedTx{Data: []byte{0x60, 0x80}, Value: new(big.Int)},
	}
}

var testFee = FeeProfile{GasPrice: floorPrice, GasLimit: 150_000}

func TestExecutor_Confirmed(t *testing.T) {
	h := newHarness(t, nil)
	contract := crypto.CreateAddress(h.signer.Address(), 4)

	var sent []*types.Transaction
	h.expectSend(nil, &sent)
	h.expectReceipt(minedAt(contract, 120_000))

	rec, err := h.executor.Submit(context.Background(), creation("Token"), testFee, 4)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusConfirmed, rec.Status)
	require.NotNil(t, rec.Address)
	assert.Equal(t, contract, *rec.Address)
	assert.Equal(t, uint64(120_000), rec.GasUsed)
	assert.Equal(t, uint64(100), rec.BlockNumber)
	assert.Equal(t, uint64(1), rec.Confirmations)
	assert.Equal(t, 1, rec.Attempt)
	require.NotNil(t, rec.TransactionHash)

	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, floorPrice, tx.GasPrice())
	assert.Equal(t, uint64(150_000), tx.Gas())
	assert.Nil(t, tx.To())
	assert.Equal(t, tx.Hash(), *rec.TransactionHash)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, h.signer.Address(), from)

	// pending append, hash recorded, confirmation
	assert.Equal(t, 3, h.sink.Writes())
	stored, ok := h.ledger.Get("Token")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusConfirmed, stored.Status)
	h.client.AssertExpectations(t)
}

func TestExecutor_StalledMirrorDoesNotBlock(t *testing.T) {
	mirror := &stalledMirror{}
	h := newHarness(t, func(c *harnessConfig) {
		c.Exec.ConfirmationTimeout = 50 * time.Millisecond
		c.Ledger.Mirrors = []ledger.Sink{mirror}
		c.Ledger.MirrorTimeout = 10 * time.Millisecond
	})
	contract := crypto.CreateAddress(h.signer.Address(), 4)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(contract, 120_000))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.executor.Submit(ctx, creation("Token"), testFee, 4)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on the ledger mirror")
	}

	assert.Equal(t, 3, h.sink.Writes())
	assert.Equal(t, 3, mirror.Writes())
	stored, ok := h.ledger.Get("Token")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusConfirmed, stored.Status)
}

func TestExecutor_DerivesAddressWhenReceiptHasNone(t *testing.T) {
	h := newHarness(t, nil)
	h.expectSend(nil, nil)
	h.expectReceipt(minedAt(common.Address{}, 90_000))

	rec, err := h.executor.Submit(context.Background(), creation("Token"), testFee, 9)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(h.signer.Address(), 9), *rec.Address)
}

func TestExecutor_CallRecordsTarget(t *testing.T) {
	h := newHarness(t, nil)
	target := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	var sent []*types.Transaction
	h.expectSend(nil, &sent)
	h.expectReceipt(minedAt(common.Address{}, 45_000))

	sub := Submission{
		Step: "CreatePair",
		Kind: ledger.KindCall,
		Tx:   &artifacts.UnsignedTx{To: &target, Data: []byte{1, 2, 3, 4}, Value: big.NewInt(5)},
	}
	rec, err := h.executor.Submit(context.Background(), sub, testFee, 2)
	require.NoError(t, err)
	assert.Equal(t, target, *rec.Address)
	assert.Equal(t, &target, sent[0].To())
	assert.Equal(t, big.NewInt(5), sent[0].Value())
}

// Scenario C: a nonce conflict is retried once with confirmed+1.
func TestExecutor_RetryOnNonceTooLow(t *testing.T) {
	h := newHarness(t, nil)
	contract := crypto.CreateAddress(h.signer.Address(), 6)

	var sent []*types.Transaction
	h.expectSend(errors.New("nonce too low: next nonce 6, tx nonce 5"), &sent)
	h.client.On("NonceAt", mock.Anything, h.signer.Address(), mock.Anything).Return(uint64(5), nil).Once()
	h.expectSend(nil, &sent)
	h.expectReceipt(minedAt(contract, 100_000))

	rec, err := h.executor.Submit(context.Background(), creation("Factory"), testFee, 5)
	require.NoError(t, err)

	require.Len(t, sent, 2)
	assert.Equal(t, uint64(5), sent[0].Nonce())
	assert.Equal(t, uint64(6), sent[1].Nonce())
	assert.Equal(t, sent[0].GasPrice(), sent[1].GasPrice())
	assert.Equal(t, sent[0].Gas(), sent[1].Gas())

	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, uint64(6), rec.Nonce)

	records := h.ledger.Records("Factory")
	require.Len(t, records, 2)
	assert.Equal(t, ledger.StatusFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "nonce too low")
	assert.Nil(t, records[0].TransactionHash)
	assert.Equal(t, ledger.StatusConfirmed, records[1].Status)
	assert.Equal(t, uint64(6), records[1].Nonce)
	assert.NotEqual(t, records[0].AttemptID, records[1].AttemptID)
}

func TestExecutor_RetriesAtMostOnce(t *testing.T) {
	h := newHarness(t, nil)

	nonceErr := errors.New("replacement transaction underpriced")
	h.client.On("SendTransaction", mock.Anything, mock.Anything).Return(nonceErr)
	h.client.On("NonceAt", mock.Anything, mock.Anything, mock.Anything).Return(uint64(5), nil)

	rec, err := h.executor.Submit(context.Background(), creation("Factory"), testFee, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, nonceErr)

	h.client.AssertNumberOfCalls(t, "SendTransaction", 2)
	h.client.AssertNumberOfCalls(t, "NonceAt", 1)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Len(t, h.ledger.Records("Factory"), 2)
}

func TestExecutor_RereadStrategy(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.Exec.RetryStrategy = RetryReread
	})

	var sent []*types.Transaction
	h.expectSend(errors.New("nonce too low"), &sent)
	h.client.On("NonceAt", mock.Anything, mock.Anything, mock.Anything).Return(uint64(8), nil).Once()
	h.expectSend(nil, &sent)
	h.expectReceipt(minedAt(common.Address{}, 100_000))

	_, err := h.executor.Submit(context.Background(), creation("Factory"), testFee, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), sent[1].Nonce())
}

func TestExecutor_TerminalSendError(t *testing.T) {
	h := newHarness(t, nil)
	h.expectSend(errors.New("insufficient funds for gas * price + value"), nil)

	rec, err := h.executor.Submit(context.Background(), creation("Factory"), testFee, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	h.client.AssertNumberOfCalls(t, "SendTransaction", 1)
	h.client.AssertNotCalled(t, "NonceAt", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecutor_Reverted(t *testing.T) {
	h := newHarness(t, nil)
	h.expectSend(nil, nil)
	h.expectReceipt(revertedReceipt())

	rec, err := h.executor.Submit(context.Background(), creation("Factory"), testFee, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReverted)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "execution reverted")
	assert.Nil(t, rec.Address)
	assert.NotNil(t, rec.TransactionHash)
	assert.Equal(t, uint64(50_000), rec.GasUsed)
	h.client.AssertNumberOfCalls(t, "SendTransaction", 1)
}

// Scenario D: the confirmation wait times out; the hash stays in the record.
func TestExecutor_ConfirmationTimeout(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.Exec.ConfirmationTimeout = 50 * time.Millisecond
	})
	var sent []*types.Transaction
	h.expectSend(nil, &sent)
	h.client.On("TransactionReceipt", mock.Anything, mock.Anything).Return(nil, ethereum.NotFound)

	rec, err := h.executor.Submit(context.Background(), creation("Factory"), testFee, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)

	assert.Equal(t, ledger.StatusFailed, rec.Status)
	require.NotNil(t, rec.TransactionHash)
	assert.Equal(t, sent[0].Hash(), *rec.TransactionHash)
	assert.Contains(t, rec.ErrorMessage, "confirmation timeout")
	assert.NotNil(t, rec.FinishedAt)
	h.client.AssertNumberOfCalls(t, "SendTransaction", 1)

	stored, _ := h.ledger.Get("Factory")
	assert.Equal(t, *rec.TransactionHash, *stored.TransactionHash)
}

func TestExecutor_WaitSurvivesCancellation(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.client.On("SendTransaction", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil).Once()
	h.expectReceipt(minedAt(common.HexToAddress("0x01"), 100_000))

	rec, err := h.executor.Submit(ctx, creation("Factory"), testFee, 5)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, rec.Status)
}

func TestExecutor_SignFailure(t *testing.T) {
	h := newHarness(t, nil)
	ms := new(mockSigner)
	ms.On("Address").Return(h.signer.Address())
	ms.On("SignTransaction", mock.Anything, mock.Anything).Return(nil, errors.New("signer unavailable"))

	exec := NewExecutor(h.client, ms, h.ledger, ExecutorConfig{})
	rec, err := exec.Submit(context.Background(), creation("Factory"), testFee, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sign transaction: signer unavailable")
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	h.client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) Address() common.Address {
	return m.Called().Get(0).(common.Address)
}

func (m *mockSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Transaction), args.Error(1)
}
