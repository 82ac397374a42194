package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/popdeploy/internal/config"
)

const anvil0 = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

// mockHTTPClient replays canned responses.
type mockHTTPClient struct {
	responses []mockResponse
	callCount int
	requests  []*http.Request
	bodies    []string
}

type mockResponse struct {
	statusCode int
	body       string
	err        error
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		m.bodies = append(m.bodies, string(b))
	}

	if m.callCount >= len(m.responses) {
		return nil, fmt.Errorf("no more mock responses configured")
	}
	resp := m.responses[m.callCount]
	m.callCount++

	if resp.err != nil {
		return nil, resp.err
	}
	return &http.Response{
		StatusCode: resp.statusCode,
		Body:       io.NopCloser(strings.NewReader(resp.body)),
		Header:     make(http.Header),
	}, nil
}

func testTx() *types.Transaction {
	to := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e")
	return types.NewTx(&types.LegacyTx{
		Nonce:    7,
		GasPrice: big.NewInt(3500e9),
		Gas:      100000,
		To:       &to,
		Value:    big.NewInt(1),
		Data:     []byte{0xde, 0xad},
	})
}

func signedHex(t *testing.T, tx *types.Transaction, chainID *big.Int) string {
	t.Helper()
	return signedHexBy(t, 0, tx, chainID)
}

func signedHexBy(t *testing.T, account int, tx *types.Transaction, chainID *big.Int) string {
	t.Helper()
	s, err := NewDevSigner(account, chainID)
	require.NoError(t, err)
	signed, err := s.SignTransaction(context.Background(), tx)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return hexutil.Encode(raw)
}

func rpcResult(result string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":%q}`, result)
}

func TestNewLocalSigner(t *testing.T) {
	chainID := big.NewInt(245022926)

	s, err := NewLocalSigner("0x"+DevPrivateKeys[0], chainID)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(anvil0), s.Address())
	assert.Equal(t, chainID, s.ChainID())

	_, err = NewLocalSigner("not-a-key", chainID)
	assert.Error(t, err)

	_, err = NewLocalSigner(DevPrivateKeys[0], nil)
	assert.Error(t, err)
}

func TestLocalSigner_SignTransaction(t *testing.T) {
	chainID := big.NewInt(245022926)
	s, err := NewLocalSigner(DevPrivateKeys[1], chainID)
	require.NoError(t, err)

	signed, err := s.SignTransaction(context.Background(), testTx())
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender)
	assert.Equal(t, chainID, signed.ChainId())
}

func TestNewDevSigner(t *testing.T) {
	tests := []struct {
		name    string
		account int
		chainID int64
		wantErr bool
	}{
		{"anvil", 0, 31337, false},
		{"neon devnet", 3, 245022926, false},
		{"ethereum mainnet", 0, 1, true},
		{"neon mainnet", 0, 245022934, true},
		{"base", 0, 8453, true},
		{"account out of range", 10, 31337, true},
		{"negative account", -1, 31337, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewDevSigner(tt.account, big.NewInt(tt.chainID))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, common.Address{}, s.Address())
		})
	}
}

func TestNew(t *testing.T) {
	chainID := big.NewInt(31337)

	s, err := New(config.SignerConfig{Type: "local", PrivateKey: DevPrivateKeys[0]}, chainID)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(anvil0), s.Address())

	s, err = New(config.SignerConfig{Type: "dev", DevAccount: 0}, chainID)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(anvil0), s.Address())

	s, err = New(config.SignerConfig{Type: "remote", Endpoint: "http://signer", Address: anvil0}, chainID)
	require.NoError(t, err)
	assert.IsType(t, &RemoteSigner{}, s)

	_, err = New(config.SignerConfig{Type: "remote", Endpoint: "http://signer", Address: "nope"}, chainID)
	assert.Error(t, err)

	_, err = New(config.SignerConfig{Type: "hsm"}, chainID)
	assert.Error(t, err)
}

func TestRemoteSigner_SignTransaction(t *testing.T) {
	chainID := big.NewInt(31337)
	tx := testTx()
	good := signedHex(t, tx, chainID)

	tests := []struct {
		name          string
		responses     []mockResponse
		wantErr       bool
		wantCallCount int
	}{
		{
			name:          "success",
			responses:     []mockResponse{{statusCode: 200, body: rpcResult(good)}},
			wantCallCount: 1,
		},
		{
			name:          "success with wrapped result",
			responses:     []mockResponse{{statusCode: 200, body: fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":{"raw":%q}}`, good)}},
			wantCallCount: 1,
		},
		{
			name: "retry on 5xx then succeed",
			responses: []mockResponse{
				{statusCode: 503, body: "unavailable"},
				{statusCode: 200, body: rpcResult(good)},
			},
			wantCallCount: 2,
		},
		{
			name: "retry on transport error then succeed",
			responses: []mockResponse{
				{err: errors.New("connection refused")},
				{statusCode: 200, body: rpcResult(good)},
			},
			wantCallCount: 2,
		},
		{
			name: "retry on server rpc error",
			responses: []mockResponse{
				{statusCode: 200, body: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"busy"}}`},
				{statusCode: 200, body: rpcResult(good)},
			},
			wantCallCount: 2,
		},
		{
			name:          "no retry on 4xx",
			responses:     []mockResponse{{statusCode: 401, body: "unauthorized"}},
			wantErr:       true,
			wantCallCount: 1,
		},
		{
			name:          "no retry on invalid params",
			responses:     []mockResponse{{statusCode: 200, body: `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`}},
			wantErr:       true,
			wantCallCount: 1,
		},
		{
			name: "gives up after max retries",
			responses: []mockResponse{
				{statusCode: 500, body: "a"},
				{statusCode: 500, body: "b"},
				{statusCode: 500, body: "c"},
			},
			wantErr:       true,
			wantCallCount: 3,
		},
		{
			name:          "bad hex",
			responses:     []mockResponse{{statusCode: 200, body: rpcResult("0xzz")}},
			wantErr:       true,
			wantCallCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpClient := &mockHTTPClient{responses: tt.responses}
			s := NewRemoteSigner(RemoteConfig{
				Endpoint:       "http://signer.local",
				APIKey:         "psk_test",
				Address:        common.HexToAddress(anvil0),
				ChainID:        chainID,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     2 * time.Millisecond,
				HTTPClient:     httpClient,
			})

			signed, err := s.SignTransaction(context.Background(), tx)
			assert.Equal(t, tt.wantCallCount, httpClient.callCount)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tx.Nonce(), signed.Nonce())
			assert.Equal(t, "psk_test", httpClient.requests[0].Header.Get("X-API-Key"))
		})
	}
}

func TestRemoteSigner_RejectsMismatchedTransaction(t *testing.T) {
	chainID := big.NewInt(31337)
	dead := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	// modified returns testTx with one field changed.
	modified := func(fn func(*types.LegacyTx)) *types.Transaction {
		inner := &types.LegacyTx{
			Nonce:    testTx().Nonce(),
			GasPrice: testTx().GasPrice(),
			Gas:      testTx().Gas(),
			To:       testTx().To(),
			Value:    testTx().Value(),
			Data:     testTx().Data(),
		}
		fn(inner)
		return types.NewTx(inner)
	}

	tests := []struct {
		name     string
		returned string
		wantMsg  string
	}{
		{"nonce", signedHex(t, modified(func(tx *types.LegacyTx) { tx.Nonce = 99 }), chainID), "nonce"},
		{"gas", signedHex(t, modified(func(tx *types.LegacyTx) { tx.Gas = 21000 }), chainID), "gas"},
		{"gas price", signedHex(t, modified(func(tx *types.LegacyTx) { tx.GasPrice = big.NewInt(1) }), chainID), "gas price"},
		{"value", signedHex(t, modified(func(tx *types.LegacyTx) { tx.Value = big.NewInt(1e18) }), chainID), "value"},
		{"recipient", signedHex(t, modified(func(tx *types.LegacyTx) { tx.To = &dead }), chainID), "recipient"},
		{"creation turned into call", signedHex(t, modified(func(tx *types.LegacyTx) { tx.To = nil }), chainID), "recipient"},
		{"data", signedHex(t, modified(func(tx *types.LegacyTx) { tx.Data = nil }), chainID), "data"},
		{"chain id", signedHex(t, testTx(), big.NewInt(1)), "chain id"},
		{"sender", signedHexBy(t, 1, testTx(), chainID), "signed by"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpClient := &mockHTTPClient{responses: []mockResponse{{statusCode: 200, body: rpcResult(tt.returned)}}}
			s := NewRemoteSigner(RemoteConfig{
				Endpoint:   "http://signer.local",
				Address:    common.HexToAddress(anvil0),
				ChainID:    chainID,
				HTTPClient: httpClient,
			})

			signed, err := s.SignTransaction(context.Background(), testTx())
			require.ErrorIs(t, err, ErrSignedMismatch)
			assert.ErrorContains(t, err, tt.wantMsg)
			assert.Nil(t, signed)
			assert.Equal(t, 1, httpClient.callCount)
		})
	}
}

func TestRemoteSigner_ContextCancelledDuringBackoff(t *testing.T) {
	httpClient := &mockHTTPClient{responses: []mockResponse{
		{statusCode: 503, body: "unavailable"},
		{statusCode: 503, body: "unavailable"},
		{statusCode: 503, body: "unavailable"},
	}}
	s := NewRemoteSigner(RemoteConfig{
		Endpoint:       "http://signer.local",
		Address:        common.HexToAddress(anvil0),
		ChainID:        big.NewInt(31337),
		InitialBackoff: time.Hour,
		HTTPClient:     httpClient,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.SignTransaction(ctx, testTx())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, httpClient.callCount)
}

func TestRemoteSigner_RequestFormat(t *testing.T) {
	chainID := big.NewInt(245022926)
	tx := testTx()
	httpClient := &mockHTTPClient{responses: []mockResponse{{statusCode: 200, body: rpcResult(signedHex(t, tx, chainID))}}}
	s := NewRemoteSigner(RemoteConfig{
		Endpoint:   "http://signer.local",
		Address:    common.HexToAddress(anvil0),
		ChainID:    chainID,
		HTTPClient: httpClient,
	})

	_, err := s.SignTransaction(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, httpClient.bodies, 1)

	var req struct {
		Method string            `json:"method"`
		Params []transactionArgs `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(httpClient.bodies[0]), &req))
	assert.Equal(t, "eth_signTransaction", req.Method)
	require.Len(t, req.Params, 1)

	args := req.Params[0]
	assert.Equal(t, common.HexToAddress(anvil0).Hex(), args.From)
	assert.Equal(t, "0x7", args.Nonce)
	assert.Equal(t, "0x186a0", args.Gas)
	assert.Equal(t, hexutil.EncodeBig(big.NewInt(3500e9)), args.GasPrice)
	assert.Equal(t, "0xdead", args.Data)
	assert.Equal(t, hexutil.EncodeBig(chainID), args.ChainID)
	require.NotNil(t, args.To)
	assert.Empty(t, httpClient.requests[0].Header.Get("X-API-Key"))
}

func TestIsRetryableRPCError(t *testing.T) {
	assert.True(t, isRetryableRPCError(-32000))
	assert.True(t, isRetryableRPCError(-32099))
	assert.False(t, isRetryableRPCError(-32602))
	assert.False(t, isRetryableRPCError(-32100))
}

func TestRetryableError(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", &RetryableError{Err: inner})
	assert.True(t, isRetryableError(err))
	assert.ErrorIs(t, err, inner)
	assert.False(t, isRetryableError(inner))
}
