package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrSignedMismatch is returned when the remote signer returns a transaction
// other than the one requested, or one signed by another key.
var ErrSignedMismatch = errors.New("remote signer returned a mismatched transaction")

// RemoteConfig configures a RemoteSigner.
type RemoteConfig struct {
	// Endpoint is a JSON-RPC endpoint implementing eth_signTransaction.
	Endpoint string
	// APIKey is sent in the X-API-Key header when set.
	APIKey string
	// Address is the account the endpoint signs for.
	Address common.Address
	// ChainID is the chain ID for EIP-155 signing.
	ChainID *big.Int
	// MaxRetries is the maximum number of attempts (default: 3).
	MaxRetries int
	// InitialBackoff is the first retry delay (default: 1s).
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay (default: 10s).
	MaxBackoff time.Duration
	// HTTPClient is an optional custom HTTP client.
	HTTPClient HTTPClient
}

// HTTPClient interface for HTTP operations (allows mocking in tests).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteSigner signs transactions through a remote eth_signTransaction
// endpoint, keeping the private key out of this process.
type RemoteSigner struct {
	config RemoteConfig
	client HTTPClient
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type transactionArgs struct {
	From     string  `json:"from"`
	To       *string `json:"to,omitempty"`
	Gas      string  `json:"gas"`
	GasPrice string  `json:"gasPrice"`
	Value    string  `json:"value"`
	Nonce    string  `json:"nonce"`
	Data     string  `json:"data,omitempty"`
	ChainID  string  `json:"chainId"`
}

// NewRemoteSigner creates a RemoteSigner.
func NewRemoteSigner(cfg RemoteConfig) *RemoteSigner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &RemoteSigner{config: cfg, client: client}
}

// Address returns the account the endpoint signs for.
func (s *RemoteSigner) Address() common.Address {
	return s.config.Address
}

// SignTransaction signs tx via eth_signTransaction. Transport failures and
// server-side JSON-RPC errors are retried with exponential backoff. The
// signed transaction must carry exactly the requested fields and be signed
// by the configured address.
func (s *RemoteSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	rpcReq := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "eth_signTransaction",
		Params:  []any{s.buildTransactionArgs(tx)},
		ID:      1,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.InitialBackoff
	policy.MaxInterval = s.config.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.RandomizationFactor = 0

	attempts := 0
	var signedTxHex string
	call := func() error {
		attempts++
		out, err := s.doJSONRPCCall(ctx, rpcReq)
		if err != nil {
			if !isRetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		signedTxHex = out
		return nil
	}

	retries := uint64(s.config.MaxRetries - 1)
	if err := backoff.Retry(call, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !isRetryableError(err) {
			return nil, fmt.Errorf("signing failed: %w", err)
		}
		return nil, fmt.Errorf("signing failed after %d attempts: %w", attempts, err)
	}

	signedTx, err := decodeSignedTransaction(signedTxHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	if err := s.checkSigned(tx, signedTx); err != nil {
		return nil, err
	}
	return signedTx, nil
}

// checkSigned compares the returned transaction with the request and
// recovers its sender.
func (s *RemoteSigner) checkSigned(want, got *types.Transaction) error {
	var field string
	switch {
	case got.Nonce() != want.Nonce():
		field = "nonce"
	case got.Gas() != want.Gas():
		field = "gas"
	case got.GasPrice().Cmp(want.GasPrice()) != 0:
		field = "gas price"
	case got.Value().Cmp(want.Value()) != 0:
		field = "value"
	case !sameRecipient(got.To(), want.To()):
		field = "recipient"
	case !bytes.Equal(got.Data(), want.Data()):
		field = "data"
	case got.ChainId().Cmp(s.config.ChainID) != 0:
		field = "chain id"
	}
	if field != "" {
		return fmt.Errorf("%w: %s does not match the request", ErrSignedMismatch, field)
	}

	from, err := types.Sender(types.LatestSignerForChainID(s.config.ChainID), got)
	if err != nil {
		return fmt.Errorf("%w: recover sender: %v", ErrSignedMismatch, err)
	}
	if from != s.config.Address {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrSignedMismatch, from.Hex(), s.config.Address.Hex())
	}
	return nil
}

func sameRecipient(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *RemoteSigner) buildTransactionArgs(tx *types.Transaction) transactionArgs {
	args := transactionArgs{
		From:     s.config.Address.Hex(),
		Gas:      hexutil.EncodeUint64(tx.Gas()),
		GasPrice: hexutil.EncodeBig(tx.GasPrice()),
		Value:    hexutil.EncodeBig(tx.Value()),
		Nonce:    hexutil.EncodeUint64(tx.Nonce()),
		ChainID:  hexutil.EncodeBig(s.config.ChainID),
	}

	if tx.To() != nil {
		to := tx.To().Hex()
		args.To = &to
	}
	if len(tx.Data()) > 0 {
		args.Data = hexutil.Encode(tx.Data())
	}

	return args
}

func (s *RemoteSigner) doJSONRPCCall(ctx context.Context, rpcReq jsonRPCRequest) (string, error) {
	reqBody, err := json.Marshal(rpcReq)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", s.config.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", &RetryableError{Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RetryableError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return "", &RetryableError{Err: fmt.Errorf("server error: %d %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("client error: %d %s", resp.StatusCode, string(body))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		rpcErr := fmt.Errorf("JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		if isRetryableRPCError(rpcResp.Error.Code) {
			return "", &RetryableError{Err: rpcErr}
		}
		return "", rpcErr
	}

	// Some signers return the raw hex, others {"raw": "0x..", "tx": {..}}.
	var signedTxHex string
	if err := json.Unmarshal(rpcResp.Result, &signedTxHex); err == nil {
		return signedTxHex, nil
	}
	var wrapped struct {
		Raw string `json:"raw"`
	}
	if err := json.Unmarshal(rpcResp.Result, &wrapped); err != nil || wrapped.Raw == "" {
		return "", fmt.Errorf("unmarshal result: unexpected shape %s", string(rpcResp.Result))
	}
	return wrapped.Raw, nil
}

// decodeSignedTransaction decodes an RLP- or typed-envelope-encoded signed
// transaction.
func decodeSignedTransaction(hexEncodedTx string) (*types.Transaction, error) {
	txBytes, err := hexutil.Decode("0x" + strings.TrimPrefix(hexEncodedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(txBytes); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// RetryableError indicates a signing error that can be retried.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func isRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// isRetryableRPCError reports whether a JSON-RPC error code is a server
// error (-32000 to -32099) that may be transient.
func isRetryableRPCError(code int) bool {
	return code >= -32099 && code <= -32000
}

var _ Signer = (*RemoteSigner)(nil)
