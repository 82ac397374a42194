// Package signer provides transaction signers for the deploying identity.
package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Bidon15/popdeploy/internal/config"
)

// Signer signs transactions for a single address.
type Signer interface {
	Address() common.Address
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// New builds the signer selected by cfg for chainID.
func New(cfg config.SignerConfig, chainID *big.Int) (Signer, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocalSigner(cfg.PrivateKey, chainID)
	case "dev":
		return NewDevSigner(cfg.DevAccount, chainID)
	case "remote":
		if !common.IsHexAddress(cfg.Address) {
			return nil, fmt.Errorf("remote signer address %q is not a hex address", cfg.Address)
		}
		return NewRemoteSigner(RemoteConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Address:  common.HexToAddress(cfg.Address),
			ChainID:  chainID,
		}), nil
	default:
		return nil, fmt.Errorf("unknown signer type %q", cfg.Type)
	}
}
