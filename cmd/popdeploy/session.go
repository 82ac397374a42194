package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/Bidon15/popdeploy/internal/chain"
	"github.com/Bidon15/popdeploy/internal/config"
	"github.com/Bidon15/popdeploy/internal/deploy"
	"github.com/Bidon15/popdeploy/internal/signer"
)

// dialer is replaced in tests.
var dialer chain.Dialer = chain.EthDialer{}

// session is a connected node plus the signer for its chain.
type session struct {
	client  chain.Client
	chainID *big.Int
	signer  signer.Signer
}

func (s *session) Close() {
	s.client.Close()
}

// connect dials the configured node, checks its chain id and builds the
// signer for it.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, error) {
	client, err := dialer.Dial(ctx, cfg.Network.RPCURL)
	if err != nil {
		return nil, &deploy.RunError{Op: "dial rpc", Err: err}
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, &deploy.RunError{Op: "read chain id", Err: err}
	}
	if cfg.Network.ChainID != 0 && chainID.Uint64() != cfg.Network.ChainID {
		client.Close()
		return nil, &deploy.RunError{
			Op:  "check chain id",
			Err: fmt.Errorf("node reports %s, network %s expects %d", chainID, cfg.Network.Name, cfg.Network.ChainID),
		}
	}

	s, err := signer.New(cfg.Signer, chainID)
	if err != nil {
		client.Close()
		return nil, &deploy.RunError{Op: "create signer", Err: err}
	}

	if config.IsProductionChain(chainID.Uint64()) {
		logger.Warn("deploying to a production network",
			slog.String("network", cfg.Network.Name),
			slog.Uint64("chain_id", chainID.Uint64()),
		)
	}
	logger.Debug("connected",
		slog.String("rpc_url", cfg.Network.RPCURL),
		slog.Uint64("chain_id", chainID.Uint64()),
		slog.String("signer", s.Address().Hex()),
	)

	return &session{client: client, chainID: chainID, signer: s}, nil
}
