package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Network is a built-in description of a known chain. Values from a preset
// only fill settings that the config file and environment leave unset.
type Network struct {
	Name          string
	ChainID       uint64
	RPCURL        string
	ExplorerURL   string
	GasPriceFloor string
	// ForceFloor is set for networks whose fee oracle under-prices
	// transactions relative to what the operators accept.
	ForceFloor bool
	// Production networks refuse the dev signer.
	Production bool
}

var networks = map[string]Network{
	"neon-devnet": {
		Name:          "neon-devnet",
		ChainID:       245022926,
		RPCURL:        "https://devnet.neonevm.org",
		ExplorerURL:   "https://devnet.neonscan.org",
		GasPriceFloor: "3500gwei",
		ForceFloor:    true,
	},
	"neon-mainnet": {
		Name:          "neon-mainnet",
		ChainID:       245022934,
		RPCURL:        "https://neon-proxy-mainnet.solana.p2p.org",
		ExplorerURL:   "https://neonscan.org",
		GasPriceFloor: "3500gwei",
		ForceFloor:    true,
		Production:    true,
	},
	"anvil": {
		Name:          "anvil",
		ChainID:       31337,
		RPCURL:        "http://localhost:8545",
		GasPriceFloor: "1gwei",
	},
	"hardhat": {
		Name:          "hardhat",
		ChainID:       31337,
		RPCURL:        "http://localhost:8545",
		GasPriceFloor: "1gwei",
	},
}

// LookupNetwork returns the preset for a network name.
func LookupNetwork(name string) (Network, bool) {
	n, ok := networks[strings.ToLower(name)]
	return n, ok
}

// IsProductionChain reports whether chainID belongs to a known production
// network.
func IsProductionChain(chainID uint64) bool {
	for _, n := range networks {
		if n.Production && n.ChainID == chainID {
			return true
		}
	}
	return false
}

func applyPreset(v *viper.Viper, n Network) {
	v.SetDefault("network.chain_id", n.ChainID)
	v.SetDefault("network.rpc_url", n.RPCURL)
	v.SetDefault("network.explorer_url", n.ExplorerURL)
	v.SetDefault("fees.gas_price_floor", n.GasPriceFloor)
	v.SetDefault("fees.force_floor", n.ForceFloor)
}
