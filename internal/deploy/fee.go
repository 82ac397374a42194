package deploy

import (
	"context"
	"log/slog"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"

	"github.com/Bidon15/popdeploy/internal/metrics"
	"github.com/Bidon15/popdeploy/internal/pkg/units"
)

// FeeProfile is the gas price and gas limit of one attempt.
type FeeProfile struct {
	GasPrice *big.Int
	GasLimit uint64
}

// FeeClient is the subset of chain.Client used for pricing.
type FeeClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
}

// FeeConfig configures a FeeEstimator.
type FeeConfig struct {
	// GasPriceFloor is the minimum gas price, and the price used whenever
	// the oracle cannot be trusted.
	GasPriceFloor *big.Int
	// ForceFloor always uses GasPriceFloor, for networks whose oracle
	// under-prices transactions.
	ForceFloor                bool
	DefaultGasLimit           uint64
	GasLimitFloor             uint64
	GasLimitMultiplierPercent uint64
	Logger                    *slog.Logger
}

// FeeEstimator prices transactions. It never fails: oracle and simulation
// errors degrade to configured fallbacks.
type FeeEstimator struct {
	client FeeClient
	cfg    FeeConfig
	logger *slog.Logger
}

// NewFeeEstimator creates a FeeEstimator.
func NewFeeEstimator(client FeeClient, cfg FeeConfig) *FeeEstimator {
	if cfg.GasPriceFloor == nil || cfg.GasPriceFloor.Sign() <= 0 {
		cfg.GasPriceFloor = big.NewInt(1)
	}
	if cfg.GasLimitFloor == 0 {
		cfg.GasLimitFloor = 21_000
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 5_000_000
	}
	if cfg.GasLimitMultiplierPercent < 100 {
		cfg.GasLimitMultiplierPercent = 150
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FeeEstimator{client: client, cfg: cfg, logger: logger}
}

// Estimate returns the fee profile for the next transaction. A nil call
// skips simulation and uses the default gas limit.
func (e *FeeEstimator) Estimate(ctx context.Context, call *ethereum.CallMsg) FeeProfile {
	price := e.gasPrice(ctx)
	return FeeProfile{
		GasPrice: price,
		GasLimit: e.gasLimit(ctx, call, price),
	}
}

func (e *FeeEstimator) gasPrice(ctx context.Context) *big.Int {
	floor := new(big.Int).Set(e.cfg.GasPriceFloor)

	if e.cfg.ForceFloor {
		e.fallback(metrics.ReasonForcedFloor, "using configured gas price floor",
			slog.String("gas_price_gwei", units.FormatGwei(floor)))
		return floor
	}

	oracle, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		e.fallback(metrics.ReasonOracleError, "gas price query failed, using floor",
			slog.String("error", err.Error()),
			slog.String("gas_price_gwei", units.FormatGwei(floor)))
		return floor
	}
	if oracle == nil || oracle.Sign() <= 0 {
		e.fallback(metrics.ReasonOracleInvalid, "gas price oracle returned no usable value, using floor",
			slog.String("gas_price_gwei", units.FormatGwei(floor)))
		return floor
	}
	if oracle.Cmp(floor) < 0 {
		e.fallback(metrics.ReasonBelowFloor, "oracle gas price below floor, using floor",
			slog.String("oracle_gwei", units.FormatGwei(oracle)),
			slog.String("gas_price_gwei", units.FormatGwei(floor)))
		return floor
	}
	return new(big.Int).Set(oracle)
}

func (e *FeeEstimator) gasLimit(ctx context.Context, call *ethereum.CallMsg, price *big.Int) uint64 {
	limit := e.cfg.DefaultGasLimit

	switch {
	case call == nil:
		e.fallback(metrics.ReasonNoSimulation, "no simulation available, using default gas limit",
			slog.Uint64("gas_limit", limit))
	default:
		msg := *call
		msg.GasPrice = price
		estimated, err := e.client.EstimateGas(ctx, msg)
		if err != nil {
			e.fallback(metrics.ReasonSimulationError, "gas estimation failed, using default gas limit",
				slog.String("error", err.Error()),
				slog.Uint64("gas_limit", limit))
			break
		}
		limit = applyMultiplier(estimated, e.cfg.GasLimitMultiplierPercent)
		e.logger.Debug("gas estimated",
			slog.Uint64("estimated", estimated),
			slog.Uint64("gas_limit", limit),
		)
	}

	if limit < e.cfg.GasLimitFloor {
		e.fallback(metrics.ReasonGasLimitFloor, "gas limit below floor, raising",
			slog.Uint64("gas_limit", limit),
			slog.Uint64("floor", e.cfg.GasLimitFloor))
		limit = e.cfg.GasLimitFloor
	}
	return limit
}

func (e *FeeEstimator) fallback(reason, msg string, attrs ...any) {
	metrics.FeeFallbacksTotal.WithLabelValues(reason).Inc()
	level := slog.LevelWarn
	if reason == metrics.ReasonForcedFloor || reason == metrics.ReasonNoSimulation {
		level = slog.LevelDebug
	}
	e.logger.Log(context.Background(), level, msg, attrs...)
}

func applyMultiplier(gas, percent uint64) uint64 {
	if gas > math.MaxUint64/percent {
		return math.MaxUint64
	}
	return gas * percent / 100
}
