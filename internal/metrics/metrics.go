// Package metrics holds the Prometheus collectors for deployment runs.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Fee fallback reasons.
const (
	ReasonForcedFloor     = "forced_floor"
	ReasonOracleError     = "oracle_error"
	ReasonOracleInvalid   = "oracle_invalid"
	ReasonBelowFloor      = "below_floor"
	ReasonNoSimulation    = "no_simulation"
	ReasonSimulationError = "simulation_error"
	ReasonGasLimitFloor   = "gas_limit_floor"
)

var (
	// AttemptsTotal counts submission attempts by final result.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popdeploy_attempts_total",
			Help: "Total transaction attempts by result",
		},
		[]string{"kind", "result"},
	)

	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "popdeploy_retries_total",
			Help: "Total retries after a nonce conflict or underpriced replacement",
		},
	)

	FeeFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popdeploy_fee_fallbacks_total",
			Help: "Total fee estimates that used a fallback value",
		},
		[]string{"reason"},
	)

	GasUsedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "popdeploy_gas_used_total",
			Help: "Total gas used by confirmed transactions",
		},
	)

	LedgerFlushErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popdeploy_ledger_flush_errors_total",
			Help: "Total ledger flush failures by sink",
		},
		[]string{"sink"},
	)

	// NonceGap is pending minus confirmed nonce at the last reconciliation.
	NonceGap = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popdeploy_nonce_gap",
			Help: "Pending minus confirmed nonce of the deployer",
		},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popdeploy_step_duration_seconds",
			Help:    "Wall time from step start to a terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"result"},
	)
)

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Push sends the current values of all collectors to a Pushgateway.
func Push(ctx context.Context, url, job, runID string) error {
	err := push.New(url, job).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
