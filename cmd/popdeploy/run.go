package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Bidon15/popdeploy/internal/artifacts"
	"github.com/Bidon15/popdeploy/internal/config"
	"github.com/Bidon15/popdeploy/internal/database"
	"github.com/Bidon15/popdeploy/internal/deploy"
	"github.com/Bidon15/popdeploy/internal/ledger"
	"github.com/Bidon15/popdeploy/internal/lock"
	"github.com/Bidon15/popdeploy/internal/metrics"
	"github.com/Bidon15/popdeploy/internal/status"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a deployment plan",
	Long: `Execute a deployment plan step by step from the configured signer.

Each step is priced, given the signer's confirmed nonce, sent and waited on
until confirmed. The run stops at the first failed step; steps confirmed so
far stay on chain and in the ledger. Pass the ledger to --resume to continue
from where the run stopped.

Exit codes:
  0    every step confirmed
  1    a step failed
  2    the run could not start (config, plan, node, ledger, lock)
  130  interrupted

Examples:
  popdeploy run --plan dex.yaml
  popdeploy run --plan dex.yaml --dry-run
  popdeploy run --plan dex.yaml --resume deployments/popdeploy-deployment-2024-05-01T10-00-00Z.json`,
	RunE: runDeploy,
}

func init() {
	runCmd.Flags().String("plan", "", "deployment plan (YAML)")
	runCmd.Flags().String("resume", "", "ledger of a previous run; its confirmed steps are skipped")
	runCmd.Flags().Bool("dry-run", false, "resolve and price every step without sending")
	_ = runCmd.MarkFlagRequired("plan")

	rootCmd.AddCommand(runCmd)
}

func runDeploy(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	planPath, _ := cmd.Flags().GetString("plan")
	resumePath, _ := cmd.Flags().GetString("resume")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	plan, err := deploy.LoadPlan(planPath)
	if err != nil {
		return &deploy.RunError{Op: "load plan", Err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	loader, err := loadArtifacts(ctx, cfg.Artifacts, logger)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	deployer := sess.signer.Address()

	if !dryRun {
		release, err := acquireLock(ctx, cfg.Lock, sess.chainID.Uint64(), deployer, runID, logger)
		if err != nil {
			return err
		}
		defer release()
	}

	balance, err := sess.client.BalanceAt(ctx, deployer, nil)
	if err != nil {
		return &deploy.RunError{Op: "read deployer balance", Err: err}
	}

	startedAt := time.Now().UTC()
	meta := ledger.Metadata{
		RunID:           runID,
		PlanName:        plan.Name,
		Network:         cfg.Network.Name,
		ChainID:         sess.chainID.Uint64(),
		ExplorerURL:     cfg.Network.ExplorerURL,
		Deployer:        deployer,
		DeployerBalance: balance,
		StartedAt:       startedAt,
	}

	var mirrors []ledger.Sink
	if !dryRun {
		var closeMirror func()
		mirrors, closeMirror = openMirror(ctx, cfg.Ledger, logger)
		defer closeMirror()
	}

	l := ledger.New(meta, ledger.Config{
		Sinks:         ledger.NewFileSinks(cfg.Ledger.Dir, cfg.Ledger.Prefix, startedAt, cfg.Ledger.WriteTxIndex),
		Mirrors:       mirrors,
		MirrorTimeout: cfg.Ledger.MirrorTimeout,
		Logger:        logger,
	})

	if resumePath != "" {
		if err := resume(l, resumePath, meta, logger); err != nil {
			return err
		}
	}

	orch, err := newOrchestrator(cmd, cfg, sess, loader, l, dryRun, logger)
	if err != nil {
		return err
	}

	var ln net.Listener
	if cfg.Status.Listen != "" {
		ln, err = net.Listen("tcp", cfg.Status.Listen)
		if err != nil {
			return &deploy.RunError{Op: "start status server", Err: err}
		}
	}

	logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("plan", plan.Name),
		slog.String("network", cfg.Network.Name),
		slog.String("deployer", deployer.Hex()),
		slog.String("balance", balance.String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if ln != nil {
		srv := status.New(l, status.Config{
			AllowedOrigins: cfg.Status.AllowedOrigins,
			Logger:         logger,
		})
		g.Go(func() error {
			return srv.Serve(serverCtx, ln)
		})
	}

	var runErr error
	g.Go(func() error {
		defer stopServer()
		_, runErr = orch.Run(ctx, plan)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Warn("status server failed", slog.String("error", err.Error()))
	}

	if !dryRun {
		pushMetrics(ctx, cfg.Metrics, runID, logger)
	}

	printSummary(cmd, l.Snapshot(), dryRun)
	return runErr
}

func newOrchestrator(
	cmd *cobra.Command,
	cfg *config.Config,
	sess *session,
	loader artifacts.Loader,
	l *ledger.Ledger,
	dryRun bool,
	logger *slog.Logger,
) (*deploy.Orchestrator, error) {
	floor, err := cfg.Fees.GasPriceFloorWei()
	if err != nil {
		return nil, &deploy.RunError{Op: "configure fees", Err: err}
	}

	fees := deploy.NewFeeEstimator(sess.client, deploy.FeeConfig{
		GasPriceFloor:             floor,
		ForceFloor:                cfg.Fees.ForceFloor,
		DefaultGasLimit:           cfg.Fees.DefaultGasLimit,
		GasLimitFloor:             cfg.Fees.GasLimitFloor,
		GasLimitMultiplierPercent: cfg.Fees.GasLimitMultiplierPercent,
		Logger:                    logger,
	})

	executor := deploy.NewExecutor(sess.client, sess.signer, l, deploy.ExecutorConfig{
		Confirmations:       cfg.Execution.Confirmations,
		ConfirmationTimeout: cfg.Execution.ConfirmationTimeout,
		PollInterval:        cfg.Execution.PollInterval,
		MaxPollInterval:     cfg.Execution.MaxPollInterval,
		RetryStrategy:       deploy.RetryStrategy(cfg.Execution.RetryNonceStrategy),
		Classifier:          deploy.NewPatternClassifier(cfg.Execution.RetryPatterns),
		Logger:              logger,
	})

	out := cmd.OutOrStdout()
	return deploy.NewOrchestrator(
		sess.client,
		sess.signer,
		artifacts.NewFactory(loader),
		fees,
		deploy.NewNonceReconciler(sess.client, logger),
		executor,
		l,
		deploy.OrchestratorConfig{
			StepDelay: cfg.Execution.StepDelay,
			DryRun:    dryRun,
			OnProgress: func(step string, state deploy.State, message string) {
				if message == "" {
					fmt.Fprintf(out, "%-24s %s\n", step, state)
					return
				}
				fmt.Fprintf(out, "%-24s %-18s %s\n", step, state, message)
			},
			Logger: logger,
		},
	), nil
}

// loadArtifacts returns a loader over the configured artifact directory, or
// over the downloaded bundle when one is configured.
func loadArtifacts(ctx context.Context, cfg config.ArtifactsConfig, logger *slog.Logger) (artifacts.Loader, error) {
	dir := cfg.Dir
	if cfg.BundleURL != "" {
		var err error
		dir, err = artifacts.NewBundleDownloader(cfg.CacheDir, nil, logger).Fetch(ctx, cfg.BundleURL, cfg.BundleSHA256)
		if err != nil {
			return nil, &deploy.RunError{Op: "fetch artifact bundle", Err: err}
		}
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, &deploy.RunError{Op: "open artifacts", Err: err}
	}
	return artifacts.NewDirLoader(dir), nil
}

// acquireLock takes the per-signer run lock when Redis is configured. The
// returned func releases it.
func acquireLock(ctx context.Context, cfg config.LockConfig, chainID uint64, deployer common.Address, runID string, logger *slog.Logger) (func(), error) {
	if cfg.RedisAddr == "" {
		return func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	lk, err := lock.NewRedisLocker(rdb, cfg.TTL, logger).Acquire(ctx, chainID, deployer, runID)
	if err != nil {
		_ = rdb.Close()
		return nil, &deploy.RunError{Op: "acquire lock", Err: err}
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lk.Release(rctx); err != nil {
			logger.Warn("failed to release deployment lock", slog.String("key", lk.Key()), slog.String("error", err.Error()))
		}
		_ = rdb.Close()
	}, nil
}

// openMirror connects the Postgres ledger mirror when configured. A mirror
// that cannot be opened is skipped.
func openMirror(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) ([]ledger.Sink, func()) {
	if cfg.PostgresDSN == "" {
		return nil, func() {}
	}

	if cfg.RunMigrations {
		if err := database.RunMigrations(cfg.PostgresDSN); err != nil {
			logger.Warn("ledger mirror disabled", slog.String("error", err.Error()))
			return nil, func() {}
		}
	}

	db, err := database.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Warn("ledger mirror disabled", slog.String("error", err.Error()))
		return nil, func() {}
	}
	return []ledger.Sink{ledger.NewPostgresSink(db.Pool())}, db.Close
}

// resume seeds l with the confirmed records of a previous run.
func resume(l *ledger.Ledger, path string, meta ledger.Metadata, logger *slog.Logger) error {
	prev, err := ledger.Load(path)
	if err != nil {
		return &deploy.RunError{Op: "resume", Err: err}
	}
	if prev.Metadata.ChainID != meta.ChainID {
		return &deploy.RunError{
			Op:  "resume",
			Err: fmt.Errorf("ledger is for chain %d, node is chain %d", prev.Metadata.ChainID, meta.ChainID),
		}
	}
	if prev.Metadata.Deployer != meta.Deployer {
		return &deploy.RunError{
			Op:  "resume",
			Err: fmt.Errorf("ledger deployer %s differs from signer %s", prev.Metadata.Deployer.Hex(), meta.Deployer.Hex()),
		}
	}

	n := l.Restore(prev, path)
	logger.Info("resuming run",
		slog.String("from", path),
		slog.String("previous_run_id", prev.Metadata.RunID),
		slog.Int("confirmed_steps", n),
	)
	return nil
}

func pushMetrics(ctx context.Context, cfg config.MetricsConfig, runID string, logger *slog.Logger) {
	if cfg.PushgatewayURL == "" {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := metrics.Push(pctx, cfg.PushgatewayURL, cfg.Job, runID); err != nil {
		logger.Warn("failed to push metrics", slog.String("error", err.Error()))
	}
}

func printSummary(cmd *cobra.Command, snap *ledger.Snapshot, dryRun bool) {
	if dryRun {
		return
	}
	if jsonOut {
		_ = printJSON(cmd, snap)
		return
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Run %s: %s\n", snap.Metadata.RunID, snap.Metadata.Status)

	w := newTable(cmd)
	printTableHeader(w, "STEP", "STATUS", "ADDRESS", "TX HASH", "GAS USED")
	for _, r := range snap.Records {
		addr, hash := "-", "-"
		if r.Address != nil {
			addr = r.Address.Hex()
		}
		if r.TransactionHash != nil {
			hash = r.TransactionHash.Hex()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.StepName, r.Status, addr, hash, r.GasUsed)
	}
	_ = w.Flush()
	fmt.Fprintf(out, "Total gas used: %d\n", snap.TotalGasUsed())
}
