package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/airdrop/distributor/pkg/checkpoint"
	"github.com/malbeclabs/airdrop/distributor/pkg/distributor"
	"github.com/malbeclabs/airdrop/distributor/pkg/fee"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/distributor/pkg/notify"
	"github.com/malbeclabs/airdrop/utils/pkg/cluster"
	"github.com/malbeclabs/airdrop/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Network
	clusterFlag := flag.String("cluster", cluster.MainnetBeta, "Solana cluster (mainnet-beta, devnet, testnet, localnet)")
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC URL, overrides --cluster (or set SOLANA_RPC_URL env var)")
	rpcRPSFlag := flag.Float64("rpc-rps", 10, "Maximum account lookups per second (0 = unlimited)")
	commitmentFlag := flag.String("commitment", string(solanarpc.CommitmentConfirmed), "Commitment required to consider a batch confirmed (processed, confirmed, finalized)")

	// Distribution
	balancesFlag := flag.String("balances", "balances.json", "JSON file of recipient address to token amount")
	mintFlag := flag.String("mint", "", "Token mint address (or set AIRDROP_MINT env var)")
	keypairFlag := flag.String("keypair", "", "Distributor keypair file in solana-keygen format (or set AIRDROP_KEYPAIR, or AIRDROP_SECRET_KEY with a base58 secret key)")
	decimalsFlag := flag.Uint8("decimals", distributor.DefaultDecimals, "Token decimals used to round and scale amounts")
	batchSizeFlag := flag.Int("batch-size", distributor.DefaultBatchSize, "Transfers per transaction")
	priorityFeeFlag := flag.Int64("priority-fee", -1, "Compute unit price in micro-lamports (-1 = estimate from a recent block)")
	maxAttemptsFlag := flag.Int("max-attempts", distributor.DefaultMaxAttempts, "Submission attempts per batch before halting")
	retryDelayFlag := flag.Duration("retry-delay", distributor.DefaultRetryDelay, "Delay between submission attempts")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", distributor.DefaultConfirmTimeout, "Maximum time to wait for a transaction to confirm")
	skipPreflightFlag := flag.Bool("skip-preflight", false, "Skip preflight simulation when sending")
	dryRunFlag := flag.Bool("dry-run", false, "Build and sign every batch without sending")

	// Checkpoint
	checkpointFlag := flag.String("checkpoint", "checkpoint.json", "Checkpoint file of confirmed recipients")
	checkpointDSNFlag := flag.String("checkpoint-postgres-dsn", "", "Keep the checkpoint in Postgres instead of a file (or set CHECKPOINT_POSTGRES_DSN env var)")
	runKeyFlag := flag.String("run-key", "", "Postgres checkpoint key (default: <mint>/<balances file name>)")

	// Commands
	prepareATAsFlag := flag.Bool("prepare-atas", false, "Create missing recipient token accounts instead of distributing")
	prepareBatchSizeFlag := flag.Int("prepare-batch-size", distributor.DefaultPrepareBatchSize, "Account creations per transaction for --prepare-atas")

	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (empty = disabled)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if envMint := os.Getenv("AIRDROP_MINT"); envMint != "" {
		*mintFlag = envMint
	}
	if envKeypair := os.Getenv("AIRDROP_KEYPAIR"); envKeypair != "" {
		*keypairFlag = envKeypair
	}
	if envDSN := os.Getenv("CHECKPOINT_POSTGRES_DSN"); envDSN != "" {
		*checkpointDSNFlag = envDSN
	}

	if *mintFlag == "" {
		return errors.New("--mint is required")
	}
	mint, err := solana.PublicKeyFromBase58(*mintFlag)
	if err != nil {
		return fmt.Errorf("invalid mint: %w", err)
	}
	authority, err := loadAuthority(*keypairFlag)
	if err != nil {
		return err
	}
	commitment, err := parseCommitment(*commitmentFlag)
	if err != nil {
		return err
	}

	rpcURL := *rpcURLFlag
	if rpcURL == "" {
		rpcURL, err = cluster.GetRPCURL(*clusterFlag)
		if err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runID := uuid.NewString()
	runLog := log.With("run_id", runID)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: env,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		sentry.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("run_id", runID)
			scope.SetTag("cluster", *clusterFlag)
		})
	}

	recipients, err := ledger.LoadFile(*balancesFlag)
	if err != nil {
		return err
	}
	runLog.Info("loaded balances", "path", *balancesFlag, "recipients", recipients.Len(), "total", recipients.Total())

	client := solanarpc.New(rpcURL)

	var limiter *rate.Limiter
	if *rpcRPSFlag > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rpcRPSFlag), 1)
	}

	store, err := openCheckpoint(ctx, runLog, *checkpointFlag, *checkpointDSNFlag, *runKeyFlag, checkpoint.DefaultRunKey(mint, *balancesFlag))
	if err != nil {
		return err
	}
	defer store.Close()

	estimator, err := fee.NewEstimator(fee.EstimatorConfig{
		Logger:  runLog,
		RPC:     client,
		SlotLag: fee.DefaultSlotLag,
	})
	if err != nil {
		return fmt.Errorf("failed to create fee estimator: %w", err)
	}

	var priorityFee *uint64
	if *priorityFeeFlag >= 0 {
		v := uint64(*priorityFeeFlag)
		priorityFee = &v
	}

	d, err := distributor.New(distributor.Config{
		Logger:         log,
		RPC:            client,
		Checkpoint:     store,
		FeeEstimator:   estimator,
		PriorityFee:    priorityFee,
		Authority:      authority,
		Mint:           mint,
		Decimals:       *decimalsFlag,
		BatchSize:      *batchSizeFlag,
		Commitment:     commitment,
		MaxAttempts:    *maxAttemptsFlag,
		RetryDelay:     *retryDelayFlag,
		ConfirmTimeout: *confirmTimeoutFlag,
		SkipPreflight:  *skipPreflightFlag,
		Limiter:        limiter,
		Cluster:        *clusterFlag,
		RunID:          runID,
		DryRun:         *dryRunFlag,
	})
	if err != nil {
		return err
	}
	runLog.Info("distributor ready",
		"authority", authority.PublicKey().String(),
		"source", d.Source().String(),
		"mint", mint.String(),
		"rpc_url", rpcURL)

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	g, gctx := errgroup.WithContext(ctx)
	workCtx, stopWork := context.WithCancel(gctx)
	defer stopWork()

	if *metricsAddrFlag != "" {
		serveMetrics(workCtx, g, runLog, *metricsAddrFlag)
	}

	if *prepareATAsFlag {
		g.Go(func() error {
			defer stopWork()
			summary, err := d.PrepareAccounts(workCtx, recipients, *prepareBatchSizeFlag)
			if summary != nil {
				fmt.Printf("Accounts created: %d, already present: %d, invalid: %d (%d batches)\n",
					summary.Created, summary.Existing, len(summary.Invalid), summary.Batches)
			}
			return err
		})
		return finish(g.Wait())
	}

	var summary *distributor.Summary
	g.Go(func() error {
		defer stopWork()
		var err error
		summary, err = d.Run(workCtx, recipients)
		return err
	})
	runErr := g.Wait()

	printSummary(summary, *clusterFlag)
	notifyRun(runLog, *clusterFlag, summary, runErr)
	return finish(runErr)
}

func finish(err error) error {
	if err != nil && sentry.CurrentHub().Client() != nil {
		sentry.CaptureException(err)
	}
	return err
}

func loadAuthority(path string) (solana.PrivateKey, error) {
	if secret := os.Getenv("AIRDROP_SECRET_KEY"); secret != "" {
		key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(secret))
		if err != nil {
			return nil, fmt.Errorf("invalid AIRDROP_SECRET_KEY: %w", err)
		}
		return key, nil
	}
	if path == "" {
		return nil, errors.New("--keypair is required")
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", path, err)
	}
	return key, nil
}

func parseCommitment(s string) (solanarpc.CommitmentType, error) {
	switch c := solanarpc.CommitmentType(s); c {
	case solanarpc.CommitmentProcessed, solanarpc.CommitmentConfirmed, solanarpc.CommitmentFinalized:
		return c, nil
	default:
		return "", fmt.Errorf("invalid commitment %q", s)
	}
}

func openCheckpoint(ctx context.Context, log *slog.Logger, path, dsn, runKey, defaultRunKey string) (checkpoint.Store, error) {
	if dsn == "" {
		store, err := checkpoint.NewFileStore(checkpoint.FileStoreConfig{Logger: log, Path: path})
		if err != nil {
			return nil, err
		}
		exists, err := store.Exists()
		if err != nil {
			return nil, err
		}
		if exists {
			log.Info("checkpoint found, resuming previous run", "path", path)
		}
		return store, nil
	}

	if runKey == "" {
		runKey = defaultRunKey
	}
	if err := checkpoint.RunMigrations(ctx, log, dsn); err != nil {
		return nil, err
	}
	pool, err := checkpoint.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.NewPostgresStore(checkpoint.PostgresStoreConfig{Logger: log, Pool: pool, RunKey: runKey})
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("using postgres checkpoint", "run_key", runKey)
	return store, nil
}

// serveMetrics runs the prometheus endpoint until ctx is done. A failing
// listener is logged and does not stop the distribution.
func serveMetrics(ctx context.Context, g *errgroup.Group, log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
			return nil
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus metrics server failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func printSummary(s *distributor.Summary, clusterName string) {
	if s == nil {
		return
	}
	if s.DryRun {
		fmt.Printf("Dry run: %d batches, %d recipients planned, %d without token account, %d base units\n",
			s.Batches, s.Planned, len(s.Absent), s.BaseUnitsSent)
		return
	}
	fmt.Printf("Paid %d recipients in %d confirmed batches (%d skipped, %d without token account, %d resumed)\n",
		s.Paid, s.BatchesConfirmed, s.BatchesSkipped, len(s.Absent), s.Resumed)
	for _, sig := range s.Signatures {
		fmt.Println(cluster.ExplorerTxURL(clusterName, sig.String()))
	}
}

func notifyRun(log *slog.Logger, clusterName string, summary *distributor.Summary, runErr error) {
	url := os.Getenv("SLACK_WEBHOOK_URL")
	if url == "" {
		return
	}
	n, err := notify.NewSlack(notify.SlackConfig{Logger: log, WebhookURL: url, Cluster: clusterName})
	if err != nil {
		log.Error("failed to create slack notifier", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.RunFinished(ctx, summary, runErr); err != nil {
		log.Warn("failed to send slack notification", "error", err)
	}
}
