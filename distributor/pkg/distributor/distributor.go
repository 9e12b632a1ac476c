package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/airdrop/distributor/pkg/checkpoint"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
	"golang.org/x/time/rate"
)

const (
	// MaxBatchSize is the most transfers that fit a legacy transaction of
	// MaxTransactionSize bytes alongside the compute unit price instruction:
	// 21 transfers serialize to 1229 bytes, 22 to 1276.
	MaxBatchSize     = 21
	DefaultBatchSize = MaxBatchSize
	DefaultDecimals  = 8
)

// FeeEstimator produces the compute unit price for a run. ok is false when
// no estimate could be made.
type FeeEstimator interface {
	Estimate(ctx context.Context) (uint64, bool)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	RPC        RPC
	Checkpoint checkpoint.Store
	// FeeEstimator is consulted once per run unless PriorityFee is set.
	FeeEstimator FeeEstimator
	// PriorityFee overrides the estimate, in micro-lamports per compute unit.
	PriorityFee *uint64

	Authority solana.PrivateKey
	Mint      solana.PublicKey
	Decimals  uint8
	BatchSize int

	Commitment          solanarpc.CommitmentType
	MaxAttempts         int
	RetryDelay          time.Duration
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
	SkipPreflight       bool
	Limiter             *rate.Limiter
	Retry               retry.Config

	Cluster string
	RunID   string
	// DryRun builds and signs every batch without sending or checkpointing.
	DryRun bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Checkpoint == nil {
		return errors.New("checkpoint store is required")
	}
	if cfg.FeeEstimator == nil && cfg.PriorityFee == nil {
		return errors.New("fee estimator or priority fee is required")
	}
	if len(cfg.Authority) == 0 {
		return errors.New("authority is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.Decimals > MaxDecimals {
		return fmt.Errorf("decimals must be at most %d", MaxDecimals)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d", MaxBatchSize)
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

// Summary describes what a run did.
type Summary struct {
	RunID  string
	DryRun bool

	PriorityFee  uint64
	FeeEstimated bool

	// Resumed counts recipients skipped because an earlier run paid them.
	Resumed int
	Planned int

	Batches          int
	BatchesConfirmed int
	BatchesSkipped   int

	Paid          int
	Absent        []string
	BaseUnitsSent uint64
	Signatures    []solana.Signature

	// HaltedBatch is the index of the batch that stopped the run, or -1.
	HaltedBatch int
}

// Distributor pays a ledger of recipients batch by batch, checkpointing each
// confirmed batch so an interrupted run can resume.
type Distributor struct {
	log       *slog.Logger
	cfg       Config
	validator *Validator
	assembler *Assembler
	submitter *Submitter
}

func New(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if cfg.RunID != "" {
		log = log.With("run_id", cfg.RunID)
	}

	validator, err := NewValidator(ValidatorConfig{
		Logger:     log,
		RPC:        cfg.RPC,
		Mint:       cfg.Mint,
		Commitment: cfg.Commitment,
		Limiter:    cfg.Limiter,
		Retry:      cfg.Retry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	assembler, err := NewAssembler(AssemblerConfig{
		Logger:     log,
		RPC:        cfg.RPC,
		Validator:  validator,
		Authority:  cfg.Authority,
		Mint:       cfg.Mint,
		Decimals:   cfg.Decimals,
		Commitment: cfg.Commitment,
		Retry:      cfg.Retry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create assembler: %w", err)
	}
	submitter, err := NewSubmitter(SubmitterConfig{
		Logger:              log,
		Clock:               cfg.Clock,
		RPC:                 cfg.RPC,
		Assembler:           assembler,
		MaxAttempts:         cfg.MaxAttempts,
		RetryDelay:          cfg.RetryDelay,
		Commitment:          cfg.Commitment,
		ConfirmPollInterval: cfg.ConfirmPollInterval,
		ConfirmTimeout:      cfg.ConfirmTimeout,
		SkipPreflight:       cfg.SkipPreflight,
		Cluster:             cfg.Cluster,
		DryRun:              cfg.DryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create submitter: %w", err)
	}

	return &Distributor{
		log:       log,
		cfg:       cfg,
		validator: validator,
		assembler: assembler,
		submitter: submitter,
	}, nil
}

// Source returns the token account transfers are paid from.
func (d *Distributor) Source() solana.PublicKey {
	return d.assembler.Source()
}

// Run distributes to every recipient not already in the checkpoint. It stops
// at the first batch that cannot be confirmed and returns ErrHalted; the
// checkpoint is then left in place so a later run resumes after the last
// confirmed batch. After a fully successful run the checkpoint is cleared.
func (d *Distributor) Run(ctx context.Context, recipients *ledger.Ledger) (*Summary, error) {
	summary := &Summary{RunID: d.cfg.RunID, DryRun: d.cfg.DryRun, HaltedBatch: -1}

	done, err := d.cfg.Checkpoint.Load(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	remaining := recipients.Without(done)
	summary.Resumed = recipients.Len() - remaining.Len()
	summary.Planned = remaining.Len()
	if summary.Resumed > 0 {
		d.log.Info("distributor: resuming from checkpoint", "already_paid", summary.Resumed, "remaining", remaining.Len())
	}

	if err := d.checkAmounts(remaining); err != nil {
		return summary, err
	}

	summary.PriorityFee, summary.FeeEstimated = d.priorityFee(ctx)
	metrics.PriorityFee.Set(float64(summary.PriorityFee))

	d.log.Info("distributor: starting run",
		"recipients", remaining.Len(),
		"batch_size", d.cfg.BatchSize,
		"priority_fee", summary.PriorityFee,
		"fee_estimated", summary.FeeEstimated,
		"dry_run", d.cfg.DryRun)

	for batch := range remaining.Batches(d.cfg.BatchSize) {
		summary.Batches++
		start := d.cfg.Clock.Now()
		res := d.submitter.Submit(ctx, batch, summary.PriorityFee)
		metrics.BatchesTotal.WithLabelValues(res.Outcome.String()).Inc()
		metrics.BatchDuration.WithLabelValues(res.Outcome.String()).Observe(d.cfg.Clock.Since(start).Seconds())

		if res.Assembled != nil {
			for _, addr := range res.Assembled.Excluded {
				remaining.Remove(addr)
				summary.Absent = append(summary.Absent, addr)
				metrics.RecipientsTotal.WithLabelValues("absent").Inc()
			}
		}

		switch res.Outcome {
		case OutcomeConfirmed, OutcomeNothingToSend:
			included := ledger.NewBatch(batch.Index, nil)
			if res.Outcome == OutcomeConfirmed {
				included = res.Assembled.Included
			}
			if err := d.cfg.Checkpoint.Record(ctx, included); err != nil {
				summary.HaltedBatch = batch.Index
				return summary, fmt.Errorf("%w: batch %d: failed to record checkpoint: %w", ErrHalted, batch.Index, err)
			}
			if res.Outcome == OutcomeNothingToSend {
				summary.BatchesSkipped++
				d.log.Info("distributor: batch had no valid recipients", "batch", batch.Index, "excluded", batch.Len())
				continue
			}
			summary.BatchesConfirmed++
			summary.Signatures = append(summary.Signatures, res.Signature)
			for _, t := range res.Assembled.Transfers {
				remaining.Remove(t.Recipient)
				summary.Paid++
				summary.BaseUnitsSent += t.Amount
				metrics.BaseUnitsSentTotal.Add(float64(t.Amount))
			}
			metrics.RecipientsTotal.WithLabelValues("paid").Add(float64(len(res.Assembled.Transfers)))
		case OutcomeDryRun:
			for _, t := range res.Assembled.Transfers {
				summary.BaseUnitsSent += t.Amount
			}
			d.log.Info("distributor: dry run batch",
				"batch", batch.Index,
				"transfers", len(res.Assembled.Transfers),
				"excluded", len(res.Assembled.Excluded))
		default:
			summary.HaltedBatch = batch.Index
			d.log.Error("distributor: halting run",
				"batch", batch.Index,
				"outcome", res.Outcome.String(),
				"attempts", res.Attempts,
				"error", res.Err)
			return summary, fmt.Errorf("%w: batch %d: %w", ErrHalted, batch.Index, res.Err)
		}
	}

	if d.cfg.DryRun {
		d.log.Info("distributor: dry run complete", "batches", summary.Batches, "absent", len(summary.Absent))
		return summary, nil
	}
	if err := d.cfg.Checkpoint.Clear(ctx); err != nil {
		return summary, fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	d.log.Info("distributor: run complete",
		"batches", summary.Batches,
		"confirmed", summary.BatchesConfirmed,
		"paid", summary.Paid,
		"absent", len(summary.Absent),
		"base_units", summary.BaseUnitsSent)
	return summary, nil
}

func (d *Distributor) priorityFee(ctx context.Context) (uint64, bool) {
	if d.cfg.PriorityFee != nil {
		return *d.cfg.PriorityFee, false
	}
	fee, ok := d.cfg.FeeEstimator.Estimate(ctx)
	if !ok {
		d.log.Warn("distributor: no priority fee signal, sending without priority fee")
		return 0, false
	}
	return fee, true
}

// checkAmounts rejects recipients whose owed amount rounds to zero base
// units; such a transfer would pay a fee to move nothing.
func (d *Distributor) checkAmounts(l *ledger.Ledger) error {
	for _, e := range l.Entries() {
		units, err := ToBaseUnits(e.Amount, d.cfg.Decimals)
		if err != nil {
			return fmt.Errorf("invalid amount for %s: %w", e.Address, err)
		}
		if units == 0 {
			return fmt.Errorf("amount %v for %s rounds to zero at %d decimals", e.Amount, e.Address, d.cfg.Decimals)
		}
	}
	return nil
}
