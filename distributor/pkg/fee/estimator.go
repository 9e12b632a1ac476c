package fee

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

const (
	// DefaultBaseFee is the fixed per-signature fee in lamports.
	DefaultBaseFee uint64 = 5000

	// DefaultSlotLag keeps the sampled slot far enough behind the tip to be finalized.
	DefaultSlotLag uint64 = 10

	// MicroLamportsPerLamport converts lamports per compute unit to the
	// micro-lamport unit expected by SetComputeUnitPrice.
	MicroLamportsPerLamport = 1_000_000
)

type RPC interface {
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error)
}

var _ RPC = (*solanarpc.Client)(nil)

type EstimatorConfig struct {
	Logger  *slog.Logger
	RPC     RPC
	BaseFee uint64
	SlotLag uint64
	Retry   retry.Config
}

func (cfg *EstimatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.BaseFee == 0 {
		cfg.BaseFee = DefaultBaseFee
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Estimator derives a priority fee from the transactions of a recent finalized block.
type Estimator struct {
	log *slog.Logger
	cfg EstimatorConfig
}

func NewEstimator(cfg EstimatorConfig) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Estimate returns the median priority fee in micro-lamports per compute
// unit. ok is false when no estimate could be made; the fee is then 0.
func (e *Estimator) Estimate(ctx context.Context) (uint64, bool) {
	var tip uint64
	err := retry.Do(ctx, e.cfg.Retry, func() error {
		var err error
		tip, err = e.cfg.RPC.GetSlot(ctx, solanarpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		e.log.Warn("fee: failed to get slot, no estimate", "error", err)
		return 0, false
	}

	slot := uint64(0)
	if tip > e.cfg.SlotLag {
		slot = tip - e.cfg.SlotLag
	}

	rewards := false
	maxVersion := uint64(0)
	var block *solanarpc.GetBlockResult
	err = retry.Do(ctx, e.cfg.Retry, func() error {
		var err error
		block, err = e.cfg.RPC.GetBlockWithOpts(ctx, slot, &solanarpc.GetBlockOpts{
			Encoding:                       solana.EncodingBase64,
			TransactionDetails:             solanarpc.TransactionDetailsFull,
			Rewards:                        &rewards,
			Commitment:                     solanarpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		return err
	})
	if err != nil {
		e.log.Warn("fee: failed to get block, no estimate", "slot", slot, "error", err)
		return 0, false
	}
	if block == nil || len(block.Transactions) == 0 {
		e.log.Info("fee: block has no transactions, no estimate", "slot", slot)
		return 0, false
	}

	values := PriorityFees(block.Transactions, e.cfg.BaseFee)
	median, ok := Median(values)
	if !ok {
		e.log.Info("fee: no prioritized transactions in block, no estimate", "slot", slot, "transactions", len(block.Transactions))
		return 0, false
	}

	fee := ToMicroLamports(median)
	e.log.Debug("fee: estimated priority fee",
		"slot", slot,
		"transactions", len(block.Transactions),
		"samples", len(values),
		"median_lamports_per_cu", median,
		"micro_lamports_per_cu", fee)
	return fee, true
}

// PriorityFees returns (fee - baseFee) / computeUnitsConsumed in lamports
// for every transaction that paid more than the base fee and reported
// nonzero compute usage.
func PriorityFees(txs []solanarpc.TransactionWithMeta, baseFee uint64) []float64 {
	values := make([]float64, 0, len(txs))
	for _, tx := range txs {
		if tx.Meta == nil || tx.Meta.ComputeUnitsConsumed == nil {
			continue
		}
		cu := *tx.Meta.ComputeUnitsConsumed
		if cu == 0 || tx.Meta.Fee <= baseFee {
			continue
		}
		values = append(values, float64(tx.Meta.Fee-baseFee)/float64(cu))
	}
	return values
}

// Median returns the median of values, averaging the two middle values
// when the count is even. ok is false for an empty input.
func Median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, true
	}
	return sorted[mid], true
}

// ToMicroLamports scales lamports per compute unit to whole micro-lamports.
func ToMicroLamports(lamportsPerCU float64) uint64 {
	if lamportsPerCU <= 0 || math.IsNaN(lamportsPerCU) {
		return 0
	}
	return uint64(math.Round(lamportsPerCU * MicroLamportsPerLamport))
}
