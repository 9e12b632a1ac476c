package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

// MaxTransactionSize is the largest serialized transaction a leader accepts.
const MaxTransactionSize = 1232

// BatchAssembler builds the signed transaction for one batch.
type BatchAssembler interface {
	Assemble(ctx context.Context, batch ledger.Batch, priorityFee uint64) (*Assembled, error)
}

// Transfer is one token transfer instruction of an assembled batch.
type Transfer struct {
	Recipient   string
	Destination solana.PublicKey
	Amount      uint64
}

// Assembled is a signed transaction together with the recipients it covers.
type Assembled struct {
	// Included holds the recipients that have an instruction in Tx.
	Included ledger.Batch
	// Excluded holds recipients of the batch that were left out of Tx.
	Excluded  []string
	Transfers []Transfer
	Tx        *solana.Transaction
	// LastValidBlockHeight is the block height after which Tx's blockhash expires.
	LastValidBlockHeight uint64
}

type AssemblerConfig struct {
	Logger     *slog.Logger
	RPC        BlockhashRPC
	Validator  *Validator
	Authority  solana.PrivateKey
	Mint       solana.PublicKey
	Decimals   uint8
	Commitment solanarpc.CommitmentType
	Retry      retry.Config
}

func (cfg *AssemblerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
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
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Assembler builds token transfer transactions.
type Assembler struct {
	log       *slog.Logger
	cfg       AssemblerConfig
	authority solana.PublicKey
	source    solana.PublicKey
}

func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	authority := cfg.Authority.PublicKey()
	source, _, err := solana.FindAssociatedTokenAddress(authority, cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	return &Assembler{
		log:       cfg.Logger,
		cfg:       cfg,
		authority: authority,
		source:    source,
	}, nil
}

// Source returns the distributor's token account that transfers are paid from.
func (a *Assembler) Source() solana.PublicKey {
	return a.source
}

// Assemble validates each recipient, then builds and signs a transaction
// with a compute unit price instruction followed by one transfer per
// surviving recipient. When no recipient survives it returns the
// assembled exclusions together with ErrNothingToSend.
func (a *Assembler) Assemble(ctx context.Context, batch ledger.Batch, priorityFee uint64) (*Assembled, error) {
	out := &Assembled{}
	destinations := make(map[string]solana.PublicKey, batch.Len())
	for _, e := range batch.Entries() {
		ata, present, err := a.cfg.Validator.Validate(ctx, e.Address)
		if err != nil {
			return nil, err
		}
		if !present {
			out.Excluded = append(out.Excluded, e.Address)
			continue
		}
		destinations[e.Address] = ata
	}

	out.Included = batch.Filter(func(e ledger.Entry) bool {
		_, ok := destinations[e.Address]
		return ok
	})
	if out.Included.Len() == 0 {
		return out, ErrNothingToSend
	}

	instructions := make([]solana.Instruction, 0, out.Included.Len()+1)
	instructions = append(instructions, computeUnitPrice(priorityFee))

	for _, e := range out.Included.Entries() {
		amount, err := ToBaseUnits(e.Amount, a.cfg.Decimals)
		if err != nil {
			return nil, fmt.Errorf("invalid amount for %s: %w", e.Address, err)
		}
		dest := destinations[e.Address]
		ix, err := token.NewTransferInstruction(amount, a.source, dest, a.authority, nil).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("failed to build transfer instruction for %s: %w", e.Address, err)
		}
		instructions = append(instructions, ix)
		out.Transfers = append(out.Transfers, Transfer{Recipient: e.Address, Destination: dest, Amount: amount})
	}

	tx, lastValid, err := signTransaction(ctx, a.cfg.RPC, a.cfg.Retry, a.cfg.Commitment, a.cfg.Authority, instructions)
	if err != nil {
		return nil, err
	}
	out.Tx = tx
	out.LastValidBlockHeight = lastValid

	a.log.Debug("assembler: built transaction",
		"batch", batch.Index,
		"transfers", len(out.Transfers),
		"excluded", len(out.Excluded),
		"priority_fee", priorityFee)
	return out, nil
}

// MaxDecimals is the largest token precision whose base units fit the
// float64 conversion exactly enough to be useful.
const MaxDecimals = 15

// ToBaseUnits rounds amount to decimals places and scales it to the
// token's integer base units.
func ToBaseUnits(amount float64, decimals uint8) (uint64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return 0, fmt.Errorf("amount %v is not a non-negative number", amount)
	}
	scaled := math.Round(amount * math.Pow10(int(decimals)))
	if scaled >= math.MaxUint64 {
		return 0, fmt.Errorf("amount %v overflows base units", amount)
	}
	return uint64(scaled), nil
}

// computeUnitPrice builds the SetComputeUnitPrice instruction. The builder's
// Validate rejects a zero price, so it is skipped; zero is a valid fee.
func computeUnitPrice(microLamports uint64) solana.Instruction {
	return computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(microLamports).
		Build()
}

// signTransaction stamps instructions with a freshly fetched blockhash and
// signs them with the authority, which also pays the fee.
func signTransaction(
	ctx context.Context,
	rpc BlockhashRPC,
	retryCfg retry.Config,
	commitment solanarpc.CommitmentType,
	authority solana.PrivateKey,
	instructions []solana.Instruction,
) (*solana.Transaction, uint64, error) {
	var latest *solanarpc.GetLatestBlockhashResult
	err := retry.Do(ctx, retryCfg, func() error {
		var err error
		latest, err = rpc.GetLatestBlockhash(ctx, commitment)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return nil, 0, errors.New("failed to get latest blockhash: empty response")
	}

	payer := authority.PublicKey()
	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &authority
		}
		return nil
	}); err != nil {
		return nil, 0, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	if len(raw) > MaxTransactionSize {
		return nil, 0, fmt.Errorf("%w: %d bytes with %d instructions", ErrTransactionTooLarge, len(raw), len(instructions))
	}
	return tx, latest.Value.LastValidBlockHeight, nil
}
