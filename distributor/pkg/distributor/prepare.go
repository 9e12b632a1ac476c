package distributor

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
)

// DefaultPrepareBatchSize is the number of account creations per
// transaction. Each creation carries more accounts than a transfer.
const DefaultPrepareBatchSize = 8

// MaxPrepareBatchSize is the most account creations that fit one
// transaction; each creation adds two account keys and seven indices.
const MaxPrepareBatchSize = 11

// accountCreator builds transactions that create missing associated token
// accounts, paid by the authority.
type accountCreator struct {
	d *Distributor
}

// Assemble leaves out recipients whose account already exists. Unparseable
// addresses are reported in Excluded.
func (c *accountCreator) Assemble(ctx context.Context, batch ledger.Batch, priorityFee uint64) (*Assembled, error) {
	d := c.d
	out := &Assembled{}
	owners := make(map[string]solana.PublicKey, batch.Len())
	for _, e := range batch.Entries() {
		owner, err := solana.PublicKeyFromBase58(e.Address)
		if err != nil {
			out.Excluded = append(out.Excluded, e.Address)
			continue
		}
		_, present, err := d.validator.Lookup(ctx, e.Address)
		if err != nil {
			return nil, err
		}
		if !present {
			owners[e.Address] = owner
		}
	}

	out.Included = batch.Filter(func(e ledger.Entry) bool {
		_, ok := owners[e.Address]
		return ok
	})
	if out.Included.Len() == 0 {
		return out, ErrNothingToSend
	}

	payer := d.cfg.Authority.PublicKey()
	instructions := make([]solana.Instruction, 0, out.Included.Len()+1)
	instructions = append(instructions, computeUnitPrice(priorityFee))
	for _, e := range out.Included.Entries() {
		ix, err := associatedtokenaccount.NewCreateInstruction(payer, owners[e.Address], d.cfg.Mint).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("failed to build create account instruction for %s: %w", e.Address, err)
		}
		instructions = append(instructions, ix)
	}

	tx, lastValid, err := signTransaction(ctx, d.cfg.RPC, d.cfg.Retry, d.cfg.Commitment, d.cfg.Authority, instructions)
	if err != nil {
		return nil, err
	}
	out.Tx = tx
	out.LastValidBlockHeight = lastValid
	return out, nil
}

// PrepareSummary describes what PrepareAccounts did.
type PrepareSummary struct {
	Batches    int
	Created    int
	Existing   int
	Invalid    []string
	Signatures []solana.Signature
}

// PrepareAccounts creates the associated token account of every recipient
// that lacks one, batchSize creations per transaction. Recipients that
// already have an account are skipped, so it is safe to run again after a
// failure. No checkpoint is kept.
func (d *Distributor) PrepareAccounts(ctx context.Context, recipients *ledger.Ledger, batchSize int) (*PrepareSummary, error) {
	if batchSize <= 0 {
		batchSize = DefaultPrepareBatchSize
	}
	if batchSize > MaxPrepareBatchSize {
		return nil, fmt.Errorf("batch size must be between 1 and %d", MaxPrepareBatchSize)
	}

	submitter, err := NewSubmitter(SubmitterConfig{
		Logger:              d.log,
		Clock:               d.cfg.Clock,
		RPC:                 d.cfg.RPC,
		Assembler:           &accountCreator{d: d},
		MaxAttempts:         d.cfg.MaxAttempts,
		RetryDelay:          d.cfg.RetryDelay,
		Commitment:          d.cfg.Commitment,
		ConfirmPollInterval: d.cfg.ConfirmPollInterval,
		ConfirmTimeout:      d.cfg.ConfirmTimeout,
		SkipPreflight:       d.cfg.SkipPreflight,
		Cluster:             d.cfg.Cluster,
		DryRun:              d.cfg.DryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create submitter: %w", err)
	}

	fee, _ := d.priorityFee(ctx)
	summary := &PrepareSummary{}
	d.log.Info("distributor: preparing token accounts", "recipients", recipients.Len(), "batch_size", batchSize, "priority_fee", fee)

	for batch := range recipients.Batches(batchSize) {
		summary.Batches++
		res := submitter.Submit(ctx, batch, fee)
		if res.Assembled != nil {
			summary.Invalid = append(summary.Invalid, res.Assembled.Excluded...)
			summary.Existing += batch.Len() - res.Assembled.Included.Len() - len(res.Assembled.Excluded)
		}
		switch res.Outcome {
		case OutcomeConfirmed:
			summary.Created += res.Assembled.Included.Len()
			summary.Signatures = append(summary.Signatures, res.Signature)
		case OutcomeNothingToSend, OutcomeDryRun:
		default:
			return summary, fmt.Errorf("%w: batch %d: %w", ErrHalted, batch.Index, res.Err)
		}
	}

	for _, addr := range summary.Invalid {
		d.log.Warn("distributor: invalid recipient address, no account created", "recipient", addr)
	}
	d.log.Info("distributor: token accounts prepared",
		"batches", summary.Batches,
		"created", summary.Created,
		"existing", summary.Existing,
		"invalid", len(summary.Invalid))
	return summary, nil
}

var (
	_ BatchAssembler = (*accountCreator)(nil)
	_ BatchAssembler = (*Assembler)(nil)
)
