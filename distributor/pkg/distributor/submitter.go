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
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/malbeclabs/airdrop/distributor/pkg/metrics"
	"github.com/malbeclabs/airdrop/utils/pkg/cluster"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

const (
	DefaultMaxAttempts         = 5
	DefaultRetryDelay          = 5 * time.Second
	DefaultConfirmPollInterval = 2 * time.Second
	DefaultConfirmTimeout      = 90 * time.Second
)

// Outcome is the final state of a batch submission.
type Outcome int

const (
	// OutcomeConfirmed means the network attested the batch transaction.
	OutcomeConfirmed Outcome = iota
	// OutcomeNothingToSend means every recipient was excluded; no transaction was sent.
	OutcomeNothingToSend
	// OutcomeDryRun means the transaction was built and signed but not sent.
	OutcomeDryRun
	// OutcomeExhausted means the attempt bound was reached without confirmation.
	OutcomeExhausted
	// OutcomePermanentFailure means retrying cannot help, e.g. the
	// transaction landed with an error or the context was cancelled.
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeNothingToSend:
		return "nothing_to_send"
	case OutcomeDryRun:
		return "dry_run"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Succeeded reports whether the batch can be checkpointed as processed.
func (o Outcome) Succeeded() bool {
	return o == OutcomeConfirmed || o == OutcomeNothingToSend
}

// Result is the outcome of submitting one batch.
type Result struct {
	Outcome   Outcome
	Attempts  int
	Signature solana.Signature
	// Assembled is the transaction of the last attempt, nil if assembly failed.
	Assembled *Assembled
	// Err is the last error seen, set for exhausted and permanent outcomes.
	Err error
}

type SubmitterConfig struct {
	Logger              *slog.Logger
	Clock               clockwork.Clock
	RPC                 SubmitRPC
	Assembler           BatchAssembler
	MaxAttempts         int
	RetryDelay          time.Duration
	Commitment          solanarpc.CommitmentType
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
	SkipPreflight       bool
	Cluster             string
	DryRun              bool
}

func (cfg *SubmitterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Assembler == nil {
		return errors.New("assembler is required")
	}
	if cfg.MaxAttempts < 0 {
		return errors.New("max attempts must not be negative")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		return errors.New("retry delay must not be negative")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = DefaultConfirmPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return nil
}

// Submitter sends batch transactions and waits for the network to confirm
// them, rebuilding and resending up to MaxAttempts times.
type Submitter struct {
	log *slog.Logger
	cfg SubmitterConfig
}

func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Submitter{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type stepKind int

const (
	stepConfirmed stepKind = iota
	stepNothingToSend
	stepDryRun
	stepRetryable
	stepPermanent
)

type sentTx struct {
	signature solana.Signature
	assembled *Assembled
}

type step struct {
	kind      stepKind
	assembled *Assembled
	signature solana.Signature
	err       error
}

// Submit drives one batch through build, send and confirmation. Each failed
// attempt waits RetryDelay and rebuilds the transaction from scratch with a
// fresh blockhash.
func (s *Submitter) Submit(ctx context.Context, batch ledger.Batch, priorityFee uint64) Result {
	var sent []sentTx
	var last step

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := retry.Sleep(ctx, s.cfg.Clock, s.cfg.RetryDelay); err != nil {
				return Result{Outcome: OutcomePermanentFailure, Attempts: attempt - 1, Assembled: last.assembled, Err: err}
			}
			// A transaction from an earlier attempt may have landed after we
			// stopped waiting for it; resending would pay the batch twice.
			if res, ok := s.landedLate(ctx, batch, sent, attempt-1); ok {
				return res
			}
		}

		last = s.attempt(ctx, batch, priorityFee, &sent)
		switch last.kind {
		case stepConfirmed:
			metrics.SubmitAttemptsTotal.WithLabelValues("confirmed").Inc()
			s.log.Info("submitter: batch confirmed",
				"batch", batch.Index,
				"attempt", attempt,
				"transfers", len(last.assembled.Transfers),
				"explorer", cluster.ExplorerTxURL(s.cfg.Cluster, last.signature.String()))
			return Result{Outcome: OutcomeConfirmed, Attempts: attempt, Signature: last.signature, Assembled: last.assembled}
		case stepNothingToSend:
			return Result{Outcome: OutcomeNothingToSend, Attempts: attempt, Assembled: last.assembled}
		case stepDryRun:
			return Result{Outcome: OutcomeDryRun, Attempts: attempt, Assembled: last.assembled}
		case stepPermanent:
			metrics.SubmitAttemptsTotal.WithLabelValues("permanent").Inc()
			s.log.Error("submitter: batch failed permanently",
				"batch", batch.Index,
				"attempt", attempt,
				"error", last.err,
				"explorer", s.explorer(last.signature))
			return Result{Outcome: OutcomePermanentFailure, Attempts: attempt, Signature: last.signature, Assembled: last.assembled, Err: last.err}
		case stepRetryable:
			metrics.SubmitAttemptsTotal.WithLabelValues("retryable").Inc()
			s.log.Warn("submitter: attempt failed",
				"batch", batch.Index,
				"attempt", attempt,
				"max_attempts", s.cfg.MaxAttempts,
				"error", last.err,
				"explorer", s.explorer(last.signature))
		}
	}

	if res, ok := s.landedLate(ctx, batch, sent, s.cfg.MaxAttempts); ok {
		return res
	}
	s.log.Error("submitter: batch exhausted retries", "batch", batch.Index, "attempts", s.cfg.MaxAttempts, "error", last.err)
	return Result{
		Outcome:   OutcomeExhausted,
		Attempts:  s.cfg.MaxAttempts,
		Signature: last.signature,
		Assembled: last.assembled,
		Err:       fmt.Errorf("batch %d not confirmed after %d attempts: %w", batch.Index, s.cfg.MaxAttempts, last.err),
	}
}

func (s *Submitter) attempt(ctx context.Context, batch ledger.Batch, priorityFee uint64, sent *[]sentTx) step {
	assembled, err := s.cfg.Assembler.Assemble(ctx, batch, priorityFee)
	if errors.Is(err, ErrNothingToSend) {
		return step{kind: stepNothingToSend, assembled: assembled}
	}
	if err != nil {
		return step{kind: classify(ctx, err), err: fmt.Errorf("build: %w", err)}
	}
	if s.cfg.DryRun {
		return step{kind: stepDryRun, assembled: assembled}
	}

	// The signature is fixed once the transaction is signed. Track it before
	// sending: a send whose response is lost may still land.
	sig := assembled.Tx.Signatures[0]
	*sent = append(*sent, sentTx{signature: sig, assembled: assembled})

	if _, err := s.cfg.RPC.SendTransactionWithOpts(ctx, assembled.Tx, solanarpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}); err != nil {
		return step{kind: classify(ctx, err), assembled: assembled, signature: sig, err: fmt.Errorf("send: %w", err)}
	}
	s.log.Debug("submitter: transaction sent", "batch", batch.Index, "signature", sig.String())

	if err := s.awaitConfirmation(ctx, sig, assembled.LastValidBlockHeight); err != nil {
		return step{kind: classify(ctx, err), assembled: assembled, signature: sig, err: fmt.Errorf("confirm: %w", err)}
	}
	return step{kind: stepConfirmed, assembled: assembled, signature: sig}
}

// landedLate checks every transaction sent so far and, if one reached the
// configured commitment, reports the batch confirmed by it.
func (s *Submitter) landedLate(ctx context.Context, batch ledger.Batch, sent []sentTx, attempts int) (Result, bool) {
	prev, ok := s.landed(ctx, sent)
	if !ok {
		return Result{}, false
	}
	metrics.SubmitAttemptsTotal.WithLabelValues("landed_late").Inc()
	s.log.Info("submitter: earlier attempt landed",
		"batch", batch.Index,
		"signature", prev.signature.String(),
		"explorer", s.explorer(prev.signature))
	return Result{Outcome: OutcomeConfirmed, Attempts: attempts, Signature: prev.signature, Assembled: prev.assembled}, true
}

func classify(ctx context.Context, err error) stepKind {
	switch {
	case ctx.Err() != nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrTransactionFailed),
		errors.Is(err, ErrTransactionTooLarge):
		return stepPermanent
	default:
		return stepRetryable
	}
}

func (s *Submitter) explorer(sig solana.Signature) string {
	if sig.IsZero() {
		return ""
	}
	return cluster.ExplorerTxURL(s.cfg.Cluster, sig.String())
}
