package distributor

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
)

// awaitConfirmation polls the signature status until it reaches the
// configured commitment. It gives up when the transaction fails on chain,
// when its blockhash has expired, or after ConfirmTimeout.
func (s *Submitter) awaitConfirmation(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	start := s.cfg.Clock.Now()
	for {
		status, err := s.signatureStatus(ctx, sig, false)
		switch {
		case err != nil:
			s.log.Debug("submitter: failed to get signature status", "signature", sig.String(), "error", err)
		case status != nil && status.Err != nil:
			return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
		case status != nil && commitmentReached(status.ConfirmationStatus, s.cfg.Commitment):
			return nil
		}

		height, err := s.cfg.RPC.GetBlockHeight(ctx, s.cfg.Commitment)
		if err == nil && lastValidBlockHeight > 0 && height > lastValidBlockHeight {
			// One last look: the transaction may have landed in the final valid block.
			if status, err := s.signatureStatus(ctx, sig, true); err == nil && status != nil && status.Err == nil &&
				commitmentReached(status.ConfirmationStatus, s.cfg.Commitment) {
				return nil
			}
			return fmt.Errorf("%w: block height %d > %d", ErrBlockhashExpired, height, lastValidBlockHeight)
		}

		if s.cfg.Clock.Since(start) >= s.cfg.ConfirmTimeout {
			return fmt.Errorf("%w after %s", ErrConfirmationTimeout, s.cfg.ConfirmTimeout)
		}
		if err := retry.Sleep(ctx, s.cfg.Clock, s.cfg.ConfirmPollInterval); err != nil {
			return err
		}
	}
}

// landed reports the first earlier transaction that reached the configured
// commitment without error.
func (s *Submitter) landed(ctx context.Context, sent []sentTx) (sentTx, bool) {
	for _, prev := range sent {
		status, err := s.signatureStatus(ctx, prev.signature, true)
		if err != nil || status == nil || status.Err != nil {
			continue
		}
		if commitmentReached(status.ConfirmationStatus, s.cfg.Commitment) {
			return prev, true
		}
	}
	return sentTx{}, false
}

func (s *Submitter) signatureStatus(ctx context.Context, sig solana.Signature, searchHistory bool) (*solanarpc.SignatureStatusesResult, error) {
	out, err := s.cfg.RPC.GetSignatureStatuses(ctx, searchHistory, sig)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func commitmentReached(status solanarpc.ConfirmationStatusType, want solanarpc.CommitmentType) bool {
	rank := func(s string) int {
		switch s {
		case string(solanarpc.ConfirmationStatusProcessed):
			return 1
		case string(solanarpc.ConfirmationStatusConfirmed):
			return 2
		case string(solanarpc.ConfirmationStatusFinalized):
			return 3
		default:
			return 0
		}
	}
	got := rank(string(status))
	return got > 0 && got >= rank(string(want))
}
