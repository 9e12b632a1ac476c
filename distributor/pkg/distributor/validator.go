package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/airdrop/utils/pkg/retry"
	"golang.org/x/time/rate"
)

type ValidatorConfig struct {
	Logger     *slog.Logger
	RPC        AccountRPC
	Mint       solana.PublicKey
	Commitment solanarpc.CommitmentType
	// Limiter throttles account lookups. Optional.
	Limiter *rate.Limiter
	Retry   retry.Config
}

func (cfg *ValidatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Validator checks that a recipient's associated token account exists.
// Recipients found absent stay absent for the lifetime of the validator.
type Validator struct {
	log    *slog.Logger
	cfg    ValidatorConfig
	absent map[string]struct{}
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{
		log:    cfg.Logger,
		cfg:    cfg,
		absent: make(map[string]struct{}),
	}, nil
}

// Validate returns the recipient's token account and whether a transfer can
// be made to it. An unparseable owner address or a missing token account is
// reported as absent; RPC failures are returned as errors.
func (v *Validator) Validate(ctx context.Context, owner string) (solana.PublicKey, bool, error) {
	if _, ok := v.absent[owner]; ok {
		return solana.PublicKey{}, false, nil
	}
	ata, present, err := v.Lookup(ctx, owner)
	if err != nil {
		return solana.PublicKey{}, false, err
	}
	if !present {
		v.absent[owner] = struct{}{}
		v.log.Warn("validator: no associated token account, excluding recipient", "recipient", owner, "ata", ata.String())
	}
	return ata, present, nil
}

// IsAbsent reports whether owner was previously found absent.
func (v *Validator) IsAbsent(owner string) bool {
	_, ok := v.absent[owner]
	return ok
}

// Lookup queries the recipient's associated token account without
// remembering the result.
func (v *Validator) Lookup(ctx context.Context, owner string) (solana.PublicKey, bool, error) {
	ownerPK, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		v.log.Warn("validator: invalid recipient address", "recipient", owner, "error", err)
		return solana.PublicKey{}, false, nil
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerPK, v.cfg.Mint)
	if err != nil {
		return solana.PublicKey{}, false, fmt.Errorf("failed to derive associated token account for %s: %w", owner, err)
	}

	present := false
	err = retry.Do(ctx, v.cfg.Retry, func() error {
		if v.cfg.Limiter != nil {
			if err := v.cfg.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		info, err := v.cfg.RPC.GetAccountInfoWithOpts(ctx, ata, &solanarpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: v.cfg.Commitment,
		})
		if errors.Is(err, solanarpc.ErrNotFound) {
			present = false
			return nil
		}
		if err != nil {
			return err
		}
		present = info != nil && info.Value != nil
		return nil
	})
	if err != nil {
		return ata, false, fmt.Errorf("failed to get account info for %s: %w", ata, err)
	}
	return ata, present, nil
}
